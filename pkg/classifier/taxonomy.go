package classifier

// labels is the fixed, ordered threat taxonomy. A label's position is its
// class index in the supervised backend.
var labels = []string{
	"malware",
	"phishing",
	"brute_force",
	"anomaly",
	"sql_injection",
	"xss",
	"ddos",
	"ransomware",
	"man_in_the_middle",
	"zero_day",
	"spyware",
	"trojan",
	"worm",
	"rootkit",
	"keylogger",
	"adware",
}

var labelIndex = func() map[string]int {
	m := make(map[string]int, len(labels))
	for i, l := range labels {
		m[l] = i
	}
	return m
}()

// Labels returns a copy of the taxonomy in class-index order.
func Labels() []string {
	out := make([]string, len(labels))
	copy(out, labels)
	return out
}

// Index returns the class index of label.
func Index(label string) (int, bool) {
	i, ok := labelIndex[label]
	return i, ok
}

// Label returns the taxonomy label for a class index.
func Label(index int) (string, bool) {
	if index < 0 || index >= len(labels) {
		return "", false
	}
	return labels[index], true
}
