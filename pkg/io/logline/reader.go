// Package logline reads text log files line by line and normalizes each line
// into a raw event.
package logline

import (
	"bufio"
	"context"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/hed1ad/threatguard/pkg/event"
)

// syslogLine matches "<Mon> <day> <hh:mm:ss> <host> <program>[pid]: <message>".
var syslogLine = regexp.MustCompile(`^([A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+([^:\[\s]+)(?:\[(\d+)\])?:\s*(.*)$`)

// Reader turns each non-blank line into an event with the fields log and
// source. Syslog-formatted lines also yield timestamp, host, program, pid
// and message.
type Reader struct {
	closer  io.Closer
	scanner *bufio.Scanner
	source  string
}

// Option configures a log reader.
type Option func(*Reader)

// WithSource sets the source field of every event.
func WithSource(s string) Option {
	return func(r *Reader) {
		r.source = s
	}
}

// NewFileReader opens a log file.
func NewFileReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	r := FromReader(file, opts...)
	r.closer = file
	return r, nil
}

// FromReader reads lines from src. The caller owns src.
func FromReader(src io.Reader, opts ...Option) *Reader {
	r := &Reader{
		scanner: bufio.NewScanner(src),
		source:  "unknown",
	}
	r.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Normalize converts one log line to an event.
func Normalize(line, source string) event.RawEvent {
	e := event.RawEvent{
		"log":    event.Text(line),
		"source": event.Text(source),
	}
	if m := syslogLine.FindStringSubmatch(line); m != nil {
		e["timestamp"] = event.Text(m[1])
		e["host"] = event.Text(m[2])
		e["program"] = event.Text(m[3])
		if m[4] != "" {
			e["pid"] = event.ParseNumber(m[4])
		}
		e["message"] = event.Text(m[5])
	}
	return e
}

// Read returns all lines as events.
func (r *Reader) Read() ([]event.RawEvent, error) {
	var events []event.RawEvent
	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		events = append(events, Normalize(line, r.source))
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Stream returns a channel of events for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan event.RawEvent, error) {
	out := make(chan event.RawEvent, 100)

	go func() {
		defer close(out)
		for r.scanner.Scan() {
			line := strings.TrimRight(r.scanner.Text(), "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			select {
			case out <- Normalize(line, r.source):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Err returns the scan error that ended the last Stream, if any.
func (r *Reader) Err() error { return r.scanner.Err() }

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
