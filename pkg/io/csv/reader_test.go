package csv

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/threatguard/pkg/event"
)

const flows = `source_ip,port,bytes,url
10.0.0.1,443,1200.5,https://example.com
10.0.0.2,22,,
broken,row
10.0.0.3,80,64,http://malware.com/x
`

func TestRead(t *testing.T) {
	r, err := FromReader(strings.NewReader(flows))
	require.NoError(t, err)
	assert.Equal(t, []string{"source_ip", "port", "bytes", "url"}, r.Headers())

	events, err := r.Read()
	require.NoError(t, err)
	require.Len(t, events, 3, "the short row is skipped")

	assert.Equal(t, event.RawEvent{
		"source_ip": event.Text("10.0.0.1"),
		"port":      event.Int(443),
		"bytes":     event.Float(1200.5),
		"url":       event.Text("https://example.com"),
	}, events[0])
	assert.Equal(t, event.RawEvent{
		"source_ip": event.Text("10.0.0.2"),
		"port":      event.Int(22),
	}, events[1])
}

func TestNoHeader(t *testing.T) {
	r, err := FromReader(strings.NewReader("1;abc\n2;def\n"), WithHeader(false), WithComma(';'))
	require.NoError(t, err)

	events, err := r.Read()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, event.RawEvent{"col_0": event.Int(2), "col_1": event.Text("def")}, events[1])
}

func TestStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.csv")
	require.NoError(t, os.WriteFile(path, []byte(flows), 0o644))

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)

	var got []event.RawEvent
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 3)
	assert.Equal(t, event.Text("http://malware.com/x"), got[2]["url"])
}

func TestMissingFile(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}
