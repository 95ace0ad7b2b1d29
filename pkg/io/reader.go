// Package io provides input/output utilities for event ingestion and
// detection results.
package io

import (
	"context"
	"encoding/json"
	"fmt"
	stdio "io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hed1ad/threatguard/pkg/event"
	"github.com/hed1ad/threatguard/pkg/io/csv"
	"github.com/hed1ad/threatguard/pkg/io/logline"
	"github.com/hed1ad/threatguard/pkg/io/pcap"
	"github.com/hed1ad/threatguard/pkg/threat"
)

// Reader is the interface for reading raw events from various sources.
type Reader interface {
	// Read returns every remaining event.
	Read() ([]event.RawEvent, error)

	// Stream returns a channel of events for real-time processing.
	Stream(ctx context.Context) (<-chan event.RawEvent, error)

	// Close releases resources.
	Close() error
}

var (
	_ Reader = (*csv.Reader)(nil)
	_ Reader = (*pcap.Reader)(nil)
	_ Reader = (*logline.Reader)(nil)
	_ Reader = (*JSONReader)(nil)

	_ streamErrer = (*csv.Reader)(nil)
	_ streamErrer = (*logline.Reader)(nil)
	_ streamErrer = (*JSONReader)(nil)
)

// streamErrer is implemented by readers whose Stream can end early on a
// read error.
type streamErrer interface {
	Err() error
}

// StreamErr returns the error that ended r's last Stream. Call it after
// the stream channel is drained.
func StreamErr(r Reader) error {
	if se, ok := r.(streamErrer); ok {
		return se.Err()
	}
	return nil
}

// Open picks a reader by file extension: .csv, .pcap/.pcapng, .log/.txt,
// and JSON (an array or one object per line) for everything else.
func Open(path string) (Reader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return csv.NewReader(path)
	case ".pcap", ".pcapng", ".cap":
		return pcap.NewFileReader(path)
	case ".log", ".txt":
		return logline.NewFileReader(path, logline.WithSource(filepath.Base(path)))
	default:
		return NewJSONReader(path)
	}
}

// ReadAll opens path, reads every event and closes it.
func ReadAll(path string) ([]event.RawEvent, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	events, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return events, nil
}

// JSONReader reads events from a JSON array or from newline-delimited
// JSON objects.
type JSONReader struct {
	file *os.File
	dec  *json.Decoder
	// array is set once the opening bracket of a top-level array is consumed.
	array bool
	// streamed counts events sent by Stream; streamErr is the decode error
	// that ended it.
	streamed  int
	streamErr error
}

// NewJSONReader opens a JSON event file.
func NewJSONReader(filename string) (*JSONReader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	return newJSONReader(file), nil
}

func newJSONReader(file *os.File) *JSONReader {
	return &JSONReader{file: file, dec: json.NewDecoder(file)}
}

// next returns the next event or io.EOF.
func (r *JSONReader) next() (event.RawEvent, error) {
	if !r.array {
		if !r.dec.More() {
			return nil, stdio.EOF
		}
		// Peek at the first token to tell arrays from object streams.
		tok, err := r.dec.Token()
		if err != nil {
			return nil, err
		}
		switch tok {
		case json.Delim('['):
			r.array = true
		case json.Delim('{'):
			return r.decodeObjectBody()
		default:
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
	}

	if !r.dec.More() {
		// Closing bracket; anything after it is ignored.
		if _, err := r.dec.Token(); err != nil {
			return nil, err
		}
		return nil, stdio.EOF
	}
	var e event.RawEvent
	if err := r.dec.Decode(&e); err != nil {
		return nil, err
	}
	if e == nil {
		e = event.RawEvent{}
	}
	return e, nil
}

// decodeObjectBody finishes an object whose opening brace was consumed as a
// token and leaves the decoder positioned for the next line.
func (r *JSONReader) decodeObjectBody() (event.RawEvent, error) {
	e := event.RawEvent{}
	for r.dec.More() {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key %v", tok)
		}
		var v event.Value
		if err := r.dec.Decode(&v); err != nil {
			return nil, err
		}
		e[key] = v
	}
	if _, err := r.dec.Token(); err != nil {
		return nil, err
	}
	return e, nil
}

// Read returns all events.
func (r *JSONReader) Read() ([]event.RawEvent, error) {
	var events []event.RawEvent
	for {
		e, err := r.next()
		if err == stdio.EOF {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode event %d: %w", len(events), err)
		}
		events = append(events, e)
	}
}

// Stream returns a channel of events. Decoding stops at the first malformed
// document since the decoder cannot resynchronize; Err reports it.
func (r *JSONReader) Stream(ctx context.Context) (<-chan event.RawEvent, error) {
	out := make(chan event.RawEvent, 100)

	go func() {
		defer close(out)
		for {
			e, err := r.next()
			if err == stdio.EOF {
				return
			}
			if err != nil {
				r.streamErr = fmt.Errorf("decode event %d: %w", r.streamed, err)
				return
			}
			select {
			case out <- e:
				r.streamed++
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Err returns the decode error that ended the last Stream, if any. It is
// valid once the stream channel is closed.
func (r *JSONReader) Err() error { return r.streamErr }

// Close releases resources.
func (r *JSONReader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Writer is the interface for writing detection results.
type Writer interface {
	// Write outputs a single result.
	Write(result Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []Result) error

	// Close releases resources.
	Close() error
}

// Result is the outcome of running one event through the engine.
type Result struct {
	Timestamp time.Time        `json:"timestamp"`
	RequestID string           `json:"request_id,omitempty"`
	Source    string           `json:"source,omitempty"`
	Threats   []threat.Finding `json:"threats"`
}

// JSONWriter writes one JSON result per line.
type JSONWriter struct {
	w   stdio.Writer
	enc *json.Encoder
}

// NewJSONWriter wraps w. Closing the writer closes w when it is an io.Closer.
func NewJSONWriter(w stdio.Writer) *JSONWriter {
	return &JSONWriter{w: w, enc: json.NewEncoder(w)}
}

// Write outputs a single result.
func (w *JSONWriter) Write(result Result) error {
	if result.Threats == nil {
		result.Threats = []threat.Finding{}
	}
	return w.enc.Encode(result)
}

// WriteAll outputs multiple results.
func (w *JSONWriter) WriteAll(results []Result) error {
	for _, r := range results {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// Close releases resources.
func (w *JSONWriter) Close() error {
	if c, ok := w.w.(stdio.Closer); ok && w.w != os.Stdout && w.w != os.Stderr {
		return c.Close()
	}
	return nil
}
