// Package csv provides CSV file reading for tabular event data.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hed1ad/threatguard/pkg/event"
)

// Reader reads events from CSV files. Each row becomes one event keyed by
// the header; cells are typed by event.Infer and empty cells are dropped.
type Reader struct {
	file      io.Closer
	reader    *csv.Reader
	hasHeader bool
	headers   []string
	comma     rune
	streamErr error
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row. Without one, columns are
// named col_0, col_1 and so on.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithComma sets the field delimiter.
func WithComma(c rune) Option {
	return func(r *Reader) {
		r.comma = c
	}
}

// NewReader creates a new CSV reader.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := newReader(file, file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// FromReader reads CSV from src. The caller owns src.
func FromReader(src io.Reader, opts ...Option) (*Reader, error) {
	return newReader(src, nil, opts...)
}

func newReader(src io.Reader, closer io.Closer, opts ...Option) (*Reader, error) {
	r := &Reader{
		file:      closer,
		hasHeader: true,
		comma:     ',',
	}

	for _, opt := range opts {
		opt(r)
	}

	r.reader = csv.NewReader(src)
	r.reader.Comma = r.comma
	r.reader.TrimLeadingSpace = true

	// Read header if present
	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		r.headers = headers
	}

	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Read returns all rows as events. Rows with the wrong number of fields are
// skipped.
func (r *Reader) Read() ([]event.RawEvent, error) {
	var events []event.RawEvent

	for {
		record, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if malformed(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		events = append(events, r.toEvent(record))
	}

	return events, nil
}

// Stream returns a channel of events for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan event.RawEvent, error) {
	out := make(chan event.RawEvent, 100)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				record, err := r.reader.Read()
				if err == io.EOF {
					return
				}
				if malformed(err) {
					continue
				}
				if err != nil {
					r.streamErr = err
					return
				}

				select {
				case out <- r.toEvent(record):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Err returns the read error that ended the last Stream, if any. It is
// valid once the stream channel is closed.
func (r *Reader) Err() error { return r.streamErr }

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// toEvent converts a row to an event.
func (r *Reader) toEvent(record []string) event.RawEvent {
	e := make(event.RawEvent, len(record))
	for i, val := range record {
		if val == "" {
			continue
		}
		e[r.column(i)] = event.Infer(val)
	}
	return e
}

func (r *Reader) column(i int) string {
	if i < len(r.headers) && r.headers[i] != "" {
		return r.headers[i]
	}
	return fmt.Sprintf("col_%d", i)
}

func malformed(err error) bool {
	var pe *csv.ParseError
	return errors.As(err, &pe) && errors.Is(pe.Err, csv.ErrFieldCount)
}
