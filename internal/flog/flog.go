// Package flog implements the on-disk record format for incident artifacts:
// a stream of JSON records, one per line, optionally bzip2-compressed. The
// first record of an artifact is a header naming the triggering event; every
// later record wraps one captured event with its receive time and source.
package flog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/setevik/flightlog/internal/event"
)

// SchemaVersion is written into every header so readers can tell artifact
// generations apart. Unknown fields are ignored on read, so bumping this is
// only needed for incompatible changes.
const SchemaVersion = 1

// HeaderType is the value of the header's "type" field.
const HeaderType = "incident"

// Header opens an artifact and carries the event that triggered it.
type Header struct {
	Type    string      `json:"type"`
	Version int         `json:"version"`
	Trigger event.Event `json:"trigger"`
}

// Record is one line of an artifact: either a header (Header set) or a
// wrapped event (From/RxTime/D set).
type Record struct {
	Header *Header `json:"header,omitempty"`

	From   string       `json:"from,omitempty"`
	RxTime float64      `json:"rx_time,omitempty"`
	D      *event.Event `json:"d,omitempty"`
}

// IsHeader reports whether the record is an artifact header.
func (r Record) IsHeader() bool {
	return r.Header != nil
}

// ReceivedAt converts the wrapper's rx_time (seconds since epoch) back to a
// time.Time. Zero for header records.
func (r Record) ReceivedAt() time.Time {
	if r.RxTime == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(r.RxTime*float64(time.Second)))
}

// NewHeader builds the header record for an artifact.
func NewHeader(trigger event.Event) Record {
	return Record{Header: &Header{
		Type:    HeaderType,
		Version: SchemaVersion,
		Trigger: trigger,
	}}
}

// Wrap builds a wrapper record for one captured event.
func Wrap(from string, rx time.Time, ev event.Event) Record {
	return Record{
		From:   from,
		RxTime: epochSeconds(rx),
		D:      &ev,
	}
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Writer encodes records onto an io.Writer, one JSON object per line.
type Writer struct {
	enc *json.Encoder
}

// NewWriter creates a Writer. The caller keeps ownership of w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Write appends one record.
func (w *Writer) Write(rec Record) error {
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return nil
}

// Reader decodes a record stream. The line framing is self-delimiting, so
// it reads equally from plain and decompressed streams.
type Reader struct {
	dec *json.Decoder
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: json.NewDecoder(r)}
}

// Next returns the next record, or io.EOF at end of stream.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("decoding record: %w", err)
	}
	return rec, nil
}

// NewCompressor wraps w in the bzip2 writer used for compressed artifacts.
// The returned writer buffers aggressively and cannot flush midway; records
// only become readable after Close.
func NewCompressor(w io.Writer) (io.WriteCloser, error) {
	zw, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	if err != nil {
		return nil, fmt.Errorf("creating bzip2 writer: %w", err)
	}
	return zw, nil
}

// File is an artifact opened for reading.
type File struct {
	r       *Reader
	closers []io.Closer
}

// Open opens an artifact file for reading, transparently decompressing
// paths ending in .bz2.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening artifact: %w", err)
	}

	if strings.HasSuffix(path, ".bz2") {
		zr, err := bzip2.NewReader(f, nil)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("opening bzip2 stream: %w", err)
		}
		return &File{r: NewReader(zr), closers: []io.Closer{zr, f}}, nil
	}

	return &File{r: NewReader(f), closers: []io.Closer{f}}, nil
}

// Next returns the next record, or io.EOF at end of the artifact.
func (f *File) Next() (Record, error) {
	return f.r.Next()
}

// ReadAll returns every record left in the artifact.
func (f *File) ReadAll() ([]Record, error) {
	var recs []Record
	for {
		rec, err := f.Next()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
}

// ReadAll opens the artifact at path and returns all of its records.
func ReadAll(path string) ([]Record, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.ReadAll()
}

// Close closes the underlying readers and file.
func (f *File) Close() error {
	var firstErr error
	for _, c := range f.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
