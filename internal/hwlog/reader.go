package hwlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"
)

// Record is one decoded trace entry.
type Record struct {
	Time    time.Time
	Kind    Kind
	Source  string
	Offset  uint32
	Value   uint32
	Mask    uint32
	Message string
}

func (r Record) String() string {
	ts := r.Time.Format("15:04:05.000000")
	switch r.Kind {
	case KindRegRead:
		return fmt.Sprintf("%s %-9s %s %#08x -> %#08x", ts, r.Kind, r.Source, r.Offset, r.Value)
	case KindRegWrite:
		return fmt.Sprintf("%s %-9s %s %#08x <- %#08x mask=%#08x", ts, r.Kind, r.Source, r.Offset, r.Value, r.Mask)
	case KindConfigRead:
		return fmt.Sprintf("%s %-9s %s +%#03x -> %#x", ts, r.Kind, r.Source, r.Offset, r.Value&r.Mask)
	case KindConfigWrite:
		return fmt.Sprintf("%s %-9s %s +%#03x <- %#x", ts, r.Kind, r.Source, r.Offset, r.Value&r.Mask)
	default:
		return fmt.Sprintf("%s %-9s %s %s", ts, r.Kind, r.Source, r.Message)
	}
}

// Reader decodes records sequentially.
type Reader struct {
	br *bufio.Reader
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 1<<20)}
}

// Next returns the next record, or io.EOF at the end of the trace.
//
// Space reserved by a writer that never completed reads back as zeroes; a
// zero kind ends the trace.
func (r *Reader) Next() (Record, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r.br, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, io.EOF
		}
		return Record{}, err
	}

	kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
	if kind == KindInvalid {
		return Record{}, io.EOF
	}
	sourceLen := int(binary.LittleEndian.Uint16(header[2:4]))
	msgLen := int(binary.LittleEndian.Uint32(header[4:8]))

	body := make([]byte, sourceLen+msgLen)
	if _, err := io.ReadFull(r.br, body); err != nil {
		return Record{}, fmt.Errorf("hwlog: truncated record body: %w", err)
	}

	return Record{
		Time:    time.Unix(0, int64(binary.LittleEndian.Uint64(header[8:16]))),
		Kind:    kind,
		Offset:  binary.LittleEndian.Uint32(header[16:20]),
		Value:   binary.LittleEndian.Uint32(header[20:24]),
		Mask:    binary.LittleEndian.Uint32(header[24:28]),
		Source:  string(body[:sourceLen]),
		Message: string(body[sourceLen:]),
	}, nil
}

// Each calls fn for every record in order.
func (r *Reader) Each(fn func(Record) error) error {
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// ReadFile decodes every record in filename.
func ReadFile(filename string) ([]Record, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	err = NewReader(f).Each(func(r Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}
