package hwlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// hwlog is a thread-safe binary trace of hardware accesses.
//
// Each record is a fixed header followed by the source and message bytes:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - 4 bytes offset (register offset or config-space offset)
//   - 4 bytes value
//   - 4 bytes mask
//   - sourceLength bytes source
//   - messageLength bytes message
//
// Writers reserve space by atomically advancing the file offset, so records
// from the servicing goroutine and caller goroutines never interleave.

const headerSize = 28

// Kind identifies the type of a trace record.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindRegRead
	KindRegWrite
	KindConfigRead
	KindConfigWrite
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindRegRead:
		return "reg-read"
	case KindRegWrite:
		return "reg-write"
	case KindConfigRead:
		return "cfg-read"
	case KindConfigWrite:
		return "cfg-write"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// Writer is the sink for trace records.
type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	fh     atomic.Pointer[writer]
	offset atomic.Uint64
)

// OpenFile truncates filename and starts tracing into it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open starts tracing into w. The error is a warning: a previously open
// writer was replaced and may have lost records.
func Open(w Writer) error {
	offset.Store(0)
	if fh.Swap(&writer{w: w}) != nil {
		return fmt.Errorf("hwlog: already open, discarded old writer")
	}
	return nil
}

// Close stops tracing and closes the current writer.
func Close() error {
	old := fh.Swap(nil)
	offset.Store(0)
	if old != nil {
		return old.w.Close()
	}
	return nil
}

// Enabled reports whether a trace is open.
func Enabled() bool {
	return fh.Load() != nil
}

// Memory is an in-memory trace sink.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

// OpenMemory starts tracing into a fresh in-memory buffer.
func OpenMemory() (*Memory, error) {
	m := &Memory{}
	if err := Open(m); err != nil {
		return m, err
	}
	return m, nil
}

// WriteAt implements io.WriterAt.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := int(off) + len(p); end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	copy(m.data[off:], p)
	return len(p), nil
}

// Close implements io.Closer.
func (m *Memory) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

func write(kind Kind, source string, off, value, mask uint32, msg []byte) {
	w := fh.Load()
	if w == nil {
		return
	}

	size := uint64(headerSize + len(source) + len(msg))
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(msg)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(buf[16:20], off)
	binary.LittleEndian.PutUint32(buf[20:24], value)
	binary.LittleEndian.PutUint32(buf[24:28], mask)
	copy(buf[headerSize:], source)
	copy(buf[headerSize+len(source):], msg)

	at := offset.Add(size) - size
	// Tracing must never fail a hardware access.
	_, _ = w.w.WriteAt(buf, int64(at))
}

// RegRead records a register read.
func RegRead(source string, off, value uint32) {
	write(KindRegRead, source, off, value, 0, nil)
}

// RegWrite records a register write with its effective mask.
func RegWrite(source string, off, value, mask uint32) {
	write(KindRegWrite, source, off, value, mask, nil)
}

// ConfigRead records a PCI config-space read.
func ConfigRead(source string, off uint16, size uint8, value uint32) {
	write(KindConfigRead, source, uint32(off), value, sizeMask(size), nil)
}

// ConfigWrite records a PCI config-space write.
func ConfigWrite(source string, off uint16, size uint8, value uint32) {
	write(KindConfigWrite, source, uint32(off), value, sizeMask(size), nil)
}

// Eventf records a free-form event.
func Eventf(source string, format string, args ...any) {
	if fh.Load() == nil {
		return
	}
	write(KindEvent, source, 0, 0, 0, fmt.Appendf(nil, format, args...))
}

func sizeMask(size uint8) uint32 {
	switch size {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	default:
		return 0xffff_ffff
	}
}
