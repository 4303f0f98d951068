package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Log is a lock-free binary event log. Each core reserves space for a
// record by atomically advancing the shared offset and then writes the
// record at that offset, so records from different cores never interleave.
//
// The binary format of one record is:
//   - 2 bytes kind
//   - 2 bytes core index
//   - 4 bytes payload length
//   - 8 bytes timestamp
//   - payload
//
// Payloads are a sequence of little-endian uint64 arguments, except for
// KindMessage whose payload is UTF-8 text.

const headerSize = 16

// Kind identifies what a record describes.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindMessage
	// KindException args: vector slot, ESR, ELR, FAR.
	KindException
	// KindIRQ args: interrupt id.
	KindIRQ
	// KindSMC args: function id, x1, x2, x3, result.
	KindSMC
	// KindSVC args: function id, x0, result.
	KindSVC
	// KindPower args: old state, new state. The record's core is the target.
	KindPower
	// KindSGI args: SGI id, as taken by the record's core.
	KindSGI
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindException:
		return "exception"
	case KindIRQ:
		return "irq"
	case KindSMC:
		return "smc"
	case KindSVC:
		return "svc"
	case KindPower:
		return "power"
	case KindSGI:
		return "sgi"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// ParseKind is the inverse of Kind.String for the named kinds.
func ParseKind(s string) (Kind, error) {
	for k := KindMessage; k <= KindSGI; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return KindInvalid, fmt.Errorf("trace: unknown kind %q", s)
}

// Writer is the destination of a Log.
type Writer interface {
	io.WriterAt
	io.Closer
}

// Log writes records to a Writer. A nil *Log discards everything, so
// components can hold one unconditionally.
type Log struct {
	w      Writer
	offset atomicbitops.Uint64
	clock  func() uint64

	mu     sync.Mutex
	closed bool
}

// New returns a Log writing to w. clock supplies timestamps; nil selects
// wall-clock nanoseconds.
func New(w Writer, clock func() uint64) *Log {
	if clock == nil {
		clock = func() uint64 { return uint64(time.Now().UnixNano()) }
	}
	return &Log{w: w, clock: clock}
}

// OpenFile truncates filename and returns a Log writing to it.
func OpenFile(filename string) (*Log, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	return New(f, nil), nil
}

// Size is the number of bytes reserved so far.
func (l *Log) Size() int64 {
	if l == nil {
		return 0
	}
	return int64(l.offset.Load())
}

// Close closes the underlying writer. Later records are dropped.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.w.Close()
}

func (l *Log) write(kind Kind, core uint32, payload []byte) {
	if l == nil {
		return
	}
	rec := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint16(rec[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(rec[2:4], uint16(core))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(rec[8:16], l.clock())
	copy(rec[headerSize:], payload)

	size := uint64(len(rec))
	off := l.offset.Add(size) - size
	// A failed trace write must not take the core down with it.
	_, _ = l.w.WriteAt(rec, int64(off))
}

// Record writes an event with numeric arguments.
func (l *Log) Record(kind Kind, core uint32, args ...uint64) {
	if l == nil {
		return
	}
	payload := make([]byte, 8*len(args))
	for i, a := range args {
		binary.LittleEndian.PutUint64(payload[8*i:], a)
	}
	l.write(kind, core, payload)
}

// Message writes a text record.
func (l *Log) Message(core uint32, text string) {
	l.write(KindMessage, core, []byte(text))
}

// Messagef writes a formatted text record.
func (l *Log) Messagef(core uint32, format string, args ...any) {
	if l == nil {
		return
	}
	l.write(KindMessage, core, fmt.Appendf(nil, format, args...))
}

type write struct {
	off  int64
	data []byte
}

// Memory is an in-memory Writer. Writes may arrive out of order.
type Memory struct {
	data    sync.Map
	maxSize atomicbitops.Int64
}

func (m *Memory) WriteAt(p []byte, off int64) (n int, err error) {
	m.data.Store(off, write{
		off:  off,
		data: append([]byte{}, p...),
	})
	end := int64(len(p)) + off
	for {
		val := m.maxSize.Load()
		if val >= end || m.maxSize.CompareAndSwap(val, end) {
			break
		}
	}
	return len(p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes assembles the writes into one contiguous buffer.
func (m *Memory) Bytes() []byte {
	data := make([]byte, m.maxSize.Load())
	m.data.Range(func(key, value any) bool {
		w := value.(write)
		copy(data[w.off:], w.data)
		return true
	})
	return data
}

// WriteTo replays the writes into w, for saving a memory log to a file.
func (m *Memory) WriteTo(w io.WriterAt) (int64, error) {
	var err error
	m.data.Range(func(key, value any) bool {
		rec := value.(write)
		_, err = w.WriteAt(rec.data, rec.off)
		return err == nil
	})
	return m.maxSize.Load(), err
}
