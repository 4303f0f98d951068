package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
)

// Event is one decoded record.
type Event struct {
	Kind Kind
	Core uint32
	Time uint64
	Args []uint64
	Text string
}

func (e Event) String() string {
	if e.Kind == KindMessage {
		return fmt.Sprintf("%d core%d %s %q", e.Time, e.Core, e.Kind, e.Text)
	}
	return fmt.Sprintf("%d core%d %s %#x", e.Time, e.Core, e.Kind, e.Args)
}

// SearchOptions filters events. Zero fields match everything.
type SearchOptions struct {
	// Start and End bound the timestamps, inclusive.
	Start uint64
	End   uint64

	// LimitStart only returns the first N matching events.
	// If both LimitStart and LimitEnd are set then an error is returned.
	LimitStart int
	// LimitEnd only returns the last N matching events.
	LimitEnd int

	Cores []uint32
	Kinds []Kind
}

type indexEntry struct {
	offset int64
	kind   Kind
	core   uint32
	time   uint64
	length uint32
}

// Reader indexes a log once and serves queries over it.
type Reader struct {
	r     io.ReaderAt
	index []indexEntry
}

// NewReader indexes the records readable from indexReader; payloads are
// fetched from r on demand.
func NewReader(r io.ReaderAt, indexReader io.Reader) (*Reader, error) {
	ret := &Reader{r: r}
	if err := ret.indexAll(indexReader); err != nil {
		return nil, fmt.Errorf("trace: failed to index log: %w", err)
	}
	return ret, nil
}

// NewReaderFromFile opens and indexes filename.
func NewReaderFromFile(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("trace: failed to open file: %w", err)
	}
	reader, err := NewReader(f, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return reader, f, nil
}

func (r *Reader) indexAll(in io.Reader) error {
	br := bufio.NewReaderSize(in, 1<<20)
	var (
		header [headerSize]byte
		offset int64
	)
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read header at %d: %w", offset, err)
		}
		e := indexEntry{
			offset: offset,
			kind:   Kind(binary.LittleEndian.Uint16(header[0:2])),
			core:   uint32(binary.LittleEndian.Uint16(header[2:4])),
			length: binary.LittleEndian.Uint32(header[4:8]),
			time:   binary.LittleEndian.Uint64(header[8:16]),
		}
		if e.kind == KindInvalid {
			return fmt.Errorf("invalid record at %d", offset)
		}
		if _, err := br.Discard(int(e.length)); err != nil {
			return fmt.Errorf("record at %d truncated: %w", offset, err)
		}
		r.index = append(r.index, e)
		offset += headerSize + int64(e.length)
	}
}

// Len is the number of records.
func (r *Reader) Len() int { return len(r.index) }

// TimeRange returns the earliest and latest timestamps.
func (r *Reader) TimeRange() (uint64, uint64) {
	var lo, hi uint64
	for i, e := range r.index {
		if i == 0 || e.time < lo {
			lo = e.time
		}
		if e.time > hi {
			hi = e.time
		}
	}
	return lo, hi
}

// Cores returns the distinct core indices present, ascending.
func (r *Reader) Cores() []uint32 {
	seen := make(map[uint32]bool)
	var out []uint32
	for _, e := range r.index {
		if !seen[e.core] {
			seen[e.core] = true
			out = append(out, e.core)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Reader) match(opts SearchOptions) ([]indexEntry, error) {
	if opts.LimitStart > 0 && opts.LimitEnd > 0 {
		return nil, fmt.Errorf("trace: cannot set both LimitStart and LimitEnd")
	}
	cores := make(map[uint32]bool, len(opts.Cores))
	for _, c := range opts.Cores {
		cores[c] = true
	}
	kinds := make(map[Kind]bool, len(opts.Kinds))
	for _, k := range opts.Kinds {
		kinds[k] = true
	}

	var out []indexEntry
	for _, e := range r.index {
		if len(cores) > 0 && !cores[e.core] {
			continue
		}
		if len(kinds) > 0 && !kinds[e.kind] {
			continue
		}
		if opts.Start != 0 && e.time < opts.Start {
			continue
		}
		if opts.End != 0 && e.time > opts.End {
			continue
		}
		out = append(out, e)
	}
	// Records are laid out in reservation order; stable sort keeps that
	// order for equal timestamps.
	sort.SliceStable(out, func(i, j int) bool { return out[i].time < out[j].time })

	if opts.LimitStart > 0 && len(out) > opts.LimitStart {
		out = out[:opts.LimitStart]
	}
	if opts.LimitEnd > 0 && len(out) > opts.LimitEnd {
		out = out[len(out)-opts.LimitEnd:]
	}
	return out, nil
}

func (r *Reader) decode(e indexEntry) (Event, error) {
	payload := make([]byte, e.length)
	if _, err := r.r.ReadAt(payload, e.offset+headerSize); err != nil && !(err == io.EOF && len(payload) == 0) {
		return Event{}, err
	}
	ev := Event{Kind: e.kind, Core: e.core, Time: e.time}
	if e.kind == KindMessage {
		ev.Text = string(payload)
		return ev, nil
	}
	for i := 0; i+8 <= len(payload); i += 8 {
		ev.Args = append(ev.Args, binary.LittleEndian.Uint64(payload[i:]))
	}
	return ev, nil
}

// Search calls fn for every matching event in timestamp order.
func (r *Reader) Search(opts SearchOptions, fn func(Event) error) error {
	entries, err := r.match(opts)
	if err != nil {
		return err
	}
	for _, e := range entries {
		ev, err := r.decode(e)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// Each visits every event in timestamp order.
func (r *Reader) Each(fn func(Event) error) error {
	return r.Search(SearchOptions{}, fn)
}

// Count returns how many events match.
func (r *Reader) Count(opts SearchOptions) (int, error) {
	entries, err := r.match(opts)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
