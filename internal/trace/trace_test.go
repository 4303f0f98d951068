package trace

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
)

func counter() func() uint64 {
	var mu sync.Mutex
	var n uint64
	return func() uint64 {
		mu.Lock()
		defer mu.Unlock()
		n++
		return n
	}
}

func readMemory(t *testing.T, mem *Memory) *Reader {
	t.Helper()
	data := mem.Bytes()
	r, err := NewReader(bytes.NewReader(data), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r
}

func TestRecordRoundTrip(t *testing.T) {
	mem := &Memory{}
	log := New(mem, counter())
	log.Record(KindSMC, 0, 0x84000003, 2, 0x4000_0000, 0x1234, 0)
	log.Message(2, "hello, world")
	log.Record(KindIRQ, 1, 27)

	r := readMemory(t, mem)
	if r.Len() != 3 {
		t.Fatalf("Len = %d", r.Len())
	}
	var got []Event
	if err := r.Each(func(e Event) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if got[0].Kind != KindSMC || len(got[0].Args) != 5 || got[0].Args[2] != 0x4000_0000 {
		t.Fatalf("smc event %+v", got[0])
	}
	if got[1].Kind != KindMessage || got[1].Core != 2 || got[1].Text != "hello, world" {
		t.Fatalf("message event %+v", got[1])
	}
	if got[2].Args[0] != 27 {
		t.Fatalf("irq event %+v", got[2])
	}
}

func TestSearchFilters(t *testing.T) {
	mem := &Memory{}
	log := New(mem, counter())
	for i := 0; i < 10; i++ {
		log.Record(KindIRQ, uint32(i%2), uint64(i))
	}
	log.Record(KindPower, 1, 1, 0, 1)

	r := readMemory(t, mem)
	n, err := r.Count(SearchOptions{Cores: []uint32{1}})
	if err != nil || n != 6 {
		t.Fatalf("Count(core 1) = %d, %v", n, err)
	}
	n, _ = r.Count(SearchOptions{Kinds: []Kind{KindPower}})
	if n != 1 {
		t.Fatalf("Count(power) = %d", n)
	}

	var last []uint64
	if err := r.Search(SearchOptions{Kinds: []Kind{KindIRQ}, LimitEnd: 2}, func(e Event) error {
		last = append(last, e.Args[0])
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(last) != 2 || last[0] != 8 || last[1] != 9 {
		t.Fatalf("LimitEnd events = %v", last)
	}
	if _, err := r.Count(SearchOptions{LimitStart: 1, LimitEnd: 1}); err == nil {
		t.Fatal("both limits accepted")
	}
	if cores := r.Cores(); len(cores) != 2 || cores[0] != 0 || cores[1] != 1 {
		t.Fatalf("Cores = %v", cores)
	}
	if lo, hi := r.TimeRange(); lo != 1 || hi != 11 {
		t.Fatalf("TimeRange = %d, %d", lo, hi)
	}
}

func TestConcurrentWriters(t *testing.T) {
	mem := &Memory{}
	log := New(mem, counter())
	var wg sync.WaitGroup
	for core := uint32(0); core < 8; core++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				log.Record(KindIRQ, core, uint64(i))
			}
		}()
	}
	wg.Wait()

	r := readMemory(t, mem)
	if r.Len() != 1600 {
		t.Fatalf("Len = %d, want 1600", r.Len())
	}
	for core := uint32(0); core < 8; core++ {
		n, _ := r.Count(SearchOptions{Cores: []uint32{core}})
		if n != 200 {
			t.Fatalf("core %d has %d records", core, n)
		}
	}
}

func TestNilLog(t *testing.T) {
	var log *Log
	log.Record(KindIRQ, 0, 1)
	log.Messagef(0, "x %d", 1)
	if log.Size() != 0 || log.Close() != nil {
		t.Fatal("nil log misbehaved")
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	log, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	log.Messagef(3, "core %d up", 3)
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	r, closer, err := NewReaderFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()
	var text string
	r.Each(func(e Event) error {
		text = e.Text
		return nil
	})
	if text != "core 3 up" {
		t.Fatalf("text = %q", text)
	}
}

func TestParseKind(t *testing.T) {
	for k := KindMessage; k <= KindSGI; k++ {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseKind("kind(9)"); err == nil {
		t.Fatal("ParseKind accepted an unnamed kind")
	}
}
