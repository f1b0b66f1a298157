package migration

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
)

func TestLocalWindow_ConcurrentReservationsAreDisjoint(t *testing.T) {
	const senders = 64
	dst := NewChannel(0, senders)
	win := NewLocalWindow([]*Channel{dst})
	mig := NewMigrator(win)

	offsets := make([]int, senders)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			off, err := mig.Request(context.Background(), 0, Record{IdealTemp: float64(i), X: i, Y: 2 * i})
			if err != nil {
				t.Errorf("sender %d: %v", i, err)
				return
			}
			offsets[i] = off
		}(i)
	}
	close(start)
	wg.Wait()

	sorted := append([]int(nil), offsets...)
	sort.Ints(sorted)
	for i, off := range sorted {
		if off != i*RecordSlots {
			t.Fatalf("sorted offset[%d]=%d want=%d (offsets=%v)", i, off, i*RecordSlots, sorted)
		}
	}
	if got := dst.Reserved(); got != senders*RecordSlots {
		t.Fatalf("reserved=%d want=%d", got, senders*RecordSlots)
	}

	recs, err := win.Drain(0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(recs) != senders {
		t.Fatalf("drained %d records want=%d", len(recs), senders)
	}
	seen := map[int]bool{}
	for _, r := range recs {
		i := int(r.IdealTemp)
		if r.X != i || r.Y != 2*i {
			t.Fatalf("record corrupted: %+v", r)
		}
		if seen[i] {
			t.Fatalf("record %d drained twice", i)
		}
		seen[i] = true
	}
	if dst.Reserved() != 0 {
		t.Fatalf("counter not reset after drain: %d", dst.Reserved())
	}
}

func TestLocalWindow_ManyPartitionsIntoOne(t *testing.T) {
	const sources, perSource = 8, 25
	channels := make([]*Channel, sources)
	for i := range channels {
		channels[i] = NewChannel(i, sources*perSource)
	}
	win := NewLocalWindow(channels)

	var wg sync.WaitGroup
	for src := 0; src < sources; src++ {
		wg.Add(1)
		go func(src int) {
			defer wg.Done()
			mig := NewMigrator(win)
			for k := 0; k < perSource; k++ {
				if _, err := mig.Request(context.Background(), 3, Record{HeatOutput: float64(src), X: k}); err != nil {
					t.Errorf("src %d: %v", src, err)
					return
				}
			}
		}(src)
	}
	wg.Wait()

	recs, err := win.Drain(3)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	counts := map[int]int{}
	for _, r := range recs {
		counts[int(r.HeatOutput)]++
	}
	for src := 0; src < sources; src++ {
		if counts[src] != perSource {
			t.Fatalf("source %d delivered %d want=%d", src, counts[src], perSource)
		}
	}
}

func TestChannel_FullIsAnError(t *testing.T) {
	ch := NewChannel(1, 1)
	if _, err := ch.Reserve(RecordSlots); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	off, err := ch.Reserve(RecordSlots)
	if !errors.Is(err, ErrChannelFull) {
		t.Fatalf("err=%v want ErrChannelFull", err)
	}
	if off != RecordSlots {
		t.Fatalf("off=%d want=%d", off, RecordSlots)
	}
	if err := ch.WriteAt(RecordSlots, make([]float64, RecordSlots)); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatalf("write err=%v want ErrOffsetOutOfRange", err)
	}
}

func TestLocalWindow_UnknownRank(t *testing.T) {
	win := NewLocalWindow([]*Channel{NewChannel(0, 1)})
	mig := NewMigrator(win)
	if _, err := mig.Request(context.Background(), 4, Record{}); err == nil {
		t.Fatalf("expected error for unknown rank")
	}
}

type failingWindow struct {
	failPut bool
	puts    int
}

func (f *failingWindow) FetchAndAdd(ctx context.Context, rank, delta int) (int, error) {
	if !f.failPut {
		return 0, errors.New("link down")
	}
	return 10, nil
}

func (f *failingWindow) Put(ctx context.Context, rank, offset int, slots []float64) error {
	f.puts++
	return errors.New("put rejected")
}

func TestMigrator_ReserveFailureSkipsPut(t *testing.T) {
	w := &failingWindow{}
	if _, err := NewMigrator(w).Request(context.Background(), 0, Record{}); err == nil {
		t.Fatalf("expected reserve error")
	}
	if w.puts != 0 {
		t.Fatalf("put called %d times after failed reserve", w.puts)
	}
	w.failPut = true
	off, err := NewMigrator(w).Request(context.Background(), 0, Record{})
	if err == nil || off != 10 {
		t.Fatalf("off=%d err=%v want off=10 and put error", off, err)
	}
}

func TestDecodeRecord(t *testing.T) {
	rec := Record{IdealTemp: 5, HeatOutput: 1, RandomMoveProb: 0, X: 4, Y: 5}
	s := rec.Encode()
	if s != [RecordSlots]float64{5, 1, 0, 4, 5} {
		t.Fatalf("slots=%v", s)
	}
	if _, err := DecodeRecord([]float64{1, 2, 3, 4.5, 1}); err == nil {
		t.Fatalf("expected error for fractional position")
	}
	if _, err := DecodeRecord([]float64{1, 2}); err == nil {
		t.Fatalf("expected error for short record")
	}
}
