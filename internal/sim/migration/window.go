package migration

import (
	"context"
	"fmt"
	"sync"

	"heatbugs.ai/internal/sim/grid"
)

// Window is the one-sided access a partition has to every other partition's
// Channel. Implementations must make FetchAndAdd a single atomic operation
// on the remote counter; Put is a plain write into an already reserved range.
type Window interface {
	FetchAndAdd(ctx context.Context, rank, delta int) (int, error)
	Put(ctx context.Context, rank, offset int, slots []float64) error
}

// LocalWindow serves channels that live in this process.
//
// FetchAndAdd runs under the destination's shared lock, so any number of
// senders reserve concurrently; Drain takes the lock exclusively, so it
// never interleaves with a reservation.
type LocalWindow struct {
	channels []*Channel
	locks    []sync.RWMutex
}

func NewLocalWindow(channels []*Channel) *LocalWindow {
	return &LocalWindow{
		channels: channels,
		locks:    make([]sync.RWMutex, len(channels)),
	}
}

func (w *LocalWindow) channel(rank int) (*Channel, error) {
	if rank < 0 || rank >= len(w.channels) || w.channels[rank] == nil {
		return nil, fmt.Errorf("%w: rank %d", grid.ErrUnknownPartition, rank)
	}
	return w.channels[rank], nil
}

func (w *LocalWindow) Channel(rank int) *Channel {
	ch, _ := w.channel(rank)
	return ch
}

func (w *LocalWindow) FetchAndAdd(ctx context.Context, rank, delta int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ch, err := w.channel(rank)
	if err != nil {
		return 0, err
	}
	w.locks[rank].RLock()
	defer w.locks[rank].RUnlock()
	return ch.Reserve(delta)
}

func (w *LocalWindow) Put(ctx context.Context, rank, offset int, slots []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := w.channel(rank)
	if err != nil {
		return err
	}
	return ch.WriteAt(offset, slots)
}

func (w *LocalWindow) Drain(rank int) ([]Record, error) {
	ch, err := w.channel(rank)
	if err != nil {
		return nil, err
	}
	w.locks[rank].Lock()
	defer w.locks[rank].Unlock()
	return ch.Drain()
}

// Ranks lists the partitions this window hosts a channel for.
func (w *LocalWindow) Ranks() []int {
	out := make([]int, 0, len(w.channels))
	for r, ch := range w.channels {
		if ch != nil {
			out = append(out, r)
		}
	}
	return out
}

// CapacityRecords is the smallest channel capacity, in records.
func (w *LocalWindow) CapacityRecords() int {
	least := -1
	for _, ch := range w.channels {
		if ch != nil && (least < 0 || ch.Capacity() < least) {
			least = ch.Capacity()
		}
	}
	if least < 0 {
		return 0
	}
	return least
}
