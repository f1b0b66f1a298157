// Package migration moves agents between partitions.
//
// Every partition owns one Channel: an atomic counter and a flat buffer of
// float64 slots. A sender reserves RecordSlots slots with a single
// fetch-and-add on the counter and then writes its record into the range it
// got back. Reservations are disjoint because the add is atomic, so the
// writes need no further coordination and the destination never takes part.
package migration

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrChannelFull      = errors.New("migration channel full")
	ErrOffsetOutOfRange = errors.New("offset out of range")
)

type Channel struct {
	rank    int
	counter atomic.Int64
	buf     []float64
}

// NewChannel sizes the buffer for capacity records.
func NewChannel(rank, capacity int) *Channel {
	if capacity < 0 {
		capacity = 0
	}
	return &Channel{rank: rank, buf: make([]float64, capacity*RecordSlots)}
}

func (c *Channel) Rank() int { return c.rank }

// Capacity in records.
func (c *Channel) Capacity() int { return len(c.buf) / RecordSlots }

// Reserved is the current counter value in slots.
func (c *Channel) Reserved() int { return int(c.counter.Load()) }

// Reserve bumps the counter by n slots and returns the value it had before.
// The counter is advanced even when the range does not fit; a full channel
// is a fatal condition for the run, not something a sender retries.
func (c *Channel) Reserve(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("reserve %d slots: %w", n, ErrOffsetOutOfRange)
	}
	off := int(c.counter.Add(int64(n))) - n
	if off+n > len(c.buf) {
		return off, fmt.Errorf("%w: partition %d offset %d+%d > %d", ErrChannelFull, c.rank, off, n, len(c.buf))
	}
	return off, nil
}

// WriteAt copies slots into the buffer at off. Callers only write ranges
// they reserved, so concurrent WriteAt calls never overlap.
func (c *Channel) WriteAt(off int, slots []float64) error {
	if off < 0 || off+len(slots) > len(c.buf) {
		return fmt.Errorf("%w: partition %d write [%d,%d) of %d", ErrOffsetOutOfRange, c.rank, off, off+len(slots), len(c.buf))
	}
	copy(c.buf[off:], slots)
	return nil
}

// Drain decodes every reserved record and resets the counter. It must only
// run while no sender is active (between ticks).
func (c *Channel) Drain() ([]Record, error) {
	n := int(c.counter.Load())
	if n > len(c.buf) {
		n = len(c.buf)
	}
	n -= n % RecordSlots
	out := make([]Record, 0, n/RecordSlots)
	for off := 0; off < n; off += RecordSlots {
		r, err := DecodeRecord(c.buf[off : off+RecordSlots])
		if err != nil {
			return nil, fmt.Errorf("partition %d slot %d: %w", c.rank, off, err)
		}
		out = append(out, r)
	}
	c.counter.Store(0)
	return out, nil
}
