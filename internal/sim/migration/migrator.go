package migration

import (
	"context"
	"fmt"
)

// Migrator sends records through a Window. There is no retry and no local
// buffering: any error leaves the global agent count inconsistent and the
// caller is expected to stop the run.
type Migrator struct {
	win Window
}

func NewMigrator(win Window) *Migrator {
	return &Migrator{win: win}
}

// Request reserves a slot in dest's channel and writes rec there. It is used
// for every move, including moves that stay inside the sending partition.
// Returns the reserved offset.
func (m *Migrator) Request(ctx context.Context, dest int, rec Record) (int, error) {
	off, err := m.win.FetchAndAdd(ctx, dest, RecordSlots)
	if err != nil {
		return 0, fmt.Errorf("reserve slot on partition %d: %w", dest, err)
	}
	slots := rec.Encode()
	if err := m.win.Put(ctx, dest, off, slots[:]); err != nil {
		return off, fmt.Errorf("put record on partition %d offset %d: %w", dest, off, err)
	}
	return off, nil
}
