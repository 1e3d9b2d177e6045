// Package reorder keeps a dense 0-based position index over the tasks of one
// partition.
package reorder

import (
	"errors"
	"fmt"

	"github.com/BuzzLyutic/triage/internal/model"
)

var ErrIndexOutOfRange = errors.New("index out of range")

// Entry is a task id with its currently stored position.
type Entry struct {
	ID       int64
	Position int
}

func checkRange(n, from, to int) error {
	if from < 0 || from >= n {
		return fmt.Errorf("%w: from=%d len=%d", ErrIndexOutOfRange, from, n)
	}
	if to < 0 || to >= n {
		return fmt.Errorf("%w: to=%d len=%d", ErrIndexOutOfRange, to, n)
	}
	return nil
}

// Move removes the id at from and reinserts it at to. The input is not modified.
func Move(ids []int64, from, to int) ([]int64, error) {
	if err := checkRange(len(ids), from, to); err != nil {
		return nil, err
	}

	out := make([]int64, 0, len(ids))
	out = append(out, ids[:from]...)
	out = append(out, ids[from+1:]...)

	moved := ids[from]
	out = append(out[:to], append([]int64{moved}, out[to:]...)...)
	return out, nil
}

// FullRenumber writes every id's index in the moved sequence.
func FullRenumber(ids []int64, from, to int) ([]model.PositionUpdate, error) {
	moved, err := Move(ids, from, to)
	if err != nil {
		return nil, err
	}

	updates := make([]model.PositionUpdate, len(moved))
	for i, id := range moved {
		updates[i] = model.PositionUpdate{ID: id, Position: i}
	}
	return updates, nil
}

// ShiftedRange writes only the rows between from and to inclusive. ids must
// already sit at positions 0..n-1 in order.
func ShiftedRange(ids []int64, from, to int) ([]model.PositionUpdate, error) {
	if err := checkRange(len(ids), from, to); err != nil {
		return nil, err
	}
	if from == to {
		return nil, nil
	}

	updates := make([]model.PositionUpdate, 0, abs(to-from)+1)
	if from < to {
		for i := from + 1; i <= to; i++ {
			updates = append(updates, model.PositionUpdate{ID: ids[i], Position: i - 1})
		}
	} else {
		for i := to; i < from; i++ {
			updates = append(updates, model.PositionUpdate{ID: ids[i], Position: i + 1})
		}
	}
	updates = append(updates, model.PositionUpdate{ID: ids[from], Position: to})
	return updates, nil
}

// Plan picks ShiftedRange when the stored positions are already dense and
// falls back to FullRenumber otherwise, so a gapped partition heals on its
// next reorder.
func Plan(entries []Entry, from, to int) ([]model.PositionUpdate, error) {
	ids := make([]int64, len(entries))
	dense := true
	for i, e := range entries {
		ids[i] = e.ID
		if e.Position != i {
			dense = false
		}
	}
	if dense {
		return ShiftedRange(ids, from, to)
	}
	return FullRenumber(ids, from, to)
}

// Apply returns a copy of positions with updates applied.
func Apply(positions map[int64]int, updates []model.PositionUpdate) map[int64]int {
	out := make(map[int64]int, len(positions))
	for id, pos := range positions {
		out[id] = pos
	}
	for _, u := range updates {
		out[u.ID] = u.Position
	}
	return out
}

// Dense reports whether positions are exactly 0..n-1 with no duplicates.
func Dense(positions map[int64]int) bool {
	seen := make([]bool, len(positions))
	for _, pos := range positions {
		if pos < 0 || pos >= len(seen) || seen[pos] {
			return false
		}
		seen[pos] = true
	}
	return true
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
