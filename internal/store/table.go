package store

import (
	"slices"
	"strconv"
)

// table is an arena of rows keyed by opaque string ids plus a monotonic
// counter. The counter only moves forward, so ids are never handed out twice
// within a session even after the row is deleted or a transaction rolls back.
type table[T any] struct {
	rows map[string]T
	seq  int64
}

func newTable[T any]() table[T] {
	return table[T]{rows: make(map[string]T)}
}

func (t *table[T]) nextID() string {
	t.seq++
	return strconv.FormatInt(t.seq, 10)
}

// observe advances the counter past a numeric id loaded from outside.
func (t *table[T]) observe(id string) {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > t.seq {
		t.seq = n
	}
}

func (t *table[T]) sortedIDs() []string {
	ids := make([]string, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, compareIDs)
	return ids
}

func (t *table[T]) clone() table[T] {
	rows := make(map[string]T, len(t.rows))
	for id, row := range t.rows {
		rows[id] = row
	}
	return table[T]{rows: rows, seq: t.seq}
}

// compareIDs orders numeric ids numerically and falls back to string order.
func compareIDs(a, b string) int {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Table is a transaction-scoped view of one table. Writes are journaled on
// the owning transaction so they can be undone.
type Table[T any] struct {
	tx *Tx
	t  *table[T]
}

func (v Table[T]) Get(id string) (T, bool) {
	row, ok := v.t.rows[id]
	return row, ok
}

func (v Table[T]) Len() int { return len(v.t.rows) }

// Insert allocates the next id, builds the row with it and stores it.
func (v Table[T]) Insert(build func(id string) T) T {
	v.tx.mustWrite()
	id := v.t.nextID()
	row := build(id)
	v.t.rows[id] = row
	v.tx.journal(func() { delete(v.t.rows, id) })
	return row
}

// Put stores row under id, replacing any existing row.
func (v Table[T]) Put(id string, row T) {
	v.tx.mustWrite()
	prev, existed := v.t.rows[id]
	v.t.rows[id] = row
	v.t.observe(id)
	v.tx.journal(func() {
		if existed {
			v.t.rows[id] = prev
		} else {
			delete(v.t.rows, id)
		}
	})
}

func (v Table[T]) Delete(id string) bool {
	v.tx.mustWrite()
	prev, existed := v.t.rows[id]
	if !existed {
		return false
	}
	delete(v.t.rows, id)
	v.tx.journal(func() { v.t.rows[id] = prev })
	return true
}

// Find returns the first row in id order matching pred.
func (v Table[T]) Find(pred func(T) bool) (T, bool) {
	for _, id := range v.t.sortedIDs() {
		if row := v.t.rows[id]; pred(row) {
			return row, true
		}
	}
	var zero T
	return zero, false
}

// Filter returns all rows in id order matching pred. A nil pred matches all.
func (v Table[T]) Filter(pred func(T) bool) []T {
	var out []T
	for _, id := range v.t.sortedIDs() {
		row := v.t.rows[id]
		if pred == nil || pred(row) {
			out = append(out, row)
		}
	}
	return out
}

func (v Table[T]) Count(pred func(T) bool) int {
	n := 0
	for _, row := range v.t.rows {
		if pred(row) {
			n++
		}
	}
	return n
}
