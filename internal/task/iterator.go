package task

import (
	"context"
)

// DefaultPageSize is used by Iterate when no positive size is given.
const DefaultPageSize = 100

// Iterator lazily walks every task matching a filter, one page at a time,
// in (RunAt, ID) order. It is restartable with Reset.
type Iterator struct {
	store  Store
	filter Filter
	size   int

	page  []*Task
	pos   int
	after *Cursor
	cur   *Task
	done  bool
	err   error
}

// Iterate returns an iterator over tasks matching f, fetching size tasks
// per store round trip.
func Iterate(s Store, f Filter, size int) *Iterator {
	if size <= 0 {
		size = DefaultPageSize
	}
	return &Iterator{store: s, filter: f, size: size}
}

// Next advances to the next task, fetching a new page when needed. It
// returns false at the end of the sequence or on error.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}

	if it.pos >= len(it.page) {
		if it.done {
			it.cur = nil
			return false
		}

		page, err := it.store.QueryPage(ctx, PageQuery{Filter: it.filter, Size: it.size, After: it.after})
		if err != nil {
			it.err = err
			it.cur = nil
			return false
		}
		it.page, it.pos = page, 0
		if len(page) < it.size {
			it.done = true
		}
		if len(page) == 0 {
			it.cur = nil
			return false
		}
		it.after = CursorOf(page[len(page)-1])
	}

	it.cur = it.page[it.pos]
	it.pos++
	return true
}

// Task returns the current task.
func (it *Iterator) Task() *Task {
	return it.cur
}

// Err returns the first error encountered.
func (it *Iterator) Err() error {
	return it.err
}

// Reset rewinds the iterator to the beginning. The next call to Next
// queries the store again.
func (it *Iterator) Reset() {
	it.page, it.pos, it.after, it.cur, it.done, it.err = nil, 0, nil, nil, false, nil
}
