// File: internal/queue/queue.go
// Package queue implements the per-peer ordered message queue.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Entries are kept in link order. An entry is linked pending and later committed
// visible in place, so a multi-destination send reserves its position at link
// time. Only a visible head may be peeked or dequeued; a pending head hides
// everything behind it.
//
// All methods except PeekUnlocked require the owning peer's lock.

package queue

import (
	"sync/atomic"

	"github.com/momentics/hioload-bus/fdtable"
	"github.com/momentics/hioload-bus/pool"
)

type entryState uint8

const (
	statePending entryState = iota
	stateVisible
)

// Entry is one delivery to one peer.
type Entry struct {
	// Slice holds the payload plus the trailing descriptor table.
	Slice *pool.Slice
	// Files are the entry's own references to the transferred handles.
	Files []*fdtable.File
	// Tag is the destination ID the entry was addressed to.
	Tag uint64

	nFiles int // immutable, read by PeekUnlocked
	state  entryState
	queue  *Queue
	prev   *Entry
	next   *Entry
}

// NewEntry builds an unlinked entry.
func NewEntry(tag uint64, slice *pool.Slice, files []*fdtable.File) *Entry {
	return &Entry{Slice: slice, Files: files, Tag: tag, nFiles: len(files)}
}

// NFiles returns the number of attached handles.
func (e *Entry) NFiles() int { return e.nFiles }

// Visible reports whether the entry was committed.
func (e *Entry) Visible() bool { return e.state == stateVisible }

// Linked reports whether the entry is still part of a queue.
func (e *Entry) Linked() bool { return e.queue != nil }

// Queue is an ordered list of entries.
type Queue struct {
	head, tail *Entry
	n          int

	// front mirrors head while head is visible, nil otherwise. Unlinked entries
	// remain valid for readers holding them until collected.
	front atomic.Pointer[Entry]
}

// New returns an empty queue.
func New() *Queue { return &Queue{} }

func (q *Queue) updateFront() {
	if q.head != nil && q.head.state == stateVisible {
		q.front.Store(q.head)
	} else {
		q.front.Store(nil)
	}
}

// LinkPending appends e in the pending state.
func (q *Queue) LinkPending(e *Entry) {
	if e.queue != nil {
		panic("queue: entry linked twice")
	}
	e.queue = q
	e.state = statePending
	e.prev = q.tail
	e.next = nil
	if q.tail != nil {
		q.tail.next = e
	} else {
		q.head = e
	}
	q.tail = e
	q.n++
	q.updateFront()
}

// Commit makes a pending entry of q visible without moving it.
func (q *Queue) Commit(e *Entry) {
	if e.queue != q {
		panic("queue: commit of foreign entry")
	}
	e.state = stateVisible
	if e == q.head {
		q.updateFront()
	}
}

// Unlink removes e from q. It returns false if e was no longer linked, e.g.
// because a reset flushed it.
func (q *Queue) Unlink(e *Entry) bool {
	if e.queue != q {
		return false
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		q.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		q.tail = e.prev
	}
	e.prev, e.next, e.queue = nil, nil, nil
	q.n--
	q.updateFront()
	return true
}

// Peek returns the head entry if it is visible. Repeated calls return the
// same entry until it is unlinked.
func (q *Queue) Peek() *Entry {
	if q.head != nil && q.head.state == stateVisible {
		return q.head
	}
	return nil
}

// PeekUnlocked is Peek without the peer lock. The result may be stale and is
// only fit for an existence check; only NFiles may be read from it.
func (q *Queue) PeekUnlocked() *Entry {
	return q.front.Load()
}

// FlushStale unlinks every entry whose tag differs from id and returns them
// in queue order.
func (q *Queue) FlushStale(id uint64) []*Entry {
	var out []*Entry
	for e := q.head; e != nil; {
		next := e.next
		if e.Tag != id {
			q.Unlink(e)
			out = append(out, e)
		}
		e = next
	}
	return out
}

// Drain unlinks every entry and returns them in queue order.
func (q *Queue) Drain() []*Entry {
	out := make([]*Entry, 0, q.n)
	for q.head != nil {
		e := q.head
		q.Unlink(e)
		out = append(out, e)
	}
	return out
}

// Len returns the number of linked entries, pending ones included.
func (q *Queue) Len() int { return q.n }
