// File: fdtable/table.go
// Package fdtable models a task's descriptor table for handle transfer.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Numbers are reserved first and installed later, so a receiver can obtain
// every slot it needs before it touches a peer lock. Freed numbers are recycled
// in FIFO order.

package fdtable

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-bus/api"
)

// DefaultLimit bounds the number of reserved plus installed descriptors.
const DefaultLimit = 1024

// File is a reference-counted open resource. The resource is closed when the
// last reference is dropped.
type File struct {
	refs atomic.Int64
	res  io.Closer
}

// NewFile wraps res with a single reference owned by the caller.
func NewFile(res io.Closer) *File {
	f := &File{res: res}
	f.refs.Store(1)
	return f
}

// Get takes one more reference.
func (f *File) Get() *File {
	if f.refs.Add(1) <= 1 {
		panic("fdtable: get on dead file")
	}
	return f
}

// Put drops one reference, closing the resource on the last one.
func (f *File) Put() error {
	switch n := f.refs.Add(-1); {
	case n == 0:
		return f.res.Close()
	case n < 0:
		panic("fdtable: file reference underflow")
	}
	return nil
}

// Refs reports the current reference count.
func (f *File) Refs() int64 { return f.refs.Load() }

// Resource returns the wrapped resource.
func (f *File) Resource() io.Closer { return f.res }

// Table maps descriptor numbers to files.
type Table struct {
	mu       sync.Mutex
	files    map[int]*File
	reserved map[int]struct{}
	recycled *queue.Queue
	next     int
	limit    int
}

// NewTable creates an empty table holding at most limit descriptors.
// limit <= 0 selects DefaultLimit.
func NewTable(limit int) *Table {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Table{
		files:    make(map[int]*File),
		reserved: make(map[int]struct{}),
		recycled: queue.New(),
		limit:    limit,
	}
}

func (t *Table) allocLocked() (int, error) {
	if len(t.files)+len(t.reserved) >= t.limit {
		return -1, api.ErrNoSpace.WithContext("fd_limit", t.limit)
	}
	var fd int
	if t.recycled.Length() > 0 {
		fd = t.recycled.Remove().(int)
	} else {
		fd = t.next
		t.next++
	}
	t.reserved[fd] = struct{}{}
	return fd, nil
}

// Reserve allocates an unused number without binding a file to it.
func (t *Table) Reserve() (*Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd, err := t.allocLocked()
	if err != nil {
		return nil, err
	}
	return &Slot{t: t, fd: fd}, nil
}

// Open installs res under a fresh number; the table owns the only reference.
func (t *Table) Open(res io.Closer) (int, error) {
	s, err := t.Reserve()
	if err != nil {
		return -1, err
	}
	s.Install(NewFile(res))
	return s.FD(), nil
}

// Get returns a new reference to the file installed at fd.
func (t *Table) Get(fd int) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	if !ok {
		return nil, api.ErrBadDescriptor.WithContext("fd", fd)
	}
	return f.Get(), nil
}

// Close removes fd and drops the table's reference.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	f, ok := t.files[fd]
	if ok {
		delete(t.files, fd)
		t.recycled.Add(fd)
	}
	t.mu.Unlock()
	if !ok {
		return api.ErrBadDescriptor.WithContext("fd", fd)
	}
	return f.Put()
}

// CloseAll drops every installed file.
func (t *Table) CloseAll() {
	t.mu.Lock()
	files := t.files
	t.files = make(map[int]*File)
	for fd := range files {
		t.recycled.Add(fd)
	}
	t.mu.Unlock()
	for _, f := range files {
		_ = f.Put()
	}
}

// Len returns the number of installed descriptors.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

// Reserved returns the number of reserved, not yet installed descriptors.
func (t *Table) Reserved() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reserved)
}

// Slot is a reserved descriptor number. It ends either installed or released,
// never both.
type Slot struct {
	t    *Table
	fd   int
	done bool
}

// FD returns the reserved number.
func (s *Slot) FD() int { return s.fd }

// Install binds f to the slot, transferring the caller's reference to the table.
func (s *Slot) Install(f *File) {
	if s.done {
		panic("fdtable: slot used twice")
	}
	s.done = true
	s.t.mu.Lock()
	delete(s.t.reserved, s.fd)
	s.t.files[s.fd] = f
	s.t.mu.Unlock()
}

// Release returns the number to the table unused.
func (s *Slot) Release() {
	if s.done {
		panic("fdtable: slot used twice")
	}
	s.done = true
	s.t.mu.Lock()
	delete(s.t.reserved, s.fd)
	s.t.recycled.Add(s.fd)
	s.t.mu.Unlock()
}
