// File: pool/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Best-fit slice allocator over a fixed arena.
// Pool is NOT thread-safe: the owning peer serializes Alloc, Publish and Release
// under its lock. Write touches only the bytes of one exclusively owned slice.

package pool

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/momentics/hioload-bus/api"
)

// sliceAlign is the granularity of every slice offset and size.
const sliceAlign = 8

// SliceState tracks the lifecycle of a Slice.
type SliceState int

const (
	SliceAllocated SliceState = iota
	SlicePublished
	SliceReleased
)

func (s SliceState) String() string {
	switch s {
	case SliceAllocated:
		return "allocated"
	case SlicePublished:
		return "published"
	case SliceReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Slice is one carved range of a pool arena.
type Slice struct {
	offset uint64
	size   uint64
	state  SliceState
	free   bool

	// neighbours in offset order, free ranges included
	prev, next *Slice
}

// Offset returns the absolute arena offset.
func (s *Slice) Offset() uint64 { return s.offset }

// Size returns the slice size in bytes (a multiple of 8).
func (s *Slice) Size() uint64 { return s.size }

// State returns the current lifecycle state.
func (s *Slice) State() SliceState { return s.state }

// FaultFunc may veto a Write; a non-nil result is reported as ErrOutOfMemory.
type FaultFunc func(s *Slice, off uint64, n int) error

// Option configures a Pool.
type Option func(*Pool)

// WithFaultInjector installs fn in front of every Write.
func WithFaultInjector(fn FaultFunc) Option {
	return func(p *Pool) { p.fault = fn }
}

// Stats aggregates arena accounting.
type Stats struct {
	Size       uint64
	Allocated  uint64
	Slices     int
	FreeRanges int
}

// Pool is a fixed-capacity arena carved into slices.
type Pool struct {
	mem   []byte
	size  uint64
	first *Slice
	free  []*Slice // sorted by (size, offset)

	allocated uint64
	busy      int
	fault     FaultFunc
	destroyed bool
}

// New maps an arena of size bytes. size must be non-zero and page aligned.
func New(size uint64, opts ...Option) (*Pool, error) {
	if size == 0 || size%PageSize() != 0 || size > math.MaxInt {
		return nil, api.ErrInvalidArgument.WithContext("pool_size", size)
	}
	mem, err := mapArena(size)
	if err != nil {
		return nil, err
	}
	p := &Pool{mem: mem, size: size}
	for _, opt := range opts {
		opt(p)
	}
	root := &Slice{offset: 0, size: size, free: true, state: SliceReleased}
	p.first = root
	p.free = []*Slice{root}
	return p, nil
}

func compareFree(a, b *Slice) int {
	if c := cmp.Compare(a.size, b.size); c != 0 {
		return c
	}
	return cmp.Compare(a.offset, b.offset)
}

func (p *Pool) insertFree(s *Slice) {
	i, _ := slices.BinarySearchFunc(p.free, s, compareFree)
	p.free = slices.Insert(p.free, i, s)
}

func (p *Pool) removeFree(s *Slice) {
	i, ok := slices.BinarySearchFunc(p.free, s, compareFree)
	if !ok || p.free[i] != s {
		panic("pool: free range index corrupted")
	}
	p.free = slices.Delete(p.free, i, i+1)
}

// Alloc carves a slice of at least size bytes from the smallest free range that
// fits. It fails with ErrNoSpace when no free range is large enough.
func (p *Pool) Alloc(size uint64) (*Slice, error) {
	if p.destroyed {
		return nil, api.ErrInvalidArgument
	}
	if size > p.size {
		return nil, api.ErrNoSpace.WithContext("size", size)
	}
	need := (size + sliceAlign - 1) &^ (sliceAlign - 1)
	if need == 0 {
		need = sliceAlign
	}

	probe := &Slice{size: need}
	i, _ := slices.BinarySearchFunc(p.free, probe, compareFree)
	if i == len(p.free) {
		return nil, api.ErrNoSpace.WithContext("size", size)
	}
	s := p.free[i]
	p.free = slices.Delete(p.free, i, i+1)

	if s.size > need {
		rest := &Slice{
			offset: s.offset + need,
			size:   s.size - need,
			free:   true,
			state:  SliceReleased,
			prev:   s,
			next:   s.next,
		}
		if s.next != nil {
			s.next.prev = rest
		}
		s.next = rest
		s.size = need
		p.insertFree(rest)
	}

	s.free = false
	s.state = SliceAllocated
	p.allocated += s.size
	p.busy++
	return s, nil
}

// Write copies data into s at off bytes from the slice start.
func (p *Pool) Write(s *Slice, off uint64, data []byte) error {
	if s.state == SliceReleased {
		panic("pool: write to released slice")
	}
	n := uint64(len(data))
	if off > s.size || n > s.size-off {
		return api.ErrInvalidArgument.WithContext("offset", off).WithContext("len", n)
	}
	if p.fault != nil {
		if err := p.fault(s, off, len(data)); err != nil {
			return fmt.Errorf("%w: %v", api.ErrOutOfMemory, err)
		}
	}
	copy(p.mem[s.offset+off:s.offset+off+n], data)
	return nil
}

// Publish returns the absolute arena coordinates of s. It may be called any
// number of times and never moves data.
func (p *Pool) Publish(s *Slice) (offset, size uint64) {
	if s.state == SliceReleased {
		panic("pool: publish of released slice")
	}
	s.state = SlicePublished
	return s.offset, s.size
}

// Release returns the range of s to the pool, merging it with free
// neighbours. The Slice value is dead afterwards; releasing it again panics.
func (p *Pool) Release(s *Slice) {
	if s.state == SliceReleased {
		panic("pool: slice released twice")
	}
	s.state = SliceReleased
	p.allocated -= s.size
	p.busy--

	// A fresh node takes the place of s so a stale handle can never alias a
	// later allocation.
	r := &Slice{offset: s.offset, size: s.size, free: true, state: SliceReleased, prev: s.prev, next: s.next}
	if r.prev != nil {
		r.prev.next = r
	} else {
		p.first = r
	}
	if r.next != nil {
		r.next.prev = r
	}
	s.prev, s.next = nil, nil

	if prev := r.prev; prev != nil && prev.free {
		p.removeFree(prev)
		prev.size += r.size
		prev.next = r.next
		if r.next != nil {
			r.next.prev = prev
		}
		r = prev
	}
	if next := r.next; next != nil && next.free {
		p.removeFree(next)
		r.size += next.size
		r.next = next.next
		if next.next != nil {
			next.next.prev = r
		}
	}
	p.insertFree(r)
}

// Bytes returns the mapped arena. The view is invalid after Destroy.
func (p *Pool) Bytes() []byte { return p.mem }

// Size returns the arena capacity.
func (p *Pool) Size() uint64 { return p.size }

// Stats reports current accounting.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:       p.size,
		Allocated:  p.allocated,
		Slices:     p.busy,
		FreeRanges: len(p.free),
	}
}

// Destroy unmaps the arena. Every slice must already be released; leaked
// slices are reported, but the arena is unmapped regardless.
func (p *Pool) Destroy() error {
	if p.destroyed {
		return nil
	}
	p.destroyed = true
	var leak error
	if p.busy != 0 {
		leak = api.ErrInvalidArgument.WithContext("leaked_slices", p.busy)
	}
	mem := p.mem
	p.mem = nil
	p.first = nil
	p.free = nil
	return errors.Join(leak, unmapArena(mem))
}
