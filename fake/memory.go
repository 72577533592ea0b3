// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake caller address space and open resources for tests and the stress tool.

package fake

import (
	"sync"

	"github.com/momentics/hioload-bus/api"
)

// guardGap separates mapped regions so off-by-one accesses fault.
const guardGap = 4096

type region struct {
	base     uint64
	data     []byte
	readOnly bool
}

// Memory is a sparse address space made of explicitly mapped regions.
// Any access outside a region fails with api.ErrBadAddress.
type Memory struct {
	mu      sync.Mutex
	regions []region
	next    uint64
}

// NewMemory returns an empty address space. Address zero is never mapped.
func NewMemory() *Memory {
	return &Memory{next: 0x10000}
}

// Map copies data into a new region and returns its address.
func (m *Memory) Map(data []byte) uint64 {
	return m.mapRegion(data, false)
}

// MapReadOnly is Map for a region that faults on CopyTo.
func (m *Memory) MapReadOnly(data []byte) uint64 {
	return m.mapRegion(data, true)
}

func (m *Memory) mapRegion(data []byte, readOnly bool) uint64 {
	buf := make([]byte, len(data))
	copy(buf, data)
	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.next
	m.regions = append(m.regions, region{base: base, data: buf, readOnly: readOnly})
	m.next += uint64(len(buf)) + guardGap
	return base
}

// Alloc maps n zeroed bytes.
func (m *Memory) Alloc(n int) uint64 {
	return m.Map(make([]byte, n))
}

// Unmap removes the region starting at addr.
func (m *Memory) Unmap(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.regions {
		if r.base == addr {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return
		}
	}
}

// Read returns a copy of n bytes at addr.
func (m *Memory) Read(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	if err := m.CopyFrom(out, addr); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Memory) find(addr uint64, n int, write bool) ([]byte, error) {
	for _, r := range m.regions {
		if write && r.readOnly {
			continue
		}
		size := uint64(len(r.data))
		if addr >= r.base && addr-r.base <= size && uint64(n) <= size-(addr-r.base) {
			off := addr - r.base
			return r.data[off : off+uint64(n)], nil
		}
	}
	return nil, api.ErrBadAddress.WithContext("addr", addr)
}

// CopyFrom implements api.Memory.
func (m *Memory) CopyFrom(dst []byte, addr uint64) error {
	if len(dst) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.find(addr, len(dst), false)
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// CopyTo implements api.Memory.
func (m *Memory) CopyTo(addr uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dst, err := m.find(addr, len(src), true)
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

var _ api.Memory = (*Memory)(nil)
