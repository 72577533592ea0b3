//go:build unix

// File: pool/arena_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Anonymous shared mapping backing a pool arena.

package pool

import (
	"fmt"

	"github.com/momentics/hioload-bus/api"
	"golang.org/x/sys/unix"
)

// PageSize returns the platform page size used for pool alignment.
func PageSize() uint64 { return uint64(unix.Getpagesize()) }

func mapArena(size uint64) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", api.ErrOutOfMemory, size, err)
	}
	return mem, nil
}

func unmapArena(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}
