//go:build !unix

// File: pool/arena_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Heap-backed arena for platforms without mmap.

package pool

import "os"

// PageSize returns the platform page size used for pool alignment.
func PageSize() uint64 { return uint64(os.Getpagesize()) }

func mapArena(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapArena(_ []byte) error { return nil }
