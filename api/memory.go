// File: api/memory.go
// Author: momentics <momentics@gmail.com>
//
// Caller address-space contract used for command copy-in and result copy-out.

package api

// Memory is the address space of the calling task. Both directions fail with
// ErrBadAddress when any byte of the range is not mapped.
type Memory interface {
	// CopyFrom fills dst with len(dst) bytes starting at addr.
	CopyFrom(dst []byte, addr uint64) error

	// CopyTo stores src at addr.
	CopyTo(addr uint64, src []byte) error
}
