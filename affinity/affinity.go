// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are
// located in affinity_linux.go and affinity_other.go.

package affinity

import "runtime"

// Pin locks the calling goroutine to its OS thread and binds that thread to
// the logical CPU cpuID modulo the CPU count. The returned func restores the
// previous binding and must be called from the same goroutine.
func Pin(cpuID int) (unpin func(), err error) {
	runtime.LockOSThread()
	restore, err := setAffinity(cpuID % runtime.NumCPU())
	if err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	return func() {
		restore()
		runtime.UnlockOSThread()
	}, nil
}

// Supported reports whether Pin binds threads on this platform.
func Supported() bool { return supported }
