//go:build !linux

// File: affinity/affinity_other.go
// Author: momentics <momentics@gmail.com>

package affinity

import "errors"

const supported = false

func setAffinity(cpuID int) (func(), error) {
	return nil, errors.New("affinity: not supported on this platform")
}
