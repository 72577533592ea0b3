// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import "sync/atomic"

// Resource stands in for an open file. It counts Close calls.
type Resource struct {
	Name   string
	closed atomic.Int32
}

// NewResource returns an open resource.
func NewResource(name string) *Resource { return &Resource{Name: name} }

// Close implements io.Closer.
func (r *Resource) Close() error {
	r.closed.Add(1)
	return nil
}

// Closed reports whether Close was called at least once.
func (r *Resource) Closed() bool { return r.closed.Load() > 0 }

// CloseCount reports the number of Close calls.
func (r *Resource) CloseCount() int { return int(r.closed.Load()) }
