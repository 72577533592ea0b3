// Package pool
// Author: momentics <momentics@gmail.com>
//
// Per-peer message pool for hioload-bus.
// A Pool is one page-aligned arena, mapped shared on unix platforms, carved on
// demand into Slices. Each queued message owns exactly one Slice; receivers read
// the payload in place through the published offset and size.
// See pool.go for allocation and arena_unix.go for the mapping.
package pool
