// File: peer/peer.go
// Package peer implements bus peers: one pool, one queue and one lock each,
// plus the send and receive paths built on top of them.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A peer lock covers its pool and queue. No call ever holds two peer locks.

package peer

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/control"
	"github.com/momentics/hioload-bus/fdtable"
	"github.com/momentics/hioload-bus/internal/queue"
	"github.com/momentics/hioload-bus/pool"
	"go.uber.org/zap"
)

// Resolver maps a peer ID to a live peer.
type Resolver interface {
	Resolve(id uint64) (*Peer, bool)
}

// Task is the calling context of a command: the caller's address space and
// descriptor table. Files may be nil for callers that never pass handles.
type Task struct {
	Memory api.Memory
	Files  *fdtable.Table
}

// Options configures a peer.
type Options struct {
	Resolver    Resolver
	Logger      *zap.Logger
	Metrics     *control.Metrics
	PoolOptions []pool.Option
}

// Stats is a point-in-time view of a peer.
type Stats struct {
	ID     uint64
	Pool   pool.Stats
	Queued int
}

// Peer is one endpoint of the bus.
type Peer struct {
	uid string
	id  atomic.Uint64

	// active is held shared by every command and exclusively by Destroy.
	active sync.RWMutex
	closed atomic.Bool

	mu    sync.Mutex
	pool  *pool.Pool
	queue *queue.Queue
	dead  bool

	resolver Resolver
	log      *zap.Logger
	metrics  *control.Metrics
}

// New creates an unregistered peer. The pool size must be non-zero and page
// aligned.
func New(param *api.ConnectCmd, opts Options) (*Peer, error) {
	p, err := pool.New(param.PoolSize, opts.PoolOptions...)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	uid := uuid.NewString()
	return &Peer{
		uid:      uid,
		pool:     p,
		queue:    queue.New(),
		resolver: opts.Resolver,
		log:      log.With(zap.String("peer_uid", uid)),
		metrics:  opts.Metrics,
	}, nil
}

// ID returns the current peer ID.
func (p *Peer) ID() uint64 { return p.id.Load() }

// UID returns the connection identifier, stable across resets.
func (p *Peer) UID() string { return p.uid }

// Map returns the receiver's view of its pool. Offsets reported by Recv index
// into it. The view is invalid after Destroy.
func (p *Peer) Map() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool.Bytes()
}

// Stats reports pool and queue usage.
func (p *Peer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{ID: p.ID(), Pool: p.pool.Stats(), Queued: p.queue.Len()}
}

// enter pins the peer for one command.
func (p *Peer) enter() error {
	p.active.RLock()
	if p.closed.Load() {
		p.active.RUnlock()
		return api.ErrDisconnected
	}
	return nil
}

func (p *Peer) exit() { p.active.RUnlock() }

// Reset assigns a new ID and flushes every entry addressed to another ID.
func (p *Peer) Reset(id uint64) {
	p.mu.Lock()
	old := p.id.Swap(id)
	stale := p.queue.FlushStale(id)
	for _, e := range stale {
		p.releaseSlice(e.Slice)
		e.Slice = nil
	}
	p.mu.Unlock()

	for _, e := range stale {
		p.putFiles(e)
	}
	p.metrics.Dropped("reset", len(stale))
	p.log.Info("peer reset", zap.Uint64("old_id", old), zap.Uint64("id", id), zap.Int("flushed", len(stale)))
}

// Destroy waits for in-flight commands, discards every queued entry and unmaps
// the pool. Entries already handed to a lock-free reader stay valid for it.
func (p *Peer) Destroy() {
	p.active.Lock()
	defer p.active.Unlock()
	if p.closed.Swap(true) {
		return
	}

	p.mu.Lock()
	p.dead = true
	entries := p.queue.Drain()
	for _, e := range entries {
		p.releaseSlice(e.Slice)
		e.Slice = nil
	}
	err := p.pool.Destroy()
	p.mu.Unlock()

	for _, e := range entries {
		p.putFiles(e)
	}
	p.metrics.Dropped("disconnect", len(entries))
	if err != nil {
		p.log.Error("pool destroy", zap.Error(err))
	}
	p.log.Info("peer destroyed", zap.Uint64("id", p.ID()), zap.Int("discarded", len(entries)))
}

// allocSlice requires p.mu.
func (p *Peer) allocSlice(size uint64) (*pool.Slice, error) {
	s, err := p.pool.Alloc(size)
	if err != nil {
		return nil, err
	}
	p.metrics.PoolDelta(int64(s.Size()))
	return s, nil
}

// releaseSlice requires p.mu.
func (p *Peer) releaseSlice(s *pool.Slice) {
	size := s.Size()
	p.pool.Release(s)
	p.metrics.PoolDelta(-int64(size))
}

// putFiles drops the entry's handle references.
func (p *Peer) putFiles(e *queue.Entry) {
	for _, f := range e.Files {
		if err := f.Put(); err != nil {
			p.log.Debug("close transferred file", zap.Error(err))
		}
	}
	e.Files = nil
}
