// File: peer/domain.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Domain registers peers under 64-bit IDs and resolves destinations for
// transactions. IDs are never reused; a reset moves a peer to a fresh ID.

package peer

import (
	"sync"

	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/control"
	"github.com/momentics/hioload-bus/pool"
	"go.uber.org/zap"
)

// DomainOptions configures a Domain and the peers it creates.
type DomainOptions struct {
	Logger      *zap.Logger
	Metrics     *control.Metrics
	PoolOptions []pool.Option
}

// Domain is a namespace of peers.
type Domain struct {
	mu     sync.RWMutex
	peers  map[uint64]*Peer
	lastID uint64

	log     *zap.Logger
	metrics *control.Metrics
	probes  *control.DebugProbes
	poolOpt []pool.Option
}

// NewDomain creates an empty domain.
func NewDomain(opts DomainOptions) *Domain {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	d := &Domain{
		peers:   make(map[uint64]*Peer),
		log:     log,
		metrics: opts.Metrics,
		probes:  control.NewDebugProbes(),
		poolOpt: opts.PoolOptions,
	}
	control.RegisterPlatformProbes(d.probes)
	return d
}

// Connect creates a peer with a pool of poolSize bytes and registers it under
// a fresh ID.
func (d *Domain) Connect(poolSize uint64) (*Peer, error) {
	p, err := New(&api.ConnectCmd{PoolSize: poolSize}, Options{
		Resolver:    d,
		Logger:      d.log,
		Metrics:     d.metrics,
		PoolOptions: d.poolOpt,
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.lastID++
	id := d.lastID
	p.id.Store(id)
	d.peers[id] = p
	d.mu.Unlock()

	d.probes.RegisterProbe("peer."+p.UID(), func() any { return p.Stats() })
	d.metrics.PeerDelta(1)
	d.log.Info("peer connected", zap.Uint64("id", id), zap.String("peer_uid", p.UID()), zap.Uint64("pool_size", poolSize))
	return p, nil
}

// Resolve implements Resolver.
func (d *Domain) Resolve(id uint64) (*Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[id]
	return p, ok
}

// ResetPeer moves p to a fresh ID, flushing everything addressed to the old
// one. It returns the new ID. A peer that is no longer registered, because it
// is being disconnected, keeps its ID.
func (d *Domain) ResetPeer(p *Peer) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.peers[p.ID()]; !ok || cur != p {
		return p.ID()
	}
	delete(d.peers, p.ID())
	d.lastID++
	id := d.lastID
	p.Reset(id)
	d.peers[id] = p
	return id
}

// Disconnect unregisters and destroys p.
func (d *Domain) Disconnect(p *Peer) {
	if d.unregister(p) {
		d.teardown(p)
	}
}

// unregister removes p from the registry. Only the caller that removed it
// may tear it down.
func (d *Domain) unregister(p *Peer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.peers[p.ID()]
	if !ok || cur != p {
		return false
	}
	delete(d.peers, p.ID())
	return true
}

func (d *Domain) teardown(p *Peer) {
	d.probes.UnregisterProbe("peer." + p.UID())
	p.Destroy()
	d.metrics.PeerDelta(-1)
}

// Close disconnects every peer.
func (d *Domain) Close() {
	d.mu.RLock()
	peers := make([]*Peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	d.mu.RUnlock()
	for _, p := range peers {
		d.Disconnect(p)
	}
}

// Len returns the number of registered peers.
func (d *Domain) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// DumpState returns every registered probe, one Stats value per peer.
func (d *Domain) DumpState() map[string]any {
	return d.probes.DumpState()
}
