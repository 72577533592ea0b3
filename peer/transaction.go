// File: peer/transaction.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A transaction copies one payload from the sender, links a pending entry on
// every destination, and then either commits all of them or unlinks all of
// them. Destinations are locked one at a time; atomicity comes from the
// pending state hiding entries from receivers until commit.

package peer

import (
	"fmt"

	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/fdtable"
	"github.com/momentics/hioload-bus/internal/queue"
	"go.uber.org/zap"
)

const sendFlags = api.SendIgnoreUnknown | api.SendConveyErrors

type pendingEntry struct {
	peer  *Peer
	entry *queue.Entry
}

type transaction struct {
	sender    *Peer
	senderID  uint64
	flags     uint64
	body      []byte
	files     []*fdtable.File
	entries   []pendingEntry
	committed bool
}

func representable(ptr uint64) bool {
	return ptr == uint64(uintptr(ptr))
}

// validateSend checks flags, limits and pointer width before anything is
// copied or allocated.
func validateSend(cmd *api.SendCmd) error {
	if cmd.Flags&^sendFlags != 0 {
		return api.ErrInvalidArgument.WithContext("flags", cmd.Flags)
	}
	if cmd.NDestinations > api.DestinationMax ||
		cmd.NVecs > api.VecMax ||
		cmd.NFDs > api.FDMax {
		return api.ErrMessageTooLarge
	}
	if !representable(cmd.PtrDestinations) ||
		!representable(cmd.PtrVecs) ||
		!representable(cmd.PtrFDs) {
		return api.ErrBadAddress
	}
	return nil
}

// newTransaction validates cmd and copies the body vectors and the handle list
// exactly once, independent of the number of destinations.
func newTransaction(task *Task, sender *Peer, cmd *api.SendCmd) (*transaction, error) {
	if err := validateSend(cmd); err != nil {
		return nil, err
	}
	tx := &transaction{
		sender:   sender,
		senderID: sender.ID(),
		flags:    cmd.Flags,
	}

	if cmd.NVecs > 0 {
		raw := make([]byte, cmd.NVecs*api.VecSize)
		if err := task.Memory.CopyFrom(raw, cmd.PtrVecs); err != nil {
			return nil, err
		}
		vecs := api.DecodeVecs(raw)
		var total uint64
		for _, v := range vecs {
			if v.Len > api.MessageMax || total+v.Len > api.MessageMax {
				return nil, api.ErrMessageTooLarge.WithContext("len", total+v.Len)
			}
			total += v.Len
		}
		tx.body = make([]byte, total)
		var off uint64
		for _, v := range vecs {
			if err := task.Memory.CopyFrom(tx.body[off:off+v.Len], v.Ptr); err != nil {
				return nil, err
			}
			off += v.Len
		}
	}

	if cmd.NFDs > 0 {
		if task.Files == nil {
			return nil, api.ErrBadDescriptor
		}
		raw := make([]byte, cmd.NFDs*api.FDSize)
		if err := task.Memory.CopyFrom(raw, cmd.PtrFDs); err != nil {
			return nil, err
		}
		for _, fd := range api.DecodeFDs(raw) {
			f, err := task.Files.Get(fd)
			if err != nil {
				tx.free()
				return nil, err
			}
			tx.files = append(tx.files, f)
		}
	}
	return tx, nil
}

func (tx *transaction) unknown(id uint64) error {
	if tx.flags&api.SendIgnoreUnknown != 0 {
		return nil
	}
	return api.ErrUnknownDestination.WithContext("id", id)
}

// instantiate links a pending copy of the message on the peer currently
// registered as id.
func (tx *transaction) instantiate(id uint64) error {
	var dst *Peer
	if r := tx.sender.resolver; r != nil {
		dst, _ = r.Resolve(id)
	}
	if dst == nil {
		return tx.unknown(id)
	}

	size := uint64(len(tx.body)) + uint64(len(tx.files))*api.FDSize

	dst.mu.Lock()
	if dst.dead || dst.ID() != id {
		dst.mu.Unlock()
		return tx.unknown(id)
	}
	s, err := dst.allocSlice(size)
	if err != nil {
		dst.mu.Unlock()
		// XXX: with SendConveyErrors the sender should get an error message
		// instead of losing the whole transaction.
		return fmt.Errorf("destination %d: %w", id, err)
	}
	if err := dst.pool.Write(s, 0, tx.body); err != nil {
		dst.releaseSlice(s)
		dst.mu.Unlock()
		return fmt.Errorf("destination %d: %w", id, err)
	}
	files := make([]*fdtable.File, len(tx.files))
	for i, f := range tx.files {
		files[i] = f.Get()
	}
	e := queue.NewEntry(id, s, files)
	dst.queue.LinkPending(e)
	dst.mu.Unlock()

	tx.entries = append(tx.entries, pendingEntry{peer: dst, entry: e})
	return nil
}

// commit flips every pending entry visible. Entries flushed by a concurrent
// reset or disconnect are skipped; their owner already cleaned them up.
func (tx *transaction) commit() {
	for _, pe := range tx.entries {
		pe.peer.mu.Lock()
		if pe.entry.Linked() {
			pe.peer.queue.Commit(pe.entry)
		}
		pe.peer.mu.Unlock()
	}
	tx.committed = true
	tx.sender.metrics.Sent(len(tx.entries))
}

// free rolls back any uncommitted entries and drops the sender-side handle
// references.
func (tx *transaction) free() {
	if !tx.committed {
		for _, pe := range tx.entries {
			pe.peer.mu.Lock()
			unlinked := pe.peer.queue.Unlink(pe.entry)
			if unlinked {
				pe.peer.releaseSlice(pe.entry.Slice)
				pe.entry.Slice = nil
			}
			pe.peer.mu.Unlock()
			if unlinked {
				pe.peer.putFiles(pe.entry)
			}
		}
		if len(tx.entries) > 0 {
			tx.sender.log.Debug("transaction rolled back",
				zap.Uint64("sender", tx.senderID), zap.Int("entries", len(tx.entries)))
		}
	}
	tx.entries = nil
	for _, f := range tx.files {
		if err := f.Put(); err != nil {
			tx.sender.log.Debug("close sent file", zap.Error(err))
		}
	}
	tx.files = nil
}
