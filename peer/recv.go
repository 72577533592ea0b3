// File: peer/recv.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Receive dequeues the head message and transfers its handles. Descriptor
// numbers are reserved before the peer lock is taken; if the head changed to a
// message with more handles in the meantime, the reservation grows and the
// dequeue is retried.

package peer

import (
	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/fdtable"
	"go.uber.org/zap"
)

// Recv fills the output fields of cmd with the published slice of the head
// message. With api.RecvPeek the message stays queued and no handles are
// installed.
func (p *Peer) Recv(task *Task, cmd *api.RecvCmd) error {
	if cmd.Flags&^api.RecvPeek != 0 {
		return api.ErrInvalidArgument.WithContext("flags", cmd.Flags)
	}
	if cmd.MsgOffset != 0 || cmd.MsgSize != 0 || cmd.MsgFDs != 0 {
		return api.ErrInvalidArgument
	}
	if err := p.enter(); err != nil {
		return err
	}
	defer p.exit()

	// Fast path only: anyone may race us for the head, so it is checked
	// again under the lock.
	e := p.queue.PeekUnlocked()
	if e == nil {
		p.metrics.Received("empty")
		return api.ErrWouldBlock
	}
	wanted := e.NFiles()

	if cmd.Flags&api.RecvPeek != 0 {
		return p.peek(cmd)
	}

	var slots []*fdtable.Slot
	defer func() {
		for _, s := range slots {
			s.Release()
		}
	}()

	for {
		if wanted > len(slots) {
			if task.Files == nil {
				return api.ErrInvalidArgument.WithContext("reason", "no descriptor table")
			}
			for len(slots) < wanted {
				s, err := task.Files.Reserve()
				if err != nil {
					p.metrics.Received("fd_exhausted")
					return err
				}
				slots = append(slots, s)
			}
		}

		p.mu.Lock()
		e = p.queue.Peek()
		switch {
		case e == nil:
		case e.NFiles() > len(slots):
			wanted = e.NFiles()
		default:
			p.queue.Unlink(e)
			cmd.MsgOffset, cmd.MsgSize = p.pool.Publish(e.Slice)
			cmd.MsgFDs = uint64(e.NFiles())
			if e.NFiles() == 0 {
				p.releaseSlice(e.Slice)
				e.Slice = nil
			}
		}
		p.mu.Unlock()

		if wanted <= len(slots) {
			break
		}
	}

	if e == nil {
		p.metrics.Received("empty")
		return api.ErrWouldBlock
	}

	n := e.NFiles()
	for len(slots) > n {
		slots[len(slots)-1].Release()
		slots = slots[:len(slots)-1]
	}

	if n > 0 {
		fds := make([]int, n)
		for i, s := range slots {
			fds[i] = s.FD()
		}
		table := api.EncodeFDs(fds)
		// Writing the pool can only fail on OOM. The message is dequeued
		// already and putting it back would break ordering, so it is lost.
		werr := p.pool.Write(e.Slice, e.Slice.Size()-uint64(len(table)), table)

		p.mu.Lock()
		p.releaseSlice(e.Slice)
		p.mu.Unlock()
		e.Slice = nil

		if werr == nil {
			for i, s := range slots {
				s.Install(e.Files[i].Get())
			}
			slots = nil
		} else {
			cmd.MsgOffset, cmd.MsgSize, cmd.MsgFDs = 0, 0, 0
			p.metrics.Dropped("write_fault", 1)
			p.log.Warn("message dropped", zap.Uint64("id", p.ID()), zap.Int("fds", n), zap.Error(werr))
		}
	}

	p.putFiles(e)
	p.metrics.Received("ok")
	return nil
}

func (p *Peer) peek(cmd *api.RecvCmd) error {
	p.mu.Lock()
	e := p.queue.Peek()
	if e != nil {
		cmd.MsgOffset, cmd.MsgSize = p.pool.Publish(e.Slice)
		cmd.MsgFDs = uint64(e.NFiles())
	}
	p.mu.Unlock()

	if e == nil {
		p.metrics.Received("empty")
		return api.ErrWouldBlock
	}
	p.metrics.Received("peek")
	return nil
}
