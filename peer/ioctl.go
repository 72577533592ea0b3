// File: peer/ioctl.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Command dispatch over raw fixed-size structures in caller memory.

package peer

import (
	"fmt"

	"github.com/momentics/hioload-bus/api"
)

func importFixed(task *Task, arg uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := task.Memory.CopyFrom(buf, arg); err != nil {
		return nil, fmt.Errorf("import command: %w", api.ErrBadAddress)
	}
	return buf, nil
}

// Ioctl runs command cmd with its argument structure at address arg. Multiple
// commands may run on the same peer in parallel.
func (p *Peer) Ioctl(task *Task, cmd uint32, arg uint64) error {
	switch cmd {
	case api.CmdFree, api.CmdTrack, api.CmdUntrack:
		// XXX: slice tracking is not implemented
		return nil
	case api.CmdSend:
		buf, err := importFixed(task, arg, api.SendCmdSize)
		if err != nil {
			return err
		}
		var param api.SendCmd
		if err := param.UnmarshalBinary(buf); err != nil {
			return err
		}
		return p.Send(task, &param)
	case api.CmdRecv:
		buf, err := importFixed(task, arg, api.RecvCmdSize)
		if err != nil {
			return err
		}
		var param api.RecvCmd
		if err := param.UnmarshalBinary(buf); err != nil {
			return err
		}
		if err := p.Recv(task, &param); err != nil {
			return err
		}
		out, _ := param.MarshalBinary()
		// The message is consumed already; a fault here is reported but
		// not undone.
		if err := task.Memory.CopyTo(arg+8, out[8:]); err != nil {
			return fmt.Errorf("export result: %w", api.ErrBadAddress)
		}
		return nil
	default:
		return api.ErrNotTTY.WithContext("cmd", cmd)
	}
}
