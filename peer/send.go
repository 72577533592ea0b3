// File: peer/send.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package peer

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/hioload-bus/api"
	"go.uber.org/zap"
)

// Send multicasts one message to every destination listed in cmd. Either every
// resolved destination receives it or none does.
func (p *Peer) Send(task *Task, cmd *api.SendCmd) (err error) {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.exit()

	tx, err := newTransaction(task, p, cmd)
	if err != nil {
		return err
	}
	defer func() {
		tx.free()
		if err != nil {
			reason := api.CodeOf(err).String()
			p.metrics.Aborted(reason)
			p.log.Debug("send aborted", zap.Uint64("id", p.ID()), zap.String("reason", reason), zap.Error(err))
		}
	}()

	var raw [api.DestIDSize]byte
	for i := uint64(0); i < cmd.NDestinations; i++ {
		// faults are fatal for the whole transaction
		if err := task.Memory.CopyFrom(raw[:], cmd.PtrDestinations+i*api.DestIDSize); err != nil {
			return fmt.Errorf("destination %d: %w", i, api.ErrBadAddress)
		}
		if err := tx.instantiate(binary.LittleEndian.Uint64(raw[:])); err != nil {
			return err
		}
	}

	tx.commit()
	return nil
}
