package peer_test

import (
	"testing"

	"github.com/momentics/hioload-bus/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshal(t *testing.T, v interface{ MarshalBinary() ([]byte, error) }) []byte {
	t.Helper()
	b, err := v.MarshalBinary()
	require.NoError(t, err)
	return b
}

func TestIoctlSendRecv(t *testing.T) {
	d, _ := newDomain(t)
	a := connect(t, d, 1, 0)
	b := connect(t, d, 1, 0)

	fds, _ := a.open(t, 1)
	send := a.sendCmd(0, []byte("through ioctl"), fds, b.p.ID())
	require.NoError(t, a.p.Ioctl(a.task, api.CmdSend, a.mem.Map(marshal(t, send))))

	arg := b.mem.Map(marshal(t, &api.RecvCmd{}))
	require.NoError(t, b.p.Ioctl(b.task, api.CmdRecv, arg))

	raw, err := b.mem.Read(arg, api.RecvCmdSize)
	require.NoError(t, err)
	var got api.RecvCmd
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.Equal(t, uint64(1), got.MsgFDs)
	assert.Equal(t, "through ioctl", string(b.payload(got, 13)))
	assert.Equal(t, 1, b.files.Len())
}

func TestIoctlCommands(t *testing.T) {
	d, _ := newDomain(t)
	a := connect(t, d, 1, 0)

	for _, cmd := range []uint32{api.CmdFree, api.CmdTrack, api.CmdUntrack} {
		assert.NoError(t, a.p.Ioctl(a.task, cmd, 0))
	}
	assert.ErrorIs(t, a.p.Ioctl(a.task, 0xdead, 0), api.ErrNotTTY)
	assert.ErrorIs(t, a.p.Ioctl(a.task, api.CmdSend, 8), api.ErrBadAddress)
	assert.ErrorIs(t, a.p.Ioctl(a.task, api.CmdRecv, 8), api.ErrBadAddress)

	// a truncated structure faults
	short := a.mem.Map(make([]byte, api.SendCmdSize-1))
	assert.ErrorIs(t, a.p.Ioctl(a.task, api.CmdSend, short), api.ErrBadAddress)
}

// A result that cannot be copied back reports BadAddress, but the message is
// consumed all the same.
func TestIoctlRecvCopyOutFault(t *testing.T) {
	d, _ := newDomain(t)
	a := connect(t, d, 1, 0)
	b := connect(t, d, 1, 0)
	require.NoError(t, a.send(0, []byte("lost"), nil, b.p.ID()))

	arg := b.mem.MapReadOnly(marshal(t, &api.RecvCmd{}))
	assert.ErrorIs(t, b.p.Ioctl(b.task, api.CmdRecv, arg), api.ErrBadAddress)

	_, err := b.recv(0)
	assert.ErrorIs(t, err, api.ErrWouldBlock)
}

func TestIoctlRecvEmpty(t *testing.T) {
	d, _ := newDomain(t)
	b := connect(t, d, 1, 0)
	arg := b.mem.Map(marshal(t, &api.RecvCmd{Flags: api.RecvPeek}))
	assert.ErrorIs(t, b.p.Ioctl(b.task, api.CmdRecv, arg), api.ErrWouldBlock)
}
