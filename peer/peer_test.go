package peer_test

import (
	"bytes"
	"testing"

	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/peer"
	"github.com/momentics/hioload-bus/pool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsPoolSize(t *testing.T) {
	page := pool.PageSize()
	for _, size := range []uint64{0, 1, page - 8, page + 8} {
		_, err := peer.New(&api.ConnectCmd{PoolSize: size}, peer.Options{})
		assert.ErrorIs(t, err, api.ErrInvalidArgument, "size %d", size)
	}
}

func TestCreateDestroyLeavesNoSlices(t *testing.T) {
	d, m := newDomain(t)
	for _, pages := range []uint64{1, 2, 16} {
		a := connect(t, d, pages, 0)
		b := connect(t, d, pages, 0)
		require.NoError(t, a.send(0, []byte("pending"), nil, b.p.ID()))
		require.NoError(t, a.send(0, []byte("pending"), nil, b.p.ID(), a.p.ID()))
		assert.Equal(t, 2, b.p.Stats().Queued)

		d.Disconnect(a.p)
		d.Disconnect(b.p)
		assert.Zero(t, b.p.Stats().Pool.Slices)
		assert.Zero(t, a.p.Stats().Pool.Slices)
	}
	assert.Zero(t, testutil.ToFloat64(m.PoolAllocated))
	assert.Equal(t, 9.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("disconnect")))
}

// A sends a 100-byte payload with two handles to B; B peeks twice, consumes,
// and the queue is empty afterwards.
func TestSendRecvWithHandles(t *testing.T) {
	d, m := newDomain(t)
	a := connect(t, d, 1, 0)
	b := connect(t, d, 1, 0)

	body := bytes.Repeat([]byte{0xab}, 100)
	fds, res := a.open(t, 2)
	require.NoError(t, a.send(0, body, fds, b.p.ID()))

	p1, err := b.recv(api.RecvPeek)
	require.NoError(t, err)
	p2, err := b.recv(api.RecvPeek)
	require.NoError(t, err)
	assert.Equal(t, p1, p2, "peek is idempotent")
	assert.GreaterOrEqual(t, p1.MsgSize, uint64(100))
	assert.Equal(t, uint64(2), p1.MsgFDs)
	assert.Zero(t, b.files.Len(), "peek installs nothing")

	got, err := b.recv(0)
	require.NoError(t, err)
	assert.Equal(t, p1.MsgOffset, got.MsgOffset)
	assert.Equal(t, p1.MsgSize, got.MsgSize)
	assert.Equal(t, uint64(2), got.MsgFDs)
	assert.Equal(t, body, b.payload(got, 100))

	installed := b.fdTable(got)
	require.Len(t, installed, 2)
	assert.Equal(t, 2, b.files.Len())
	assert.Zero(t, b.files.Reserved())
	for i, fd := range installed {
		f, err := b.files.Get(fd)
		require.NoError(t, err)
		assert.Same(t, res[i], f.Resource())
		require.NoError(t, f.Put())
	}

	_, err = b.recv(0)
	assert.ErrorIs(t, err, api.ErrWouldBlock)

	// the receiver's references outlive the sender's
	a.files.CloseAll()
	for _, r := range res {
		assert.False(t, r.Closed())
	}
	b.files.CloseAll()
	for _, r := range res {
		assert.Equal(t, 1, r.CloseCount())
	}

	assert.Zero(t, b.p.Stats().Pool.Slices)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Receives.WithLabelValues("peek")))
}

func TestUnknownDestinationDeliversNothing(t *testing.T) {
	d, m := newDomain(t)
	a := connect(t, d, 1, 0)
	b := connect(t, d, 1, 0)
	const unknown = 1 << 40

	err := a.send(0, []byte("hello"), nil, b.p.ID(), unknown)
	assert.ErrorIs(t, err, api.ErrUnknownDestination)

	_, err = b.recv(0)
	assert.ErrorIs(t, err, api.ErrWouldBlock)
	assert.Zero(t, b.p.Stats().Queued)
	assert.Zero(t, b.p.Stats().Pool.Slices)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsAbort.WithLabelValues("unknown_destination")))
}

func TestIgnoreUnknown(t *testing.T) {
	d, _ := newDomain(t)
	a := connect(t, d, 1, 0)
	b := connect(t, d, 1, 0)

	require.NoError(t, a.send(api.SendIgnoreUnknown, []byte("hello"), nil, b.p.ID(), 1<<40))
	got, err := b.recv(0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b.payload(got, 5)))
}

func TestRecvPreservesOrder(t *testing.T) {
	d, _ := newDomain(t)
	a := connect(t, d, 1, 0)
	b := connect(t, d, 1, 0)

	require.NoError(t, a.send(0, []byte("first"), nil, b.p.ID()))
	require.NoError(t, a.send(0, []byte("second"), nil, b.p.ID()))

	m1, err := b.recv(0)
	require.NoError(t, err)
	assert.Equal(t, "first", string(b.payload(m1, 5)))
	m2, err := b.recv(0)
	require.NoError(t, err)
	assert.Equal(t, "second", string(b.payload(m2, 6)))
}

func TestRecvEmptyAllocatesNothing(t *testing.T) {
	d, m := newDomain(t)
	b := connect(t, d, 1, 0)

	_, err := b.recv(0)
	assert.ErrorIs(t, err, api.ErrWouldBlock)
	_, err = b.recv(api.RecvPeek)
	assert.ErrorIs(t, err, api.ErrWouldBlock)
	assert.Zero(t, b.files.Reserved())
	assert.Zero(t, b.files.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Receives.WithLabelValues("empty")))
}

func TestRecvValidation(t *testing.T) {
	d, _ := newDomain(t)
	b := connect(t, d, 1, 0)

	tests := []struct {
		name string
		cmd  api.RecvCmd
	}{
		{"unknown flag", api.RecvCmd{Flags: 1 << 5}},
		{"offset set", api.RecvCmd{MsgOffset: 1}},
		{"size set", api.RecvCmd{MsgSize: 1}},
		{"fds set", api.RecvCmd{MsgFDs: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := tt.cmd
			assert.ErrorIs(t, b.p.Recv(b.task, &cmd), api.ErrInvalidArgument)
		})
	}
}

func TestSendValidation(t *testing.T) {
	d, _ := newDomain(t)
	a := connect(t, d, 1, 0)
	b := connect(t, d, 1, 0)

	tests := []struct {
		name string
		cmd  func() *api.SendCmd
		want error
	}{
		{"unknown flag", func() *api.SendCmd { return &api.SendCmd{Flags: 1 << 7} }, api.ErrInvalidArgument},
		{"too many destinations", func() *api.SendCmd { return &api.SendCmd{NDestinations: api.DestinationMax + 1} }, api.ErrMessageTooLarge},
		{"too many vectors", func() *api.SendCmd { return &api.SendCmd{NVecs: api.VecMax + 1} }, api.ErrMessageTooLarge},
		{"too many fds", func() *api.SendCmd { return &api.SendCmd{NFDs: api.FDMax + 1} }, api.ErrMessageTooLarge},
		{"unmapped vectors", func() *api.SendCmd { return &api.SendCmd{NVecs: 1, PtrVecs: 8} }, api.ErrBadAddress},
		{"unmapped fds", func() *api.SendCmd { return &api.SendCmd{NFDs: 1, PtrFDs: 8} }, api.ErrBadAddress},
		{"unmapped body", func() *api.SendCmd {
			cmd := a.sendCmd(0, nil, nil, b.p.ID())
			cmd.NVecs = 1
			cmd.PtrVecs = a.mem.Map(api.EncodeVecs([]api.Vec{{Ptr: 8, Len: 4}}))
			return cmd
		}, api.ErrBadAddress},
		{"oversized body", func() *api.SendCmd {
			cmd := a.sendCmd(0, nil, nil, b.p.ID())
			cmd.NVecs = 2
			cmd.PtrVecs = a.mem.Map(api.EncodeVecs([]api.Vec{{Len: api.MessageMax}, {Len: 1}}))
			return cmd
		}, api.ErrMessageTooLarge},
		{"closed fd", func() *api.SendCmd { return a.sendCmd(0, nil, []int{99}, b.p.ID()) }, api.ErrBadDescriptor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, a.p.Send(a.task, tt.cmd()), tt.want)
			assert.Zero(t, b.p.Stats().Queued)
		})
	}
}

func TestDestinationFaultAbortsTransaction(t *testing.T) {
	d, _ := newDomain(t)
	a := connect(t, d, 1, 0)
	b := connect(t, d, 1, 0)
	c := connect(t, d, 1, 0)

	cmd := a.sendCmd(0, []byte("x"), nil, b.p.ID(), c.p.ID())
	// only the first destination ID is readable
	cmd.PtrDestinations = a.mem.Map(api.EncodeIDs([]uint64{b.p.ID()}))
	assert.ErrorIs(t, a.p.Send(a.task, cmd), api.ErrBadAddress)

	for _, x := range []*client{b, c} {
		_, err := x.recv(0)
		assert.ErrorIs(t, err, api.ErrWouldBlock)
		assert.Zero(t, x.p.Stats().Pool.Slices)
	}
}

func TestPoolExhaustionRollsBackEarlierDestinations(t *testing.T) {
	d, m := newDomain(t)
	a := connect(t, d, 1, 0)
	big := connect(t, d, 4, 0)
	small := connect(t, d, 1, 0)
	fds, res := a.open(t, 1)

	body := make([]byte, 2*pool.PageSize())
	err := a.send(0, body, fds, big.p.ID(), small.p.ID())
	assert.ErrorIs(t, err, api.ErrNoSpace)

	assert.Zero(t, big.p.Stats().Queued)
	assert.Zero(t, big.p.Stats().Pool.Slices)
	_, err = big.recv(0)
	assert.ErrorIs(t, err, api.ErrWouldBlock)
	assert.Zero(t, testutil.ToFloat64(m.PoolAllocated))

	// every transferred reference was dropped again
	a.files.CloseAll()
	assert.True(t, res[0].Closed())
}

func TestSendToSelf(t *testing.T) {
	d, _ := newDomain(t)
	a := connect(t, d, 1, 0)
	require.NoError(t, a.send(0, []byte("loop"), nil, a.p.ID()))
	got, err := a.recv(0)
	require.NoError(t, err)
	assert.Equal(t, "loop", string(a.payload(got, 4)))
}

func TestEmptyMessage(t *testing.T) {
	d, _ := newDomain(t)
	a := connect(t, d, 1, 0)
	b := connect(t, d, 1, 0)
	require.NoError(t, a.send(0, nil, nil, b.p.ID()))
	got, err := b.recv(0)
	require.NoError(t, err)
	assert.Zero(t, got.MsgFDs)
	assert.Zero(t, b.p.Stats().Pool.Slices)
}

func TestNoDestinations(t *testing.T) {
	d, m := newDomain(t)
	a := connect(t, d, 1, 0)
	require.NoError(t, a.send(0, []byte("void"), nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent))
	assert.Zero(t, testutil.ToFloat64(m.Deliveries))
}

func TestWriteFaultDropsMessage(t *testing.T) {
	// body writes land at offset zero; only the trailing descriptor table fails
	d, m := newDomain(t, pool.WithFaultInjector(func(_ *pool.Slice, off uint64, _ int) error {
		if off > 0 {
			return assert.AnError
		}
		return nil
	}))
	a := connect(t, d, 1, 0)
	b := connect(t, d, 1, 0)
	fds, res := a.open(t, 2)
	require.NoError(t, a.send(0, []byte("payload"), fds, b.p.ID()))

	got, err := b.recv(0)
	require.NoError(t, err, "the failure is swallowed")
	assert.Equal(t, api.RecvCmd{}, got)
	assert.Zero(t, b.files.Len())
	assert.Zero(t, b.files.Reserved())
	assert.Zero(t, b.p.Stats().Pool.Slices)

	_, err = b.recv(0)
	assert.ErrorIs(t, err, api.ErrWouldBlock, "the message is lost, not requeued")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("write_fault")))

	a.files.CloseAll()
	for _, r := range res {
		assert.True(t, r.Closed())
	}
}

func TestDescriptorExhaustionKeepsMessage(t *testing.T) {
	d, _ := newDomain(t)
	a := connect(t, d, 1, 0)
	b := connect(t, d, 1, 1)
	fds, _ := a.open(t, 2)
	require.NoError(t, a.send(0, []byte("two"), fds, b.p.ID()))

	_, err := b.recv(0)
	assert.ErrorIs(t, err, api.ErrNoSpace)
	assert.Zero(t, b.files.Reserved())

	got, err := b.recv(api.RecvPeek)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.MsgFDs)
}

func TestRecvWithoutDescriptorTable(t *testing.T) {
	d, _ := newDomain(t)
	a := connect(t, d, 1, 0)
	b := connect(t, d, 1, 0)
	b.task.Files = nil

	require.NoError(t, a.send(0, []byte("plain"), nil, b.p.ID()))
	_, err := b.recv(0)
	require.NoError(t, err)

	fds, _ := a.open(t, 1)
	require.NoError(t, a.send(0, []byte("fd"), fds, b.p.ID()))
	_, err = b.recv(0)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestResetFlushesStaleEntries(t *testing.T) {
	d, m := newDomain(t)
	a := connect(t, d, 1, 0)
	b := connect(t, d, 1, 0)
	oldID := b.p.ID()
	require.NoError(t, a.send(0, []byte("old"), nil, oldID))

	newID := d.ResetPeer(b.p)
	assert.NotEqual(t, oldID, newID)
	assert.Equal(t, newID, b.p.ID())
	_, err := b.recv(0)
	assert.ErrorIs(t, err, api.ErrWouldBlock)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("reset")))

	assert.ErrorIs(t, a.send(0, []byte("x"), nil, oldID), api.ErrUnknownDestination)
	require.NoError(t, a.send(0, []byte("new"), nil, newID))
	got, err := b.recv(0)
	require.NoError(t, err)
	assert.Equal(t, "new", string(b.payload(got, 3)))
}

func TestDisconnectedPeer(t *testing.T) {
	d, _ := newDomain(t)
	a := connect(t, d, 1, 0)
	b := connect(t, d, 1, 0)
	id := b.p.ID()
	d.Disconnect(b.p)
	assert.Equal(t, 1, d.Len())

	assert.ErrorIs(t, a.send(0, []byte("x"), nil, id), api.ErrUnknownDestination)
	assert.ErrorIs(t, b.send(0, []byte("x"), nil, a.p.ID()), api.ErrDisconnected)
	_, err := b.recv(0)
	assert.ErrorIs(t, err, api.ErrDisconnected)

	d.Disconnect(b.p) // no-op
	assert.NoError(t, a.send(api.SendIgnoreUnknown, []byte("x"), nil, id))
}

func TestDumpState(t *testing.T) {
	d, _ := newDomain(t)
	a := connect(t, d, 1, 0)
	require.NoError(t, a.send(0, []byte("x"), nil, a.p.ID()))

	state := d.DumpState()
	st, ok := state["peer."+a.p.UID()].(peer.Stats)
	require.True(t, ok)
	assert.Equal(t, a.p.ID(), st.ID)
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, 1, st.Pool.Slices)
	assert.Contains(t, state, "platform.page_size")
}
