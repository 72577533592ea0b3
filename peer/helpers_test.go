package peer_test

import (
	"testing"

	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/control"
	"github.com/momentics/hioload-bus/fake"
	"github.com/momentics/hioload-bus/fdtable"
	"github.com/momentics/hioload-bus/peer"
	"github.com/momentics/hioload-bus/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// client bundles a peer with the task that drives it.
type client struct {
	p     *peer.Peer
	mem   *fake.Memory
	files *fdtable.Table
	task  *peer.Task
}

func newDomain(t *testing.T, poolOpts ...pool.Option) (*peer.Domain, *control.Metrics) {
	t.Helper()
	m := control.NewMetrics(prometheus.NewRegistry())
	d := peer.NewDomain(peer.DomainOptions{
		Logger:      zaptest.NewLogger(t),
		Metrics:     m,
		PoolOptions: poolOpts,
	})
	t.Cleanup(d.Close)
	return d, m
}

func connect(t *testing.T, d *peer.Domain, pages uint64, fdLimit int) *client {
	t.Helper()
	p, err := d.Connect(pages * pool.PageSize())
	require.NoError(t, err)
	mem := fake.NewMemory()
	files := fdtable.NewTable(fdLimit)
	return &client{
		p:     p,
		mem:   mem,
		files: files,
		task:  &peer.Task{Memory: mem, Files: files},
	}
}

// open installs n fresh resources in the client's table.
func (c *client) open(t *testing.T, n int) ([]int, []*fake.Resource) {
	t.Helper()
	fds := make([]int, n)
	res := make([]*fake.Resource, n)
	for i := range fds {
		res[i] = fake.NewResource("r")
		fd, err := c.files.Open(res[i])
		require.NoError(t, err)
		fds[i] = fd
	}
	return fds, res
}

// sendCmd lays out body, fds and destinations in the client's memory.
func (c *client) sendCmd(flags uint64, body []byte, fds []int, dests ...uint64) *api.SendCmd {
	cmd := &api.SendCmd{Flags: flags}
	if len(dests) > 0 {
		cmd.NDestinations = uint64(len(dests))
		cmd.PtrDestinations = c.mem.Map(api.EncodeIDs(dests))
	}
	if len(body) > 0 {
		// split the body in two vectors to exercise gathering
		half := len(body) / 2
		vecs := []api.Vec{
			{Ptr: c.mem.Map(body[:half]), Len: uint64(half)},
			{Ptr: c.mem.Map(body[half:]), Len: uint64(len(body) - half)},
		}
		cmd.NVecs = uint64(len(vecs))
		cmd.PtrVecs = c.mem.Map(api.EncodeVecs(vecs))
	}
	if len(fds) > 0 {
		cmd.NFDs = uint64(len(fds))
		cmd.PtrFDs = c.mem.Map(api.EncodeFDs(fds))
	}
	return cmd
}

func (c *client) send(flags uint64, body []byte, fds []int, dests ...uint64) error {
	return c.p.Send(c.task, c.sendCmd(flags, body, fds, dests...))
}

func (c *client) recv(flags uint64) (api.RecvCmd, error) {
	cmd := api.RecvCmd{Flags: flags}
	err := c.p.Recv(c.task, &cmd)
	return cmd, err
}

// payload returns n bytes of the received slice.
func (c *client) payload(cmd api.RecvCmd, n int) []byte {
	m := c.p.Map()
	return append([]byte(nil), m[cmd.MsgOffset:cmd.MsgOffset+uint64(n)]...)
}

// fdTable decodes the descriptor numbers written at the tail of the slice.
func (c *client) fdTable(cmd api.RecvCmd) []int {
	m := c.p.Map()
	end := cmd.MsgOffset + cmd.MsgSize
	return api.DecodeFDs(m[end-cmd.MsgFDs*api.FDSize : end])
}
