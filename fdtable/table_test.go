package fdtable_test

import (
	"sync/atomic"
	"testing"

	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/fdtable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closer struct{ closed atomic.Int32 }

func (c *closer) Close() error {
	c.closed.Add(1)
	return nil
}

func TestFileRefcount(t *testing.T) {
	c := &closer{}
	f := fdtable.NewFile(c)
	f.Get()
	assert.Equal(t, int64(2), f.Refs())
	require.NoError(t, f.Put())
	assert.Zero(t, c.closed.Load())
	require.NoError(t, f.Put())
	assert.Equal(t, int32(1), c.closed.Load())
	assert.Panics(t, func() { _ = f.Put() })
}

func TestOpenGetClose(t *testing.T) {
	tbl := fdtable.NewTable(0)
	c := &closer{}
	fd, err := tbl.Open(c)
	require.NoError(t, err)
	assert.Equal(t, 0, fd)
	assert.Equal(t, 1, tbl.Len())

	ref, err := tbl.Get(fd)
	require.NoError(t, err)
	require.NoError(t, tbl.Close(fd))
	assert.Zero(t, c.closed.Load(), "outstanding reference keeps the resource open")
	require.NoError(t, ref.Put())
	assert.Equal(t, int32(1), c.closed.Load())

	_, err = tbl.Get(fd)
	assert.ErrorIs(t, err, api.ErrBadDescriptor)
	assert.ErrorIs(t, tbl.Close(fd), api.ErrBadDescriptor)
}

func TestReserveLimitAndRecycle(t *testing.T) {
	tbl := fdtable.NewTable(2)
	a, err := tbl.Reserve()
	require.NoError(t, err)
	b, err := tbl.Reserve()
	require.NoError(t, err)
	_, err = tbl.Reserve()
	assert.ErrorIs(t, err, api.ErrNoSpace)
	assert.Equal(t, 2, tbl.Reserved())

	a.Release()
	c, err := tbl.Reserve()
	require.NoError(t, err)
	assert.Equal(t, a.FD(), c.FD(), "released numbers are reused")

	b.Install(fdtable.NewFile(&closer{}))
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, 1, tbl.Reserved())
	assert.Panics(t, func() { b.Release() })
	c.Release()
	assert.Zero(t, tbl.Reserved())
}

func TestCloseAll(t *testing.T) {
	tbl := fdtable.NewTable(0)
	cs := []*closer{{}, {}, {}}
	for _, c := range cs {
		_, err := tbl.Open(c)
		require.NoError(t, err)
	}
	tbl.CloseAll()
	assert.Zero(t, tbl.Len())
	for _, c := range cs {
		assert.Equal(t, int32(1), c.closed.Load())
	}
}
