// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Fixed-size command structures, flags and limits of the bus command surface.

package api

import "encoding/binary"

// Command codes accepted by the peer command dispatcher.
const (
	CmdFree uint32 = iota + 1
	CmdTrack
	CmdUntrack
	CmdSend
	CmdRecv
)

// Send flags.
const (
	SendIgnoreUnknown uint64 = 1 << iota
	SendConveyErrors
)

// Receive flags.
const (
	RecvPeek uint64 = 1 << iota
)

// Limits checked before any size arithmetic.
const (
	DestinationMax = 512
	VecMax         = 512
	FDMax          = 256
	MessageMax     = 1 << 26
)

// Wire sizes of the fixed command structures.
const (
	SendCmdSize    = 56
	RecvCmdSize    = 32
	ConnectCmdSize = 8
	VecSize        = 16
	DestIDSize     = 8
	FDSize         = 4
)

// SendCmd describes one multicast send. All pointers address caller memory.
type SendCmd struct {
	Flags           uint64
	NDestinations   uint64
	NVecs           uint64
	NFDs            uint64
	PtrDestinations uint64 // array of u64 peer IDs
	PtrVecs         uint64 // array of Vec
	PtrFDs          uint64 // array of i32 descriptor numbers
}

// MarshalBinary encodes the command in its 56-byte little-endian layout.
func (c *SendCmd) MarshalBinary() ([]byte, error) {
	b := make([]byte, SendCmdSize)
	le := binary.LittleEndian
	le.PutUint64(b[0:], c.Flags)
	le.PutUint64(b[8:], c.NDestinations)
	le.PutUint64(b[16:], c.NVecs)
	le.PutUint64(b[24:], c.NFDs)
	le.PutUint64(b[32:], c.PtrDestinations)
	le.PutUint64(b[40:], c.PtrVecs)
	le.PutUint64(b[48:], c.PtrFDs)
	return b, nil
}

// UnmarshalBinary decodes a 56-byte command.
func (c *SendCmd) UnmarshalBinary(b []byte) error {
	if len(b) != SendCmdSize {
		return ErrInvalidArgument
	}
	le := binary.LittleEndian
	c.Flags = le.Uint64(b[0:])
	c.NDestinations = le.Uint64(b[8:])
	c.NVecs = le.Uint64(b[16:])
	c.NFDs = le.Uint64(b[24:])
	c.PtrDestinations = le.Uint64(b[32:])
	c.PtrVecs = le.Uint64(b[40:])
	c.PtrFDs = le.Uint64(b[48:])
	return nil
}

// RecvCmd carries receive flags in and the published slice out.
// The output fields must be zero on entry.
type RecvCmd struct {
	Flags     uint64
	MsgOffset uint64
	MsgSize   uint64
	MsgFDs    uint64
}

func (c *RecvCmd) MarshalBinary() ([]byte, error) {
	b := make([]byte, RecvCmdSize)
	le := binary.LittleEndian
	le.PutUint64(b[0:], c.Flags)
	le.PutUint64(b[8:], c.MsgOffset)
	le.PutUint64(b[16:], c.MsgSize)
	le.PutUint64(b[24:], c.MsgFDs)
	return b, nil
}

func (c *RecvCmd) UnmarshalBinary(b []byte) error {
	if len(b) != RecvCmdSize {
		return ErrInvalidArgument
	}
	le := binary.LittleEndian
	c.Flags = le.Uint64(b[0:])
	c.MsgOffset = le.Uint64(b[8:])
	c.MsgSize = le.Uint64(b[16:])
	c.MsgFDs = le.Uint64(b[24:])
	return nil
}

// ConnectCmd carries the pool size of a new peer.
type ConnectCmd struct {
	PoolSize uint64
}

// Vec is one body fragment of a message in caller memory.
type Vec struct {
	Ptr uint64
	Len uint64
}

// DecodeVecs decodes a packed array of 16-byte vectors.
func DecodeVecs(b []byte) []Vec {
	vecs := make([]Vec, len(b)/VecSize)
	for i := range vecs {
		vecs[i].Ptr = binary.LittleEndian.Uint64(b[i*VecSize:])
		vecs[i].Len = binary.LittleEndian.Uint64(b[i*VecSize+8:])
	}
	return vecs
}

// EncodeVecs packs vectors in their wire layout.
func EncodeVecs(vecs []Vec) []byte {
	b := make([]byte, len(vecs)*VecSize)
	for i, v := range vecs {
		binary.LittleEndian.PutUint64(b[i*VecSize:], v.Ptr)
		binary.LittleEndian.PutUint64(b[i*VecSize+8:], v.Len)
	}
	return b
}

// EncodeFDs packs descriptor numbers as little-endian int32.
func EncodeFDs(fds []int) []byte {
	b := make([]byte, len(fds)*FDSize)
	for i, fd := range fds {
		binary.LittleEndian.PutUint32(b[i*FDSize:], uint32(int32(fd)))
	}
	return b
}

// DecodeFDs unpacks little-endian int32 descriptor numbers.
func DecodeFDs(b []byte) []int {
	fds := make([]int, len(b)/FDSize)
	for i := range fds {
		fds[i] = int(int32(binary.LittleEndian.Uint32(b[i*FDSize:])))
	}
	return fds
}

// EncodeIDs packs peer IDs as little-endian u64.
func EncodeIDs(ids []uint64) []byte {
	b := make([]byte, len(ids)*DestIDSize)
	for i, id := range ids {
		binary.LittleEndian.PutUint64(b[i*DestIDSize:], id)
	}
	return b
}
