package rexclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rex/frame"
	"rex/iovm1"
	"rex/protocol"
)

// fakeServer answers every command with the reply function's message and
// records what it received.
type fakeServer struct {
	conn net.Conn
	r    *frame.Reassembler
	got  chan []byte
}

func newPipe(t *testing.T, reply func(msg []byte) [][]byte) (*Client, *fakeServer) {
	t.Helper()
	a, b := net.Pipe()
	s := &fakeServer{conn: b, r: frame.NewReassembler(0), got: make(chan []byte, 16)}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := b.Read(buf)
			if err != nil {
				return
			}
			_ = s.r.Feed(buf[:n], func(ch frame.Channel, msg []byte) error {
				cp := append([]byte(nil), msg...)
				s.got <- cp
				for _, out := range reply(cp) {
					ch := frame.ChannelCommand
					if len(out) > 0 && out[0] == 0xFF {
						ch, out = frame.ChannelNotify, out[1:]
					}
					if _, err := b.Write(frame.AppendMessage(nil, ch, out)); err != nil {
						return err
					}
				}
				return nil
			})
		}
	}()

	c := NewClient("test", a)
	t.Cleanup(func() {
		_ = c.Close()
		_ = b.Close()
	})
	return c, s
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGetState(t *testing.T) {
	c, s := newPipe(t, func(msg []byte) [][]byte {
		return [][]byte{{msg[0], byte(protocol.CodeSuccess), byte(iovm1.StateWait), 1}}
	})

	st, running, err := c.GetState(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, iovm1.StateWait, st)
	assert.True(t, running)
	assert.Equal(t, []byte{byte(protocol.CmdIOVMGetState)}, <-s.got)
}

func TestErrorResponse(t *testing.T) {
	c, _ := newPipe(t, func(msg []byte) [][]byte {
		return [][]byte{{msg[0], byte(protocol.CodeError), protocol.PPUXOutOfRange}}
	})

	err := c.VRAMUpload(ctxT(t), 0xFFFF, []byte{1, 2})
	var re *protocol.ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, protocol.CmdPPUXVRAMUpload, re.Cmd)
	assert.Equal(t, protocol.PPUXOutOfRange, re.Detail)
}

func TestUploadEncoding(t *testing.T) {
	c, s := newPipe(t, func(msg []byte) [][]byte {
		return [][]byte{{msg[0], byte(protocol.CodeSuccess), 1}}
	})

	pending, err := c.PPUXUpload(ctxT(t), []uint32{0x80000002, 0x04030201})
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, []byte{0x10, 0x02, 0, 0, 0x80, 0x01, 0x02, 0x03, 0x04}, <-s.got)

	require.NoError(t, c.CGRAMUpload(ctxT(t), 0x10, []byte{0xAA}))
	assert.Equal(t, []byte{0x12, 0x10, 0, 0, 0, 0xAA}, <-s.got)
}

func TestReadMemory(t *testing.T) {
	c, _ := newPipe(t, func(msg []byte) [][]byte {
		rsp := [][]byte{{msg[0], byte(protocol.CodeSuccess)}}
		if protocol.Command(msg[0]) == protocol.CmdIOVMStart {
			// a stale read from an earlier program is skipped
			stale := protocol.AppendTransferHeader([]byte{0xFF}, protocol.NotifyRead, 9, uint8(iovm1.TargetWRAM), 0x40, 1)
			rsp = append(rsp, append(stale, 0x99))
			n := protocol.AppendTransferHeader([]byte{0xFF}, protocol.NotifyRead, 9, uint8(iovm1.TargetWRAM), 0x10, 2)
			rsp = append(rsp, append(n, 0x12, 0x34))
		}
		return rsp
	})

	data, err := c.ReadMemory(ctxT(t), iovm1.TargetWRAM, 0x10, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34}, data)
}

func TestReadMemoryVMEnd(t *testing.T) {
	c, _ := newPipe(t, func(msg []byte) [][]byte {
		rsp := [][]byte{{msg[0], byte(protocol.CodeSuccess)}}
		if protocol.Command(msg[0]) == protocol.CmdIOVMStart {
			rsp = append(rsp, protocol.AppendVMEnd([]byte{0xFF}, byte(iovm1.TimedOut), 13, byte(iovm1.OpcodeWaitWhileEq)))
		}
		return rsp
	})

	_, err := c.ReadMemory(ctxT(t), iovm1.TargetWRAM, 0x10, 2)
	assert.ErrorIs(t, err, iovm1.TimedOut.Err())
}

func TestCloseFailsPendingCalls(t *testing.T) {
	c, _ := newPipe(t, func(msg []byte) [][]byte { return nil })

	errc := make(chan error, 1)
	go func() {
		_, _, err := c.GetState(context.Background())
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return after Close")
	}
	<-c.Done()
	assert.ErrorIs(t, c.Err(), ErrClosed)
}
