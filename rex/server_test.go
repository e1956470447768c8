package rex_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rex/capture"
	"rex/frame"
	"rex/iovm1"
	"rex/ppux"
	"rex/protocol"
	"rex/rex"
	"rex/rexclient"
)

type testMemory map[iovm1.Target][]byte

func (m testMemory) Resolve(t iovm1.Target) ([]byte, bool) {
	b, ok := m[t]
	return b, ok
}

// harness drives a server from a background goroutine the way an emulator
// thread would. Tests inspect server state through do.
type harness struct {
	mu   sync.Mutex
	srv  *rex.Server
	mem  testMemory
	stop chan struct{}
	wg   sync.WaitGroup
}

func newHarness(t *testing.T, cfg rex.Config) *harness {
	t.Helper()

	cfg.Addr = "127.0.0.1:0"
	h := &harness{
		mem: testMemory{
			iovm1.TargetWRAM: make([]byte, 0x20000),
			iovm1.TargetSRAM: make([]byte, 0x2000),
		},
		stop: make(chan struct{}),
	}
	h.srv = rex.New(cfg, h.mem)
	require.NoError(t, h.srv.Start())

	h.wg.Add(1)
	go h.run()

	t.Cleanup(func() {
		close(h.stop)
		h.wg.Wait()
		h.srv.Stop()
	})
	return h
}

func (h *harness) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.stop:
			return
		default:
		}

		h.mu.Lock()
		h.srv.FrameStart()
		for i := 0; i < 64; i++ {
			h.srv.OnPC(0x008000)
		}
		h.mu.Unlock()

		time.Sleep(200 * time.Microsecond)
	}
}

func (h *harness) do(f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f()
}

func (h *harness) sessions() (n int) {
	h.do(func() { n = h.srv.Sessions() })
	return
}

func (h *harness) dial(t *testing.T) *rexclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := rexclient.Dial(ctx, h.srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.Eventually(t, func() bool { return h.sessions() > 0 }, 2*time.Second, time.Millisecond)
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestReadMemory(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	want := make([]byte, 16)
	for i := range want {
		want[i] = byte(i)
	}
	h.do(func() { copy(h.mem[iovm1.TargetWRAM][0x100:], want) })

	data, err := c.ReadMemory(ctx, iovm1.TargetWRAM, 0x100, 16)
	require.NoError(t, err)
	assert.Equal(t, want, data)

	require.Eventually(t, func() bool {
		st, running, err := c.GetState(ctx)
		return err == nil && st == iovm1.StateEnded && !running
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReadNotificationFields(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	require.NoError(t, c.Load(ctx, []byte{
		iovm1.Instruction(iovm1.OpcodeSetTDU, 0), byte(iovm1.TargetSRAM),
		iovm1.Instruction(iovm1.OpcodeSetA16, 0), 0x00, 0x01,
		iovm1.Instruction(iovm1.OpcodeSetLen, 0), 0x00, 0x01,
		iovm1.Instruction(iovm1.OpcodeRead, 0),
	}))
	require.NoError(t, c.Start(ctx))

	select {
	case n := <-c.Notifications():
		assert.Equal(t, protocol.NotifyRead, n.Type)
		assert.Equal(t, uint32(8), n.PC)
		assert.Equal(t, uint8(iovm1.TargetSRAM), n.Target)
		assert.Equal(t, uint32(0x100), n.Addr)
		assert.Equal(t, 256, n.Len)
		assert.Len(t, n.Data, 256)
	case <-ctx.Done():
		t.Fatal("no read notification")
	}
}

func TestWriteMemory(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	require.NoError(t, c.WriteMemory(ctx, iovm1.TargetWRAM, 0x0100, []byte{1, 2, 3}))

	var got []byte
	h.do(func() { got = append(got, h.mem[iovm1.TargetWRAM][0x0100:0x0103]...) })
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestUndefinedTargetReadsZero(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	data, err := c.ReadMemory(ctx, iovm1.TargetROM, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0}, data)
}

func TestWaitForValue(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	h.do(func() { h.mem[iovm1.TargetWRAM][0x20] = 0x81 })

	// wait while (v & 0x80) != 0x80 completes immediately
	v, err := c.WaitFor(ctx, iovm1.TargetWRAM, 0x20, iovm1.OpcodeWaitWhileNeq, 0x80, 0x80, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x81), v)
}

func TestVMEndNotifiesFailure(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	// WRAM[0] stays 0, so waiting while it equals 0 runs into the timeout
	_, err := c.WaitFor(ctx, iovm1.TargetWRAM, 0, iovm1.OpcodeWaitWhileEq, 0, 0xFF, 16)
	require.Error(t, err)
	assert.ErrorIs(t, err, iovm1.TimedOut.Err())

	st, running, err := c.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, iovm1.StateEnded, st)
	assert.False(t, running)
}

func TestStartBeforeLoad(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	err := c.Start(ctx)
	var re *protocol.ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, protocol.CodeError, re.Code)
	assert.Equal(t, uint8(iovm1.InvalidOperationForState), re.Detail)
}

func TestLoadRejectsInvalidProgram(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	err := c.Load(ctx, []byte{iovm1.Instruction(iovm1.OpcodeSetA24, 0), 0x00})
	var re *protocol.ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, uint8(iovm1.OutOfRange), re.Detail)

	st, running, err := c.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, iovm1.StateInit, st)
	assert.False(t, running)
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	rsp, err := c.Do(ctx, []byte{0x7F, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, protocol.Command(0x7F), rsp.Cmd)
	assert.Equal(t, protocol.CodeUnknownCommand, rsp.Code)
}

func TestMessageTooShort(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	for _, msg := range [][]byte{
		{byte(protocol.CmdIOVMLoad)},
		{byte(protocol.CmdIOVMFlags)},
		{byte(protocol.CmdPPUXCmdUpload), 0, 0},
		{byte(protocol.CmdPPUXVRAMUpload), 0},
	} {
		rsp, err := c.Do(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, protocol.CodeMsgTooShort, rsp.Code, "%s", protocol.Command(msg[0]))
	}
}

func TestIgnoredMessages(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	require.NoError(t, c.Send(ctx, frame.ChannelNotify, []byte{byte(protocol.CmdIOVMGetState)}))
	require.NoError(t, c.Send(ctx, frame.ChannelCommand, nil))

	rsp, err := c.Do(ctx, []byte{byte(protocol.CmdIOVMGetState)})
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdIOVMGetState, rsp.Cmd)
	assert.Equal(t, protocol.CodeSuccess, rsp.Code)
}

func TestPPUXRun(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	color := ppux.Pixel(0x1234, 0, true)
	run := ppux.AppendRun(nil, ppux.Run{Layer: ppux.LayerBG2, Screen: ppux.ScreenMain, X: 2, Y: 3, Width: 4, Pixels: []uint32{
		color, color, color, color,
		color, color, color, color,
	}})

	// the terminator may arrive in a later message
	pending, err := c.PPUXUpload(ctx, run)
	require.NoError(t, err)
	assert.True(t, pending)
	pending, err = c.PPUXUpload(ctx, ppux.AppendEnd(nil))
	require.NoError(t, err)
	assert.False(t, pending)

	// the response went out during a FrameStart that renders before unlocking
	h.do(func() {
		px := h.srv.Clients()[0].PPUX()
		main := px.Layer(ppux.LayerBG2, ppux.ScreenMain)
		pitch := px.Width()
		for y := 3; y <= 4; y++ {
			for x := 2; x < 6; x++ {
				assert.Equal(t, uint32(0x1234|ppux.PixelEnable), main[y*pitch+x])
			}
		}
		top, bottom, ok := px.Dirty()
		assert.True(t, ok)
		assert.Equal(t, 3, top)
		assert.Equal(t, 4, bottom)
	})
}

func TestPPUXMalformed(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	_, err := c.PPUXUpload(ctx, []uint32{0x00000003})
	var re *protocol.ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, protocol.CodeError, re.Code)
	assert.Equal(t, protocol.PPUXMalformed, re.Detail)

	rsp, err := c.Do(ctx, []byte{byte(protocol.CmdPPUXCmdUpload), 0, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeError, rsp.Code)
}

func TestVRAMUploadBounds(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	require.NoError(t, c.VRAMUpload(ctx, 0x100, []byte{0xAA, 0xBB}))

	err := c.VRAMUpload(ctx, 0xFFFF, []byte{1, 2})
	var re *protocol.ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, protocol.PPUXOutOfRange, re.Detail)

	err = c.CGRAMUpload(ctx, 0x1FF, []byte{1})
	require.ErrorAs(t, err, &re)
	assert.Equal(t, protocol.PPUXOutOfRange, re.Detail)

	h.do(func() {
		vram := h.srv.Clients()[0].PPUX().VRAM().Bytes()
		assert.Equal(t, []byte{0xAA, 0xBB}, vram[0x100:0x102])
		assert.Zero(t, vram[0xFFFF])
		assert.Zero(t, h.srv.Clients()[0].PPUX().CGRAM().Bytes()[0x1FF])
	})
}

func TestDisconnectRemovesSession(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	require.Equal(t, 1, h.sessions())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return h.sessions() == 0 }, 2*time.Second, time.Millisecond)

	var st rex.Stats
	h.do(func() { st = h.srv.Stats() })
	assert.Equal(t, uint64(1), st.Accepted)
	assert.Equal(t, uint64(1), st.Closed)
}

func TestOversizedMessageClosesSession(t *testing.T) {
	h := newHarness(t, rex.Config{MaxMessage: 256})
	c := h.dial(t)
	ctx := testContext(t)

	require.NoError(t, c.Send(ctx, frame.ChannelCommand, make([]byte, 300)))
	require.Eventually(t, func() bool { return h.sessions() == 0 }, 2*time.Second, time.Millisecond)

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("client was not disconnected")
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	h := newHarness(t, rex.Config{})
	a := h.dial(t)
	b, err := rexclient.Dial(testContext(t), h.srv.Addr())
	require.NoError(t, err)
	defer b.Close()
	require.Eventually(t, func() bool { return h.sessions() == 2 }, 2*time.Second, time.Millisecond)
	ctx := testContext(t)

	var prog = []byte{iovm1.Instruction(iovm1.OpcodeEnd, 0)}
	require.NoError(t, a.Load(ctx, prog))

	st, _, err := a.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, iovm1.StateLoaded, st)

	st, _, err = b.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, iovm1.StateInit, st)
}

func TestDrawScanline(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	list := ppux.AppendRun(nil, ppux.Run{Layer: ppux.LayerBG1, X: 0, Y: 7, Width: 2, Pixels: []uint32{
		ppux.Pixel(0x001F, 3, true), 0,
	}})
	_, err := c.PPUXUpload(ctx, ppux.AppendEnd(list))
	require.NoError(t, err)

	h.do(func() {
		sl := &ppux.Scanline{
			Line:      7,
			MainColor: make([]ppux.Color, 256),
			MainDepth: make([]uint8, 256),
		}
		h.srv.DrawScanline(ppux.LayerBG1, ppux.ScreenMain, sl)
		assert.Equal(t, ppux.Color(0x001F), sl.MainColor[0])
		assert.Equal(t, ppux.Color(0), sl.MainColor[1])
	})
}

func TestCaptureRecordsTraffic(t *testing.T) {
	h := newHarness(t, rex.Config{})

	var b bytes.Buffer
	cw := capture.NewWriter(&b)
	h.do(func() { h.srv.SetCapture(cw) })

	c := h.dial(t)
	ctx := testContext(t)

	copy(h.mem[iovm1.TargetWRAM][0x20:], []byte{0xAA, 0xBB})
	_, err := c.ReadMemory(ctx, iovm1.TargetWRAM, 0x20, 2)
	require.NoError(t, err)

	h.do(func() { require.NoError(t, cw.Close()) })

	var inbound, outbound, notify int
	r := capture.NewReader(&b)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch {
		case rec.Inbound:
			inbound++
		case rec.Channel == uint8(frame.ChannelNotify):
			notify++
			assert.Equal(t, byte(protocol.NotifyRead), rec.Data[0])
			assert.Equal(t, []byte{0xAA, 0xBB}, rec.Data[len(rec.Data)-2:])
		default:
			outbound++
		}
	}

	// load and start in, two responses out, one read notification
	assert.Equal(t, 2, inbound)
	assert.Equal(t, 2, outbound)
	assert.Equal(t, 1, notify)
}

// rawConn speaks the frame layer directly so tests can see individual frames.
type rawConn struct {
	net.Conn
	buf []byte
}

func (r *rawConn) send(t *testing.T, msg ...byte) {
	t.Helper()
	_, err := r.Write(frame.AppendMessage(nil, frame.ChannelCommand, msg))
	require.NoError(t, err)
}

// fill reads everything that has arrived.
func (r *rawConn) fill(t *testing.T) {
	t.Helper()
	var tmp [4096]byte
	for {
		require.NoError(t, r.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
		n, err := r.Read(tmp[:])
		r.buf = append(r.buf, tmp[:n]...)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return
		}
		require.NoError(t, err)
	}
}

// notify returns the notify channel payload received so far and the number
// of notify messages ended.
func (r *rawConn) notify() (payload []byte, ended int) {
	for i := 0; i < len(r.buf); {
		h := frame.Header(r.buf[i])
		end := i + 1 + h.Len()
		if end > len(r.buf) {
			break
		}
		if h.Channel() == frame.ChannelNotify {
			payload = append(payload, r.buf[i+1:end]...)
			if h.Fin() {
				ended++
			}
		}
		i = end
	}
	return
}

func TestReadStreamsBeforeCompletion(t *testing.T) {
	mem := testMemory{iovm1.TargetWRAM: make([]byte, 0x20000)}
	for i := range mem[iovm1.TargetWRAM] {
		mem[iovm1.TargetWRAM][i] = byte(i)
	}
	srv := rex.New(rex.Config{Addr: "127.0.0.1:0"}, mem)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	rc := &rawConn{Conn: conn}

	require.Eventually(t, func() bool {
		srv.FrameStart()
		return srv.Sessions() == 1
	}, 2*time.Second, time.Millisecond)

	var prog bytes.Buffer
	require.NoError(t, iovm1.WRAM.GenerateReadProgram(&prog, 0, 4096, 0))
	rc.send(t, append([]byte{byte(protocol.CmdIOVMLoad)}, prog.Bytes()...)...)
	rc.send(t, byte(protocol.CmdIOVMStart))
	require.Eventually(t, func() bool {
		srv.FrameStart()
		return srv.Clients()[0].Running()
	}, 2*time.Second, time.Millisecond)

	hdr := protocol.AppendTransferHeader(nil, protocol.NotifyRead, 9, uint8(iovm1.TargetWRAM), 0, 4096)

	// 100 steps at 4 bytes each: the header and six full data frames are out
	for i := 0; i < 100; i++ {
		srv.OnPC(0x008000)
	}
	assert.Equal(t, iovm1.StateRead, srv.Clients()[0].VM().State())
	rc.fill(t)
	payload, ended := rc.notify()
	assert.Zero(t, ended)
	require.Len(t, payload, len(hdr)+6*frame.MaxPayload)
	assert.Equal(t, hdr, payload[:len(hdr)])
	assert.Equal(t, mem[iovm1.TargetWRAM][:6*frame.MaxPayload], payload[len(hdr):])

	for i := 0; i < 1000; i++ {
		srv.OnPC(0x008000)
	}
	rc.fill(t)
	payload, ended = rc.notify()
	assert.Equal(t, 1, ended)
	require.Len(t, payload, len(hdr)+4096)
	assert.Equal(t, mem[iovm1.TargetWRAM][:4096], payload[len(hdr):])
	assert.Zero(t, srv.Clients()[0].VM().Queued())
}

func TestResetEndsOpenRead(t *testing.T) {
	h := newHarness(t, rex.Config{})
	c := h.dial(t)
	ctx := testContext(t)

	// a 64 KiB read takes 16384 steps, long enough to interrupt
	var prog bytes.Buffer
	require.NoError(t, iovm1.WRAM.GenerateReadProgram(&prog, 0, 65536, 0))
	require.NoError(t, c.Load(ctx, prog.Bytes()))
	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool {
		st, _, err := c.GetState(ctx)
		return err == nil && st == iovm1.StateRead
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Reset(ctx))

	// the session stays usable once the truncated notification is closed
	h.do(func() { copy(h.mem[iovm1.TargetWRAM][0x40:], []byte{1, 2, 3}) })
	data, err := c.ReadMemory(ctx, iovm1.TargetWRAM, 0x40, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}
