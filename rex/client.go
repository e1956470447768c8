package rex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"

	"rex/frame"
	"rex/iovm1"
	"rex/ppux"
	"rex/protocol"
	"rex/sock"
)

// Client is the server side of one accepted connection. It owns the socket,
// the framing state, a VM and a compositor.
type Client struct {
	id   int
	peer string
	srv  *Server

	sock *sock.Socket
	r    *frame.Reassembler
	w    *frame.Writer

	vm      *iovm1.VM
	ppux    *ppux.Compositor
	running bool
	// reading is set while a READ notification is open on the notify channel.
	reading bool

	rbuf    [4096]byte
	rsp     []byte
	words   []uint32
	hdr     []byte
	capture []byte

	// err is set when the hot path hits a fatal condition; the next drain
	// removes the client.
	err error
}

type vmHost struct {
	mem   Memory
	quota int
}

func (h vmHost) Resolve(t iovm1.Target) ([]byte, bool) {
	if h.mem == nil {
		return nil, false
	}
	return h.mem.Resolve(t)
}

func (h vmHost) Quota() int { return h.quota }

func newClient(srv *Server, id int, s *sock.Socket, peer string) *Client {
	c := &Client{
		id:   id,
		peer: peer,
		srv:  srv,
		sock: s,
		r:    frame.NewReassembler(srv.cfg.MaxMessage),
		w:    frame.NewWriter(srv.cfg.MaxOutbound),
		ppux: ppux.New(srv.cfg.Width, srv.cfg.Height),
	}
	c.vm = iovm1.New(vmHost{mem: srv.mem, quota: srv.cfg.Quota}, c)
	if dm, ok := srv.mem.(DepthMapper); ok {
		c.ppux.SetPriorityDepth(dm.PriorityDepth())
	}
	return c
}

func (c *Client) ID() int                { return c.id }
func (c *Client) Peer() string           { return c.peer }
func (c *Client) VM() *iovm1.VM          { return c.vm }
func (c *Client) PPUX() *ppux.Compositor { return c.ppux }
func (c *Client) Running() bool          { return c.running }
func (c *Client) String() string         { return fmt.Sprintf("client[%d] %s", c.id, c.peer) }

func (c *Client) fail(err error) error {
	if c.err == nil {
		c.err = &TerminalError{wrapped: err}
	}
	return c.err
}

// handleNet services one readiness event: it reads once, dispatches any
// completed messages and flushes pending output.
func (c *Client) handleNet() error {
	if c.err != nil {
		return c.err
	}

	s := c.sock
	if s.IsError() {
		err := s.LastError()
		if err == nil {
			err = sock.ErrClosed
		}
		return c.fail(err)
	}

	if s.IsReadable() {
		n, err := s.Recv(c.rbuf[:])
		if errors.Is(err, io.EOF) {
			return c.fail(ErrClientDisconnected)
		} else if err != nil {
			return c.fail(err)
		}
		if n > 0 {
			if err = c.r.Feed(c.rbuf[:n], c.handleMessage); err != nil {
				return c.fail(err)
			}
		}
	} else if s.IsClosed() {
		return c.fail(ErrClientDisconnected)
	}

	if c.w.Pending() > 0 {
		return c.flush()
	}
	return c.err
}

func (c *Client) flush() error {
	if err := c.w.Flush(c.sock); err != nil {
		return c.fail(err)
	}
	c.sock.WantWrite(c.w.Pending() > 0)
	return c.err
}

func (c *Client) send(ch frame.Channel, msg []byte) error {
	if c.err != nil {
		return c.err
	}
	if c.srv.capture != nil {
		c.srv.capture.Record(c.id, false, uint8(ch), msg)
	}
	if err := c.w.WriteMessage(ch, msg); err != nil {
		return c.fail(err)
	}
	return c.flush()
}

func (c *Client) respond(cmd protocol.Command, code protocol.Code, extra ...byte) error {
	c.rsp = append(c.rsp[:0], byte(cmd), byte(code))
	c.rsp = append(c.rsp, extra...)
	return c.send(frame.ChannelCommand, c.rsp)
}

func b2u8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func ppuxCode(err error) uint8 {
	switch {
	case errors.Is(err, ppux.ErrOutOfRange):
		return protocol.PPUXOutOfRange
	case errors.Is(err, ppux.ErrTooLarge):
		return protocol.PPUXTooLarge
	default:
		return protocol.PPUXMalformed
	}
}

func (c *Client) handleMessage(ch frame.Channel, msg []byte) error {
	if c.srv.capture != nil {
		c.srv.capture.Record(c.id, true, uint8(ch), msg)
	}

	// the notify channel is write-only from this side
	if ch != frame.ChannelCommand || len(msg) == 0 {
		return nil
	}

	cmd := protocol.Command(msg[0])
	args := msg[1:]
	switch cmd {
	case protocol.CmdIOVMLoad:
		if len(args) == 0 {
			return c.respond(cmd, protocol.CodeMsgTooShort)
		}
		if err := c.vm.Load(args); err != nil {
			res := iovm1.OutOfRange
			var de *iovm1.DecodeError
			if errors.As(err, &de) {
				res = de.Result
			}
			log.Printf("rex: %s: iovm_load: %v\n", c, err)
			return c.respond(cmd, protocol.CodeError, byte(res))
		}
		c.running = false
		c.abortRead()
		return c.respond(cmd, protocol.CodeSuccess)

	case protocol.CmdIOVMStart:
		switch c.vm.State() {
		case iovm1.StateInit:
			return c.respond(cmd, protocol.CodeError, byte(iovm1.InvalidOperationForState))
		case iovm1.StateLoaded, iovm1.StateEnded:
			if res := c.vm.Reset(); res != iovm1.Success {
				return c.respond(cmd, protocol.CodeError, byte(res))
			}
		}
		c.running = true
		return c.respond(cmd, protocol.CodeSuccess)

	case protocol.CmdIOVMStop:
		c.running = false
		return c.respond(cmd, protocol.CodeSuccess)

	case protocol.CmdIOVMFlags:
		if len(args) < 1 {
			return c.respond(cmd, protocol.CodeMsgTooShort)
		}
		c.vm.SetFlags(iovm1.Flags(args[0]))
		return c.respond(cmd, protocol.CodeSuccess)

	case protocol.CmdIOVMReset:
		if res := c.vm.Reset(); res != iovm1.Success {
			return c.respond(cmd, protocol.CodeError, byte(res))
		}
		c.abortRead()
		return c.respond(cmd, protocol.CodeSuccess)

	case protocol.CmdIOVMGetState:
		return c.respond(cmd, protocol.CodeSuccess, byte(c.vm.State()), b2u8(c.running))

	case protocol.CmdPPUXCmdUpload:
		if len(args) < 4 {
			return c.respond(cmd, protocol.CodeMsgTooShort)
		}
		if len(args)%4 != 0 {
			return c.respond(cmd, protocol.CodeError, protocol.PPUXMalformed)
		}
		c.words = c.words[:0]
		for i := 0; i < len(args); i += 4 {
			c.words = append(c.words, binary.LittleEndian.Uint32(args[i:]))
		}
		pending, err := c.ppux.Upload(c.words)
		if err != nil {
			log.Printf("rex: %s: ppux_cmd_upload: %v\n", c, err)
			return c.respond(cmd, protocol.CodeError, ppuxCode(err))
		}
		return c.respond(cmd, protocol.CodeSuccess, b2u8(pending))

	case protocol.CmdPPUXVRAMUpload, protocol.CmdPPUXCGRAMUpload:
		if len(args) < 4 {
			return c.respond(cmd, protocol.CodeMsgTooShort)
		}
		addr := binary.LittleEndian.Uint32(args)
		upload := c.ppux.UploadVRAM
		if cmd == protocol.CmdPPUXCGRAMUpload {
			upload = c.ppux.UploadCGRAM
		}
		if err := upload(addr, args[4:]); err != nil {
			log.Printf("rex: %s: %s: %v\n", c, cmd, err)
			return c.respond(cmd, protocol.CodeError, ppuxCode(err))
		}
		return c.respond(cmd, protocol.CodeSuccess)

	default:
		return c.respond(cmd, protocol.CodeUnknownCommand)
	}
}

// VM events, called from Server.OnPC:

// ReadStart opens the READ notification: the header goes out as its own
// frame and the data follows as the VM produces it.
func (c *Client) ReadStart(vm *iovm1.VM, ev iovm1.Transfer) {
	if c.err != nil {
		return
	}
	c.hdr = protocol.AppendTransferHeader(c.hdr[:0], protocol.NotifyRead, ev.PC, ev.TDU&iovm1.TargetMask, ev.Addr, ev.Len)
	if c.srv.capture != nil {
		c.capture = append(c.capture[:0], c.hdr...)
	}

	b := c.w.Builder(frame.ChannelNotify)
	err := b.Append(c.hdr...)
	if err == nil {
		err = b.Flush()
	}
	if err != nil {
		c.fail(err)
		return
	}
	c.reading = true
	c.flush()
}

// ReadChunk streams read bytes; a frame goes out each time 63 bytes fill.
func (c *Client) ReadChunk(vm *iovm1.VM, p []byte) {
	if c.err != nil || !c.reading {
		return
	}
	if c.srv.capture != nil {
		c.capture = append(c.capture, p...)
	}

	pending := c.w.Pending()
	if err := c.w.Builder(frame.ChannelNotify).Append(p...); err != nil {
		c.fail(err)
		return
	}
	if c.w.Pending() > pending {
		c.flush()
	}
}

// ReadComplete closes the READ notification with the partial frame, if any,
// and an empty final frame. The data has already been sent so the queued
// result is dropped.
func (c *Client) ReadComplete(vm *iovm1.VM) {
	vm.DropRead()
	if c.err != nil || !c.reading {
		return
	}
	c.reading = false
	if c.srv.capture != nil {
		c.srv.capture.Record(c.id, false, uint8(frame.ChannelNotify), c.capture)
	}

	b := c.w.Builder(frame.ChannelNotify)
	err := b.Flush()
	if err == nil {
		err = b.End()
	}
	if err != nil {
		c.fail(err)
		return
	}
	c.flush()
}

// abortRead terminates an open READ notification after the VM dropped the
// read. The peer sees a read shorter than its header and discards it.
func (c *Client) abortRead() {
	if !c.reading {
		return
	}
	c.reading = false
	b := c.w.Builder(frame.ChannelNotify)
	err := b.Flush()
	if err == nil {
		err = b.End()
	}
	if err != nil {
		c.fail(err)
	}
}

func (c *Client) notify(msg []byte) {
	c.hdr = msg
	c.send(frame.ChannelNotify, msg)
}

func (c *Client) WriteStart(vm *iovm1.VM, ev iovm1.Transfer) {
	c.notify(protocol.AppendTransferHeader(c.hdr[:0], protocol.NotifyWriteStart, ev.PC, ev.TDU&iovm1.TargetMask, ev.Addr, ev.Len))
}

func (c *Client) WriteEnd(vm *iovm1.VM, ev iovm1.Transfer) {
	c.notify(append(c.hdr[:0], byte(protocol.NotifyWriteEnd)))
}

func (c *Client) WaitComplete(vm *iovm1.VM, ev iovm1.WaitComplete) {
	c.notify(protocol.AppendWaitComplete(c.hdr[:0], ev.PC, ev.TDU&iovm1.TargetMask, ev.Addr, ev.Value))
}

// End reports failures only; a successful end is visible through getstate.
func (c *Client) End(vm *iovm1.VM, ev iovm1.End) {
	if ev.State == iovm1.StateEnded {
		c.running = false
	}
	if ev.Result == iovm1.Success {
		return
	}
	c.notify(protocol.AppendVMEnd(c.hdr[:0], byte(ev.Result), ev.PC, byte(ev.O)))
}

func (c *Client) close() {
	_ = c.sock.Close()
	c.running = false
	c.reading = false
	c.vm.Init()
	c.ppux.Reset()
}
