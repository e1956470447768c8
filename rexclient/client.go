// Package rexclient is a blocking Go client for a rex server.
package rexclient

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"rex/frame"
	"rex/iovm1"
	"rex/protocol"
)

var ErrClosed = errors.New("rexclient: connection closed")

type Client struct {
	name string

	c net.Conn
	r *frame.Reassembler

	// one command in flight at a time
	cmd sync.Mutex

	write         chan []byte
	responses     chan []byte
	notifications chan protocol.Notification

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to a rex server over TCP.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient("rexclient", conn), nil
}

// NewClient takes ownership of conn, which may be any byte stream carrying the
// rex framing.
func NewClient(name string, conn net.Conn) *Client {
	c := &Client{
		name:          name,
		c:             conn,
		r:             frame.NewReassembler(frame.DefaultMaxMessage + protocol.ReadHeaderSize),
		write:         make(chan []byte, 64),
		responses:     make(chan []byte, 16),
		notifications: make(chan protocol.Notification, 1024),
		done:          make(chan struct{}),
	}
	log.Printf("%s: connected to server '%s'\n", c.name, conn.RemoteAddr())

	go c.readLoop()
	go c.writeLoop()
	return c
}

// Notifications delivers notify channel messages. Notifications are dropped
// when the channel is full.
func (c *Client) Notifications() <-chan protocol.Notification { return c.notifications }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		log.Printf("%s: disconnect from server '%s'\n", c.name, c.c.RemoteAddr())
		c.err = err
		close(c.done)
		if cerr := c.c.Close(); cerr != nil {
			log.Printf("%s: close: %v\n", c.name, cerr)
		}
	})
}

// must run in a goroutine
func (c *Client) readLoop() {
	defer func() {
		close(c.notifications)
	}()

	b := make([]byte, 4096)
	for {
		n, err := c.c.Read(b)
		if n > 0 {
			ferr := c.r.Feed(b[:n], c.dispatch)
			if ferr != nil {
				c.shutdown(ferr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("%s: read: %v\n", c.name, err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
	}
}

func (c *Client) dispatch(ch frame.Channel, msg []byte) error {
	switch ch {
	case frame.ChannelCommand:
		rsp := make([]byte, len(msg))
		copy(rsp, msg)
		select {
		case c.responses <- rsp:
		case <-c.done:
		}
	case frame.ChannelNotify:
		data := make([]byte, len(msg))
		copy(data, msg)
		n, err := protocol.ParseNotification(data)
		if err != nil {
			log.Printf("%s: %v\n", c.name, err)
			return nil
		}
		select {
		case c.notifications <- n:
		default:
			log.Printf("%s: notification queue full; dropped %s\n", c.name, n.Type)
		}
	}
	return nil
}

// must run in a goroutine
func (c *Client) writeLoop() {
	for {
		select {
		case w := <-c.write:
			if _, err := c.c.Write(w); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Printf("%s: write: %v\n", c.name, err)
				}
				c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send frames msg on ch without waiting for a response.
func (c *Client) Send(ctx context.Context, ch frame.Channel, msg []byte) error {
	return c.sendRaw(ctx, frame.AppendMessage(nil, ch, msg))
}

func (c *Client) sendRaw(ctx context.Context, b []byte) error {
	select {
	case c.write <- b:
		return nil
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do sends a command message and waits for its response. Protocol level
// failures are reported in the returned Response, not as an error.
func (c *Client) Do(ctx context.Context, msg []byte) (rsp protocol.Response, err error) {
	c.cmd.Lock()
	defer c.cmd.Unlock()

	// drop responses left behind by a cancelled call
	for more := true; more; {
		select {
		case <-c.responses:
		default:
			more = false
		}
	}

	if err = c.Send(ctx, frame.ChannelCommand, msg); err != nil {
		return
	}

	select {
	case b := <-c.responses:
		return protocol.ParseResponse(b)
	case <-c.done:
		return rsp, c.err
	case <-ctx.Done():
		return rsp, ctx.Err()
	}
}

func (c *Client) call(ctx context.Context, msg []byte) (protocol.Response, error) {
	rsp, err := c.Do(ctx, msg)
	if err != nil {
		return rsp, err
	}
	if len(msg) > 0 && rsp.Cmd != protocol.Command(msg[0]) {
		return rsp, fmt.Errorf("rexclient: response for %s to %s", rsp.Cmd, protocol.Command(msg[0]))
	}
	return rsp, rsp.Err()
}

func (c *Client) Load(ctx context.Context, prog []byte) error {
	_, err := c.call(ctx, append([]byte{byte(protocol.CmdIOVMLoad)}, prog...))
	return err
}

func (c *Client) Start(ctx context.Context) error {
	_, err := c.call(ctx, []byte{byte(protocol.CmdIOVMStart)})
	return err
}

func (c *Client) Stop(ctx context.Context) error {
	_, err := c.call(ctx, []byte{byte(protocol.CmdIOVMStop)})
	return err
}

func (c *Client) SetFlags(ctx context.Context, f iovm1.Flags) error {
	_, err := c.call(ctx, []byte{byte(protocol.CmdIOVMFlags), byte(f)})
	return err
}

func (c *Client) Reset(ctx context.Context) error {
	_, err := c.call(ctx, []byte{byte(protocol.CmdIOVMReset)})
	return err
}

// GetState returns the VM state and whether the server is stepping it.
func (c *Client) GetState(ctx context.Context) (st iovm1.State, running bool, err error) {
	rsp, err := c.call(ctx, []byte{byte(protocol.CmdIOVMGetState)})
	if err != nil {
		return
	}
	if len(rsp.Extra) < 2 {
		return st, false, fmt.Errorf("rexclient: short getstate response")
	}
	return iovm1.State(rsp.Extra[0]), rsp.Extra[1] != 0, nil
}

// PPUXUpload sends overlay command words. pending reports that the server is
// still waiting for the terminator.
func (c *Client) PPUXUpload(ctx context.Context, words []uint32) (pending bool, err error) {
	msg := make([]byte, 1, 1+4*len(words))
	msg[0] = byte(protocol.CmdPPUXCmdUpload)
	for _, w := range words {
		msg = binary.LittleEndian.AppendUint32(msg, w)
	}
	rsp, err := c.call(ctx, msg)
	if err != nil {
		return
	}
	return len(rsp.Extra) > 0 && rsp.Extra[0] != 0, nil
}

func (c *Client) upload(ctx context.Context, cmd protocol.Command, addr uint32, p []byte) error {
	msg := make([]byte, 5, 5+len(p))
	msg[0] = byte(cmd)
	binary.LittleEndian.PutUint32(msg[1:], addr)
	_, err := c.call(ctx, append(msg, p...))
	return err
}

func (c *Client) VRAMUpload(ctx context.Context, addr uint32, p []byte) error {
	return c.upload(ctx, protocol.CmdPPUXVRAMUpload, addr, p)
}

func (c *Client) CGRAMUpload(ctx context.Context, addr uint32, p []byte) error {
	return c.upload(ctx, protocol.CmdPPUXCGRAMUpload, addr, p)
}

func (c *Client) run(ctx context.Context, prog []byte) error {
	if err := c.Load(ctx, prog); err != nil {
		return err
	}
	return c.Start(ctx)
}

// wait consumes notifications until match returns true or the VM reports a
// failed end.
func (c *Client) wait(ctx context.Context, match func(n protocol.Notification) bool) (protocol.Notification, error) {
	for {
		select {
		case n, ok := <-c.notifications:
			if !ok {
				return n, ErrClosed
			}
			if n.Type == protocol.NotifyVMEnd {
				return n, fmt.Errorf("rexclient: vm ended at pc %d: %w", n.PC, iovm1.Result(n.Result).Err())
			}
			if match(n) {
				return n, nil
			}
		case <-ctx.Done():
			return protocol.Notification{}, ctx.Err()
		}
	}
}

// ReadMemory runs a one-shot read program and returns the data of its read
// notification. Notifications already queued for other operations are
// discarded.
func (c *Client) ReadMemory(ctx context.Context, t iovm1.Target, addr uint32, n int) ([]byte, error) {
	var prog bytes.Buffer
	if err := iovm1.Memory(t).GenerateReadProgram(&prog, addr, n, 0); err != nil {
		return nil, err
	}
	if err := c.run(ctx, prog.Bytes()); err != nil {
		return nil, err
	}

	rn, err := c.wait(ctx, func(rn protocol.Notification) bool {
		return rn.Type == protocol.NotifyRead && rn.Target == uint8(t) && rn.Addr == addr&0xFFFFFF
	})
	if err != nil {
		return nil, err
	}
	return rn.Data, nil
}

// WriteMemory runs a one-shot write program and waits for its write-end
// notification.
func (c *Client) WriteMemory(ctx context.Context, t iovm1.Target, addr uint32, p []byte) error {
	var prog bytes.Buffer
	if err := iovm1.Memory(t).GenerateWriteProgram(&prog, addr, p); err != nil {
		return err
	}
	if err := c.SetFlags(ctx, iovm1.FlagNotifyWriteEnd); err != nil {
		return err
	}
	if err := c.run(ctx, prog.Bytes()); err != nil {
		return err
	}

	_, err := c.wait(ctx, func(n protocol.Notification) bool {
		return n.Type == protocol.NotifyWriteEnd
	})
	return err
}

// WaitFor runs a wait program on a single byte and returns the value that
// satisfied it.
func (c *Client) WaitFor(ctx context.Context, t iovm1.Target, addr uint32, o iovm1.Opcode, cmp, msk uint8, timeout uint32) (uint8, error) {
	var prog bytes.Buffer
	if err := iovm1.Memory(t).GenerateWaitProgram(&prog, addr, o, cmp, msk, timeout, 0); err != nil {
		return 0, err
	}
	if err := c.SetFlags(ctx, iovm1.FlagNotifyWaitComplete); err != nil {
		return 0, err
	}
	if err := c.run(ctx, prog.Bytes()); err != nil {
		return 0, err
	}

	n, err := c.wait(ctx, func(n protocol.Notification) bool {
		return n.Type == protocol.NotifyWaitComplete
	})
	return n.Value, err
}
