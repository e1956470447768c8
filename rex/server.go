// Package rex is the emulator-side remote control server. It is driven
// entirely from the emulator thread: FrameStart services the network once per
// frame, OnPC steps the per-client VMs between CPU instructions, and
// DrawScanline composites client overlays into each rendered line.
package rex

import (
	"errors"
	"fmt"
	"log"

	"rex/iovm1"
	"rex/ppux"
	"rex/protocol"
	"rex/sock"
)

// Memory resolves VM memory targets to host-owned byte slices.
type Memory interface {
	Resolve(t iovm1.Target) ([]byte, bool)
}

// DepthMapper is an optional Memory extension for hosts whose depth buffers
// expect overlay priorities at particular depths. New sessions take it up.
type DepthMapper interface {
	PriorityDepth() [4]uint8
}

// Capture, when set, records every message that crosses a client connection.
// msg is only valid for the duration of the call.
type Capture interface {
	Record(client int, inbound bool, ch uint8, msg []byte)
}

type Config struct {
	Addr          string
	Backlog       int
	Quota         int
	Width         int
	Height        int
	MaxMessage    int
	MaxOutbound   int
	MaxPollRounds int
}

func DefaultConfig() Config {
	return Config{
		Addr:          fmt.Sprintf("127.0.0.1:%d", protocol.DefaultPort),
		Backlog:       32,
		Quota:         iovm1.DefaultQuota,
		Width:         ppux.DefaultWidth,
		Height:        ppux.DefaultHeight,
		MaxMessage:    1 << 20,
		MaxOutbound:   4 << 20,
		MaxPollRounds: 256,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.Backlog <= 0 {
		c.Backlog = d.Backlog
	}
	if c.Quota <= 0 {
		c.Quota = d.Quota
	}
	if c.Width <= 0 {
		c.Width = d.Width
	}
	if c.Height <= 0 {
		c.Height = d.Height
	}
	if c.MaxMessage <= 0 {
		c.MaxMessage = d.MaxMessage
	}
	if c.MaxOutbound <= 0 {
		c.MaxOutbound = d.MaxOutbound
	}
	if c.MaxPollRounds <= 0 {
		c.MaxPollRounds = d.MaxPollRounds
	}
}

type Stats struct {
	Frames   uint64
	Accepted uint64
	Closed   uint64
	Clients  int
}

// Server is not safe for concurrent use; every method must be called from the
// thread that drives the emulator.
type Server struct {
	cfg     Config
	mem     Memory
	capture Capture

	l    *sock.Socket
	addr string

	clients []*Client
	nextID  int

	poller sock.Poller
	set    []*sock.Socket

	stats Stats
}

func New(cfg Config, mem Memory) *Server {
	cfg.fill()
	return &Server{cfg: cfg, mem: mem}
}

func (s *Server) SetCapture(c Capture) { s.capture = c }
func (s *Server) Config() Config       { return s.cfg }

func (s *Server) Start() (err error) {
	if s.l != nil {
		return nil
	}
	if s.l, err = sock.Listen(s.cfg.Addr, s.cfg.Backlog); err != nil {
		return
	}
	if s.addr, err = s.l.LocalAddr(); err != nil {
		_ = s.l.Close()
		s.l = nil
		return
	}
	log.Printf("rex: listening on %s\n", s.addr)
	return nil
}

// Stop closes every client and the listener.
func (s *Server) Stop() {
	for i, c := range s.clients {
		c.close()
		s.clients[i] = nil
	}
	s.clients = s.clients[:0]
	if s.l != nil {
		_ = s.l.Close()
		s.l = nil
		log.Printf("rex: stopped listening on %s\n", s.addr)
	}
}

// Addr returns the bound listen address, including the port the kernel picked
// when the configured port was 0.
func (s *Server) Addr() string { return s.addr }

func (s *Server) Sessions() int      { return len(s.clients) }
func (s *Server) Clients() []*Client { return s.clients }

func (s *Server) Stats() Stats {
	st := s.stats
	st.Clients = len(s.clients)
	return st
}

// FrameStart drains all network activity that is ready without blocking and
// then renders each client's staged overlay commands.
func (s *Server) FrameStart() {
	if s.l == nil {
		return
	}
	s.stats.Frames++

	s.drain()
	s.prune()

	for _, c := range s.clients {
		c.ppux.Render()
	}
}

func (s *Server) drain() {
	for round := 0; round < s.cfg.MaxPollRounds; round++ {
		s.set = append(s.set[:0], s.l)
		for _, c := range s.clients {
			s.set = append(s.set, c.sock)
		}

		n, err := s.poller.Poll(s.set, 0)
		if err != nil {
			log.Printf("rex: %v\n", err)
			return
		}
		if n == 0 {
			return
		}

		for _, c := range s.clients {
			if c.err != nil || c.sock.Revents() == 0 {
				continue
			}
			_ = c.handleNet()
		}
		s.prune()

		if s.l.IsError() {
			log.Printf("rex: listener error: %v\n", s.l.LastError())
		}
		if s.l.IsReadable() {
			s.accept()
		}
	}
}

func (s *Server) accept() {
	cs, peer, err := s.l.Accept()
	if errors.Is(err, sock.ErrWouldBlock) {
		return
	} else if err != nil {
		log.Printf("rex: %v\n", err)
		return
	}

	s.nextID++
	c := newClient(s, s.nextID, cs, peer)
	s.clients = append(s.clients, c)
	s.stats.Accepted++
	log.Printf("rex: %s: accepted\n", c)
}

// prune removes clients that hit a terminal error, preserving order.
func (s *Server) prune() {
	kept := s.clients[:0]
	for _, c := range s.clients {
		if c.err != nil {
			log.Printf("rex: %s: closed: %v\n", c, c.err)
			c.close()
			s.stats.Closed++
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(s.clients); i++ {
		s.clients[i] = nil
	}
	s.clients = kept
}

// OnPC steps the VM of every started client. pc is the CPU program counter of
// the instruction about to execute.
func (s *Server) OnPC(pc uint32) {
	for _, c := range s.clients {
		if !c.running || c.err != nil {
			continue
		}
		c.vm.Step()
	}
}

// DrawScanline composites each client's overlay layer into sl in connection
// order.
func (s *Server) DrawScanline(l ppux.Layer, sc ppux.Screen, sl *ppux.Scanline) {
	for _, c := range s.clients {
		c.ppux.DrawScanline(l, sc, sl)
	}
}
