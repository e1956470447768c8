//go:build linux || darwin || freebsd || netbsd || openbsd

// Package sock wraps raw non-blocking TCP sockets for callers that must never
// block: an emulator thread polls them with a zero timeout once per frame.
package sock

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

type Events uint8

const (
	Readable Events = 1 << iota
	Writable
	Error
	Closed
)

var ErrWouldBlock = errors.New("sock: operation would block")
var ErrClosed = errors.New("sock: socket closed")

type Socket struct {
	fd int

	want    Events
	revents Events

	err    error
	closed bool
}

func newSocket(fd int) (s *Socket, err error) {
	s = &Socket{fd: fd, want: Readable}
	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("sock: set non-blocking: %w", err)
	}
	if err = setNoSigpipe(fd); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("sock: disable SIGPIPE: %w", err)
	}
	return
}

func resolve(addr string) (*unix.SockaddrInet4, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, fmt.Errorf("sock: parse address %q: %w", addr, err)
	}
	if !ap.Addr().Is4() {
		return nil, fmt.Errorf("sock: address %q is not IPv4", addr)
	}
	return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}, nil
}

// Listen opens a non-blocking TCP listener on an IPv4 host:port with
// SO_REUSEADDR set. Port 0 selects an ephemeral port, see LocalAddr.
func Listen(addr string, backlog int) (s *Socket, err error) {
	sa, err := resolve(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("sock: socket: %w", err)
	}
	if s, err = newSocket(fd); err != nil {
		return nil, err
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		s.Close()
		return nil, fmt.Errorf("sock: SO_REUSEADDR: %w", err)
	}
	if err = unix.Bind(fd, sa); err != nil {
		s.Close()
		return nil, fmt.Errorf("sock: bind %s: %w", addr, err)
	}
	if err = unix.Listen(fd, backlog); err != nil {
		s.Close()
		return nil, fmt.Errorf("sock: listen %s: %w", addr, err)
	}

	return s, nil
}

// Connect starts a non-blocking connect. The returned socket becomes writable
// once the connection is established.
func Connect(addr string) (s *Socket, err error) {
	sa, err := resolve(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("sock: socket: %w", err)
	}
	if s, err = newSocket(fd); err != nil {
		return nil, err
	}
	if err = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		s.Close()
		return nil, fmt.Errorf("sock: TCP_NODELAY: %w", err)
	}

	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		s.Close()
		return nil, fmt.Errorf("sock: connect %s: %w", addr, err)
	}

	return s, nil
}

// Accept returns the next pending connection as a non-blocking socket with
// TCP_NODELAY set. It returns ErrWouldBlock when no connection is pending.
func (s *Socket) Accept() (c *Socket, peer string, err error) {
	fd, sa, err := accept(s.fd)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return nil, "", ErrWouldBlock
		}
		s.err = err
		return nil, "", fmt.Errorf("sock: accept: %w", err)
	}

	if c, err = newSocket(fd); err != nil {
		return nil, "", err
	}
	if err = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		c.Close()
		return nil, "", fmt.Errorf("sock: TCP_NODELAY: %w", err)
	}

	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		peer = netip.AddrPortFrom(netip.AddrFrom4(in4.Addr), uint16(in4.Port)).String()
	}
	return c, peer, nil
}

// LocalAddr returns the bound IPv4 address.
func (s *Socket) LocalAddr() (string, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return "", fmt.Errorf("sock: getsockname: %w", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", fmt.Errorf("sock: unexpected address family")
	}
	return netip.AddrPortFrom(netip.AddrFrom4(in4.Addr), uint16(in4.Port)).String(), nil
}

// Send writes as much of p as the kernel accepts. A would-block condition
// returns 0, nil; any other failure is fatal for the socket.
func (s *Socket) Send(p []byte) (n int, err error) {
	if s.fd < 0 {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err = unix.Write(s.fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		s.err = err
		return 0, fmt.Errorf("sock: send: %w", err)
	}
	return n, nil
}

// Recv reads into p. A would-block condition returns 0, nil; an orderly
// shutdown by the peer returns 0, io.EOF and marks the socket closed.
func (s *Socket) Recv(p []byte) (n int, err error) {
	if s.fd < 0 {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err = unix.Read(s.fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		s.err = err
		return 0, fmt.Errorf("sock: recv: %w", err)
	}
	if n == 0 {
		s.closed = true
		return 0, io.EOF
	}
	return n, nil
}

// Close releases the descriptor. It is safe to call more than once.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	s.closed = true
	return err
}

// WantWrite asks the next Poll to also report writability.
func (s *Socket) WantWrite(want bool) {
	if want {
		s.want |= Writable
	} else {
		s.want &^= Writable
	}
}

func (s *Socket) Revents() Events  { return s.revents }
func (s *Socket) IsReadable() bool { return s.revents&Readable != 0 }
func (s *Socket) IsWritable() bool { return s.revents&Writable != 0 }
func (s *Socket) IsError() bool    { return s.revents&Error != 0 || s.err != nil }
func (s *Socket) IsClosed() bool   { return s.revents&Closed != 0 || s.closed || s.fd < 0 }

// LastError returns the last fatal error captured by a socket operation or by
// Poll through SO_ERROR.
func (s *Socket) LastError() error { return s.err }

// Poller polls a set of sockets and fills in their readiness bits. A Poller
// reuses its descriptor table between calls and is not safe for concurrent use.
type Poller struct {
	fds   []unix.PollFd
	socks []*Socket
}

// Poll waits up to timeout for events on socks; a zero timeout makes it
// non-blocking and a negative timeout waits indefinitely. It returns the number
// of sockets with any readiness bit set. Closed or nil sockets are skipped.
func (p *Poller) Poll(socks []*Socket, timeout time.Duration) (n int, err error) {
	p.fds = p.fds[:0]
	p.socks = p.socks[:0]
	for _, s := range socks {
		if s == nil {
			continue
		}
		s.revents = 0
		if s.fd < 0 {
			continue
		}

		var events int16 = unix.POLLIN
		if s.want&Writable != 0 {
			events |= unix.POLLOUT
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(s.fd), Events: events})
		p.socks = append(p.socks, s)
	}
	if len(p.fds) == 0 {
		return 0, nil
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	_, err = unix.Poll(p.fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("sock: poll: %w", err)
	}

	for i := range p.fds {
		re := p.fds[i].Revents
		if re == 0 {
			continue
		}

		s := p.socks[i]
		if re&unix.POLLIN != 0 {
			s.revents |= Readable
		}
		if re&unix.POLLOUT != 0 {
			s.revents |= Writable
		}
		if re&(unix.POLLERR|unix.POLLNVAL) != 0 {
			s.revents |= Error
			if soerr, gerr := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR); gerr == nil && soerr != 0 {
				s.err = unix.Errno(soerr)
			}
		}
		if re&unix.POLLHUP != 0 {
			s.revents |= Closed
		}
		n++
	}

	return n, nil
}
