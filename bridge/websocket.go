package bridge

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsConn presents a WebSocket as a byte stream: each Write is sent as one
// binary message and Read returns binary message payloads back to back.
type wsConn struct {
	net.Conn
	state ws.State
	r     *wsutil.Reader

	inFrame bool

	wlock sync.Mutex
}

func newWSConn(conn net.Conn, src io.Reader, state ws.State) *wsConn {
	return &wsConn{
		Conn:  conn,
		state: state,
		r:     wsutil.NewReader(src, state),
	}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.inFrame {
			n, err := c.r.Read(p)
			if err == io.EOF {
				c.inFrame = false
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}

		hdr, err := c.r.NextFrame()
		if err != nil {
			return 0, err
		}
		switch hdr.OpCode {
		case ws.OpClose:
			return 0, io.EOF
		case ws.OpBinary:
			c.inFrame = true
		default:
			if err = c.r.Discard(); err != nil {
				return 0, fmt.Errorf("discard: %w", err)
			}
		}
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wlock.Lock()
	defer c.wlock.Unlock()

	msg := p
	if c.state.ClientSide() {
		// client frames are masked in place
		msg = append([]byte(nil), p...)
	}
	if err := wsutil.WriteMessage(c.Conn, c.state, ws.OpBinary, msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.wlock.Lock()
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = wsutil.WriteMessage(c.Conn, c.state, ws.OpClose, body)
	c.wlock.Unlock()
	return c.Conn.Close()
}

// DialWebSocket connects to a WebSocket bridge endpoint such as
// ws://127.0.0.1:11265/rex and returns it as a stream connection.
func DialWebSocket(ctx context.Context, urlstr string) (net.Conn, error) {
	conn, br, _, err := ws.Dial(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", urlstr, err)
	}

	var src io.Reader = conn
	if br != nil {
		src = io.MultiReader(br, conn)
	}
	return newWSConn(conn, src, ws.StateClientSide), nil
}

type webSocketHandler struct {
	target string
}

// NewWebSocketHandler upgrades each request and proxies binary messages to a
// fresh TCP connection to target.
func NewWebSocketHandler(target string) http.Handler {
	return &webSocketHandler{target: target}
}

func (h *webSocketHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	conn, brw, _, err := ws.UpgradeHTTP(req, rw)
	if err != nil {
		log.Printf("bridge: ws: %s: upgrade: %v\n", req.RemoteAddr, err)
		return
	}

	var src io.Reader = conn
	if brw != nil && brw.Reader.Buffered() > 0 {
		src = io.MultiReader(brw.Reader, conn)
	}
	wc := newWSConn(conn, src, ws.StateServerSide)

	tcp, err := net.Dial("tcp", h.target)
	if err != nil {
		log.Printf("bridge: ws: %s: dial %s: %v\n", req.RemoteAddr, h.target, err)
		_ = wc.Close()
		return
	}

	log.Printf("bridge: ws: %s: connected to %s\n", req.RemoteAddr, h.target)
	go func() {
		err := Pipe(wc, tcp)
		if err != nil {
			log.Printf("bridge: ws: %s: %v\n", req.RemoteAddr, err)
		}
		log.Printf("bridge: ws: %s: closed\n", req.RemoteAddr)
	}()
}

type WebSocketServer struct {
	l   net.Listener
	srv *http.Server
}

// ServeWebSocket listens on addr and serves the bridge at path in the
// background.
func ServeWebSocket(addr, path, target string) (*WebSocketServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bridge: ws: listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(path, NewWebSocketHandler(target))
	s := &WebSocketServer{
		l:   l,
		srv: &http.Server{Handler: mux},
	}

	log.Printf("bridge: ws: listening on ws://%s%s\n", l.Addr(), path)
	go func() {
		if err := s.srv.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Printf("bridge: ws: serve: %v\n", err)
		}
	}()
	return s, nil
}

func (s *WebSocketServer) Addr() string { return s.l.Addr().String() }

func (s *WebSocketServer) Close() error {
	return s.srv.Close()
}
