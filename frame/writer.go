package frame

import "fmt"

// DefaultMaxOutbound bounds the bytes a Writer buffers for a slow peer.
const DefaultMaxOutbound = 4 << 20

// Sender is a non-blocking byte sink. Send returns 0, nil when it would block.
type Sender interface {
	Send(p []byte) (int, error)
}

// Writer queues encoded frames for a non-blocking Sender. Each channel has its
// own Builder so a message can be streamed out frame by frame as its payload
// becomes available.
type Writer struct {
	MaxBuffered int

	buf []byte
	b   [Channels]Builder
}

func NewWriter(maxBuffered int) *Writer {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxOutbound
	}
	w := &Writer{MaxBuffered: maxBuffered}
	for i := range w.b {
		w.b[i] = Builder{w: w, ch: Channel(i)}
	}
	return w
}

func (w *Writer) push(f []byte) error {
	if len(w.buf)+len(f) > w.MaxBuffered {
		return fmt.Errorf("%w: %d bytes pending", ErrBufferFull, len(w.buf))
	}
	w.buf = append(w.buf, f...)
	return nil
}

// WriteMessage queues msg as a complete message on ch.
func (w *Writer) WriteMessage(ch Channel, msg []byte) error {
	if len(w.buf)+len(msg)+FrameCount(len(msg)) > w.MaxBuffered {
		return fmt.Errorf("%w: %d bytes pending", ErrBufferFull, len(w.buf))
	}
	w.buf = AppendMessage(w.buf, ch, msg)
	return nil
}

// Builder returns the streaming builder for ch.
func (w *Writer) Builder(ch Channel) *Builder { return &w.b[ch&1] }

func (w *Writer) Pending() int { return len(w.buf) }

// Flush sends as much buffered data as s accepts. On a send error the pending
// data is discarded since the connection cannot resynchronise mid-frame.
func (w *Writer) Flush(s Sender) error {
	sent := 0
	for sent < len(w.buf) {
		n, err := s.Send(w.buf[sent:])
		if err != nil {
			w.buf = w.buf[:0]
			return err
		}
		if n == 0 {
			break
		}
		sent += n
	}

	if sent > 0 {
		w.buf = w.buf[:copy(w.buf, w.buf[sent:])]
	}
	return nil
}

// Builder accumulates the payload of one outgoing message on a channel and
// emits a frame every time 63 bytes fill up. Once a builder fails with
// ErrBufferFull the channel stream is corrupt and the connection must close.
type Builder struct {
	w  *Writer
	ch Channel

	frame [MaxFrame]byte
	n     int
}

func (b *Builder) emit(fin bool) error {
	b.frame[0] = byte(MakeHeader(b.ch, fin, b.n))
	err := b.w.push(b.frame[:1+b.n])
	b.n = 0
	return err
}

// Append adds payload bytes to the message in progress.
func (b *Builder) Append(p ...byte) error {
	for len(p) > 0 {
		n := copy(b.frame[1+b.n:], p)
		b.n += n
		p = p[n:]
		if b.n == MaxPayload {
			if err := b.emit(false); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush emits the partial frame in progress, if any, without ending the
// message.
func (b *Builder) Flush() error {
	if b.n == 0 {
		return nil
	}
	return b.emit(false)
}

// End emits the final frame of the message; it is empty when the payload
// ended exactly on a frame boundary or after a Flush.
func (b *Builder) End() error {
	return b.emit(true)
}
