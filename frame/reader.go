package frame

import "fmt"

// Reassembler turns an arbitrarily chunked byte stream back into messages.
// Frames may be split across Feed calls at any byte boundary.
type Reassembler struct {
	MaxMessage int

	partial [MaxFrame]byte
	np      int

	msgs [Channels][]byte
}

func NewReassembler(maxMessage int) *Reassembler {
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessage
	}
	return &Reassembler{MaxMessage: maxMessage}
}

// Feed consumes p and calls fn for every completed message, in order. The msg
// slice passed to fn is only valid until fn returns. A message growing beyond
// MaxMessage fails with ErrMessageTooLarge; errors returned by fn stop the
// feed and are returned as-is.
func (r *Reassembler) Feed(p []byte, fn func(ch Channel, msg []byte) error) (err error) {
	for len(p) > 0 {
		if r.np > 0 {
			size := 1 + Header(r.partial[0]).Len()
			n := copy(r.partial[r.np:size], p)
			r.np += n
			p = p[n:]
			if r.np < size {
				return nil
			}

			r.np = 0
			if err = r.consume(Header(r.partial[0]), r.partial[1:size], fn); err != nil {
				return
			}
			continue
		}

		h := Header(p[0])
		size := 1 + h.Len()
		if len(p) < size {
			r.np = copy(r.partial[:], p)
			return nil
		}

		if err = r.consume(h, p[1:size], fn); err != nil {
			return
		}
		p = p[size:]
	}

	return nil
}

func (r *Reassembler) consume(h Header, payload []byte, fn func(ch Channel, msg []byte) error) error {
	ch := h.Channel()

	buf := r.msgs[ch]
	limit := r.MaxMessage
	if limit <= 0 {
		limit = DefaultMaxMessage
	}
	if len(buf)+len(payload) > limit {
		r.msgs[ch] = buf[:0]
		return fmt.Errorf("%w: %s channel message over %d bytes", ErrMessageTooLarge, ch, limit)
	}

	buf = append(buf, payload...)
	if !h.Fin() {
		r.msgs[ch] = buf
		return nil
	}

	r.msgs[ch] = buf[:0]
	return fn(ch, buf)
}

// Reset drops any partially received frame or message.
func (r *Reassembler) Reset() {
	r.np = 0
	for i := range r.msgs {
		r.msgs[i] = r.msgs[i][:0]
	}
}
