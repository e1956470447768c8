// Package frame implements the two-channel framing used on a rex connection.
//
// Every frame is a one byte header followed by up to 63 payload bytes:
//
//	bit 7    fin: last frame of a message
//	bit 6    channel: 0 = commands/responses, 1 = notifications
//	bits 0-5 payload length
//
// A message is the concatenation of the payloads of consecutive frames on one
// channel up to and including the frame with fin set. Frames of the two
// channels may interleave; each channel reassembles independently.
package frame

import (
	"errors"
	"fmt"
)

const (
	MaxPayload = 63
	MaxFrame   = 1 + MaxPayload

	finBit  = 0x80
	chanBit = 0x40
	lenMask = 0x3F
)

// DefaultMaxMessage bounds the size of a reassembled message.
const DefaultMaxMessage = 1 << 20

type Channel uint8

const (
	ChannelCommand Channel = iota
	ChannelNotify

	Channels = 2
)

func (c Channel) String() string {
	switch c {
	case ChannelCommand:
		return "command"
	case ChannelNotify:
		return "notify"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

var ErrMessageTooLarge = errors.New("frame: message exceeds size limit")
var ErrBufferFull = errors.New("frame: outbound buffer full")

type Header byte

func MakeHeader(ch Channel, fin bool, n int) Header {
	h := Header(n & lenMask)
	if ch&1 != 0 {
		h |= chanBit
	}
	if fin {
		h |= finBit
	}
	return h
}

func (h Header) Fin() bool        { return h&finBit != 0 }
func (h Header) Channel() Channel { return Channel((h & chanBit) >> 6) }
func (h Header) Len() int         { return int(h & lenMask) }

// AppendMessage appends the framed encoding of msg to dst. Messages longer
// than MaxPayload are split into full frames with only the last one marked
// fin; an empty message encodes as a single empty fin frame.
func AppendMessage(dst []byte, ch Channel, msg []byte) []byte {
	for len(msg) > MaxPayload {
		dst = append(dst, byte(MakeHeader(ch, false, MaxPayload)))
		dst = append(dst, msg[:MaxPayload]...)
		msg = msg[MaxPayload:]
	}
	dst = append(dst, byte(MakeHeader(ch, true, len(msg))))
	return append(dst, msg...)
}

// FrameCount returns how many frames AppendMessage emits for an n byte message.
func FrameCount(n int) int {
	if n <= MaxPayload {
		return 1
	}
	return (n + MaxPayload - 1) / MaxPayload
}
