// Package protocol defines the command and notification messages exchanged
// over a rex connection. Commands and their responses travel on the command
// channel; notifications are pushed by the server on the notify channel.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultPort is the loopback TCP port rex listens on.
const DefaultPort = 11264

type Command uint8

const (
	CmdIOVMLoad     Command = 0x00
	CmdIOVMStart    Command = 0x01
	CmdIOVMStop     Command = 0x02
	CmdIOVMFlags    Command = 0x03
	CmdIOVMReset    Command = 0x04
	CmdIOVMGetState Command = 0x05

	CmdPPUXCmdUpload   Command = 0x10
	CmdPPUXVRAMUpload  Command = 0x11
	CmdPPUXCGRAMUpload Command = 0x12
)

var commandNames = map[Command]string{
	CmdIOVMLoad:        "iovm_load",
	CmdIOVMStart:       "iovm_start",
	CmdIOVMStop:        "iovm_stop",
	CmdIOVMFlags:       "iovm_flags",
	CmdIOVMReset:       "iovm_reset",
	CmdIOVMGetState:    "iovm_getstate",
	CmdPPUXCmdUpload:   "ppux_cmd_upload",
	CmdPPUXVRAMUpload:  "ppux_vram_upload",
	CmdPPUXCGRAMUpload: "ppux_cgram_upload",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("cmd(%#02x)", uint8(c))
}

type Code uint8

const (
	CodeSuccess Code = iota
	CodeMsgTooShort
	CodeUnknownCommand
	CodeError
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeMsgTooShort:
		return "message too short"
	case CodeUnknownCommand:
		return "unknown command"
	case CodeError:
		return "error"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

// PPUX error sub-codes appended to a CodeError response.
const (
	PPUXMalformed  uint8 = 1
	PPUXOutOfRange uint8 = 2
	PPUXTooLarge   uint8 = 3
)

// Response is a decoded command response.
type Response struct {
	Cmd   Command
	Code  Code
	Extra []byte
}

func ParseResponse(msg []byte) (r Response, err error) {
	if len(msg) < 2 {
		return r, fmt.Errorf("protocol: response too short (%d bytes)", len(msg))
	}
	r = Response{Cmd: Command(msg[0]), Code: Code(msg[1]), Extra: msg[2:]}
	return
}

// Err returns a *ResponseError for any code other than CodeSuccess.
func (r Response) Err() error {
	if r.Code == CodeSuccess {
		return nil
	}
	e := &ResponseError{Cmd: r.Cmd, Code: r.Code}
	if len(r.Extra) > 0 {
		e.Detail, e.HasDetail = r.Extra[0], true
	}
	return e
}

type ResponseError struct {
	Cmd       Command
	Code      Code
	Detail    uint8
	HasDetail bool
}

func (e *ResponseError) Error() string {
	if e.HasDetail {
		return fmt.Sprintf("rex: %s: %s (%d)", e.Cmd, e.Code, e.Detail)
	}
	return fmt.Sprintf("rex: %s: %s", e.Cmd, e.Code)
}

type NotifyType uint8

const (
	NotifyRead         NotifyType = 0x01
	NotifyWriteStart   NotifyType = 0x02
	NotifyWriteEnd     NotifyType = 0x03
	NotifyWaitComplete NotifyType = 0x04
	NotifyVMEnd        NotifyType = 0x05
)

func (t NotifyType) String() string {
	switch t {
	case NotifyRead:
		return "read"
	case NotifyWriteStart:
		return "write_start"
	case NotifyWriteEnd:
		return "write_end"
	case NotifyWaitComplete:
		return "wait_complete"
	case NotifyVMEnd:
		return "vm_end"
	default:
		return fmt.Sprintf("notify(%#02x)", uint8(t))
	}
}

// Header sizes of the notification messages.
const (
	ReadHeaderSize   = 11
	WriteStartSize   = 11
	WriteEndSize     = 1
	WaitCompleteSize = 10
	VMEndSize        = 7
)

// Notification is a decoded notify channel message. Fields not carried by a
// given type are zero.
type Notification struct {
	Type   NotifyType
	PC     uint32
	Target uint8
	Addr   uint32
	Len    int
	Data   []byte
	Value  uint8
	Result uint8
	Opcode uint8
}

var ErrShortNotification = errors.New("protocol: notification too short")

func put24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func get24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// AppendTransferHeader appends the header shared by read and write-start:
// [type, pc u32, target, addr u24, len u16] with a length of 65536 sent as 0.
func AppendTransferHeader(dst []byte, t NotifyType, pc uint32, target uint8, addr uint32, n int) []byte {
	var b [ReadHeaderSize]byte
	b[0] = byte(t)
	binary.LittleEndian.PutUint32(b[1:5], pc)
	b[5] = target
	put24(b[6:9], addr)
	binary.LittleEndian.PutUint16(b[9:11], uint16(n))
	return append(dst, b[:]...)
}

func AppendWaitComplete(dst []byte, pc uint32, target uint8, addr uint32, value uint8) []byte {
	var b [WaitCompleteSize]byte
	b[0] = byte(NotifyWaitComplete)
	binary.LittleEndian.PutUint32(b[1:5], pc)
	b[5] = target
	put24(b[6:9], addr)
	b[9] = value
	return append(dst, b[:]...)
}

func AppendVMEnd(dst []byte, result uint8, pc uint32, opcode uint8) []byte {
	var b [VMEndSize]byte
	b[0] = byte(NotifyVMEnd)
	b[1] = result
	binary.LittleEndian.PutUint32(b[2:6], pc)
	b[6] = opcode
	return append(dst, b[:]...)
}

// ParseNotification decodes msg. Data aliases msg.
func ParseNotification(msg []byte) (n Notification, err error) {
	if len(msg) < 1 {
		return n, ErrShortNotification
	}

	n.Type = NotifyType(msg[0])
	switch n.Type {
	case NotifyRead, NotifyWriteStart:
		if len(msg) < ReadHeaderSize {
			return n, ErrShortNotification
		}
		n.PC = binary.LittleEndian.Uint32(msg[1:5])
		n.Target = msg[5]
		n.Addr = get24(msg[6:9])
		n.Len = int(binary.LittleEndian.Uint16(msg[9:11]))
		if n.Len == 0 {
			n.Len = 65536
		}
		if n.Type == NotifyRead {
			n.Data = msg[ReadHeaderSize:]
			if len(n.Data) != n.Len {
				return n, fmt.Errorf("protocol: read notification carries %d bytes, header says %d", len(n.Data), n.Len)
			}
		}
	case NotifyWriteEnd:
	case NotifyWaitComplete:
		if len(msg) < WaitCompleteSize {
			return n, ErrShortNotification
		}
		n.PC = binary.LittleEndian.Uint32(msg[1:5])
		n.Target = msg[5]
		n.Addr = get24(msg[6:9])
		n.Value = msg[9]
	case NotifyVMEnd:
		if len(msg) < VMEndSize {
			return n, ErrShortNotification
		}
		n.Result = msg[1]
		n.PC = binary.LittleEndian.Uint32(msg[2:6])
		n.Opcode = msg[6]
	default:
		return n, fmt.Errorf("protocol: unknown notification type %#02x", msg[0])
	}

	return n, nil
}
