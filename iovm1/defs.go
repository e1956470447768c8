package iovm1

import (
	"errors"
	"fmt"
)

type Flags uint8

const (
	FlagNotifyWriteStart Flags = 1 << iota
	FlagNotifyWriteByte
	FlagNotifyWriteEnd
	FlagNotifyWaitComplete
	_ // 4
	_ // 5
	FlagAutoRestartOnError
	FlagAutoRestartOnEnd
)

type Result uint8

const (
	Success Result = iota

	OutOfRange
	InvalidOperationForState
	UnknownOpcode
	TimedOut
	MemoryTargetUndefined
	MemoryTargetNotReadable
	MemoryTargetNotWritable
	MemoryTargetAddressOutOfRange
)

// results returned only by control operations
const (
	NoData Result = 128 + iota
	BufferTooSmall
)

var resultErrors = map[Result]error{
	OutOfRange:                    errors.New("out of range"),
	InvalidOperationForState:      errors.New("invalid operation for current state"),
	UnknownOpcode:                 errors.New("unknown opcode"),
	TimedOut:                      errors.New("timed out"),
	MemoryTargetUndefined:         errors.New("memory target undefined"),
	MemoryTargetNotReadable:       errors.New("memory target not readable"),
	MemoryTargetNotWritable:       errors.New("memory target not writable"),
	MemoryTargetAddressOutOfRange: errors.New("memory target address out of range"),
	NoData:                        errors.New("no data"),
	BufferTooSmall:                errors.New("buffer too small"),
}

// Err maps a result to an error; Success maps to nil.
func (r Result) Err() error {
	if r == Success {
		return nil
	}
	if err, ok := resultErrors[r]; ok {
		return err
	}
	return fmt.Errorf("iovm1: result %d", uint8(r))
}

func (r Result) String() string {
	if r == Success {
		return "success"
	}
	return r.Err().Error()
}

type State uint8

const (
	StateInit State = iota
	StateLoaded
	StateReset
	StateExecuteNext
	StateRead
	StateWrite
	StateWait
	StateEnded
)

var stateNames = [...]string{"init", "loaded", "reset", "execute_next", "read", "write", "wait", "ended"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

type Opcode uint8

const (
	OpcodeEnd Opcode = iota
	OpcodeSetA8
	OpcodeSetA16
	OpcodeSetA24
	OpcodeSetTDU
	OpcodeSetLen
	OpcodeSetCmpMsk
	OpcodeSetTim
	OpcodeRead
	OpcodeWrite
	OpcodeWaitWhileNeq
	OpcodeWaitWhileEq
	OpcodeWaitWhileLt
	OpcodeWaitWhileGt
	OpcodeWaitWhileLte
	OpcodeWaitWhileGte
)

var opcodeNames = [...]string{
	"END", "SETA8", "SETA16", "SETA24", "SETTDU", "SETLEN", "SETCMPMSK", "SETTIM",
	"READ", "WRITE", "WAIT_WHILE_NEQ", "WAIT_WHILE_EQ", "WAIT_WHILE_LT", "WAIT_WHILE_GT",
	"WAIT_WHILE_LTE", "WAIT_WHILE_GTE",
}

func (o Opcode) String() string { return opcodeNames[o&15] }

// operandSize is the number of immediate bytes following each opcode. WRITE is
// followed by len bytes of data instead.
var operandSize = [16]int{
	OpcodeSetA8:     1,
	OpcodeSetA16:    2,
	OpcodeSetA24:    3,
	OpcodeSetTDU:    1,
	OpcodeSetLen:    2,
	OpcodeSetCmpMsk: 2,
	OpcodeSetTim:    3,
}

type Target uint8

const (
	TargetWRAM Target = iota
	TargetSRAM
	TargetROM
	Target2C00
	TargetVRAM
	TargetCGRAM
	TargetOAM
)

var targetNames = [...]string{"wram", "sram", "rom", "2c00", "vram", "cgram", "oam"}

func (t Target) String() string {
	if int(t) < len(targetNames) {
		return targetNames[t]
	}
	return fmt.Sprintf("target(%d)", uint8(t))
}

// ParseTarget accepts the lowercase target names.
func ParseTarget(s string) (Target, error) {
	for i, n := range targetNames {
		if n == s {
			return Target(i), nil
		}
	}
	return 0, fmt.Errorf("iovm1: unknown target %q", s)
}

// TDU register bits: the low six bits select the target, the top two modify
// how a transfer walks the address.
const (
	TargetMask           = 0x3F
	TargetFlagReverse    = 0x40
	TargetFlagUpdateAddr = 0x80
)

const (
	// DefaultQuota is the number of bytes a transfer moves per step.
	DefaultQuota = 4
	// MaxSetupPerStep bounds the register-setting instructions run in one step.
	MaxSetupPerStep = 16
	// ReadQueueCap bounds the completed reads held for the consumer.
	ReadQueueCap = 1024

	addrMask = 0xFFFFFF
)

// Instruction encodes an opcode byte for channel ch.
func Instruction(o Opcode, ch uint8) uint8 {
	return (uint8(o) & 15) | ((ch & 3) << 4)
}
