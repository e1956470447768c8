package iovm1

import (
	"errors"
	"io"
)

var ErrBufferTooLarge = errors.New("iovm1: transfer larger than 65536 bytes")

// MemoryTarget generates IOVM1 programs against one target.
type MemoryTarget struct {
	t Target
}

// WRAM provides linear read/write access to emulated WRAM
var WRAM = MemoryTarget{TargetWRAM}

// SRAM provides linear read/write access to emulated SRAM
var SRAM = MemoryTarget{TargetSRAM}

// ROM provides linear read/write access to emulated ROM
var ROM = MemoryTarget{TargetROM}

// NMI2C00 provides linear read/write access to emulated memory mapped to $2C00
var NMI2C00 = MemoryTarget{Target2C00}

var VRAM = MemoryTarget{TargetVRAM}
var CGRAM = MemoryTarget{TargetCGRAM}
var OAM = MemoryTarget{TargetOAM}

func Memory(t Target) MemoryTarget { return MemoryTarget{t} }

func (m MemoryTarget) Target() Target { return m.t }

func encodeLen(n int) (int, error) {
	if n > 65536 {
		return 0, ErrBufferTooLarge
	}
	// 65536 is encoded as 0
	return n & 0xFFFF, nil
}

func setup(ch uint8, tdu uint8, addr uint32, n int) []byte {
	return []byte{
		Instruction(OpcodeSetTDU, ch),
		tdu,
		Instruction(OpcodeSetA24, ch),
		byte(addr),
		byte(addr >> 8),
		byte(addr >> 16),
		Instruction(OpcodeSetLen, ch),
		byte(n),
		byte(n >> 8),
	}
}

// GenerateReadProgram appends a READ of n bytes from addr using register
// channel ch. A zero length generates nothing.
func (m MemoryTarget) GenerateReadProgram(w io.Writer, addr uint32, n int, ch uint8) (err error) {
	if n == 0 {
		return
	}
	if n, err = encodeLen(n); err != nil {
		return
	}

	_, err = w.Write(append(setup(ch, uint8(m.t), addr, n), Instruction(OpcodeRead, ch)))
	return
}

// GenerateWriteProgram appends a WRITE of p to addr using register channel 0.
func (m MemoryTarget) GenerateWriteProgram(w io.Writer, addr uint32, p []byte) (err error) {
	if len(p) == 0 {
		return
	}
	n, err := encodeLen(len(p))
	if err != nil {
		return
	}

	if _, err = w.Write(append(setup(0, uint8(m.t), addr, n), Instruction(OpcodeWrite, 0))); err != nil {
		return
	}
	_, err = w.Write(p)
	return
}

// GenerateWaitProgram appends a wait on the byte at addr: the VM stalls while
// (mem[addr] & msk) compared to cmp by o holds. timeout is in steps, 0 waits
// forever.
func (m MemoryTarget) GenerateWaitProgram(w io.Writer, addr uint32, o Opcode, cmp, msk uint8, timeout uint32, ch uint8) (err error) {
	if o < OpcodeWaitWhileNeq {
		return errors.New("iovm1: not a wait opcode")
	}

	_, err = w.Write([]byte{
		Instruction(OpcodeSetTDU, ch),
		uint8(m.t),
		Instruction(OpcodeSetA24, ch),
		byte(addr),
		byte(addr >> 8),
		byte(addr >> 16),
		Instruction(OpcodeSetCmpMsk, ch),
		cmp,
		msk,
		Instruction(OpcodeSetTim, ch),
		byte(timeout),
		byte(timeout >> 8),
		byte(timeout >> 16),
		Instruction(o, ch),
	})
	return
}

// GenerateEnd appends an explicit END.
func GenerateEnd(w io.Writer) (err error) {
	_, err = w.Write([]byte{Instruction(OpcodeEnd, 0)})
	return
}
