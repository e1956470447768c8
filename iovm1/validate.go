package iovm1

import "fmt"

// DecodeError describes why a program failed validation.
type DecodeError struct {
	Result Result
	Offset int
	Opcode Opcode
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("iovm1: %s at offset %d (%s)", e.Result, e.Offset, e.Opcode)
}

func (e *DecodeError) Unwrap() error { return e.Result.Err() }

// Validate statically decodes prog. It rejects instruction bytes with the
// reserved top bits set and any immediate or WRITE data running past the end.
// Bytes after an END are never executed and are not inspected.
func Validate(prog []byte) error {
	// SETLEN is tracked per channel so WRITE data lengths are known statically.
	var lens [4]int
	for i := range lens {
		lens[i] = 65536
	}

	off := 0
	for off < len(prog) {
		x := prog[off]
		o := Opcode(x & 15)
		c := (x >> 4) & 3
		start := off
		off++

		if x&0xC0 != 0 {
			return &DecodeError{Result: UnknownOpcode, Offset: start, Opcode: o}
		}

		need := operandSize[o]
		switch o {
		case OpcodeEnd:
			return nil
		case OpcodeWrite:
			need = lens[c]
		}

		if off+need > len(prog) {
			return &DecodeError{Result: OutOfRange, Offset: start, Opcode: o}
		}
		if o == OpcodeSetLen {
			lens[c] = expandLen(uint32(prog[off]) | uint32(prog[off+1])<<8)
		}
		off += need
	}

	return nil
}

func expandLen(v uint32) int {
	if v == 0 {
		return 65536
	}
	return int(v)
}
