package ppux

import (
	"errors"
	"fmt"
)

// Pixel word layout in a layer buffer.
const (
	PixelColorMask     = 0x7FFF
	PixelEnable        = 1 << 15
	PixelPriorityShift = 16
	PixelPriorityMask  = 3 << PixelPriorityShift

	pixelMask = PixelColorMask | PixelEnable | PixelPriorityMask
)

// Pixel packs a layer pixel word.
func Pixel(c Color, priority uint8, enabled bool) uint32 {
	p := uint32(c)&PixelColorMask | uint32(priority&3)<<PixelPriorityShift
	if enabled {
		p |= PixelEnable
	}
	return p
}

type Layer uint8

const (
	LayerBG1 Layer = iota
	LayerBG2
	LayerBG3
	LayerBG4
	LayerOBJ

	NumLayers = 5
)

var layerNames = [...]string{"BG1", "BG2", "BG3", "BG4", "OBJ"}

func (l Layer) String() string {
	if int(l) < len(layerNames) {
		return layerNames[l]
	}
	return fmt.Sprintf("layer(%d)", uint8(l))
}

type Screen uint8

const (
	ScreenMain Screen = iota
	ScreenSub

	NumScreens = 2
)

func (s Screen) String() string {
	if s == ScreenMain {
		return "main"
	}
	return "sub"
}

type Opcode uint8

const (
	OpcodeEnd Opcode = iota
	OpcodeDrawRun
	OpcodeDrawTiles
)

// Command list header word: bit 31 set, opcode in bits 24-30, the number of
// argument words that follow in bits 0-15.
const (
	HeaderValid    = 1 << 31
	opcodeShift    = 24
	opcodeMask     = 0x7F
	headerSizeMask = 0xFFFF
)

func Header(o Opcode, size int) uint32 {
	return HeaderValid | uint32(o&opcodeMask)<<opcodeShift | uint32(size&headerSizeMask)
}

// Terminator ends a command list.
const Terminator = HeaderValid

const (
	DefaultWidth  = 256
	DefaultHeight = 240

	VRAMSize  = 0x10000
	CGRAMSize = 0x200

	// MaxStagingWords bounds a command list under construction.
	MaxStagingWords = 1 << 18
)

var (
	ErrMalformed  = errors.New("ppux: malformed command list")
	ErrTooLarge   = errors.New("ppux: command list too large")
	ErrOutOfRange = errors.New("ppux: upload out of range")
)
