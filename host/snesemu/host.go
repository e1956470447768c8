// Package snesemu hosts a CPU-only 65816 system for the rex server: it calls
// the per-frame and per-instruction hooks, exposes the memory targets and
// runs a software scanline pipeline so overlays reach a real frame buffer.
package snesemu

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"log"

	"github.com/alttpo/snes/asm"
	"github.com/alttpo/snes/emulator"
	"github.com/alttpo/snes/mapping/lorom"

	"rex/iovm1"
	"rex/ppux"
)

// Hooks is what the host calls into; *rex.Server implements it.
type Hooks interface {
	FrameStart()
	OnPC(pc uint32)
	DrawScanline(l ppux.Layer, s ppux.Screen, sl *ppux.Scanline)
}

const (
	Width  = ppux.DefaultWidth
	Height = ppux.DefaultHeight

	// DefaultInstructionsPerFrame approximates 1.79MHz / 60Hz at ~4 cycles
	// per instruction.
	DefaultInstructionsPerFrame = 7500

	bootAddr = 0x00_8000
	// FrameCounter is the direct page byte the boot stub increments.
	FrameCounter = 0x1A
)

type Host struct {
	System *emulator.System
	ROM    *ROM

	VRAM    [0x10000]byte
	CGRAM   [0x200]byte
	OAM     [0x220]byte
	NMI2C00 [0x200]byte

	InstructionsPerFrame int
	// Math is applied to every overlay layer on the main screen.
	Math ppux.ColorMath
	// OverlayDepth is the depth buffer value of each overlay pixel priority.
	// The backdrop sits at depth 0.
	OverlayDepth [4]uint8

	Frame [Width * Height]ppux.Color

	sl     ppux.Scanline
	frames uint64
}

// New creates the emulated system. When contents is nil a blank ROM with a
// boot stub is used.
func New(contents []byte) (h *Host, err error) {
	h = &Host{
		System:               &emulator.System{},
		InstructionsPerFrame: DefaultInstructionsPerFrame,
		Math:                 ppux.ColorMath{Brightness: 15},
		OverlayDepth:         [4]uint8{2, 4, 6, 8},
	}
	if err = h.System.CreateEmulator(); err != nil {
		return nil, fmt.Errorf("snesemu: create emulator: %w", err)
	}

	if contents != nil {
		if len(contents) > len(h.System.ROM) {
			return nil, fmt.Errorf("snesemu: ROM of %d bytes is too large", len(contents))
		}
		copy(h.System.ROM[:], contents)
		if h.ROM, err = NewROM(h.System.ROM[:]); err != nil {
			return nil, err
		}
		log.Printf("snesemu: loaded ROM '%s'\n", h.ROM.Title())
	} else if err = h.boot(); err != nil {
		return nil, err
	}

	h.sl.MainColor = make([]ppux.Color, Width)
	h.sl.MainDepth = make([]uint8, Width)
	h.sl.SubColor = make([]ppux.Color, Width)
	h.sl.SubDepth = make([]uint8, Width)

	h.System.CPU.Reset()
	return h, nil
}

// boot writes a stub that counts forever at FrameCounter and points RESET at
// it.
func (h *Host) boot() (err error) {
	if h.ROM, err = NewROM(h.System.ROM[:]); err != nil {
		return
	}
	copy(h.ROM.Header.Title[:], "REX BOOT STUB        ")
	h.ROM.EmulatedVectors.RESET = bootAddr & 0xFFFF
	if err = h.ROM.WriteHeader(); err != nil {
		return
	}

	pakAddr, err := lorom.BusAddressToPak(bootAddr)
	if err != nil {
		return
	}
	a := asm.NewEmitter(make([]byte, 0x10), false)
	a.SetBase(bootAddr)
	a.SEP(0x30)
	a.Label("loop")
	a.INC_dp(FrameCounter)
	a.BRA("loop")
	if err = a.Finalize(); err != nil {
		return fmt.Errorf("snesemu: assemble boot stub: %w", err)
	}
	copy(h.System.ROM[pakAddr:], a.Bytes())
	return nil
}

// PriorityDepth implements rex.DepthMapper.
func (h *Host) PriorityDepth() [4]uint8 { return h.OverlayDepth }

// Image returns a view of Frame. It is not a copy.
func (h *Host) Image() image.Image { return frameImage{h} }

type frameImage struct{ h *Host }

func (frameImage) ColorModel() color.Model { return color.RGBA64Model }
func (frameImage) Bounds() image.Rectangle { return image.Rect(0, 0, Width, Height) }

func (f frameImage) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= Width || y >= Height {
		return ppux.Color(0)
	}
	return f.h.Frame[y*Width+x]
}

// PC is the 24-bit program counter of the next instruction.
func (h *Host) PC() uint32 {
	return uint32(h.System.CPU.RK)<<16 | uint32(h.System.CPU.PC)
}

func (h *Host) Frames() uint64 { return h.frames }

// Resolve implements rex.Memory.
func (h *Host) Resolve(t iovm1.Target) ([]byte, bool) {
	switch t {
	case iovm1.TargetWRAM:
		return h.System.WRAM[:], true
	case iovm1.TargetSRAM:
		return h.System.SRAM[:], true
	case iovm1.TargetROM:
		return h.System.ROM[:], true
	case iovm1.Target2C00:
		return h.NMI2C00[:], true
	case iovm1.TargetVRAM:
		return h.VRAM[:], true
	case iovm1.TargetCGRAM:
		return h.CGRAM[:], true
	case iovm1.TargetOAM:
		return h.OAM[:], true
	default:
		return nil, false
	}
}

// RunFrame runs one frame: the frame hook, then InstructionsPerFrame CPU
// instructions each preceded by the PC hook, then the scanline pipeline.
func (h *Host) RunFrame(hk Hooks) {
	hk.FrameStart()

	cpu := h.System.CPU
	for i := 0; i < h.InstructionsPerFrame; i++ {
		hk.OnPC(h.PC())
		cpu.Step()
	}

	h.renderLines(hk)
	h.frames++
}

func (h *Host) backdrop() ppux.Color {
	return ppux.Color(binary.LittleEndian.Uint16(h.CGRAM[0:2])) & 0x7FFF
}

// renderLines composites every layer of every line over the backdrop. There
// is no native PPU, so overlays are the only layers drawn.
func (h *Host) renderLines(hk Hooks) {
	sl := &h.sl
	sl.Math = h.Math
	bg := h.backdrop()

	for y := 0; y < Height; y++ {
		sl.Line = y
		for x := 0; x < Width; x++ {
			sl.MainColor[x] = bg
			sl.MainDepth[x] = 0
			sl.SubColor[x] = 0
			sl.SubDepth[x] = 0
		}

		for l := ppux.LayerBG1; l < ppux.NumLayers; l++ {
			hk.DrawScanline(l, ppux.ScreenSub, sl)
		}
		for l := ppux.LayerBG1; l < ppux.NumLayers; l++ {
			hk.DrawScanline(l, ppux.ScreenMain, sl)
		}

		copy(h.Frame[y*Width:(y+1)*Width], sl.MainColor)
	}
}
