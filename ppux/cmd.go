package ppux

// Run describes a 15bpp pixel run for DrawRun.
type Run struct {
	Layer   Layer
	Screen  Screen
	Overlay bool
	X, Y    int
	// Width is the row length the pixels wrap at, 1-1024.
	Width  int
	Pixels []uint32
}

// AppendRun appends a 15bpp run command to list.
func AppendRun(list []uint32, r Run) []uint32 {
	w := uint32(r.Width) & 0x3FF
	w |= uint32(r.Layer&7) << 24
	w |= uint32(r.Screen&1) << 27
	if r.Overlay {
		w |= 1 << 28
	}

	list = append(list, Header(OpcodeDrawRun, 2+len(r.Pixels)), w, uint32(r.Y&0x3FF)<<16|uint32(r.X&0x3FF))
	return append(list, r.Pixels...)
}

// Tiles describes a tile blit for DrawTiles.
type Tiles struct {
	Layer    Layer
	Screen   Screen
	Priority uint8
	X, Y     int
	// Bitmap and Palette are addresses in VRAM and CGRAM.
	Bitmap  uint32
	Palette uint32
	// Bpp is 2, 4 or 8.
	Bpp int
	// WidthShift and HeightShift size the blit as 8<<n pixels.
	WidthShift  uint8
	HeightShift uint8
	HFlip       bool
	VFlip       bool
}

// AppendTiles appends a tile blit command to list.
func AppendTiles(list []uint32, t Tiles) []uint32 {
	a := uint32(t.WidthShift&7) | uint32(t.HeightShift&7)<<3
	if t.VFlip {
		a |= 1 << 6
	}
	if t.HFlip {
		a |= 1 << 7
	}
	switch t.Bpp {
	case 2:
		a |= 1 << 8
	case 8:
		a |= 2 << 8
	}
	a |= uint32(t.Layer&7) << 24
	a |= uint32(t.Screen&1) << 27
	a |= uint32(t.Priority&3) << 28

	return append(list,
		Header(OpcodeDrawTiles, 5),
		uint32(t.X&0x3FF),
		uint32(t.Y&0x3FF),
		t.Bitmap&0xFFFFFF,
		t.Palette&0xFFFFFF,
		a,
	)
}

// AppendEnd terminates list.
func AppendEnd(list []uint32) []uint32 {
	return append(list, Terminator)
}
