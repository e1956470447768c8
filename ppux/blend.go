package ppux

// ColorMath is the console's color math configuration for a scanline.
type ColorMath struct {
	// Enabled applies color math to this layer on the main screen.
	Enabled bool
	// Subtract selects subtraction instead of addition.
	Subtract bool
	// Half halves the result.
	Half bool
	// UseSub combines with the subscreen instead of the fixed color.
	UseSub bool
	// Brightness is the master brightness, 0-15.
	Brightness uint8
	// Fixed is the fixed color register.
	Fixed Color
}

type BlendMode uint8

const (
	BlendNormal BlendMode = iota
	BlendAdd
	BlendAddF1_2
	BlendAddS1_2
	BlendSub
	BlendSubF1_2
	BlendSubS1_2
	BlendAddBrightness
	BlendAddS1_2Brightness
)

var blendNames = [...]string{
	"normal", "add", "add_f1_2", "add_s1_2", "sub", "sub_f1_2", "sub_s1_2",
	"add_brightness", "add_s1_2_brightness",
}

func (b BlendMode) String() string { return blendNames[b] }

// Mode selects the blend function the same way the PPU renderer does.
func (m ColorMath) Mode() BlendMode {
	if !m.Enabled {
		return BlendNormal
	}

	dim := m.Brightness < 15
	switch {
	case m.Subtract && m.Half && m.UseSub:
		return BlendSubS1_2
	case m.Subtract && m.Half:
		return BlendSubF1_2
	case m.Subtract:
		return BlendSub
	case m.Half && m.UseSub && dim:
		return BlendAddS1_2Brightness
	case m.Half && m.UseSub:
		return BlendAddS1_2
	case m.Half:
		return BlendAddF1_2
	case dim:
		return BlendAddBrightness
	default:
		return BlendAdd
	}
}

// brightnessCap is the brightest color at master brightness b.
func brightnessCap(b uint8) Color {
	return White.MulDiv(b, 15)
}

// Blend combines main color c with the subscreen color s, or the fixed color
// when hasSub is false or the math is not using the subscreen.
func (m ColorMath) Blend(mode BlendMode, c, s Color, hasSub bool) Color {
	other := m.Fixed
	if m.UseSub && hasSub {
		other = s
	}

	switch mode {
	case BlendAdd:
		return addClamp(c, other, White)
	case BlendAddF1_2:
		return addHalf(c, m.Fixed)
	case BlendAddS1_2:
		if hasSub {
			return addHalf(c, s)
		}
		return addClamp(c, m.Fixed, White)
	case BlendSub:
		return sub(c, other)
	case BlendSubF1_2:
		return subHalf(c, m.Fixed)
	case BlendSubS1_2:
		if hasSub {
			return subHalf(c, s)
		}
		return sub(c, m.Fixed)
	case BlendAddBrightness:
		return addClamp(c, other, brightnessCap(m.Brightness))
	case BlendAddS1_2Brightness:
		if hasSub {
			return addHalf(c, s)
		}
		return addClamp(c, m.Fixed, brightnessCap(m.Brightness))
	default:
		return c
	}
}

// Span is a half-open range of columns.
type Span struct {
	Start int
	End   int
}

// Scanline carries the host's line buffers for one visible line. A subscreen
// pixel is present where SubDepth is non-zero.
type Scanline struct {
	Line int

	MainColor []Color
	MainDepth []uint8
	SubColor  []Color
	SubDepth  []uint8

	// Clip lists the column ranges to draw; nil draws the whole line.
	Clip []Span

	Math ColorMath
}

// DrawScanline merges one layer's pixels for sl.Line into the host buffers.
// On the sub screen an enabled pixel deeper than the existing one replaces
// it. On the main screen the same depth test gates a blend with the subscreen
// or fixed color selected by sl.Math.
//
// DrawScanline does not lock; the host calls it from its rendering thread
// after Render has completed for the frame.
func (c *Compositor) DrawScanline(l Layer, s Screen, sl *Scanline) {
	if l >= NumLayers || sl.Line < 0 || sl.Line >= c.height {
		return
	}

	row := c.layers[l][s&1][sl.Line*c.width : (sl.Line+1)*c.width]
	if sl.Clip == nil {
		c.drawSpan(row, s, sl, 0, len(row))
		return
	}
	for _, sp := range sl.Clip {
		c.drawSpan(row, s, sl, sp.Start, sp.End)
	}
}

func (c *Compositor) drawSpan(row []uint32, s Screen, sl *Scanline, start, end int) {
	if start < 0 {
		start = 0
	}
	if end > len(row) {
		end = len(row)
	}

	if s == ScreenSub {
		end = min(end, len(sl.SubColor), len(sl.SubDepth))
		for x := start; x < end; x++ {
			p := row[x]
			if p&PixelEnable == 0 {
				continue
			}
			d := c.depth[(p>>PixelPriorityShift)&3]
			if d <= sl.SubDepth[x] {
				continue
			}
			sl.SubColor[x] = Color(p & PixelColorMask)
			sl.SubDepth[x] = d
		}
		return
	}

	end = min(end, len(sl.MainColor), len(sl.MainDepth))
	mode := sl.Math.Mode()
	for x := start; x < end; x++ {
		p := row[x]
		if p&PixelEnable == 0 {
			continue
		}
		d := c.depth[(p>>PixelPriorityShift)&3]
		if d <= sl.MainDepth[x] {
			continue
		}

		col := Color(p & PixelColorMask)
		if mode != BlendNormal {
			var sc Color
			hasSub := false
			if x < len(sl.SubColor) && x < len(sl.SubDepth) && sl.SubDepth[x] != 0 {
				sc, hasSub = sl.SubColor[x], true
			}
			col = sl.Math.Blend(mode, col, sc, hasSub)
		}
		sl.MainColor[x] = col
		sl.MainDepth[x] = d
	}
}
