package ppux

// Color is a BGR555 color: red in bits 0-4, green 5-9, blue 10-14.
type Color uint16

func (c Color) ToRGB() (r, g, b uint8) {
	b = uint8((c & 0x7C00) >> 10)
	g = uint8((c & 0x03E0) >> 5)
	r = uint8(c & 0x001F)
	return
}

func ToColor15(r, g, b uint8) (c Color) {
	c = Color((uint16(b&31) << 10) | (uint16(g&31) << 5) | uint16(r&31))
	return
}

func (c Color) MulDiv(multiplicand, divisor uint8) (m Color) {
	r, g, b := c.ToRGB()
	mr := uint8((uint16(r) * uint16(multiplicand)) / uint16(divisor))
	mg := uint8((uint16(g) * uint16(multiplicand)) / uint16(divisor))
	mb := uint8((uint16(b) * uint16(multiplicand)) / uint16(divisor))
	if mr > 31 {
		mr = 31
	}
	if mg > 31 {
		mg = 31
	}
	if mb > 31 {
		mb = 31
	}
	return ToColor15(mr, mg, mb)
}

// RGBA expands c to 8 bits per channel.
func (c Color) RGBA() (r, g, b, a uint32) {
	r5, g5, b5 := c.ToRGB()
	r = uint32(r5)<<3 | uint32(r5)>>2
	g = uint32(g5)<<3 | uint32(g5)>>2
	b = uint32(b5)<<3 | uint32(b5)>>2
	r |= r << 8
	g |= g << 8
	b |= b << 8
	a = 0xFFFF
	return
}

// White is the brightest BGR555 color.
const White Color = 0x7FFF

// addClamp adds per channel, limiting each channel to the same channel of
// limit.
func addClamp(a, b, limit Color) Color {
	ar, ag, ab := a.ToRGB()
	br, bg, bb := b.ToRGB()
	lr, lg, lb := limit.ToRGB()
	return ToColor15(clamp(ar+br, lr), clamp(ag+bg, lg), clamp(ab+bb, lb))
}

func addHalf(a, b Color) Color {
	ar, ag, ab := a.ToRGB()
	br, bg, bb := b.ToRGB()
	return ToColor15((ar+br)>>1, (ag+bg)>>1, (ab+bb)>>1)
}

func sub(a, b Color) Color {
	ar, ag, ab := a.ToRGB()
	br, bg, bb := b.ToRGB()
	return ToColor15(subFloor(ar, br), subFloor(ag, bg), subFloor(ab, bb))
}

func subHalf(a, b Color) Color {
	ar, ag, ab := a.ToRGB()
	br, bg, bb := b.ToRGB()
	return ToColor15(subFloor(ar, br)>>1, subFloor(ag, bg)>>1, subFloor(ab, bb)>>1)
}

func clamp(v, limit uint8) uint8 {
	if v > limit {
		return limit
	}
	return v
}

func subFloor(a, b uint8) uint8 {
	if b > a {
		return 0
	}
	return a - b
}
