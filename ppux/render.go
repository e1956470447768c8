package ppux

// Render clears the rows dirtied by the previous pass and then draws the
// active command list into the layer buffers.
func (c *Compositor) Render() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.top <= c.bottom {
		lo, hi := c.top*c.width, (c.bottom+1)*c.width
		for l := range c.layers {
			for s := range c.layers[l] {
				clear(c.layers[l][s][lo:hi])
			}
		}
	}
	c.top, c.bottom = c.height, -1

	cmd := c.cmd
	for i := 0; i < len(cmd); {
		h := cmd[i]
		size := int(h & headerSizeMask)
		o := Opcode((h >> opcodeShift) & opcodeMask)
		if h&HeaderValid == 0 || size == 0 || o == OpcodeEnd {
			break
		}

		end := i + 1 + size
		if end > len(cmd) {
			break
		}

		args := cmd[i+1 : end]
		switch o {
		case OpcodeDrawRun:
			c.drawRun(args)
		case OpcodeDrawTiles:
			c.drawTiles(args)
		}
		i = end
	}
}

func (c *Compositor) markDirty(top, bottom int) {
	if top < c.top {
		c.top = top
	}
	if bottom > c.bottom {
		c.bottom = bottom
	}
}

func (c *Compositor) target(w uint32) ([]uint32, bool) {
	l := Layer((w >> 24) & 7)
	if l >= NumLayers {
		return nil, false
	}
	return c.layers[l][(w>>27)&1], true
}

// drawRun blits 15bpp pixel words in rows of width, starting at (x, y).
//
//	args[0]  ---o slll -------- ------ww wwwwwwww
//	args[1]  y << 16 | x
//	args[2:] pixel words
func (c *Compositor) drawRun(args []uint32) {
	if len(args) < 2 {
		return
	}

	buf, ok := c.target(args[0])
	if !ok {
		return
	}
	width := int(args[0] & 0x3FF)
	if width == 0 {
		width = 1024
	}
	overlay := args[0]&(1<<28) != 0

	x0 := int(args[1] & 0x3FF)
	y0 := int((args[1] >> 16) & 0x3FF)

	pix := args[2:]
	if len(pix) == 0 || y0 >= c.height {
		return
	}

	bottom := y0 + (len(pix)-1)/width
	if bottom >= c.height {
		bottom = c.height - 1
	}
	c.markDirty(y0, bottom)

	for i, p := range pix {
		y := y0 + i/width
		if y >= c.height {
			break
		}
		x := x0 + i%width
		if x >= c.width {
			continue
		}
		if overlay && p&PixelEnable == 0 {
			continue
		}
		buf[y*c.width+x] = p & pixelMask
	}
}

var tileBpp = [4]int{4, 2, 8, 4}

// drawTiles decodes SNES planar tiles from VRAM through a CGRAM palette.
//
//	args[0] x
//	args[1] y
//	args[2] bitmap address in VRAM
//	args[3] palette address in CGRAM
//	args[4] --pp slll -------- ------bb fvhhhwww
//
// w and h select 8<<n pixels, bb selects 4, 2 or 8 bits per pixel. Tiles are
// laid out 16 to a sheet row. Color index 0 is transparent.
func (c *Compositor) drawTiles(args []uint32) {
	if len(args) < 5 {
		return
	}

	a := args[4]
	buf, ok := c.target(a)
	if !ok {
		return
	}

	x0 := int(args[0] & 0x3FF)
	y0 := int(args[1] & 0x3FF)
	base := args[2] & 0xFFFFFF
	pal := args[3] & 0xFFFFFF

	w := 8 << (a & 7)
	h := 8 << ((a >> 3) & 7)
	vflip := a&(1<<6) != 0
	hflip := a&(1<<7) != 0
	bpp := tileBpp[(a>>8)&3]
	prio := uint32((a>>28)&3) << PixelPriorityShift
	tileSize := uint32(8 * bpp)

	if y0 >= c.height || x0 >= c.width {
		return
	}
	bottom := y0 + h - 1
	if bottom >= c.height {
		bottom = c.height - 1
	}
	c.markDirty(y0, bottom)

	for py := 0; py < h; py++ {
		y := y0 + py
		if y >= c.height {
			break
		}
		sy := py
		if vflip {
			sy = h - 1 - py
		}

		row := buf[y*c.width : (y+1)*c.width]
		for px := 0; px < w; px++ {
			x := x0 + px
			if x >= c.width {
				break
			}
			sx := px
			if hflip {
				sx = w - 1 - px
			}

			tile := uint32((sy>>3)*16 + (sx >> 3))
			ci := c.tilePixel(base+tile*tileSize, bpp, sx&7, sy&7)
			if ci == 0 {
				continue
			}

			col := c.cgram.color(pal + 2*ci)
			row[x] = uint32(col) | PixelEnable | prio
		}
	}
}

// tilePixel returns the color index of pixel (x, y) in the 8x8 planar tile at
// addr. Bitplanes are stored in pairs, each pair 16 bytes with one byte per
// plane per row.
func (c *Compositor) tilePixel(addr uint32, bpp int, x, y int) uint32 {
	var ci uint32
	shift := uint(7 - x)
	for p := 0; p < bpp; p += 2 {
		off := addr + uint32(p*8+2*y)
		lo := c.vram.at(off)
		hi := c.vram.at(off + 1)
		ci |= uint32((lo>>shift)&1) << p
		ci |= uint32((hi>>shift)&1) << (p + 1)
	}
	return ci
}
