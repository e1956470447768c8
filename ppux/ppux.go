// Package ppux composites extra pixel layers into an emulated SNES video
// pipeline. Clients upload a list of draw commands; once per frame Render
// interprets the active list into per-layer pixel buffers, and the host merges
// those buffers into each scanline with DrawScanline.
package ppux

import (
	"fmt"
	"sync"
)

// Store is a fixed capacity byte array that tile and palette data is read
// from. Reads wrap at the capacity.
type Store struct {
	data []byte
}

func NewStore(size int) *Store {
	return &Store{data: make([]byte, size)}
}

func (s *Store) Len() int { return len(s.data) }

// Bytes exposes the backing array.
func (s *Store) Bytes() []byte { return s.data }

func (s *Store) at(addr uint32) byte {
	return s.data[addr%uint32(len(s.data))]
}

func (s *Store) color(addr uint32) Color {
	return Color(uint16(s.at(addr))|uint16(s.at(addr+1))<<8) & PixelColorMask
}

func (s *Store) upload(addr uint32, p []byte) error {
	if uint64(addr)+uint64(len(p)) >= uint64(len(s.data)) {
		return fmt.Errorf("%w: %d bytes at %#x in %d byte store", ErrOutOfRange, len(p), addr, len(s.data))
	}
	copy(s.data[addr:], p)
	return nil
}

type Compositor struct {
	width  int
	height int

	// layers[layer][screen] is width*height pixel words
	layers [NumLayers][NumScreens][]uint32

	depth [4]uint8

	// mu guards the command lists, the stores and the layer buffers while
	// Render writes them.
	mu      sync.Mutex
	cmd     []uint32
	staging []uint32
	scan    int

	// inclusive dirty row range; top > bottom when clean
	top    int
	bottom int

	vram  *Store
	cgram *Store
}

func New(width, height int) *Compositor {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}

	c := &Compositor{
		width:  width,
		height: height,
		depth:  [4]uint8{1, 2, 3, 4},
		top:    height,
		bottom: -1,
		vram:   NewStore(VRAMSize),
		cgram:  NewStore(CGRAMSize),
	}
	for l := range c.layers {
		for s := range c.layers[l] {
			c.layers[l][s] = make([]uint32, width*height)
		}
	}
	return c
}

func (c *Compositor) Width() int  { return c.width }
func (c *Compositor) Height() int { return c.height }

// Layer returns the pixel buffer for (layer, screen), row major with a pitch
// of Width.
func (c *Compositor) Layer(l Layer, s Screen) []uint32 {
	return c.layers[l][s&1]
}

// Dirty returns the inclusive row range written by the last render pass.
func (c *Compositor) Dirty() (top, bottom int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.top, c.bottom, c.top <= c.bottom
}

// SetPriorityDepth sets the depth each 2-bit pixel priority maps to when
// compared against the host's depth buffers.
func (c *Compositor) SetPriorityDepth(d [4]uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depth = d
}

func (c *Compositor) PriorityDepth() [4]uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth
}

func (c *Compositor) UploadVRAM(addr uint32, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vram.upload(addr, p)
}

func (c *Compositor) UploadCGRAM(addr uint32, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cgram.upload(addr, p)
}

// VRAM and CGRAM expose the stores for inspection.
func (c *Compositor) VRAM() *Store  { return c.vram }
func (c *Compositor) CGRAM() *Store { return c.cgram }

// Upload appends words to the staging list. pending reports that no
// terminator has been seen yet and the active list is unchanged. A header
// without bit 31 set discards everything staged and fails with ErrMalformed;
// once a terminator is found the staged list replaces the active one.
func (c *Compositor) Upload(words []uint32) (pending bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.staging)+len(words) > MaxStagingWords {
		c.discardStaging()
		return false, fmt.Errorf("%w: over %d words", ErrTooLarge, MaxStagingWords)
	}
	c.staging = append(c.staging, words...)

	for c.scan < len(c.staging) {
		h := c.staging[c.scan]
		if h&HeaderValid == 0 {
			at := c.scan
			c.discardStaging()
			return false, fmt.Errorf("%w: header %#08x at word %d", ErrMalformed, h, at)
		}

		size := int(h & headerSizeMask)
		if size == 0 {
			n := c.scan + 1
			c.cmd = append(c.cmd[:0], c.staging[:n]...)
			c.discardStaging()
			return false, nil
		}
		c.scan += 1 + size
	}

	return true, nil
}

func (c *Compositor) discardStaging() {
	c.staging = c.staging[:0]
	c.scan = 0
}

// Active returns a copy of the active command list.
func (c *Compositor) Active() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.cmd...)
}

// Staged returns the number of words waiting for a terminator.
func (c *Compositor) Staged() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.staging)
}

// Reset clears the active list, staging and all layer buffers.
func (c *Compositor) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmd = c.cmd[:0]
	c.discardStaging()
	for l := range c.layers {
		for s := range c.layers[l] {
			clear(c.layers[l][s])
		}
	}
	c.top, c.bottom = c.height, -1
}
