package snesemu

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rex/iovm1"
	"rex/ppux"
	"rex/rex"
	"rex/rexclient"
)

type recordingHooks struct {
	frames int
	pcs    []uint32
	draws  map[ppux.Screen]int
	draw   func(l ppux.Layer, s ppux.Screen, sl *ppux.Scanline)
}

func (r *recordingHooks) FrameStart()    { r.frames++ }
func (r *recordingHooks) OnPC(pc uint32) { r.pcs = append(r.pcs, pc) }
func (r *recordingHooks) DrawScanline(l ppux.Layer, s ppux.Screen, sl *ppux.Scanline) {
	if r.draws == nil {
		r.draws = make(map[ppux.Screen]int)
	}
	r.draws[s]++
	if r.draw != nil {
		r.draw(l, s, sl)
	}
}

func TestResolve(t *testing.T) {
	h, err := New(nil)
	require.NoError(t, err)

	for tgt, size := range map[iovm1.Target]int{
		iovm1.TargetWRAM:  0x20000,
		iovm1.TargetSRAM:  0x10000,
		iovm1.TargetROM:   0x1000000,
		iovm1.Target2C00:  0x200,
		iovm1.TargetVRAM:  0x10000,
		iovm1.TargetCGRAM: 0x200,
		iovm1.TargetOAM:   0x220,
	} {
		b, ok := h.Resolve(tgt)
		assert.True(t, ok, "%s", tgt)
		assert.Len(t, b, size, "%s", tgt)
	}

	_, ok := h.Resolve(iovm1.Target(0x3F))
	assert.False(t, ok)
}

func TestBootStubRuns(t *testing.T) {
	h, err := New(nil)
	require.NoError(t, err)
	h.InstructionsPerFrame = 100
	assert.Equal(t, "REX BOOT STUB", h.ROM.Title())

	hk := &recordingHooks{}
	h.RunFrame(hk)

	assert.Equal(t, 1, hk.frames)
	require.Len(t, hk.pcs, 100)
	assert.Equal(t, uint32(0x008000), hk.pcs[0])
	for _, pc := range hk.pcs {
		assert.GreaterOrEqual(t, pc, uint32(0x008000))
		assert.Less(t, pc, uint32(0x008010))
	}
	assert.NotZero(t, h.System.WRAM[FrameCounter])
	assert.Equal(t, uint64(1), h.Frames())

	assert.Equal(t, Height*ppux.NumLayers, hk.draws[ppux.ScreenMain])
	assert.Equal(t, Height*ppux.NumLayers, hk.draws[ppux.ScreenSub])
}

func TestScanlinePipeline(t *testing.T) {
	h, err := New(nil)
	require.NoError(t, err)
	h.InstructionsPerFrame = 1
	h.CGRAM[0], h.CGRAM[1] = 0x1F, 0x00

	hk := &recordingHooks{draw: func(l ppux.Layer, s ppux.Screen, sl *ppux.Scanline) {
		if l == ppux.LayerOBJ && s == ppux.ScreenMain && sl.Line == 10 {
			sl.MainColor[20] = 0x03E0
		}
	}}
	h.RunFrame(hk)

	assert.Equal(t, ppux.Color(0x001F), h.Frame[0])
	assert.Equal(t, ppux.Color(0x03E0), h.Frame[10*Width+20])
	assert.Equal(t, ppux.Color(0x001F), h.Frame[10*Width+21])

	img := h.Image()
	assert.Equal(t, image.Rect(0, 0, Width, Height), img.Bounds())
	r, g, b, a := img.At(20, 10).RGBA()
	assert.Equal(t, [4]uint32{0, 0xFFFF, 0, 0xFFFF}, [4]uint32{r, g, b, a})
	r, _, _, _ = img.At(21, 10).RGBA()
	assert.Equal(t, uint32(0xFFFF), r)
}

// TestServerOverlay runs the rex server against the emulated system and reads
// the boot stub's counter over the wire, then draws an overlay into the frame.
func TestServerOverlay(t *testing.T) {
	h, err := New(nil)
	require.NoError(t, err)
	h.InstructionsPerFrame = 200

	srv := rex.New(rex.Config{Addr: "127.0.0.1:0"}, h)
	require.NoError(t, srv.Start())

	var mu sync.Mutex
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			mu.Lock()
			h.RunFrame(srv)
			mu.Unlock()
			time.Sleep(100 * time.Microsecond)
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
		srv.Stop()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := rexclient.Dial(ctx, srv.Addr())
	require.NoError(t, err)
	defer c.Close()

	data, err := c.ReadMemory(ctx, iovm1.TargetWRAM, FrameCounter, 1)
	require.NoError(t, err)
	require.Len(t, data, 1)

	mu.Lock()
	require.Len(t, srv.Clients(), 1)
	assert.Equal(t, h.OverlayDepth, srv.Clients()[0].PPUX().PriorityDepth())
	mu.Unlock()

	list := ppux.AppendRun(nil, ppux.Run{Layer: ppux.LayerBG1, X: 4, Y: 5, Width: 1, Pixels: []uint32{ppux.Pixel(0x7C00, 1, true)}})
	_, err = c.PPUXUpload(ctx, ppux.AppendEnd(list))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return h.Frame[5*Width+4] == 0x7C00
	}, 2*time.Second, time.Millisecond)
}
