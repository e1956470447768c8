package main

import (
	"fmt"
	"io"
	"time"

	"github.com/aybabtme/uniplot/histogram"

	"rex/rex"
)

const maxSamples = 1 << 16

// timedHooks records how long the server's per-frame network service takes.
type timedHooks struct {
	*rex.Server

	samples []float64
	next    int
}

func newTimedHooks(srv *rex.Server) *timedHooks {
	return &timedHooks{
		Server:  srv,
		samples: make([]float64, 0, 1024),
	}
}

func (h *timedHooks) FrameStart() {
	t0 := time.Now()
	h.Server.FrameStart()
	h.add(float64(time.Since(t0).Microseconds()))
}

func (h *timedHooks) add(us float64) {
	if len(h.samples) < maxSamples {
		h.samples = append(h.samples, us)
		return
	}
	h.samples[h.next] = us
	h.next = (h.next + 1) % maxSamples
}

func (h *timedHooks) report(w io.Writer) {
	if len(h.samples) == 0 {
		return
	}

	fmt.Fprintf(w, "frame network service time (us), %d frames:\n", len(h.samples))
	lo, hi := h.samples[0], h.samples[0]
	for _, v := range h.samples {
		lo, hi = min(lo, v), max(hi, v)
	}
	if lo == hi {
		fmt.Fprintf(w, "all %v\n", lo)
		return
	}

	hist := histogram.Hist(16, h.samples)
	if err := histogram.Fprint(w, hist, histogram.Linear(40)); err != nil {
		fmt.Fprintf(w, "histogram: %v\n", err)
	}
}
