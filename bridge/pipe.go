// Package bridge carries rex frame bytes over other transports (WebSocket,
// serial) to the rex TCP endpoint.
package bridge

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
)

// Pipe copies a to b and b to a until either side ends, then closes both. It
// returns the first error that is not a plain end of stream.
func Pipe(a, b io.ReadWriteCloser) error {
	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)

	cp := func(dst io.Writer, src io.Reader) {
		defer wg.Done()
		_, err := io.Copy(dst, src)
		if isEnd(err) {
			err = nil
		}
		once.Do(func() {
			first = err
			_ = a.Close()
			_ = b.Close()
		})
	}

	wg.Add(2)
	go cp(a, b)
	go cp(b, a)
	wg.Wait()

	return first
}

func isEnd(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}
