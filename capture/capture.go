// Package capture writes every message crossing a rex connection to a
// stream of CBOR records and reads such streams back.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("capture: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

type Record struct {
	// Time is nanoseconds since the Unix epoch.
	Time    int64  `cbor:"1,keyasint"`
	Client  int    `cbor:"2,keyasint"`
	Inbound bool   `cbor:"3,keyasint"`
	Channel uint8  `cbor:"4,keyasint"`
	Data    []byte `cbor:"5,keyasint"`
}

func (r *Record) String() string {
	dir := "<-"
	if r.Inbound {
		dir = "->"
	}
	return fmt.Sprintf("%s client[%d] %s ch%d [% x]",
		time.Unix(0, r.Time).UTC().Format("15:04:05.000000"),
		r.Client,
		dir,
		r.Channel,
		r.Data,
	)
}

// Writer implements rex.Capture. The first encoding error stops recording
// and is returned by Close.
type Writer struct {
	lock sync.Mutex
	bw   *bufio.Writer
	c    io.Closer
	enc  *cbor.Encoder
	err  error
	now  func() time.Time
	n    int
}

func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	cw := &Writer{
		bw:  bw,
		enc: encMode.NewEncoder(bw),
		now: time.Now,
	}
	if c, ok := w.(io.Closer); ok {
		cw.c = c
	}
	return cw
}

// Create truncates path and returns a Writer that owns the file.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	return NewWriter(f), nil
}

func (w *Writer) Record(client int, inbound bool, ch uint8, msg []byte) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.err != nil {
		return
	}
	w.err = w.enc.Encode(&Record{
		Time:    w.now().UnixNano(),
		Client:  client,
		Inbound: inbound,
		Channel: ch,
		Data:    msg,
	})
	if w.err == nil {
		w.n++
	}
}

// Count is the number of records written.
func (w *Writer) Count() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.n
}

func (w *Writer) Flush() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.err != nil {
		return w.err
	}
	return w.bw.Flush()
}

func (w *Writer) Close() error {
	w.lock.Lock()
	defer w.lock.Unlock()

	err := w.err
	if ferr := w.bw.Flush(); err == nil {
		err = ferr
	}
	if w.c != nil {
		if cerr := w.c.Close(); err == nil {
			err = cerr
		}
	}
	if w.err == nil {
		w.err = io.ErrClosedPipe
	}
	return err
}

type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(bufio.NewReader(r))}
}

// Next returns io.EOF after the last complete record.
func (r *Reader) Next() (rec *Record, err error) {
	rec = &Record{}
	if err = r.dec.Decode(rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("capture: decode record: %w", err)
	}
	return
}
