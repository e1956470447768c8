package util

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"
)

// PanicSafeLogger tees log output to a file and stderr and can flush the file
// before a crash.
type PanicSafeLogger struct {
	f  *os.File
	mw io.Writer
}

var std *PanicSafeLogger

func NewPanicSafeLogger(f *os.File) *PanicSafeLogger {
	std = &PanicSafeLogger{
		f:  f,
		mw: io.MultiWriter(f, os.Stderr),
	}
	return std
}

// OpenLogFile creates a timestamped log file in the temp directory, e.g.
// "rexd-2006-01-02T15-04-05-000Z.log", and makes it the flush target.
func OpenLogFile(prefix string, now time.Time) (l *PanicSafeLogger, path string, err error) {
	ts := now.UTC().Format("2006-01-02T15:04:05.000Z")
	ts = strings.ReplaceAll(ts, ":", "-")
	ts = strings.ReplaceAll(ts, ".", "-")
	path = filepath.Join(os.TempDir(), fmt.Sprintf("%s-%s.log", prefix, ts))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, path, err
	}
	return NewPanicSafeLogger(f), path, nil
}

func (l *PanicSafeLogger) Write(p []byte) (n int, err error) {
	return l.mw.Write(p)
}

func (l *PanicSafeLogger) Flush() error {
	return l.f.Sync()
}

func (l *PanicSafeLogger) Close() error {
	if std == l {
		std = nil
	}
	return l.f.Close()
}

func FlushLogger() error {
	if std == nil {
		return nil
	}
	return std.Flush()
}

func LogPanic(err any) {
	log.Printf("paniced with %v\n%s\n", err, string(debug.Stack()))
	_ = FlushLogger()
}
