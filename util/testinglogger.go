package util

import (
	"log"
	"testing"
)

func NewTestingLogger(tb testing.TB) *CommitLogger {
	l := &CommitLogger{
		Committer: func(p []byte) {
			tb.Log(string(p))
		},
	}
	l.Reserve(256)
	return l
}

// RedirectLog sends the standard logger to tb until the test ends.
func RedirectLog(tb testing.TB) {
	w := log.Writer()
	log.SetOutput(NewTestingLogger(tb))
	tb.Cleanup(func() { log.SetOutput(w) })
}
