package rex

import (
	"errors"
	"fmt"
)

var ErrClientDisconnected = errors.New("client disconnected")

// TerminalError wraps an error that ends a client connection.
type TerminalError struct {
	wrapped error
}

func (e *TerminalError) Unwrap() error { return e.wrapped }
func (e *TerminalError) Error() string {
	if e.wrapped == nil {
		return "rex client terminal error"
	}
	return fmt.Sprintf("rex client terminal error: %v", e.wrapped)
}
