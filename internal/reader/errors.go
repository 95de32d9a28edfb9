package reader

import "fmt"

// BufferTooLongError is returned when a line or message stream exceeds its
// configured maximum size.
type BufferTooLongError struct {
	Expected int
	Got      int
}

func (e *BufferTooLongError) Error() string {
	return fmt.Sprintf("reader: buffer too long: expected at most %d bytes, got %d", e.Expected, e.Got)
}

// ErrTruncated is returned when EOF is reached with a non-empty residual
// buffer. The reference behavior here is intentionally left as a defined
// error rather than guessing the peer's intent: a short write at EOF is
// never silently accepted as a complete line.
type ErrTruncated struct{}

func (ErrTruncated) Error() string { return "reader: EOF with non-empty residual buffer" }
