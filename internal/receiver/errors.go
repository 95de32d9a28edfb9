package receiver

import "errors"

// ErrTimeout is returned internally when a per-stage timer fires.
var ErrTimeout = errors.New("receiver: stage timeout exceeded")

// ErrTooManyErrors is returned when the hard error counter is exceeded and
// the connection must close.
var ErrTooManyErrors = errors.New("receiver: too many errors from client")

// ErrClosed is returned once QUIT has been processed or the connection is
// torn down.
var ErrClosed = errors.New("receiver: connection closed")
