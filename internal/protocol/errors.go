package protocol

import "github.com/pkg/errors"

// ErrInvalidMessageFormat is matched by every FormatError.
var ErrInvalidMessageFormat = errors.New("invalid message format")

// ErrConnectionClosed is returned when the peer closes the stream before or
// in the middle of a frame.
var ErrConnectionClosed = errors.New("connection closed")

// ErrUnexpectedMessage is returned when a message is not allowed in the
// current connection state.
var ErrUnexpectedMessage = errors.New("unexpected message")

// FormatError describes a malformed message. A fatal error means the stream
// lost frame alignment and the connection must be closed; otherwise the
// whole frame was consumed and the connection can continue.
type FormatError struct {
	Reason string
	Fatal  bool
}

func (e *FormatError) Error() string {
	return "invalid message format: " + e.Reason
}

// Is makes errors.Is(err, ErrInvalidMessageFormat) true for every FormatError.
func (e *FormatError) Is(target error) bool {
	return target == ErrInvalidMessageFormat
}

// IsFatal reports whether err is a FormatError that broke frame alignment.
func IsFatal(err error) bool {
	var fe *FormatError
	if errors.As(err, &fe) {
		return fe.Fatal
	}
	return false
}
