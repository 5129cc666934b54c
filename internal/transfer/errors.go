package transfer

import (
	"errors"
	"fmt"
)

// Failure kinds. Match with errors.Is.
var (
	ErrChannelJoinFailed = errors.New("channel join failed")
	ErrChunkRejected     = errors.New("chunk rejected")
	ErrChunkTimeout      = errors.New("chunk push timed out")
	ErrChannelNotJoined  = errors.New("channel not joined")
	ErrTransportClosed   = errors.New("transport closed unexpectedly")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrStreamReadFailed  = errors.New("stream read failed")
	ErrMaterializeFailed = errors.New("materialize failed")
	ErrTransferActive    = errors.New("transfer already active for entry")
	ErrNoPassphrase      = errors.New("no passphrase")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidFilename   = errors.New("invalid filename")
	ErrFilenameTooLong   = errors.New("filename too long")
	ErrFileSizeTooLarge  = errors.New("file size too large")
	ErrReceiverClosed    = errors.New("receiver closed")
)

// Error is a transfer failure of a given kind. Reason carries the remote
// endpoint's rejection reason when there is one.
type Error struct {
	Kind   error
	Reason string
	Err    error
}

func newError(kind error, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Reason returns the rejection reason carried by err, if any.
func Reason(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Reason
	}
	return ""
}
