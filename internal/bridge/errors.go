package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gluk-w/webssh/internal/sshtransport"
	"github.com/gluk-w/webssh/internal/wire"
)

// ProtocolError is a malformed or unrecognized inbound frame. The frame is
// dropped and the Session stays open.
type ProtocolError = wire.DecodeError

// IoError is a failure on the SSH channel while the session is interactive.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

var (
	// ErrUserDisconnect ends a session whose client sent a disconnect frame.
	ErrUserDisconnect = errors.New("client requested disconnect")
	// ErrClientGone ends a session whose WebSocket went away.
	ErrClientGone = errors.New("client connection closed")
)

// CloseReason summarizes why a session ended, for logs and the audit trail.
type CloseReason string

const (
	ReasonDisconnect    CloseReason = "disconnect"
	ReasonEOF           CloseReason = "eof"
	ReasonClientGone    CloseReason = "client_gone"
	ReasonCancelled     CloseReason = "cancelled"
	ReasonConnectFailed CloseReason = "connect_failed"
	ReasonAuthFailed    CloseReason = "auth_failed"
	ReasonPTYFailed     CloseReason = "pty_failed"
	ReasonIOError       CloseReason = "io_error"
)

func reasonFor(err error) CloseReason {
	var (
		connErr *sshtransport.ConnectError
		authErr *sshtransport.AuthError
		chErr   *sshtransport.ChannelError
		ioErr   *IoError
	)
	switch {
	case errors.Is(err, ErrUserDisconnect):
		return ReasonDisconnect
	case errors.Is(err, io.EOF):
		return ReasonEOF
	case errors.Is(err, ErrClientGone):
		return ReasonClientGone
	case errors.As(err, &connErr):
		return ReasonConnectFailed
	case errors.As(err, &authErr):
		return ReasonAuthFailed
	case errors.As(err, &chErr):
		return ReasonPTYFailed
	case errors.As(err, &ioErr):
		return ReasonIOError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	default:
		return ReasonIOError
	}
}

// reportable reports whether err is sent to the client as an error frame.
// Client-initiated and client-side endings are not.
func reportable(err error) bool {
	switch reasonFor(err) {
	case ReasonConnectFailed, ReasonAuthFailed, ReasonPTYFailed, ReasonIOError:
		return true
	}
	return false
}
