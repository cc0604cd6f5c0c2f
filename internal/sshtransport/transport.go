// Package sshtransport is the boundary between the session bridge and an SSH
// client implementation.
//
// The bridge only sees the Transport, Conn and Channel interfaces. Client
// implements them over golang.org/x/crypto/ssh; Fake implements them in
// memory for tests. Connecting (TCP), authenticating (SSH handshake and user
// auth) and opening the PTY are separate steps so callers can report each
// failure class on its own.
package sshtransport

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Transport opens connections to SSH servers.
type Transport interface {
	// Connect reaches host:port. A port of 0 lets the transport choose
	// (ssh config, then 22). Failures are *ConnectError.
	Connect(ctx context.Context, host string, port int) (Conn, error)
}

// Conn is a reachable but not necessarily authenticated SSH server.
type Conn interface {
	// Authenticate runs the SSH handshake and user authentication.
	// Failures are *AuthError.
	Authenticate(ctx context.Context, cred Credential) error
	// OpenPTY starts an interactive login shell on a new PTY.
	// Failures are *ChannelError.
	OpenPTY(ctx context.Context, req PTYRequest) (Channel, error)
	// Close tears down the connection and every channel on it.
	Close() error
}

// Channel is an interactive shell attached to a PTY.
type Channel interface {
	// Stdout and Stderr return io.EOF once the remote side is done.
	Stdout() io.Reader
	Stderr() io.Reader
	// Write sends keystrokes to the shell.
	Write(p []byte) (int, error)
	// Resize changes the PTY geometry.
	Resize(cols, rows uint16) error
	// Wait blocks until the shell exits. A non-zero exit is *ExitError.
	Wait() error
	Close() error
}

// Credential is passed through to the SSH server untouched.
type Credential struct {
	Username   string
	Password   string
	PrivateKey []byte // PEM or OpenSSH format
	Passphrase []byte // for an encrypted PrivateKey
}

// PTYRequest describes the terminal to allocate.
type PTYRequest struct {
	Term string
	Cols uint16
	Rows uint16
}

// ConnectError reports that the SSH host could not be reached.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError reports that the handshake or user authentication failed.
type AuthError struct {
	User string
	Addr string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s@%s: %v", e.User, e.Addr, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ChannelError reports a failure while opening the PTY session.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("open pty: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// ExitError is returned by Channel.Wait when the shell exits unsuccessfully.
type ExitError struct {
	Status int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("remote shell killed by signal %s", e.Signal)
	}
	return fmt.Sprintf("remote shell exited with status %d", e.Status)
}

// ErrNotAuthenticated is returned by OpenPTY before a successful Authenticate.
var ErrNotAuthenticated = errors.New("connection is not authenticated")
