package sshtransport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
)

// Fake is an in-memory Transport for tests. Set the *Err fields to make the
// matching step fail. Every opened channel is delivered on Opened.
type Fake struct {
	ConnectErr error
	AuthErr    error
	PTYErr     error
	// Echo makes every channel copy stdin back to stdout.
	Echo bool

	mu       sync.Mutex
	conns    []*FakeConn
	openedCh chan *FakeChannel
}

// NewFake returns a Fake that succeeds at every step.
func NewFake() *Fake {
	return &Fake{openedCh: make(chan *FakeChannel, 16)}
}

// Opened delivers channels as OpenPTY creates them.
func (f *Fake) Opened() <-chan *FakeChannel { return f.openedCh }

// Conns returns every connection made so far.
func (f *Fake) Conns() []*FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeConn(nil), f.conns...)
}

func (f *Fake) Connect(ctx context.Context, host string, port int) (Conn, error) {
	if port == 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if err := ctx.Err(); err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	if f.ConnectErr != nil {
		return nil, &ConnectError{Addr: addr, Err: f.ConnectErr}
	}
	c := &FakeConn{fake: f, Addr: addr}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

// FakeConn records what the bridge did with a connection.
type FakeConn struct {
	fake *Fake
	Addr string

	mu            sync.Mutex
	cred          Credential
	authenticated bool
	closed        bool
	pty           PTYRequest
}

func (c *FakeConn) Authenticate(ctx context.Context, cred Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = cred
	if c.fake.AuthErr != nil {
		return &AuthError{User: cred.Username, Addr: c.Addr, Err: c.fake.AuthErr}
	}
	c.authenticated = true
	return nil
}

func (c *FakeConn) OpenPTY(ctx context.Context, req PTYRequest) (Channel, error) {
	c.mu.Lock()
	if !c.authenticated {
		c.mu.Unlock()
		return nil, &ChannelError{Op: "new session", Err: ErrNotAuthenticated}
	}
	if c.fake.PTYErr != nil {
		c.mu.Unlock()
		return nil, &ChannelError{Op: "request pty", Err: c.fake.PTYErr}
	}
	c.pty = req
	c.mu.Unlock()

	ch := newFakeChannel(c.fake.Echo)
	c.fake.openedCh <- ch
	return ch, nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Credential returns the credential passed to Authenticate.
func (c *FakeConn) Credential() Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred
}

// PTY returns the request passed to OpenPTY.
func (c *FakeConn) PTY() PTYRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pty
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Size is a PTY geometry.
type Size struct {
	Cols, Rows uint16
}

// FakeChannel is a Channel whose remote side is driven by the test.
type FakeChannel struct {
	echo bool

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	mu       sync.Mutex
	written  bytes.Buffer
	writes   int
	resizes  []Size
	closed   bool
	writeErr error
	exitErr  error
	exited   chan struct{}
	exitOnce sync.Once
}

func newFakeChannel(echo bool) *FakeChannel {
	ch := &FakeChannel{echo: echo, exited: make(chan struct{})}
	ch.stdoutR, ch.stdoutW = io.Pipe()
	ch.stderrR, ch.stderrW = io.Pipe()
	return ch
}

func (ch *FakeChannel) Stdout() io.Reader { return ch.stdoutR }
func (ch *FakeChannel) Stderr() io.Reader { return ch.stderrR }

func (ch *FakeChannel) Write(p []byte) (int, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if ch.writeErr != nil {
		err := ch.writeErr
		ch.mu.Unlock()
		return 0, err
	}
	ch.written.Write(p)
	ch.writes++
	ch.mu.Unlock()

	if ch.echo {
		if _, err := ch.stdoutW.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (ch *FakeChannel) Resize(cols, rows uint16) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return io.ErrClosedPipe
	}
	ch.resizes = append(ch.resizes, Size{Cols: cols, Rows: rows})
	return nil
}

func (ch *FakeChannel) Wait() error {
	<-ch.exited
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.exitErr
}

func (ch *FakeChannel) Close() error {
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	ch.stdoutW.Close()
	ch.stderrW.Close()
	ch.Exit(nil)
	return nil
}

// EmitStdout makes the remote side write to stdout. It blocks until the
// bridge has read the bytes.
func (ch *FakeChannel) EmitStdout(p []byte) error {
	_, err := ch.stdoutW.Write(p)
	return err
}

// EmitStderr makes the remote side write to stderr.
func (ch *FakeChannel) EmitStderr(p []byte) error {
	_, err := ch.stderrW.Write(p)
	return err
}

// Hangup ends both output streams with io.EOF, as when the shell exits.
func (ch *FakeChannel) Hangup() {
	ch.stdoutW.Close()
	ch.stderrW.Close()
}

// Fail breaks the output streams with err, as when the connection drops.
func (ch *FakeChannel) Fail(err error) {
	ch.stdoutW.CloseWithError(err)
	ch.stderrW.CloseWithError(err)
}

// FailWrites makes subsequent writes return err.
func (ch *FakeChannel) FailWrites(err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.writeErr = err
}

// Exit releases Wait with err. Only the first call has an effect.
func (ch *FakeChannel) Exit(err error) {
	ch.exitOnce.Do(func() {
		ch.mu.Lock()
		ch.exitErr = err
		ch.mu.Unlock()
		close(ch.exited)
	})
}

// Written returns every byte written so far.
func (ch *FakeChannel) Written() []byte {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]byte(nil), ch.written.Bytes()...)
}

// Writes returns the number of Write calls.
func (ch *FakeChannel) Writes() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.writes
}

// Resizes returns every geometry applied, in order.
func (ch *FakeChannel) Resizes() []Size {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Size(nil), ch.resizes...)
}

// IsClosed reports whether Close was called.
func (ch *FakeChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// errFakeUnreachable is a convenient ConnectErr for tests.
var errFakeUnreachable = errors.New("connection refused")

// Unreachable returns a Fake whose Connect always fails.
func Unreachable() *Fake {
	f := NewFake()
	f.ConnectErr = errFakeUnreachable
	return f
}
