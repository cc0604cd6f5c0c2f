package sshtransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gluk-w/webssh/internal/logging"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

const (
	// defaultConnectTimeout bounds the TCP dial and, separately, the handshake.
	defaultConnectTimeout = 15 * time.Second

	// defaultTerm is requested when the browser does not name a terminal type.
	defaultTerm = "xterm-256color"

	defaultCols = 80
	defaultRows = 24
)

// Options configures Client.
type Options struct {
	ConnectTimeout time.Duration
	// KeepaliveInterval enables keepalive@openssh.com requests on idle
	// connections. Zero disables them.
	KeepaliveInterval time.Duration
	// HostKeyCallback verifies server keys; nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
	// Resolver maps aliases to dial addresses; nil dials hosts as given.
	Resolver *HostResolver
	Logger   zerolog.Logger
}

// Client is the Transport backed by golang.org/x/crypto/ssh.
type Client struct {
	opts Options
}

// NewClient returns a Client with defaults filled in.
func NewClient(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return &Client{opts: opts}
}

// Connect dials the SSH server over TCP.
func (c *Client) Connect(ctx context.Context, host string, port int) (Conn, error) {
	hostname, port := c.opts.Resolver.Resolve(host, port)
	addr := net.JoinHostPort(hostname, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: c.opts.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	return &clientConn{
		opts:    c.opts,
		addr:    addr,
		netConn: netConn,
		done:    make(chan struct{}),
		log:     c.opts.Logger.With().Str("addr", logging.Sanitize(addr)).Logger(),
	}, nil
}

type clientConn struct {
	opts    Options
	addr    string
	netConn net.Conn
	client  *ssh.Client
	log     zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// Authenticate performs the SSH handshake on the dialed connection. The
// handshake is bounded by ConnectTimeout and aborted when ctx is cancelled.
func (c *clientConn) Authenticate(ctx context.Context, cred Credential) error {
	if c.client != nil {
		return nil
	}

	methods, err := authMethods(cred)
	if err != nil {
		return &AuthError{User: cred.Username, Addr: c.addr, Err: err}
	}

	cfg := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            methods,
		HostKeyCallback: c.opts.HostKeyCallback,
		Timeout:         c.opts.ConnectTimeout,
	}

	deadline := time.Now().Add(c.opts.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.netConn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { c.netConn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(c.netConn, c.addr, cfg)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return &AuthError{User: cred.Username, Addr: c.addr, Err: err}
	}
	c.netConn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.log.Debug().Str("server_version", string(sshConn.ServerVersion())).Msg("ssh handshake complete")

	if c.opts.KeepaliveInterval > 0 {
		go c.keepalive(c.opts.KeepaliveInterval)
	}
	return nil
}

// OpenPTY requests a PTY and starts the user's login shell.
func (c *clientConn) OpenPTY(ctx context.Context, req PTYRequest) (Channel, error) {
	if c.client == nil {
		return nil, &ChannelError{Op: "new session", Err: ErrNotAuthenticated}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{Op: "new session", Err: err}
	}
	if req.Term == "" {
		req.Term = defaultTerm
	}
	if req.Cols == 0 {
		req.Cols = defaultCols
	}
	if req.Rows == 0 {
		req.Rows = defaultRows
	}

	session, err := c.client.NewSession()
	if err != nil {
		return nil, &ChannelError{Op: "new session", Err: err}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(req.Term, int(req.Rows), int(req.Cols), modes); err != nil {
		session.Close()
		return nil, &ChannelError{Op: "request pty", Err: err}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, &ChannelError{Op: "stdin pipe", Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, &ChannelError{Op: "stdout pipe", Err: err}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, &ChannelError{Op: "stderr pipe", Err: err}
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, &ChannelError{Op: "start shell", Err: err}
	}

	return &ptyChannel{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
	}, nil
}

// Close closes the SSH client, or the bare TCP connection if the handshake
// never completed.
func (c *clientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.client != nil {
			err = c.client.Close()
		} else {
			err = c.netConn.Close()
		}
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// keepalive sends periodic keepalive requests so that dead peers are noticed
// and idle NAT mappings stay open. A request that fails, or gets no reply
// within one interval, closes the connection, which ends the channel's
// output streams.
func (c *clientConn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(interval); err != nil {
				c.log.Warn().Err(err).Msg("ssh keepalive failed, closing connection")
				c.Close()
				return
			}
		}
	}
}

var errKeepaliveTimeout = errors.New("no keepalive reply from server")

// ping sends one keepalive request and waits up to timeout for the reply.
// Any reply counts, including a refusal.
func (c *clientConn) ping(timeout time.Duration) error {
	replied := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		replied <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-replied:
		return err
	case <-timer.C:
		return errKeepaliveTimeout
	case <-c.done:
		return nil
	}
}

type ptyChannel struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
}

func (p *ptyChannel) Stdout() io.Reader { return p.stdout }
func (p *ptyChannel) Stderr() io.Reader { return p.stderr }

func (p *ptyChannel) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *ptyChannel) Resize(cols, rows uint16) error {
	return p.session.WindowChange(int(rows), int(cols))
}

func (p *ptyChannel) Wait() error {
	err := p.session.Wait()
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Status: exitErr.ExitStatus(), Signal: exitErr.Signal()}
	}
	return err
}

func (p *ptyChannel) Close() error {
	p.stdin.Close()
	err := p.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("close ssh session: %w", err)
	}
	return nil
}
