// Package sshtest runs an in-process SSH server with a tiny line-oriented
// shell for transport and end-to-end tests.
//
// The shell echoes input like a PTY in cooked mode and understands:
//
//	echo ARGS   writes ARGS to stdout
//	warn ARGS   writes ARGS to stderr
//	exit [N]    ends the session with status N
//
// Anything else prints "unknown command". Window changes are recorded and
// can be read back with Server.Resizes. keepalive@openssh.com requests are
// counted and answered unless IgnoreKeepalives is set.
package sshtest

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gliderlabs/ssh"
	gossh "golang.org/x/crypto/ssh"
)

const (
	User     = "alice"
	Password = "wonderland"
)

// PTYInfo is what the client asked for when allocating the PTY.
type PTYInfo struct {
	Term       string
	Cols, Rows int
}

// Server is a running test SSH server.
type Server struct {
	Addr string
	// Port is the numeric port of Addr.
	Port int
	// ClientKey authenticates User; ClientKeyPEM is its PKCS#8 encoding.
	ClientKey    ed25519.PrivateKey
	ClientKeyPEM []byte

	srv              *ssh.Server
	kbdInteractive   bool
	ignoreKeepalives bool

	mu      sync.Mutex
	ptys    []PTYInfo
	resizes []PTYInfo
	input      []byte
	keepalives int
}

// Option changes how Start configures the server.
type Option func(*Server)

// KeyboardInteractiveOnly disables password and public key auth; User logs
// in by answering every keyboard-interactive prompt with Password.
func KeyboardInteractiveOnly() Option {
	return func(s *Server) { s.kbdInteractive = true }
}

// IgnoreKeepalives makes the server swallow keepalive requests without
// replying until the connection closes.
func IgnoreKeepalives() Option {
	return func(s *Server) { s.ignoreKeepalives = true }
}

// Start launches a server on 127.0.0.1 and stops it when the test ends.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	_, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSigner, err := gossh.NewSignerFromKey(clientPriv)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(clientPriv)
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}

	s := &Server{
		ClientKey:    clientPriv,
		ClientKeyPEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.srv = &ssh.Server{
		Handler: s.handle,
		RequestHandlers: map[string]ssh.RequestHandler{
			"keepalive@openssh.com": s.keepalive,
		},
	}
	if s.kbdInteractive {
		s.srv.KeyboardInteractiveHandler = func(ctx ssh.Context, challenge gossh.KeyboardInteractiveChallenge) bool {
			answers, err := challenge(ctx.User(), "", []string{"Password: "}, []bool{false})
			return err == nil && ctx.User() == User && len(answers) == 1 && answers[0] == Password
		}
	} else {
		s.srv.PasswordHandler = func(ctx ssh.Context, password string) bool {
			return ctx.User() == User && password == Password
		}
		s.srv.PublicKeyHandler = func(ctx ssh.Context, key ssh.PublicKey) bool {
			return ctx.User() == User && ssh.KeysEqual(key, clientSigner.PublicKey())
		}
	}
	s.srv.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.Addr = l.Addr().String()
	s.Port = l.Addr().(*net.TCPAddr).Port

	go s.srv.Serve(l)
	t.Cleanup(func() { s.srv.Close() })
	return s
}

// PTYs returns every PTY allocation seen so far.
func (s *Server) PTYs() []PTYInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PTYInfo(nil), s.ptys...)
}

// Resizes returns every window change seen so far, in order.
func (s *Server) Resizes() []PTYInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PTYInfo(nil), s.resizes...)
}

// Input returns every byte the shell received.
func (s *Server) Input() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.input...)
}

// Keepalives returns how many keepalive requests the server has received.
func (s *Server) Keepalives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives
}

func (s *Server) keepalive(ctx ssh.Context, _ *ssh.Server, _ *gossh.Request) (bool, []byte) {
	s.mu.Lock()
	s.keepalives++
	s.mu.Unlock()
	if s.ignoreKeepalives {
		<-ctx.Done()
	}
	return true, nil
}

func (s *Server) handle(sess ssh.Session) {
	ptyReq, winCh, isPty := sess.Pty()
	if !isPty {
		io.WriteString(sess.Stderr(), "a pty is required\n")
		sess.Exit(1)
		return
	}
	s.mu.Lock()
	s.ptys = append(s.ptys, PTYInfo{Term: ptyReq.Term, Cols: ptyReq.Window.Width, Rows: ptyReq.Window.Height})
	s.mu.Unlock()

	go func() {
		first := true
		for win := range winCh {
			// The first value is the initial geometry from pty-req.
			if first {
				first = false
				continue
			}
			s.mu.Lock()
			s.resizes = append(s.resizes, PTYInfo{Term: ptyReq.Term, Cols: win.Width, Rows: win.Height})
			s.mu.Unlock()
		}
	}()

	io.WriteString(sess, "$ ")
	r := bufio.NewReader(&recordingReader{r: sess, s: s})
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		if b != '\r' && b != '\n' {
			line = append(line, b)
			sess.Write([]byte{b})
			continue
		}
		sess.Write([]byte("\r\n"))
		if code, done := s.run(sess, strings.TrimSpace(string(line))); done {
			sess.Exit(code)
			return
		}
		line = line[:0]
		io.WriteString(sess, "$ ")
	}
}

// run executes one command line and reports whether the shell should exit.
func (s *Server) run(sess ssh.Session, line string) (int, bool) {
	cmd, args, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
	case "echo":
		fmt.Fprintf(sess, "%s\r\n", args)
	case "warn":
		fmt.Fprintf(sess.Stderr(), "%s\n", args)
	case "exit":
		code := 0
		if args != "" {
			code, _ = strconv.Atoi(args)
		}
		return code, true
	default:
		fmt.Fprintf(sess, "%s: unknown command\r\n", cmd)
	}
	return 0, false
}

type recordingReader struct {
	r io.Reader
	s *Server
}

func (rr *recordingReader) Read(p []byte) (int, error) {
	n, err := rr.r.Read(p)
	if n > 0 {
		rr.s.mu.Lock()
		rr.s.input = append(rr.s.input, p[:n]...)
		rr.s.mu.Unlock()
	}
	return n, err
}
