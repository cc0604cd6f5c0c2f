package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/webssh/internal/bridge"
	"github.com/gluk-w/webssh/internal/sshtest"
	"github.com/gluk-w/webssh/internal/sshtransport"
	"github.com/gluk-w/webssh/internal/wire"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// endings is an Observer that delivers session summaries to the test.
type endings struct {
	mu     sync.Mutex
	failed []error
	ended  chan bridge.Summary
}

func newEndings() *endings { return &endings{ended: make(chan bridge.Summary, 4)} }

func (e *endings) SessionStarted(bridge.SessionInfo) {}

func (e *endings) SessionFailed(_ bridge.SessionInfo, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, err)
}

func (e *endings) SessionEnded(_ bridge.SessionInfo, sum bridge.Summary) { e.ended <- sum }

func setupTerminalServer(t *testing.T, mutate ...func(*Terminal)) *httptest.Server {
	t.Helper()
	h := &Terminal{
		Transport: sshtransport.NewClient(sshtransport.Options{
			ConnectTimeout: 5 * time.Second,
			Logger:         zerolog.Nop(),
		}),
		Logger: zerolog.Nop(),
	}
	for _, m := range mutate {
		m(h)
	}

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/api/ssh", h)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func dialTerminal(t *testing.T, ctx context.Context, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ssh"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial terminal websocket: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, frame []byte) {
	t.Helper()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func connectFrame(srv *sshtest.Server, password string) []byte {
	return wire.ConnectFrame(wire.Connect{
		Host:     "127.0.0.1",
		Port:     srv.Port,
		Username: sshtest.User,
		Password: password,
		Cols:     100,
		Rows:     30,
	})
}

// readStdoutUntil reads frames until the accumulated stdout contains want.
func readStdoutUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, want string) string {
	t.Helper()
	var out strings.Builder
	for !strings.Contains(out.String(), want) {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %q: %v (stdout so far %q)", want, err, out.String())
		}
		kind, data, err := wire.DecodeFrame(raw)
		if err != nil {
			t.Fatalf("server sent undecodable frame %q: %v", raw, err)
		}
		switch kind {
		case wire.KindStdout:
			out.Write(data)
		case wire.KindError:
			t.Fatalf("unexpected error frame: %s", data)
		}
	}
	return out.String()
}

// readToClose reads every remaining frame until the socket closes.
func readToClose(t *testing.T, ctx context.Context, conn *websocket.Conn) ([]wire.Kind, [][]byte, error) {
	t.Helper()
	var (
		kinds []wire.Kind
		datas [][]byte
	)
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return kinds, datas, err
		}
		kind, data, derr := wire.DecodeFrame(raw)
		if derr != nil {
			t.Fatalf("server sent undecodable frame %q: %v", raw, derr)
		}
		kinds = append(kinds, kind)
		datas = append(datas, data)
	}
}

func TestTerminal_EchoHi(t *testing.T) {
	srv := sshtest.Start(t)
	ts := setupTerminalServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialTerminal(t, ctx, ts)

	send(t, ctx, conn, connectFrame(srv, sshtest.Password))
	readStdoutUntil(t, ctx, conn, "$ ")

	send(t, ctx, conn, wire.StdinFrame([]byte("echo hi\n")))
	out := readStdoutUntil(t, ctx, conn, "\r\nhi\r\n")
	if !strings.Contains(out, "hi") {
		t.Fatalf("stdout %q does not contain hi", out)
	}

	ptys := srv.PTYs()
	if len(ptys) != 1 || ptys[0].Cols != 100 || ptys[0].Rows != 30 {
		t.Errorf("PTY = %+v, want 100x30", ptys)
	}
}

func TestTerminal_InvalidCredentials(t *testing.T) {
	srv := sshtest.Start(t)
	obs := newEndings()
	ts := setupTerminalServer(t, func(h *Terminal) { h.Observer = obs })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialTerminal(t, ctx, ts)

	send(t, ctx, conn, connectFrame(srv, "not-the-password"))
	kinds, datas, err := readToClose(t, ctx, conn)

	if len(kinds) != 1 || kinds[0] != wire.KindError {
		t.Fatalf("frames = %v, want exactly one error frame", kinds)
	}
	if !strings.Contains(string(datas[0]), "authenticate") {
		t.Errorf("error frame = %q", datas[0])
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", status, err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	var authErr *sshtransport.AuthError
	if len(obs.failed) != 1 || !errors.As(obs.failed[0], &authErr) {
		t.Errorf("observer failures = %v, want one AuthError", obs.failed)
	}
}

func TestTerminal_Unreachable(t *testing.T) {
	ts := setupTerminalServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialTerminal(t, ctx, ts)

	// Port 1 on loopback refuses connections.
	send(t, ctx, conn, wire.ConnectFrame(wire.Connect{Host: "127.0.0.1", Port: 1, Username: "alice", Password: "x"}))
	kinds, datas, err := readToClose(t, ctx, conn)
	if len(kinds) != 1 || kinds[0] != wire.KindError {
		t.Fatalf("frames = %v, want one error frame", kinds)
	}
	if !strings.Contains(string(datas[0]), "127.0.0.1:1") {
		t.Errorf("error frame = %q", datas[0])
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v", status)
	}
}

func TestTerminal_DisconnectMidSession(t *testing.T) {
	srv := sshtest.Start(t)
	obs := newEndings()
	ts := setupTerminalServer(t, func(h *Terminal) { h.Observer = obs })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialTerminal(t, ctx, ts)

	send(t, ctx, conn, connectFrame(srv, sshtest.Password))
	readStdoutUntil(t, ctx, conn, "$ ")
	send(t, ctx, conn, wire.DisconnectFrame())

	kinds, _, err := readToClose(t, ctx, conn)
	for _, k := range kinds {
		if k == wire.KindError {
			t.Errorf("disconnect produced an error frame")
		}
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", status, err)
	}

	select {
	case sum := <-obs.ended:
		if sum.Reason != bridge.ReasonDisconnect {
			t.Errorf("reason = %s, want disconnect", sum.Reason)
		}
	case <-ctx.Done():
		t.Fatal("session never reported its end")
	}
}

func TestTerminal_ShellExit(t *testing.T) {
	srv := sshtest.Start(t)
	obs := newEndings()
	ts := setupTerminalServer(t, func(h *Terminal) { h.Observer = obs })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialTerminal(t, ctx, ts)

	send(t, ctx, conn, connectFrame(srv, sshtest.Password))
	readStdoutUntil(t, ctx, conn, "$ ")
	send(t, ctx, conn, wire.StdinFrame([]byte("exit 4\n")))

	kinds, _, err := readToClose(t, ctx, conn)
	for _, k := range kinds {
		if k == wire.KindError {
			t.Errorf("clean shell exit produced an error frame")
		}
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v", status)
	}

	select {
	case sum := <-obs.ended:
		if sum.Reason != bridge.ReasonEOF {
			t.Errorf("reason = %s, want eof", sum.Reason)
		}
		if sum.ExitStatus == nil || *sum.ExitStatus != 4 {
			t.Errorf("exit status = %v, want 4", sum.ExitStatus)
		}
	case <-ctx.Done():
		t.Fatal("session never reported its end")
	}
}

func TestTerminal_StderrAndResize(t *testing.T) {
	srv := sshtest.Start(t)
	ts := setupTerminalServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialTerminal(t, ctx, ts)

	send(t, ctx, conn, connectFrame(srv, sshtest.Password))
	readStdoutUntil(t, ctx, conn, "$ ")

	send(t, ctx, conn, wire.ResizeFrame(132, 43))
	send(t, ctx, conn, wire.StdinFrame([]byte("warn disk almost full\n")))

	var stderr strings.Builder
	for !strings.Contains(stderr.String(), "disk almost full") {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for stderr: %v", err)
		}
		kind, data, _ := wire.DecodeFrame(raw)
		if kind == wire.KindStderr {
			stderr.Write(data)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		r := srv.Resizes()
		if len(r) == 1 && r[0].Cols == 132 && r[0].Rows == 43 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("resizes = %+v, want one 132x43", r)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTerminal_MalformedFramesAreDropped(t *testing.T) {
	srv := sshtest.Start(t)
	ts := setupTerminalServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialTerminal(t, ctx, ts)

	send(t, ctx, conn, []byte("{{{"))
	send(t, ctx, conn, connectFrame(srv, sshtest.Password))
	readStdoutUntil(t, ctx, conn, "$ ")

	send(t, ctx, conn, []byte(`{"type":"teleport","data":""}`))
	send(t, ctx, conn, []byte(`{"type":"stdin","data":"%%%"}`))
	send(t, ctx, conn, wire.StdinFrame([]byte("echo still alive\n")))
	readStdoutUntil(t, ctx, conn, "\r\nstill alive\r\n")
}

func TestTerminal_RateLimitDropsFrames(t *testing.T) {
	srv := sshtest.Start(t)
	ts := setupTerminalServer(t, func(h *Terminal) {
		h.InputRate = rate.Limit(0.001)
		h.InputBurst = 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialTerminal(t, ctx, ts)

	send(t, ctx, conn, connectFrame(srv, sshtest.Password))
	readStdoutUntil(t, ctx, conn, "$ ")
	send(t, ctx, conn, wire.StdinFrame([]byte("echo one\n")))
	readStdoutUntil(t, ctx, conn, "\r\none\r\n")

	send(t, ctx, conn, wire.StdinFrame([]byte("echo two\n")))
	time.Sleep(200 * time.Millisecond)
	if strings.Contains(string(srv.Input()), "two") {
		t.Errorf("frame over the rate limit reached the shell: %q", srv.Input())
	}
}

func TestTerminal_OversizedFrameClosesSocket(t *testing.T) {
	srv := sshtest.Start(t)
	ts := setupTerminalServer(t, func(h *Terminal) { h.MaxFrameBytes = 512 })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialTerminal(t, ctx, ts)

	send(t, ctx, conn, connectFrame(srv, sshtest.Password))
	readStdoutUntil(t, ctx, conn, "$ ")

	send(t, ctx, conn, wire.StdinFrame([]byte(strings.Repeat("x", 4096))))
	kinds, _, err := readToClose(t, ctx, conn)
	for _, k := range kinds {
		if k == wire.KindError {
			t.Error("oversized frame produced an error frame")
		}
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusMessageTooBig {
		t.Errorf("close status = %v (err %v), want 1009", status, err)
	}
}

func TestTerminal_OriginPatterns(t *testing.T) {
	ts := setupTerminalServer(t, func(h *Terminal) {
		h.OriginPatterns = []string{"terminal.example.com"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ssh"
	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example.org"}},
	})
	if err == nil {
		t.Fatal("upgrade from an untrusted origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://terminal.example.com"}},
	})
	if err != nil {
		t.Fatalf("upgrade from a trusted origin failed: %v", err)
	}
	conn.CloseNow()
}

func TestTerminal_ClientVanishes(t *testing.T) {
	srv := sshtest.Start(t)
	obs := newEndings()
	ts := setupTerminalServer(t, func(h *Terminal) { h.Observer = obs })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialTerminal(t, ctx, ts)

	send(t, ctx, conn, connectFrame(srv, sshtest.Password))
	readStdoutUntil(t, ctx, conn, "$ ")
	conn.CloseNow()

	select {
	case sum := <-obs.ended:
		if sum.Reason != bridge.ReasonClientGone {
			t.Errorf("reason = %s, want client_gone", sum.Reason)
		}
		if sum.Err != nil {
			t.Errorf("Err = %v, want nil", sum.Err)
		}
	case <-ctx.Done():
		t.Fatal("session was not torn down after the client vanished")
	}
}
