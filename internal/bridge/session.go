// Package bridge runs one browser terminal session: it consumes decoded
// control messages from the client, drives an SSH connection and PTY through
// sshtransport, and pushes output frames into an Outbox.
//
// A Session moves through
//
//	Uninitialized → Connecting → Authenticating → Interactive → Closing → Closed
//
// and never leaves Closed. Connect and auth failures go straight to Closed
// after one error frame. The Outbox is closed exactly once, when Closed is
// reached.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/gluk-w/webssh/internal/logging"
	"github.com/gluk-w/webssh/internal/sshtransport"
	"github.com/gluk-w/webssh/internal/wire"
	"github.com/rs/zerolog"
)

const (
	// MaxCols and MaxRows bound PTY geometry requested by clients.
	MaxCols = 500
	MaxRows = 500

	DefaultCols = 80
	DefaultRows = 24

	defaultExitTimeout = 2 * time.Second
	readBufferSize     = 32 * 1024
)

// FrameSource yields raw inbound frames. ReadFrame returns an error once the
// client connection is gone.
type FrameSource interface {
	ReadFrame(ctx context.Context) ([]byte, error)
}

// Options wires a Session to its collaborators.
type Options struct {
	// ID identifies the session in logs and audit records.
	ID         string
	RemoteAddr string

	Transport sshtransport.Transport
	Outbox    *Outbox

	Logger   zerolog.Logger
	Observer Observer
	// Recorders is optional; nil disables recording.
	Recorders RecorderFactory

	// DefaultTerm is used when the connect request names no terminal type.
	DefaultTerm string
	// ExitTimeout bounds the wait for the remote exit status after EOF.
	ExitTimeout time.Duration
}

// Session bridges one client to one SSH shell.
type Session struct {
	id        string
	transport sshtransport.Transport
	outbox    *Outbox
	observer  Observer
	recorders RecorderFactory
	term      string
	exitWait  time.Duration
	log       zerolog.Logger

	state    atomic.Int32
	started  atomic.Bool
	done     chan struct{}
	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	info     SessionInfo
	recorder Recorder
}

// New returns a Session in the Uninitialized state.
func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, errors.New("bridge: transport is required")
	}
	if opts.Outbox == nil {
		return nil, errors.New("bridge: outbox is required")
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.ExitTimeout <= 0 {
		opts.ExitTimeout = defaultExitTimeout
	}

	return &Session{
		id:        opts.ID,
		transport: opts.Transport,
		outbox:    opts.Outbox,
		observer:  opts.Observer,
		recorders: opts.Recorders,
		term:      opts.DefaultTerm,
		exitWait:  opts.ExitTimeout,
		log:       opts.Logger.With().Str("session_id", opts.ID).Logger(),
		done:      make(chan struct{}),
		info:      SessionInfo{ID: opts.ID, RemoteAddr: opts.RemoteAddr},
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) transition(to State) {
	from := State(s.state.Load())
	if !canTransition(from, to) {
		s.log.Error().Stringer("from", from).Stringer("to", to).Msg("illegal session state transition")
		return
	}
	s.state.Store(int32(to))
	s.log.Debug().Stringer("from", from).Stringer("to", to).Msg("session state")
}

// Run drives the session until it is Closed. It reads frames from src on its
// own goroutine; that goroutine exits once src returns an error, so the
// caller should close the underlying connection after Run returns.
//
// Run returns nil when the session ended normally (disconnect, end of
// stream, client gone or ctx cancelled) and the terminating error otherwise.
// A Session can only be run once.
func (s *Session) Run(ctx context.Context, src FrameSource) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("bridge: session already run")
	}
	defer close(s.done)

	inbound := make(chan wire.ControlMessage)
	go s.readLoop(ctx, src, inbound, s.log)

	req, err := s.awaitConnect(ctx, inbound)
	if err != nil {
		s.abort(nil, err)
		return result(err)
	}

	conn, ch, err := s.establish(ctx, req, inbound)
	if err != nil {
		s.abort(conn, err)
		return result(err)
	}

	err = s.interact(ctx, conn, ch, inbound)
	return result(err)
}

func result(err error) error {
	switch reasonFor(err) {
	case ReasonDisconnect, ReasonEOF, ReasonClientGone, ReasonCancelled:
		return nil
	}
	return err
}

// readLoop decodes inbound frames. Malformed frames are logged and dropped.
// inbound is closed when src fails.
func (s *Session) readLoop(ctx context.Context, src FrameSource, inbound chan<- wire.ControlMessage, log zerolog.Logger) {
	defer close(inbound)
	for {
		raw, err := src.ReadFrame(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("client frame source closed")
			return
		}

		msg, err := wire.Decode(raw)
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				log.Warn().Str("type", logging.Sanitize(string(perr.Kind))).Str("error", logging.Sanitize(err.Error())).Msg("dropping malformed frame")
				continue
			}
			log.Warn().Err(err).Msg("dropping frame")
			continue
		}

		select {
		case inbound <- msg:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) awaitConnect(ctx context.Context, inbound <-chan wire.ControlMessage) (*wire.Connect, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil, ErrClientGone
			}
			switch m := msg.(type) {
			case *wire.Connect:
				return m, nil
			case *wire.Disconnect:
				return nil, ErrUserDisconnect
			default:
				s.ignore(msg)
			}
		}
	}
}

func (s *Session) ignore(msg wire.ControlMessage) {
	s.log.Debug().Str("type", string(msg.Kind())).Stringer("state", s.State()).Msg("ignoring message in current state")
}

type handshakeResult struct {
	conn sshtransport.Conn
	ch   sshtransport.Channel
	err  error
}

// establish connects, authenticates and opens the PTY. The handshake runs on
// its own goroutine so a disconnect or a vanished client can abort it; other
// messages received meanwhile are ignored.
func (s *Session) establish(ctx context.Context, req *wire.Connect, inbound <-chan wire.ControlMessage) (sshtransport.Conn, sshtransport.Channel, error) {
	s.info.Host = req.Host
	s.info.Port = req.Port
	s.info.Username = req.Username
	s.info.AuthMethod = req.AuthMethod()
	s.info.Term = req.Term
	if s.info.Term == "" {
		s.info.Term = s.term
	}
	s.info.Cols, s.info.Rows = clamp(req.Cols, req.Rows)
	s.info.StartedAt = time.Now()

	s.log = s.log.With().
		Str("host", logging.Sanitize(req.Address())).
		Str("user", logging.Sanitize(req.Username)).
		Logger()
	s.transition(Connecting)
	s.log.Info().Str("auth", s.info.AuthMethod).Msg("connecting to ssh server")

	hsCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan handshakeResult, 1)
	go func() { results <- s.handshake(hsCtx, req) }()

	abandon := func(cause error) (sshtransport.Conn, sshtransport.Channel, error) {
		cancel()
		r := <-results
		if r.ch != nil {
			r.ch.Close()
		}
		return r.conn, nil, cause
	}

	for {
		select {
		case r := <-results:
			if r.err != nil && ctx.Err() != nil {
				r.err = ctx.Err()
			}
			return r.conn, r.ch, r.err
		case <-ctx.Done():
			return abandon(ctx.Err())
		case msg, ok := <-inbound:
			if !ok {
				return abandon(ErrClientGone)
			}
			if _, isDisconnect := msg.(*wire.Disconnect); isDisconnect {
				return abandon(ErrUserDisconnect)
			}
			s.ignore(msg)
		}
	}
}

func (s *Session) handshake(ctx context.Context, req *wire.Connect) handshakeResult {
	conn, err := s.transport.Connect(ctx, req.Host, req.Port)
	if err != nil {
		return handshakeResult{err: err}
	}
	s.transition(Authenticating)

	cred := sshtransport.Credential{
		Username:   req.Username,
		Password:   req.Password,
		PrivateKey: []byte(req.PrivateKey),
		Passphrase: []byte(req.Passphrase),
	}
	if err := conn.Authenticate(ctx, cred); err != nil {
		return handshakeResult{conn: conn, err: err}
	}

	ch, err := conn.OpenPTY(ctx, sshtransport.PTYRequest{Term: s.info.Term, Cols: s.info.Cols, Rows: s.info.Rows})
	if err != nil {
		return handshakeResult{conn: conn, err: err}
	}
	return handshakeResult{conn: conn, ch: ch}
}

// abort closes a session that never became interactive.
func (s *Session) abort(conn sshtransport.Conn, cause error) {
	if conn != nil {
		conn.Close()
	}
	if reportable(cause) {
		s.outbox.Push(wire.Error(cause.Error()))
		s.observer.SessionFailed(s.info, cause)
		s.log.Warn().Str("reason", string(reasonFor(cause))).Str("error", logging.Sanitize(cause.Error())).Msg("ssh session failed")
	} else {
		s.log.Debug().Str("reason", string(reasonFor(cause))).Msg("session ended before it started")
	}
	s.outbox.Close()
	s.transition(Closed)
}

// interact relays data until the client disconnects, the shell ends or I/O
// fails, then tears the session down.
func (s *Session) interact(ctx context.Context, conn sshtransport.Conn, ch sshtransport.Channel, inbound <-chan wire.ControlMessage) error {
	s.transition(Interactive)
	s.log.Info().Msg("ssh session started")
	s.observer.SessionStarted(s.info)
	s.openRecorder()

	streamEnd := make(chan error, 2)
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		streamEnd <- s.pump(ch.Stdout(), wire.KindStdout)
	}()
	go func() {
		defer pumps.Done()
		streamEnd <- s.pump(ch.Stderr(), wire.KindStderr)
	}()

	cause := s.relayInput(ctx, ch, inbound, streamEnd)
	s.shutdown(conn, ch, &pumps, cause)
	return cause
}

func (s *Session) relayInput(ctx context.Context, ch sshtransport.Channel, inbound <-chan wire.ControlMessage, streamEnd <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-streamEnd:
			return err
		case msg, ok := <-inbound:
			if !ok {
				return ErrClientGone
			}
			switch m := msg.(type) {
			case *wire.Stdin:
				if len(m.Data) == 0 {
					continue
				}
				if _, err := ch.Write(m.Data); err != nil {
					return &IoError{Op: "write stdin", Err: err}
				}
				s.bytesIn.Add(int64(len(m.Data)))
				if s.recorder != nil {
					s.recorder.RecordInput(m.Data)
				}
			case *wire.Resize:
				cols, rows := clamp(m.Cols, m.Rows)
				if err := ch.Resize(cols, rows); err != nil {
					return &IoError{Op: "resize pty", Err: err}
				}
			case *wire.Disconnect:
				return ErrUserDisconnect
			default:
				s.ignore(msg)
			}
		}
	}
}

// pump forwards one output stream to the Outbox until it ends.
func (s *Session) pump(r io.Reader, kind wire.Kind) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.bytesOut.Add(int64(n))
			if s.recorder != nil {
				s.recorder.RecordOutput(data)
			}
			s.outbox.Push(wire.Encode(kind, data))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return &IoError{Op: "read " + string(kind), Err: err}
		}
	}
}

// shutdown is the Closing state: collect the exit status after a clean end
// of stream, close channel and connection, flush what the pumps already
// read, report an I/O failure, then close the Outbox.
func (s *Session) shutdown(conn sshtransport.Conn, ch sshtransport.Channel, pumps *sync.WaitGroup, cause error) {
	s.transition(Closing)

	var exitStatus *int
	if errors.Is(cause, io.EOF) {
		exitStatus = s.awaitExit(ch)
	}

	if err := ch.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close ssh channel")
	}
	if err := conn.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close ssh connection")
	}
	pumps.Wait()

	reason := reasonFor(cause)
	var failure error
	if reportable(cause) {
		failure = cause
		s.outbox.Push(wire.Error(cause.Error()))
	}
	s.outbox.Close()

	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close session recording")
		}
	}

	sum := Summary{
		Duration:   time.Since(s.info.StartedAt),
		BytesIn:    s.bytesIn.Load(),
		BytesOut:   s.bytesOut.Load(),
		Reason:     reason,
		ExitStatus: exitStatus,
		Err:        failure,
	}
	s.transition(Closed)
	s.observer.SessionEnded(s.info, sum)

	ev := s.log.Info()
	if failure != nil {
		ev = s.log.Warn().Str("error", logging.Sanitize(failure.Error()))
	}
	if exitStatus != nil {
		ev = ev.Int("exit_status", *exitStatus)
	}
	ev.Str("reason", string(reason)).
		Str("duration", units.HumanDuration(sum.Duration)).
		Str("sent", units.HumanSize(float64(sum.BytesIn))).
		Str("received", units.HumanSize(float64(sum.BytesOut))).
		Msg("ssh session closed")
}

// awaitExit waits up to the exit timeout for the remote exit status.
func (s *Session) awaitExit(ch sshtransport.Channel) *int {
	waited := make(chan error, 1)
	go func() { waited <- ch.Wait() }()

	timer := time.NewTimer(s.exitWait)
	defer timer.Stop()

	select {
	case err := <-waited:
		var exitErr *sshtransport.ExitError
		switch {
		case err == nil:
			status := 0
			return &status
		case errors.As(err, &exitErr) && exitErr.Signal == "":
			status := exitErr.Status
			return &status
		default:
			s.log.Debug().Err(err).Msg("remote shell ended without exit status")
			return nil
		}
	case <-timer.C:
		return nil
	}
}

func (s *Session) openRecorder() {
	if s.recorders == nil {
		return
	}
	rec, err := s.recorders(s.info)
	if err != nil {
		s.log.Warn().Err(err).Msg("session recording disabled")
		return
	}
	s.recorder = rec
}

// clamp fills in default geometry and bounds it to MaxCols x MaxRows.
func clamp(cols, rows uint16) (uint16, uint16) {
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return cols, rows
}

// String describes the session for debugging.
func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s)", s.id, s.State())
}
