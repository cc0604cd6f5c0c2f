package handlers

import (
	"context"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/webssh/internal/bridge"
	"github.com/gluk-w/webssh/internal/logging"
	"github.com/gluk-w/webssh/internal/sshtransport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second

	defaultMaxFrameBytes = 1 << 20
	defaultInputRate     = 200
	defaultInputBurst    = 200
)

// Terminal is the WebSocket endpoint that bridges one browser terminal to
// one SSH session.
//
// The socket's read half feeds the session through a rate-limited frame
// source. Its write half belongs to a writer pump that drains the session's
// Outbox; the pump is the only goroutine writing to the socket.
type Terminal struct {
	Transport sshtransport.Transport
	Observer  bridge.Observer
	Recorders bridge.RecorderFactory
	Logger    zerolog.Logger

	// OriginPatterns restricts cross-origin upgrades; "*" allows any origin.
	OriginPatterns []string
	// MaxFrameBytes is the largest accepted inbound message. Bigger
	// messages close the socket with status 1009.
	MaxFrameBytes int64
	// InputRate and InputBurst bound inbound frames per second. Frames over
	// the limit are dropped.
	InputRate  rate.Limit
	InputBurst int

	DefaultTerm string
}

func (h *Terminal) acceptOptions() *websocket.AcceptOptions {
	if len(h.OriginPatterns) == 0 || slices.Contains(h.OriginPatterns, "*") {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns}
}

func (h *Terminal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	log := h.Logger.With().
		Str("session_id", id).
		Str("remote", logging.Sanitize(r.RemoteAddr)).
		Logger()

	conn, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		log.Warn().Err(err).Msg("failed to accept terminal websocket")
		return
	}
	defer conn.CloseNow()

	maxFrame := h.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = defaultMaxFrameBytes
	}
	conn.SetReadLimit(maxFrame)

	ctx := r.Context()
	outbox := bridge.NewOutbox()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		writePump(ctx, conn, outbox, log)
	}()

	sess, err := bridge.New(bridge.Options{
		ID:          id,
		RemoteAddr:  r.RemoteAddr,
		Transport:   h.Transport,
		Outbox:      outbox,
		Logger:      log,
		Observer:    h.Observer,
		Recorders:   h.Recorders,
		DefaultTerm: h.DefaultTerm,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create terminal session")
		outbox.Close()
		<-pumpDone
		conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}

	log.Info().Msg("terminal websocket connected")
	src := newFrameSource(conn, h.limiter(), log)
	if err := sess.Run(ctx, src); err != nil {
		log.Info().Err(err).Stringer("session", sess).Msg("terminal session ended with error")
	}

	// Run closed the outbox; wait for the pump to flush it before closing.
	<-pumpDone
	conn.Close(websocket.StatusNormalClosure, "session closed")
	// Frames left in the outbox were not delivered because a write failed.
	log.Info().
		Int64("dropped_frames", src.dropped.Load()).
		Int("undelivered_frames", outbox.Len()).
		Msg("terminal websocket closed")
}

func (h *Terminal) limiter() *rate.Limiter {
	limit, burst := h.InputRate, h.InputBurst
	if limit <= 0 {
		limit = defaultInputRate
	}
	if burst <= 0 {
		burst = defaultInputBurst
	}
	return rate.NewLimiter(limit, burst)
}

// writePump is the sole writer to conn. It stops at the first failed write
// or once the outbox is closed and drained.
func writePump(ctx context.Context, conn *websocket.Conn, outbox *bridge.Outbox, log zerolog.Logger) {
	for {
		frame, ok := outbox.Next(ctx)
		if !ok {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, writeWait)
		err := conn.Write(wctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			log.Debug().Err(err).Msg("websocket write failed, stopping writer")
			// The reader sees the closed socket and ends the session.
			conn.CloseNow()
			return
		}
	}
}

// frameSource is the read half of the socket.
type frameSource struct {
	conn    *websocket.Conn
	limiter *rate.Limiter
	log     zerolog.Logger
	dropped atomic.Int64
}

func newFrameSource(conn *websocket.Conn, limiter *rate.Limiter, log zerolog.Logger) *frameSource {
	return &frameSource{conn: conn, limiter: limiter, log: log}
}

// ReadFrame returns the next message within the rate limit.
func (s *frameSource) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if !s.limiter.Allow() {
			n := s.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				s.log.Warn().Int64("dropped", n).Msg("terminal input rate limit exceeded, dropping frames")
			}
			continue
		}
		return data, nil
	}
}
