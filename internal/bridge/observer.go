package bridge

import "time"

// SessionInfo identifies a session once the client has asked to connect.
// It never carries credentials.
type SessionInfo struct {
	ID         string
	RemoteAddr string
	Host       string
	Port       int
	Username   string
	AuthMethod string
	Term       string
	Cols, Rows uint16
	StartedAt  time.Time
}

// Summary describes a session that reached Interactive and then ended.
type Summary struct {
	Duration time.Duration
	// BytesIn counts stdin bytes written to the remote shell.
	BytesIn int64
	// BytesOut counts stdout and stderr bytes read from it.
	BytesOut int64
	Reason   CloseReason
	// ExitStatus is the remote shell's exit status, nil when unknown.
	ExitStatus *int
	// Err is the failure that ended the session, nil for clean endings.
	Err error
}

// Observer receives session lifecycle events. Methods are called from the
// session's goroutine and should not block for long.
type Observer interface {
	// SessionStarted is called when the shell is ready.
	SessionStarted(info SessionInfo)
	// SessionFailed is called when connecting, authenticating or opening
	// the PTY fails.
	SessionFailed(info SessionInfo, err error)
	// SessionEnded is called once a started session is closed.
	SessionEnded(info SessionInfo, sum Summary)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) SessionStarted(SessionInfo)        {}
func (NopObserver) SessionFailed(SessionInfo, error)  {}
func (NopObserver) SessionEnded(SessionInfo, Summary) {}

// Recorder captures terminal I/O of one session. RecordOutput may be called
// from several goroutines at once.
type Recorder interface {
	RecordOutput(data []byte)
	RecordInput(data []byte)
	Close() error
}

// RecorderFactory opens a Recorder for a session that just started.
type RecorderFactory func(info SessionInfo) (Recorder, error)
