// Package audit records terminal session events to the database.
//
// Auditor implements bridge.Observer so every session reports its start,
// failure or end without the bridge knowing about storage. Old entries are
// purged on a cron schedule by StartRetention.
package audit

import (
	"errors"
	"net"
	"time"

	"github.com/gluk-w/webssh/internal/bridge"
	"github.com/gluk-w/webssh/internal/database"
	"github.com/gluk-w/webssh/internal/logging"
	"github.com/gluk-w/webssh/internal/sshtransport"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Event types.
const (
	EventSessionStart  = "session_start"
	EventSessionEnd    = "session_end"
	EventConnectFailed = "connect_failed"
	EventAuthFailed    = "auth_failed"
	EventPTYFailed     = "pty_failed"
)

// DefaultRetentionDays is used when no retention period is configured.
const DefaultRetentionDays = 90

// Entry contains the fields of one audit record.
type Entry struct {
	SessionID  string
	EventType  string
	Host       string
	Port       int
	Username   string
	SourceIP   string
	AuthMethod string
	Reason     string
	Details    string
	DurationMs int64
	BytesIn    int64
	BytesOut   int64
	ExitStatus *int
}

// Auditor writes and queries audit records.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
	log           zerolog.Logger
}

// NewAuditor returns an Auditor writing to db. If retentionDays <= 0,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int, log zerolog.Logger) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
		log:           log,
	}
}

// Log stores one event.
func (a *Auditor) Log(e Entry) error {
	record := database.SessionAuditLog{
		SessionID:  e.SessionID,
		EventType:  e.EventType,
		Host:       e.Host,
		Port:       e.Port,
		Username:   e.Username,
		SourceIP:   e.SourceIP,
		AuthMethod: e.AuthMethod,
		Reason:     e.Reason,
		Details:    e.Details,
		DurationMs: e.DurationMs,
		BytesIn:    e.BytesIn,
		BytesOut:   e.BytesOut,
		ExitStatus: e.ExitStatus,
		CreatedAt:  a.nowFn(),
	}
	if err := a.db.Create(&record).Error; err != nil {
		a.log.Error().Err(err).Str("event", e.EventType).Msg("failed to write audit log")
		return err
	}

	a.log.Debug().
		Str("event", e.EventType).
		Str("session_id", e.SessionID).
		Str("host", logging.Sanitize(e.Host)).
		Str("user", logging.Sanitize(e.Username)).
		Str("ip", e.SourceIP).
		Msg("audit")
	return nil
}

// QueryOptions filters Query results. Zero values match everything.
type QueryOptions struct {
	SessionID string
	EventType string
	Host      string
	Username  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult is one page of audit records, newest first.
type QueryResult struct {
	Entries []database.SessionAuditLog `json:"entries"`
	Total   int64                      `json:"total"`
	Limit   int                        `json:"limit"`
	Offset  int                        `json:"offset"`
}

// Query returns records matching opts. Limit defaults to 50 and is capped
// at 1000.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.SessionAuditLog{})

	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Host != "" {
		tx = tx.Where("host = ?", opts.Host)
	}
	if opts.Username != "" {
		tx = tx.Where("username = ?", opts.Username)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.SessionAuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan deletes records older than days, or than the configured
// retention period when days <= 0. It returns the number of deleted rows.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.SessionAuditLog{})
	if result.Error != nil {
		a.log.Error().Err(result.Error).Msg("audit purge failed")
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		a.log.Info().Int64("deleted", result.RowsAffected).Int("days", days).Msg("purged old audit log entries")
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int { return a.retentionDays }

// SetNowFunc replaces the clock, for tests.
func (a *Auditor) SetNowFunc(fn func() time.Time) { a.nowFn = fn }

func entryFor(info bridge.SessionInfo, event string) Entry {
	return Entry{
		SessionID:  info.ID,
		EventType:  event,
		Host:       info.Host,
		Port:       info.Port,
		Username:   info.Username,
		SourceIP:   sourceIP(info.RemoteAddr),
		AuthMethod: info.AuthMethod,
	}
}

func sourceIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// SessionStarted implements bridge.Observer.
func (a *Auditor) SessionStarted(info bridge.SessionInfo) {
	a.Log(entryFor(info, EventSessionStart))
}

// SessionFailed implements bridge.Observer.
func (a *Auditor) SessionFailed(info bridge.SessionInfo, err error) {
	event := EventPTYFailed
	var (
		connErr *sshtransport.ConnectError
		authErr *sshtransport.AuthError
	)
	switch {
	case errors.As(err, &connErr):
		event = EventConnectFailed
	case errors.As(err, &authErr):
		event = EventAuthFailed
	}

	e := entryFor(info, event)
	e.Details = err.Error()
	a.Log(e)
}

// SessionEnded implements bridge.Observer.
func (a *Auditor) SessionEnded(info bridge.SessionInfo, sum bridge.Summary) {
	e := entryFor(info, EventSessionEnd)
	e.Reason = string(sum.Reason)
	e.DurationMs = sum.Duration.Milliseconds()
	e.BytesIn = sum.BytesIn
	e.BytesOut = sum.BytesOut
	e.ExitStatus = sum.ExitStatus
	if sum.Err != nil {
		e.Details = sum.Err.Error()
	}
	a.Log(e)
}

var _ bridge.Observer = (*Auditor)(nil)
