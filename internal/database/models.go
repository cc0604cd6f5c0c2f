package database

import "time"

// SessionAuditLog is one audit event of a browser terminal session.
type SessionAuditLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"index;not null;size:64" json:"session_id"`
	EventType  string    `gorm:"index;not null;size:32" json:"event_type"`
	Host       string    `gorm:"index" json:"host"`
	Port       int       `json:"port"`
	Username   string    `gorm:"index;size:64" json:"username"`
	SourceIP   string    `json:"source_ip"`
	AuthMethod string    `json:"auth_method"`
	Reason     string    `json:"reason,omitempty"`
	Details    string    `gorm:"type:text" json:"details,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	BytesIn    int64     `json:"bytes_in"`
	BytesOut   int64     `json:"bytes_out"`
	ExitStatus *int      `json:"exit_status,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
