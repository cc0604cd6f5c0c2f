package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/webssh/internal/audit"
)

// AuditLog lists session audit records. Query parameters: session_id,
// event_type, host, username, since and until (RFC 3339), limit, offset.
type AuditLog struct {
	Auditor *audit.Auditor
}

func (h AuditLog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := audit.QueryOptions{
		SessionID: q.Get("session_id"),
		EventType: q.Get("event_type"),
		Host:      q.Get("host"),
		Username:  q.Get("username"),
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+p.name+" timestamp")
			return
		}
		*p.dst = &ts
	}

	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &opts.Limit}, {"offset", &opts.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid "+p.name)
			return
		}
		*p.dst = n
	}

	res, err := h.Auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
