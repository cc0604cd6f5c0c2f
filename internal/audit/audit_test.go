package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gluk-w/webssh/internal/bridge"
	"github.com/gluk-w/webssh/internal/database"
	"github.com/gluk-w/webssh/internal/sshtransport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { database.Close(db) })
	return db
}

func newTestAuditor(t *testing.T) *Auditor {
	t.Helper()
	return NewAuditor(setupTestDB(t), 30, zerolog.Nop())
}

var testInfo = bridge.SessionInfo{
	ID:         "sess-1",
	RemoteAddr: "198.51.100.7:40022",
	Host:       "db1",
	Port:       2200,
	Username:   "alice",
	AuthMethod: "password",
}

func TestNewAuditor_DefaultRetention(t *testing.T) {
	a := NewAuditor(setupTestDB(t), 0, zerolog.Nop())
	assert.Equal(t, DefaultRetentionDays, a.RetentionDays())
}

func TestAuditor_ObserverLifecycle(t *testing.T) {
	a := newTestAuditor(t)

	a.SessionStarted(testInfo)
	status := 0
	a.SessionEnded(testInfo, bridge.Summary{
		Duration:   90 * time.Second,
		BytesIn:    12,
		BytesOut:   4096,
		Reason:     bridge.ReasonEOF,
		ExitStatus: &status,
	})

	res, err := a.Query(QueryOptions{SessionID: "sess-1"})
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Total)

	byType := map[string]database.SessionAuditLog{}
	for _, e := range res.Entries {
		byType[e.EventType] = e
	}

	start := byType[EventSessionStart]
	assert.Equal(t, "db1", start.Host)
	assert.Equal(t, 2200, start.Port)
	assert.Equal(t, "alice", start.Username)
	assert.Equal(t, "198.51.100.7", start.SourceIP)
	assert.Equal(t, "password", start.AuthMethod)

	end := byType[EventSessionEnd]
	assert.Equal(t, "eof", end.Reason)
	assert.EqualValues(t, 90000, end.DurationMs)
	assert.EqualValues(t, 12, end.BytesIn)
	assert.EqualValues(t, 4096, end.BytesOut)
	require.NotNil(t, end.ExitStatus)
	assert.Equal(t, 0, *end.ExitStatus)
	assert.Empty(t, end.Details)
}

func TestAuditor_SessionFailedEventTypes(t *testing.T) {
	a := newTestAuditor(t)

	a.SessionFailed(testInfo, &sshtransport.ConnectError{Addr: "db1:2200", Err: errors.New("connection refused")})
	a.SessionFailed(testInfo, &sshtransport.AuthError{User: "alice", Addr: "db1:2200", Err: errors.New("permission denied")})
	a.SessionFailed(testInfo, &sshtransport.ChannelError{Op: "request pty", Err: errors.New("denied")})

	for _, event := range []string{EventConnectFailed, EventAuthFailed, EventPTYFailed} {
		res, err := a.Query(QueryOptions{EventType: event})
		require.NoError(t, err)
		require.EqualValues(t, 1, res.Total, event)
		assert.NotEmpty(t, res.Entries[0].Details, event)
	}

	res, err := a.Query(QueryOptions{EventType: EventAuthFailed})
	require.NoError(t, err)
	assert.Contains(t, res.Entries[0].Details, "permission denied")
}

func TestAuditor_QueryFiltersAndPagination(t *testing.T) {
	a := newTestAuditor(t)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		a.SetNowFunc(func() time.Time { return base.Add(time.Duration(i) * time.Hour) })
		user := "alice"
		if i%2 == 1 {
			user = "bob"
		}
		require.NoError(t, a.Log(Entry{SessionID: "s", EventType: EventSessionStart, Host: "db1", Username: user}))
	}

	res, err := a.Query(QueryOptions{Username: "bob"})
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.Total)

	res, err = a.Query(QueryOptions{Limit: 3, Offset: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 10, res.Total)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, base.Add(7*time.Hour).Unix(), res.Entries[0].CreatedAt.Unix(), "newest first")

	since := base.Add(5 * time.Hour)
	until := base.Add(7 * time.Hour)
	res, err = a.Query(QueryOptions{Since: &since, Until: &until})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Total)

	res, err = a.Query(QueryOptions{Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, 1000, res.Limit)

	res, err = a.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 50, res.Limit)
}

func TestAuditor_PurgeOlderThan(t *testing.T) {
	a := newTestAuditor(t)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	a.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -45) })
	require.NoError(t, a.Log(Entry{SessionID: "old", EventType: EventSessionEnd}))
	a.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -10) })
	require.NoError(t, a.Log(Entry{SessionID: "recent", EventType: EventSessionEnd}))

	a.SetNowFunc(func() time.Time { return now })
	deleted, err := a.PurgeOlderThan(0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	res, err := a.Query(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "recent", res.Entries[0].SessionID)

	deleted, err = a.PurgeOlderThan(5)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestStartRetention_InvalidSchedule(t *testing.T) {
	_, err := StartRetention(newTestAuditor(t), "every tuesday-ish")
	assert.Error(t, err)
}

func TestStartRetention_Purges(t *testing.T) {
	a := newTestAuditor(t)
	a.SetNowFunc(func() time.Time { return time.Now().AddDate(0, 0, -60) })
	require.NoError(t, a.Log(Entry{SessionID: "stale", EventType: EventSessionEnd}))
	a.SetNowFunc(time.Now)

	r, err := StartRetention(a, "@every 1s")
	require.NoError(t, err)
	defer r.Stop(context.Background())

	assert.Eventually(t, func() bool {
		res, err := a.Query(QueryOptions{})
		return err == nil && res.Total == 0
	}, 5*time.Second, 100*time.Millisecond)
}
