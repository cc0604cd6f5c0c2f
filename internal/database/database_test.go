package database

import (
	"path/filepath"
	"testing"
)

func TestOpen_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "webssh.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer Close(db)

	status := 2
	rec := SessionAuditLog{SessionID: "s1", EventType: "session_end", Host: "db1", ExitStatus: &status}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	var loaded SessionAuditLog
	if err := db.First(&loaded, rec.ID).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.SessionID != "s1" || loaded.ExitStatus == nil || *loaded.ExitStatus != 2 {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	var mode string
	if err := db.Raw("PRAGMA journal_mode").Scan(&mode).Error; err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestClose_Nil(t *testing.T) {
	if err := Close(nil); err != nil {
		t.Errorf("Close(nil) = %v", err)
	}
}
