package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"beacon/internal/platform/config"
	"beacon/internal/platform/database"
)

func TestLogger_LogAndList(t *testing.T) {
	db, err := database.Open(config.DatabaseConfig{Path: ":memory:", MaxConnections: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	l := NewLogger(db)
	ts := int64(1700000000)
	l.now = func() time.Time { ts++; return time.Unix(ts, 0) }

	actor := Actor{TenantID: "tenant_a", Subject: "svc", IPAddress: "10.0.0.1:1234", UserAgent: "curl"}
	ctx := context.Background()
	l.Log(ctx, actor, ActionWebhookCreated, "webhook", "wh_1", map[string]interface{}{"url": "https://example.com"})
	l.Log(ctx, actor, ActionWebhookDeleted, "webhook", "wh_1", nil)
	l.Log(ctx, Actor{TenantID: "tenant_b"}, ActionWebhookCreated, "webhook", "wh_2", nil)

	logs, err := l.List(ctx, "tenant_a", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(logs))
	}
	if logs[0].Action != ActionWebhookDeleted {
		t.Errorf("newest action = %q, want %q", logs[0].Action, ActionWebhookDeleted)
	}
	if logs[1].Metadata["url"] != "https://example.com" {
		t.Errorf("metadata = %v, want url", logs[1].Metadata)
	}
	if logs[1].Subject != "svc" || logs[1].UserAgent != "curl" {
		t.Errorf("actor fields not stored: %+v", logs[1])
	}
}

func TestLogger_WriteFailureIsSwallowed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(context.DeadlineExceeded)

	NewLogger(db).Log(context.Background(), Actor{TenantID: "tenant_a"}, ActionWebhookUpdated, "webhook", "wh_1", nil)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLogger_NilIsNoop(t *testing.T) {
	var l *Logger
	l.Log(context.Background(), Actor{}, ActionWebhookCreated, "webhook", "wh_1", nil)
}
