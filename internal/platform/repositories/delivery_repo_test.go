package repositories

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"beacon/internal/platform/models"
)

func seedDelivery(t *testing.T, ctx context.Context, webhooks *WebhookRepository, deliveries *DeliveryRepository) (*models.Webhook, *models.Delivery) {
	t.Helper()
	w := newWebhook("tenant_a", "agent.created")
	if err := webhooks.Create(ctx, w); err != nil {
		t.Fatal(err)
	}
	d := &models.Delivery{
		WebhookID: w.ID,
		TenantID:  "tenant_a",
		EventID:   "evt_1",
		EventType: "agent.created",
		Payload:   []byte(`{"id":"evt_1","type":"agent.created"}`),
	}
	if err := deliveries.Create(ctx, d); err != nil {
		t.Fatal(err)
	}
	return w, d
}

func TestDeliveryRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	webhooks := NewWebhookRepository(db, nil)
	repo := NewDeliveryRepository(db)

	_, d := seedDelivery(t, ctx, webhooks, repo)

	got, err := repo.GetByID(ctx, "tenant_a", d.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != models.DeliveryPending || got.Attempt != 0 {
		t.Errorf("status=%s attempt=%d, want pending/0", got.Status, got.Attempt)
	}
	if string(got.Payload) != `{"id":"evt_1","type":"agent.created"}` {
		t.Errorf("Payload = %s", got.Payload)
	}
	if got.NextRetryAt != nil || got.StatusCode != nil {
		t.Errorf("unexpected outcome fields on new delivery: %+v", got)
	}

	if _, err := repo.GetByID(ctx, "tenant_b", d.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("cross-tenant GetByID() error = %v", err)
	}

	byEvent, err := repo.ListByEvent(ctx, "tenant_a", "evt_1")
	if err != nil || len(byEvent) != 1 {
		t.Errorf("ListByEvent() = %v, %v", byEvent, err)
	}
}

func TestDeliveryRepository_RecordAttempt(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	webhooks := NewWebhookRepository(db, nil)
	repo := NewDeliveryRepository(db)

	w, d := seedDelivery(t, ctx, webhooks, repo)

	next := int64(2000)
	code := 503
	err := repo.RecordAttempt(ctx, models.AttemptRecord{
		DeliveryID:     d.ID,
		WebhookID:      w.ID,
		PriorAttempt:   0,
		Status:         models.DeliveryRetrying,
		Attempt:        1,
		NextRetryAt:    &next,
		StatusCode:     &code,
		ResponseBody:   "unavailable",
		ResponseTimeMs: 12,
		ErrorMessage:   "HTTP 503",
		At:             1000,
		UpdateHealth:   true,
	})
	if err != nil {
		t.Fatalf("RecordAttempt(retrying) error = %v", err)
	}

	got, _ := repo.GetByID(ctx, "tenant_a", d.ID)
	if got.Status != models.DeliveryRetrying || got.Attempt != 1 || got.NextRetryAt == nil || *got.NextRetryAt != 2000 {
		t.Errorf("unexpected delivery after failure: %+v", got)
	}
	hook, _ := webhooks.GetByID(ctx, "tenant_a", w.ID)
	if hook.ConsecutiveFailures != 1 || hook.LastError != "HTTP 503" || hook.LastFailedAt == nil {
		t.Errorf("unexpected health after failure: %+v", hook)
	}

	// stale writer still holding attempt 0
	err = repo.RecordAttempt(ctx, models.AttemptRecord{
		DeliveryID: d.ID, WebhookID: w.ID, PriorAttempt: 0,
		Status: models.DeliveryFailed, Attempt: 1, At: 1001, UpdateHealth: true,
	})
	if !errors.Is(err, models.ErrStaleDelivery) {
		t.Errorf("stale RecordAttempt() error = %v, want ErrStaleDelivery", err)
	}
	hook, _ = webhooks.GetByID(ctx, "tenant_a", w.ID)
	if hook.ConsecutiveFailures != 1 {
		t.Errorf("stale write changed health counters: %d", hook.ConsecutiveFailures)
	}

	ok := 200
	err = repo.RecordAttempt(ctx, models.AttemptRecord{
		DeliveryID: d.ID, WebhookID: w.ID, PriorAttempt: 1,
		Status: models.DeliverySuccess, Attempt: 2, StatusCode: &ok, At: 3000, UpdateHealth: true,
	})
	if err != nil {
		t.Fatalf("RecordAttempt(success) error = %v", err)
	}
	got, _ = repo.GetByID(ctx, "tenant_a", d.ID)
	if got.Status != models.DeliverySuccess || got.NextRetryAt != nil || got.DeliveredAt == nil || *got.DeliveredAt != 3000 || got.ErrorMessage != "" {
		t.Errorf("unexpected delivery after success: %+v", got)
	}
	hook, _ = webhooks.GetByID(ctx, "tenant_a", w.ID)
	if hook.ConsecutiveFailures != 0 || hook.LastError != "" || hook.LastDeliveredAt == nil {
		t.Errorf("unexpected health after success: %+v", hook)
	}

	// terminal rows are never overwritten
	err = repo.RecordAttempt(ctx, models.AttemptRecord{
		DeliveryID: d.ID, WebhookID: w.ID, PriorAttempt: 2,
		Status: models.DeliveryFailed, Attempt: 3, At: 4000,
	})
	if !errors.Is(err, models.ErrStaleDelivery) {
		t.Errorf("RecordAttempt() on success row error = %v", err)
	}
}

func TestDeliveryRepository_RecordAttemptWithoutHealth(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	webhooks := NewWebhookRepository(db, nil)
	repo := NewDeliveryRepository(db)

	w, d := seedDelivery(t, ctx, webhooks, repo)

	err := repo.RecordAttempt(ctx, models.AttemptRecord{
		DeliveryID: d.ID, WebhookID: w.ID, PriorAttempt: 0,
		Status: models.DeliveryFailed, Attempt: 1, ErrorMessage: "connection refused", At: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	hook, _ := webhooks.GetByID(ctx, "tenant_a", w.ID)
	if hook.ConsecutiveFailures != 0 || hook.LastError != "" {
		t.Errorf("health changed without UpdateHealth: %+v", hook)
	}
}

func TestDeliveryRepository_ResetAndListRetrying(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	webhooks := NewWebhookRepository(db, nil)
	repo := NewDeliveryRepository(db)

	w, d := seedDelivery(t, ctx, webhooks, repo)
	next := int64(50)
	repo.RecordAttempt(ctx, models.AttemptRecord{
		DeliveryID: d.ID, WebhookID: w.ID, Status: models.DeliveryRetrying,
		Attempt: 1, NextRetryAt: &next, ErrorMessage: "timeout", At: 10,
	})

	retrying, err := repo.ListRetrying(ctx, nil, 10)
	if err != nil || len(retrying) != 1 || retrying[0].ID != d.ID {
		t.Fatalf("ListRetrying() = %v, %v", retrying, err)
	}

	w.Enabled = false
	if err := webhooks.Update(ctx, w); err != nil {
		t.Fatal(err)
	}
	if retrying, _ := repo.ListRetrying(ctx, nil, 10); len(retrying) != 0 {
		t.Errorf("ListRetrying() included a disabled webhook: %d rows", len(retrying))
	}

	listed, _ := repo.ListByWebhook(ctx, "tenant_a", w.ID, models.DeliveryFilter{Status: models.DeliveryRetrying})
	if len(listed) != 1 {
		t.Errorf("ListByWebhook(retrying) returned %d", len(listed))
	}

	if err := repo.ResetForRetry(ctx, "tenant_a", d.ID); err != nil {
		t.Fatalf("ResetForRetry() error = %v", err)
	}
	got, _ := repo.GetByID(ctx, "tenant_a", d.ID)
	if got.Status != models.DeliveryPending || got.Attempt != 0 || got.NextRetryAt != nil || got.ErrorMessage != "" {
		t.Errorf("unexpected delivery after reset: %+v", got)
	}

	if err := repo.ResetForRetry(ctx, "tenant_b", d.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("cross-tenant ResetForRetry() error = %v", err)
	}
}

func TestDeliveryRepository_RecordAttemptIsOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewDeliveryRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE webhook_deliveries`)).
		WithArgs(models.DeliveryFailed, 3, nil, nil, nil, int64(0), "HTTP 500", nil, int64(99), "dlv_1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE webhooks SET consecutive_failures = consecutive_failures + 1, last_failed_at = ?, last_error = ? WHERE id = ?`)).
		WithArgs(int64(99), "HTTP 500", "wh_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = repo.RecordAttempt(context.Background(), models.AttemptRecord{
		DeliveryID:   "dlv_1",
		WebhookID:    "wh_1",
		PriorAttempt: 2,
		Status:       models.DeliveryFailed,
		Attempt:      3,
		ErrorMessage: "HTTP 500",
		At:           99,
		UpdateHealth: true,
	})
	if err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestDeliveryRepository_RecordAttemptRollsBackOnHealthError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	repo := NewDeliveryRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE webhook_deliveries`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE webhooks SET consecutive_failures = 0`)).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	ok := 204
	err = repo.RecordAttempt(context.Background(), models.AttemptRecord{
		DeliveryID: "dlv_1", WebhookID: "wh_1", Status: models.DeliverySuccess,
		Attempt: 1, StatusCode: &ok, At: 5, UpdateHealth: true,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestDeliveryRepository_ListRetryingPages(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	webhooks := NewWebhookRepository(db, nil)
	repo := NewDeliveryRepository(db)

	w := newWebhook("tenant_a", "agent.created")
	if err := webhooks.Create(ctx, w); err != nil {
		t.Fatal(err)
	}
	// two rows share each next_retry_at so pages split ties
	var want []string
	for i := 0; i < 7; i++ {
		d := &models.Delivery{WebhookID: w.ID, TenantID: "tenant_a", EventID: "evt_1", EventType: "agent.created", Payload: []byte(`{}`)}
		if err := repo.Create(ctx, d); err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec(`UPDATE webhook_deliveries SET status = 'retrying', attempt = 1, next_retry_at = ? WHERE id = ?`, 100+i/2, d.ID); err != nil {
			t.Fatal(err)
		}
		want = append(want, d.ID)
	}

	seen := map[string]bool{}
	var cursor *models.DeliveryCursor
	pages := 0
	for {
		page, err := repo.ListRetrying(ctx, cursor, 3)
		if err != nil {
			t.Fatalf("ListRetrying() error = %v", err)
		}
		pages++
		for _, d := range page {
			if seen[d.ID] {
				t.Errorf("delivery %s returned twice", d.ID)
			}
			seen[d.ID] = true
		}
		if len(page) < 3 {
			break
		}
		last := page[len(page)-1]
		cursor = &models.DeliveryCursor{Key: *last.NextRetryAt, ID: last.ID}
	}

	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	for _, id := range want {
		if !seen[id] {
			t.Errorf("delivery %s never listed", id)
		}
	}
}

func TestDeliveryRepository_ListStalePending(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	webhooks := NewWebhookRepository(db, nil)
	repo := NewDeliveryRepository(db)

	w, stale := seedDelivery(t, ctx, webhooks, repo)
	fresh := &models.Delivery{WebhookID: w.ID, TenantID: "tenant_a", EventID: "evt_2", EventType: "agent.created", Payload: []byte(`{}`)}
	test := &models.Delivery{WebhookID: w.ID, TenantID: "tenant_a", EventID: "evt_3", EventType: "webhook.test", Payload: []byte(`{}`), IsTest: true}
	if err := repo.CreateBatch(ctx, []*models.Delivery{fresh, test}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`UPDATE webhook_deliveries SET updated_at = 100 WHERE id IN (?, ?)`, stale.ID, test.ID); err != nil {
		t.Fatal(err)
	}

	got, err := repo.ListStalePending(ctx, 1000, nil, 10)
	if err != nil {
		t.Fatalf("ListStalePending() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Fatalf("ListStalePending() = %v, want only %s", got, stale.ID)
	}

	next, err := repo.ListStalePending(ctx, 1000, &models.DeliveryCursor{Key: got[0].UpdatedAt, ID: got[0].ID}, 10)
	if err != nil || len(next) != 0 {
		t.Errorf("second page = %v, %v; want empty", next, err)
	}

	w.Enabled = false
	if err := webhooks.Update(ctx, w); err != nil {
		t.Fatal(err)
	}
	if got, _ := repo.ListStalePending(ctx, 1000, nil, 10); len(got) != 0 {
		t.Errorf("ListStalePending() included a disabled webhook: %d rows", len(got))
	}
}
