package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"beacon/internal/platform/config"
	"beacon/internal/platform/database"
	"beacon/internal/platform/models"
	"beacon/internal/platform/repositories"
)

// fakeScheduler records retry timers and fires them on demand.
type fakeScheduler struct {
	mu      sync.Mutex
	fns     map[string]func()
	delays  map[string]time.Duration
	history []time.Duration
	stopped bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{fns: map[string]func(){}, delays: map[string]time.Duration{}}
}

func (f *fakeScheduler) Schedule(id string, delay time.Duration, fn func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return false
	}
	f.fns[id] = fn
	f.delays[id] = delay
	f.history = append(f.history, delay)
	return true
}

func (f *fakeScheduler) ScheduleIfAbsent(id string, delay time.Duration, fn func()) bool {
	f.mu.Lock()
	_, ok := f.fns[id]
	f.mu.Unlock()
	if ok {
		return false
	}
	return f.Schedule(id, delay, fn)
}

func (f *fakeScheduler) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.fns[id]
	delete(f.fns, id)
	delete(f.delays, id)
	return ok
}

func (f *fakeScheduler) Pending(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.fns[id]
	return ok
}

func (f *fakeScheduler) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

func (f *fakeScheduler) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.fns = map[string]func(){}
}

func (f *fakeScheduler) Delay(id string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delays[id]
}

func (f *fakeScheduler) History() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.history...)
}

// Fire runs the pending callback for id as if its timer expired.
func (f *fakeScheduler) Fire(id string) bool {
	f.mu.Lock()
	fn, ok := f.fns[id]
	delete(f.fns, id)
	delete(f.delays, id)
	f.mu.Unlock()
	if ok {
		fn()
	}
	return ok
}

type received struct {
	header http.Header
	body   []byte
}

// receiver is a webhook endpoint answering with statuses in order; the last
// status repeats.
type receiver struct {
	mu       sync.Mutex
	requests []received
	statuses []int
	respBody string
	hold     chan struct{}
	srv      *httptest.Server
}

func newReceiver(t *testing.T, statuses ...int) *receiver {
	t.Helper()
	if len(statuses) == 0 {
		statuses = []int{http.StatusOK}
	}
	r := &receiver{statuses: statuses}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)

		r.mu.Lock()
		r.requests = append(r.requests, received{header: req.Header.Clone(), body: body})
		status := r.statuses[0]
		if len(r.statuses) > 1 {
			r.statuses = r.statuses[1:]
		}
		respBody, hold := r.respBody, r.hold
		r.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-req.Context().Done():
				return
			}
		}
		w.WriteHeader(status)
		io.WriteString(w, respBody)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *receiver) URL() string { return r.srv.URL + "/hook" }

func (r *receiver) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *receiver) Requests() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.requests...)
}

// unreachableURL returns the address of a server that is no longer listening.
func unreachableURL() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/hook"
	srv.Close()
	return url
}

type harness struct {
	webhooks   *repositories.WebhookRepository
	deliveries *repositories.DeliveryRepository
	scheduler  *fakeScheduler
	sender     *Sender
	dispatcher *Dispatcher
	registry   *Registry
	ledger     *Ledger
}

func newHarness(t *testing.T, mutate ...func(*SenderConfig)) *harness {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{Path: ":memory:", MaxConnections: 1})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	h := &harness{
		webhooks:   repositories.NewWebhookRepository(db, nil),
		deliveries: repositories.NewDeliveryRepository(db),
		scheduler:  newFakeScheduler(),
	}

	logger := zerolog.Nop()
	cfg := SenderConfig{
		Webhooks:             h.webhooks,
		Deliveries:           h.deliveries,
		Scheduler:            h.scheduler,
		MaxResponseBodyBytes: 1024,
		Logger:               &logger,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	h.sender = NewSender(cfg)
	h.dispatcher = NewDispatcher(h.webhooks, h.deliveries, h.sender).WithLogger(logger)
	h.registry = NewRegistry(h.webhooks, h.sender, DefaultLimits)
	h.ledger = NewLedger(h.webhooks, h.deliveries)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.sender.Shutdown(ctx)
		db.Close()
	})
	return h
}

func (h *harness) createWebhook(t *testing.T, tenantID, url string, maxAttempts int, events ...string) *models.Webhook {
	t.Helper()
	w, err := h.registry.Create(context.Background(), tenantID, CreateInput{
		URL:         url,
		Events:      events,
		RetryPolicy: &RetryPolicyInput{MaxAttempts: &maxAttempts},
	})
	require.NoError(t, err)
	return w
}

// waitStatus polls the ledger until the delivery reaches status with the given
// attempt count.
func (h *harness) waitStatus(t *testing.T, tenantID, deliveryID string, status models.DeliveryStatus, attempt int) *models.Delivery {
	t.Helper()
	var got *models.Delivery
	require.Eventually(t, func() bool {
		d, err := h.deliveries.GetByID(context.Background(), tenantID, deliveryID)
		if err != nil {
			return false
		}
		got = d
		return d.Status == status && d.Attempt == attempt
	}, 3*time.Second, 10*time.Millisecond, "delivery %s never reached %s/%d", deliveryID, status, attempt)
	return got
}

func strPtr(s string) *string { return &s }
