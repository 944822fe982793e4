package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lighthook/lighthook/internal/deliverylog"
	"github.com/lighthook/lighthook/internal/domain"
	"github.com/lighthook/lighthook/internal/signature"
	"github.com/lighthook/lighthook/internal/store"
	"github.com/lighthook/lighthook/internal/store/memory"
)

type capturingDeadLetters struct {
	published []DeadLetter
}

func (c *capturingDeadLetters) Publish(_ context.Context, dl DeadLetter) error {
	c.published = append(c.published, dl)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *memory.DB) {
	t.Helper()
	st := memory.New()
	return New(st, deliverylog.NewWriter(st.DeliveryLogs())), st
}

func seedSubscription(t *testing.T, st *memory.DB, retry domain.RetryPolicy) *domain.Subscription {
	t.Helper()
	now := time.Now().UTC()
	sub := &domain.Subscription{
		ID:         uuid.NewString(),
		TenantID:   "tn_1",
		URL:        "https://example.com/hooks",
		EventTypes: []string{"order.created"},
		Secret:     "sub-secret",
		Algorithm:  domain.AlgorithmSHA256,
		Retry:      retry,
		Health:     domain.HealthHealthy,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.Subscriptions().Create(context.Background(), sub); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return sub
}

func seedEvent(t *testing.T, st *memory.DB) *domain.Event {
	t.Helper()
	now := time.Now().UTC()
	ev := &domain.Event{
		ID:        uuid.NewString(),
		TenantID:  "tn_1",
		EventType: "order.created",
		Version:   "1.0",
		Timestamp: now,
		Data:      map[string]any{"n": 1.0},
		CreatedAt: now,
	}
	if err := st.Events().Insert(context.Background(), ev); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	if err := st.Events().SetFanout(context.Background(), ev.ID, 1, 1); err != nil {
		t.Fatalf("seed event fanout: %v", err)
	}
	return ev
}

// seedDelivery creates a due pending delivery pointing at url with a signed
// body snapshot, mirroring what the publisher writes.
func seedDelivery(t *testing.T, st *memory.DB, sub *domain.Subscription, ev *domain.Event, url string, createdAt time.Time) *domain.Delivery {
	t.Helper()
	body, err := json.Marshal(domain.Envelope{
		EventID:        ev.ID,
		EventType:      ev.EventType,
		EventTimestamp: ev.Timestamp.Format(time.RFC3339),
		Data:           ev.Data,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	sig, err := signature.Sign(body, sub.Secret, sub.Algorithm)
	if err != nil {
		t.Fatalf("sign envelope: %v", err)
	}
	next := createdAt
	d := &domain.Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		EventID:        ev.ID,
		AttemptNumber:  1,
		Status:         domain.DeliveryPending,
		Request: domain.DeliveryRequest{
			URL: url,
			Headers: map[string]string{
				"Content-Type":        "application/json",
				"X-Webhook-Signature": sig,
			},
			Body:      string(body),
			Signature: sig,
		},
		RetryCount:  0,
		NextRetryAt: &next,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	if err := st.Deliveries().Create(context.Background(), d); err != nil {
		t.Fatalf("seed delivery: %v", err)
	}
	return d
}

func TestRunCycleSuccess(t *testing.T) {
	disp, st := newTestDispatcher(t)
	ctx := context.Background()

	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`accepted`))
	}))
	defer srv.Close()

	sub := seedSubscription(t, st, domain.DefaultRetryPolicy())
	ev := seedEvent(t, st)
	d := seedDelivery(t, st, sub, ev, srv.URL, time.Now().UTC().Add(-time.Second))

	n, err := disp.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("RunCycle() processed %d, want 1", n)
	}

	got, err := st.Deliveries().Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.DeliverySucceeded {
		t.Fatalf("delivery status = %s, want succeeded", got.Status)
	}
	if got.CompletedAt == nil || got.SentAt == nil {
		t.Error("completed/sent timestamps not set")
	}
	if got.Response == nil || got.Response.StatusCode != http.StatusOK {
		t.Errorf("response = %+v, want 200", got.Response)
	}
	if got.Response.Body != "accepted" {
		t.Errorf("response body = %q, want %q", got.Response.Body, "accepted")
	}
	if got.Error != nil {
		t.Errorf("error = %+v, want nil", got.Error)
	}

	// The receiver saw the frozen body and its signature verified.
	if !signature.Verify(gotBody, gotSig, sub.Secret, sub.Algorithm) {
		t.Error("received signature did not verify against received body")
	}

	// Counters and aggregates moved.
	subAfter, err := st.Subscriptions().GetByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if subAfter.TotalSent != 1 || subAfter.ConsecutiveFailures != 0 {
		t.Errorf("subscription counters sent=%d cf=%d, want 1/0", subAfter.TotalSent, subAfter.ConsecutiveFailures)
	}
	evAfter, err := st.Events().Get(ctx, ev.ID, "tn_1")
	if err != nil {
		t.Fatalf("Events().Get() error = %v", err)
	}
	if evAfter.DeliveriesSucceeded != 1 || evAfter.DeliveriesPending != 0 {
		t.Errorf("event aggregates succeeded=%d pending=%d, want 1/0", evAfter.DeliveriesSucceeded, evAfter.DeliveriesPending)
	}

	// Audit trail has the success entry.
	logs, err := st.DeliveryLogs().ListByDelivery(ctx, d.ID, 10)
	if err != nil {
		t.Fatalf("ListByDelivery() error = %v", err)
	}
	if len(logs) == 0 || logs[len(logs)-1].Level != domain.LogInfo {
		t.Errorf("audit log = %+v, want trailing info entry", logs)
	}
}

func TestRunCycleFailureSchedulesRetry(t *testing.T) {
	disp, st := newTestDispatcher(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fixed := time.Now().UTC()
	disp.now = func() time.Time { return fixed }

	sub := seedSubscription(t, st, domain.RetryPolicy{
		MaxAttempts: 3, InitialDelaySeconds: 60, BackoffMultiplier: 2.0, MaxDelaySeconds: 3600,
	})
	ev := seedEvent(t, st)
	d := seedDelivery(t, st, sub, ev, srv.URL, fixed.Add(-time.Second))

	if _, err := disp.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	got, err := st.Deliveries().Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.DeliveryFailed {
		t.Fatalf("delivery status = %s, want failed", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", got.RetryCount)
	}
	if got.Error == nil || got.Error.Code != domain.ErrCodeHTTP {
		t.Errorf("error = %+v, want HTTP_ERROR", got.Error)
	}
	if got.NextRetryAt == nil {
		t.Fatal("nextRetryAt not set")
	}
	if want := fixed.Add(60 * time.Second); !got.NextRetryAt.Equal(want) {
		t.Errorf("nextRetryAt = %v, want %v (initial delay)", got.NextRetryAt, want)
	}

	subAfter, err := st.Subscriptions().GetByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if subAfter.TotalFailed != 1 || subAfter.ConsecutiveFailures != 1 {
		t.Errorf("subscription counters failed=%d cf=%d, want 1/1", subAfter.TotalFailed, subAfter.ConsecutiveFailures)
	}

	// Not terminal yet: the event still counts it as pending.
	evAfter, err := st.Events().Get(ctx, ev.ID, "tn_1")
	if err != nil {
		t.Fatalf("Events().Get() error = %v", err)
	}
	if evAfter.DeliveriesPending != 1 || evAfter.DeliveriesFailed != 0 {
		t.Errorf("event aggregates pending=%d failed=%d, want 1/0", evAfter.DeliveriesPending, evAfter.DeliveriesFailed)
	}
}

func TestRetryProgressionToAbandoned(t *testing.T) {
	disp, st := newTestDispatcher(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	deadLetters := &capturingDeadLetters{}
	disp.DeadLetters = deadLetters

	clock := time.Now().UTC()
	disp.now = func() time.Time { return clock }

	sub := seedSubscription(t, st, domain.RetryPolicy{
		MaxAttempts: 3, InitialDelaySeconds: 60, BackoffMultiplier: 2.0, MaxDelaySeconds: 3600,
	})
	ev := seedEvent(t, st)
	d := seedDelivery(t, st, sub, ev, srv.URL, clock.Add(-time.Second))

	// First failure: retryCount 1, next retry in 60s.
	if _, err := disp.RunCycle(ctx); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	got, _ := st.Deliveries().Get(ctx, d.ID)
	if got.RetryCount != 1 || got.Status != domain.DeliveryFailed {
		t.Fatalf("after failure 1: retries=%d status=%s", got.RetryCount, got.Status)
	}
	if want := clock.Add(60 * time.Second); !got.NextRetryAt.Equal(want) {
		t.Errorf("after failure 1: nextRetryAt = %v, want +60s", got.NextRetryAt)
	}

	// Second failure: retryCount 2, next retry in 120s.
	clock = clock.Add(61 * time.Second)
	if _, err := disp.RunCycle(ctx); err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	got, _ = st.Deliveries().Get(ctx, d.ID)
	if got.RetryCount != 2 || got.Status != domain.DeliveryFailed {
		t.Fatalf("after failure 2: retries=%d status=%s", got.RetryCount, got.Status)
	}
	if want := clock.Add(120 * time.Second); !got.NextRetryAt.Equal(want) {
		t.Errorf("after failure 2: nextRetryAt = %v, want +120s", got.NextRetryAt)
	}

	// Third failure exhausts maxAttempts: abandoned, dead letter emitted.
	clock = clock.Add(121 * time.Second)
	if _, err := disp.RunCycle(ctx); err != nil {
		t.Fatalf("cycle 3: %v", err)
	}
	got, _ = st.Deliveries().Get(ctx, d.ID)
	if got.Status != domain.DeliveryAbandoned {
		t.Fatalf("after failure 3: status = %s, want abandoned", got.Status)
	}
	if got.RetryCount != 3 {
		t.Errorf("after failure 3: retries = %d, want 3", got.RetryCount)
	}
	if got.NextRetryAt != nil {
		t.Error("abandoned delivery still has nextRetryAt")
	}
	if got.CompletedAt == nil {
		t.Error("abandoned delivery has no completedAt")
	}

	if len(deadLetters.published) != 1 {
		t.Fatalf("dead letters published = %d, want 1", len(deadLetters.published))
	}
	dl := deadLetters.published[0]
	if dl.DeliveryID != d.ID || dl.Attempt != 3 || dl.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("dead letter = %+v", dl)
	}

	// Terminal failure reflected in the event aggregates.
	evAfter, _ := st.Events().Get(ctx, ev.ID, "tn_1")
	if evAfter.DeliveriesFailed != 1 || evAfter.DeliveriesPending != 0 {
		t.Errorf("event aggregates failed=%d pending=%d, want 1/0", evAfter.DeliveriesFailed, evAfter.DeliveriesPending)
	}

	// A further cycle finds nothing to do.
	clock = clock.Add(time.Hour)
	n, err := disp.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle 4: %v", err)
	}
	if n != 0 {
		t.Errorf("cycle 4 processed %d, want 0", n)
	}
}

func TestTimeoutClassifiedAsTimeout(t *testing.T) {
	disp, st := newTestDispatcher(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	sub := seedSubscription(t, st, domain.DefaultRetryPolicy())
	sub.TimeoutSeconds = 1
	if err := st.Subscriptions().Update(ctx, sub); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	ev := seedEvent(t, st)
	d := seedDelivery(t, st, sub, ev, srv.URL, time.Now().UTC().Add(-time.Second))

	if _, err := disp.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	got, err := st.Deliveries().Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.DeliveryFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Code != domain.ErrCodeTimeout {
		t.Errorf("error = %+v, want TIMEOUT", got.Error)
	}
}

func TestClaimRespectsBatchAndOrder(t *testing.T) {
	disp, st := newTestDispatcher(t)
	ctx := context.Background()
	disp.BatchSize = 2

	received := make(chan string, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env domain.Envelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		received <- env.EventID
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := seedSubscription(t, st, domain.DefaultRetryPolicy())
	base := time.Now().UTC().Add(-time.Minute)
	var events []*domain.Event
	for i := 0; i < 3; i++ {
		ev := seedEvent(t, st)
		events = append(events, ev)
		seedDelivery(t, st, sub, ev, srv.URL, base.Add(time.Duration(i)*time.Second))
	}

	n, err := disp.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("RunCycle() processed %d, want batch size 2", n)
	}
	close(received)
	seen := map[string]bool{}
	for id := range received {
		seen[id] = true
	}
	// Oldest two deliveries go first.
	if !seen[events[0].ID] || !seen[events[1].ID] {
		t.Errorf("claimed events %v, want the two oldest", seen)
	}
	if seen[events[2].ID] {
		t.Error("claimed the newest delivery ahead of the batch limit")
	}
}

func TestClaimSkipsInactiveSubscriptions(t *testing.T) {
	disp, st := newTestDispatcher(t)
	ctx := context.Background()

	sub := seedSubscription(t, st, domain.DefaultRetryPolicy())
	ev := seedEvent(t, st)
	seedDelivery(t, st, sub, ev, "http://127.0.0.1:1", time.Now().UTC().Add(-time.Second))

	sub.Active = false
	if err := st.Subscriptions().Update(ctx, sub); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	n, err := disp.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if n != 0 {
		t.Errorf("RunCycle() processed %d deliveries of an inactive subscription, want 0", n)
	}
}

func TestManualRetry(t *testing.T) {
	disp, st := newTestDispatcher(t)
	ctx := context.Background()

	sub := seedSubscription(t, st, domain.RetryPolicy{
		MaxAttempts: 1, InitialDelaySeconds: 60, BackoffMultiplier: 2.0, MaxDelaySeconds: 3600,
	})
	ev := seedEvent(t, st)
	d := seedDelivery(t, st, sub, ev, "http://127.0.0.1:1", time.Now().UTC().Add(-time.Second))

	// One failed attempt exhausts maxAttempts=1.
	if _, err := disp.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	got, _ := st.Deliveries().Get(ctx, d.ID)
	if got.Status != domain.DeliveryAbandoned {
		t.Fatalf("status = %s, want abandoned", got.Status)
	}

	requeued, err := disp.Retry(ctx, d.ID)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if requeued.Status != domain.DeliveryPending {
		t.Errorf("Retry() status = %s, want pending", requeued.Status)
	}
	if requeued.Error != nil {
		t.Errorf("Retry() left error = %+v, want cleared", requeued.Error)
	}
	if requeued.NextRetryAt == nil {
		t.Error("Retry() did not schedule the delivery")
	}
	if requeued.CompletedAt != nil {
		t.Error("Retry() left completedAt set")
	}

	// Succeeded deliveries cannot be requeued.
	requeued.Status = domain.DeliverySucceeded
	if err := st.Deliveries().Update(ctx, requeued); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := disp.Retry(ctx, d.ID); err == nil {
		t.Error("Retry() of a succeeded delivery did not fail")
	} else {
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Retry() error = %v, want ValidationError", err)
		}
	}
}

// flakySubscriptions fails GetByID a fixed number of times before delegating.
type flakySubscriptions struct {
	store.SubscriptionStore
	remaining int
	err       error
}

func (f *flakySubscriptions) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	if f.remaining > 0 {
		f.remaining--
		return nil, f.err
	}
	return f.SubscriptionStore.GetByID(ctx, id)
}

type flakyStore struct {
	*memory.DB
	subs *flakySubscriptions
}

func (f *flakyStore) Subscriptions() store.SubscriptionStore { return f.subs }

func TestTransientSubscriptionLookupReleasesClaim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := memory.New()
	wrapped := &flakyStore{DB: st, subs: &flakySubscriptions{
		SubscriptionStore: st.Subscriptions(),
		remaining:         1,
		err:               errors.New("connection reset by peer"),
	}}
	disp := New(wrapped, deliverylog.NewWriter(st.DeliveryLogs()))

	sub := seedSubscription(t, st, domain.DefaultRetryPolicy())
	ev := seedEvent(t, st)
	dl := seedDelivery(t, st, sub, ev, srv.URL, time.Now().UTC().Add(-time.Second))

	if _, err := disp.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	got, err := st.Deliveries().Get(context.Background(), dl.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.DeliveryPending {
		t.Fatalf("delivery status = %s, want %s after transient lookup failure", got.Status, domain.DeliveryPending)
	}
	if got.RetryCount != 0 {
		t.Errorf("retryCount = %d, want 0: no attempt was made", got.RetryCount)
	}
	if got.CompletedAt != nil {
		t.Error("completedAt set on a released claim")
	}

	// The released claim is due again; the next cycle delivers it.
	if _, err := disp.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() #2 error = %v", err)
	}
	got, err = st.Deliveries().Get(context.Background(), dl.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.DeliverySucceeded {
		t.Fatalf("delivery status = %s, want %s after recovery", got.Status, domain.DeliverySucceeded)
	}
}

func TestVanishedSubscriptionAbandons(t *testing.T) {
	st := memory.New()
	wrapped := &flakyStore{DB: st, subs: &flakySubscriptions{
		SubscriptionStore: st.Subscriptions(),
		remaining:         1,
		err:               store.ErrNotFound,
	}}
	disp := New(wrapped, deliverylog.NewWriter(st.DeliveryLogs()))

	sub := seedSubscription(t, st, domain.DefaultRetryPolicy())
	ev := seedEvent(t, st)
	dl := seedDelivery(t, st, sub, ev, "https://example.com/hooks", time.Now().UTC().Add(-time.Second))

	if _, err := disp.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	got, err := st.Deliveries().Get(context.Background(), dl.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.DeliveryAbandoned {
		t.Fatalf("delivery status = %s, want %s when the subscription is gone", got.Status, domain.DeliveryAbandoned)
	}
	if got.CompletedAt == nil {
		t.Error("completedAt not set on abandoned delivery")
	}
}

func TestClaimReclaimsStaleSending(t *testing.T) {
	_, st := newTestDispatcher(t)
	sub := seedSubscription(t, st, domain.DefaultRetryPolicy())
	ev := seedEvent(t, st)
	now := time.Now().UTC()

	// A sending row with an expired lease: its dispatcher died mid-attempt.
	orphan := seedDelivery(t, st, sub, ev, "https://example.com/hooks", now.Add(-time.Hour))
	orphan.Status = domain.DeliverySending
	orphanAt := now.Add(-store.ClaimLease - time.Minute)
	orphan.SentAt = &orphanAt
	orphan.NextRetryAt = nil
	if err := st.Deliveries().Update(context.Background(), orphan); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// A sending row inside the lease: legitimately in flight elsewhere.
	active := seedDelivery(t, st, sub, ev, "https://example.com/hooks", now.Add(-time.Minute))
	active.Status = domain.DeliverySending
	activeAt := now.Add(-time.Minute)
	active.SentAt = &activeAt
	active.NextRetryAt = nil
	if err := st.Deliveries().Update(context.Background(), active); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	claimed, err := st.Deliveries().ClaimDue(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("ClaimDue() claimed %d deliveries, want 1 (only the expired lease)", len(claimed))
	}
	if claimed[0].ID != orphan.ID {
		t.Errorf("ClaimDue() claimed %s, want the orphaned delivery %s", claimed[0].ID, orphan.ID)
	}
	if claimed[0].SentAt == nil || !claimed[0].SentAt.Equal(now) {
		t.Error("reclaim did not restamp sent_at")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	disp, _ := newTestDispatcher(t)
	disp.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		disp.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after context cancellation")
	}
}
