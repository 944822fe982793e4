// Package dispatcher runs the delivery state machine: it claims due
// deliveries, attempts the signed HTTP POST, and schedules retries with
// exponential backoff until success or abandonment.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lighthook/lighthook/internal/deliverylog"
	"github.com/lighthook/lighthook/internal/domain"
	"github.com/lighthook/lighthook/internal/logging"
	"github.com/lighthook/lighthook/internal/metrics"
	"github.com/lighthook/lighthook/internal/store"
	"github.com/lighthook/lighthook/internal/tracing"
)

const (
	DefaultBatchSize    = 50
	DefaultConcurrency  = 10
	DefaultPollInterval = time.Second
)

// Dispatcher polls the store for due deliveries and attempts them with a
// bounded worker pool. Multiple instances may run against the same database:
// the claim is atomic, so no delivery is attempted twice concurrently.
type Dispatcher struct {
	store  store.Store
	audit  *deliverylog.Writer
	client *http.Client

	BatchSize    int
	Concurrency  int
	PollInterval time.Duration

	// DeadLetters, when set, receives an envelope for every abandoned
	// delivery.
	DeadLetters DeadLetterPublisher

	cycleActive atomic.Bool
	inFlight    sync.WaitGroup
	logger      *logging.Logger
	now         func() time.Time
}

func New(st store.Store, audit *deliverylog.Writer) *Dispatcher {
	return &Dispatcher{
		store:        st,
		audit:        audit,
		client:       &http.Client{},
		BatchSize:    DefaultBatchSize,
		Concurrency:  DefaultConcurrency,
		PollInterval: DefaultPollInterval,
		logger:       logging.New("lighthook-dispatcher"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled. Cycles never overlap: a tick that
// arrives while the previous cycle is still working is skipped. On shutdown
// no new cycle starts, but in-flight attempts run to completion or timeout.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	d.logger.Plain().WithFields(map[string]any{
		"batch_size":    d.BatchSize,
		"concurrency":   d.Concurrency,
		"poll_interval": d.PollInterval.String(),
	}).Info("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Plain().Info("dispatcher stopping, draining in-flight deliveries")
			d.inFlight.Wait()
			d.logger.Plain().Info("dispatcher stopped")
			return
		case <-ticker.C:
			if !d.cycleActive.CompareAndSwap(false, true) {
				continue
			}
			d.inFlight.Add(1)
			go func() {
				defer d.inFlight.Done()
				defer d.cycleActive.Store(false)
				if n, err := d.RunCycle(ctx); err != nil {
					d.logger.WithContext(ctx).WithError(err).Error("dispatch cycle failed")
				} else if n > 0 {
					d.logger.WithContext(ctx).WithField("processed", n).Info("dispatch cycle complete")
				}
			}()
		}
	}
}

// RunCycle claims one batch of due deliveries and attempts them all,
// returning how many were processed.
func (d *Dispatcher) RunCycle(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.RunCycle")
	defer span.End()

	claimed, err := d.store.Deliveries().ClaimDue(ctx, d.BatchSize, d.now())
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, fmt.Errorf("claim due deliveries: %w", err)
	}
	span.SetAttributes(attribute.Int("claimed", len(claimed)))
	if len(claimed) == 0 {
		return 0, nil
	}

	// Attempts keep running through shutdown; only their own per-request
	// timeouts cancel them.
	attemptCtx := context.WithoutCancel(ctx)

	sem := make(chan struct{}, d.Concurrency)
	var wg sync.WaitGroup
	for _, dl := range claimed {
		sem <- struct{}{}
		wg.Add(1)
		d.inFlight.Add(1)
		go func(dl *domain.Delivery) {
			defer wg.Done()
			defer d.inFlight.Done()
			defer func() { <-sem }()
			d.attempt(attemptCtx, dl)
		}(dl)
	}
	wg.Wait()
	return len(claimed), nil
}

// attempt performs one delivery attempt on an already-claimed delivery.
func (d *Dispatcher) attempt(ctx context.Context, dl *domain.Delivery) {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.attempt",
		attribute.String("delivery_id", dl.ID),
		attribute.String("subscription_id", dl.SubscriptionID),
		attribute.String("event_id", dl.EventID),
		attribute.Int("attempt", dl.AttemptNumber),
	)
	defer span.End()

	sub, err := d.store.Subscriptions().GetByID(ctx, dl.SubscriptionID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		if errors.Is(err, store.ErrNotFound) {
			// The subscription vanished between claim and attempt. Abandon:
			// there is no secret or policy left to retry with.
			d.finishAbandoned(ctx, dl, "", 0, &domain.DeliveryError{
				Message: "subscription no longer exists",
				Code:    domain.ErrCodeNetwork,
			})
			return
		}
		// Transient store error: no attempt was made, so no retry is burned
		// and the delivery must not go terminal. Release the claim and let a
		// later cycle pick the row up again.
		d.releaseClaim(ctx, dl, err)
		return
	}

	resp, doErr := d.send(ctx, dl, sub)

	if doErr == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.finishSucceeded(ctx, dl, sub, resp)
		return
	}
	d.handleFailure(ctx, dl, sub, resp, doErr)
}

// send performs the HTTP POST with the request snapshot frozen at publish
// time and the subscription's current timeout.
func (d *Dispatcher) send(ctx context.Context, dl *domain.Delivery, sub *domain.Subscription) (*domain.DeliveryResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, sub.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, dl.Request.URL, strings.NewReader(dl.Request.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range dl.Request.Headers {
		req.Header.Set(k, v)
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	httpResp, err := d.client.Do(req)
	elapsed := time.Since(start)
	metrics.DeliveryDuration.Observe(elapsed.Seconds())
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(httpResp.Body, domain.MaxResponseBodyBytes+1))
	headers := make(map[string]string, len(httpResp.Header))
	for k := range httpResp.Header {
		headers[k] = httpResp.Header.Get(k)
	}
	return &domain.DeliveryResponse{
		StatusCode: httpResp.StatusCode,
		Headers:    headers,
		Body:       domain.TruncateBody(body),
		TimeMs:     elapsed.Milliseconds(),
	}, nil
}

func (d *Dispatcher) finishSucceeded(ctx context.Context, dl *domain.Delivery, sub *domain.Subscription, resp *domain.DeliveryResponse) {
	now := d.now()
	dl.Status = domain.DeliverySucceeded
	dl.Response = resp
	dl.Error = nil
	dl.NextRetryAt = nil
	dl.CompletedAt = &now
	dl.UpdatedAt = now

	if err := d.store.Deliveries().Update(ctx, dl); err != nil {
		d.logger.WithContext(ctx).WithDelivery(dl.ID).WithError(err).Error("persist succeeded delivery failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	d.recordOutcomes(ctx, dl, sub, true, true)

	metrics.RecordDelivery("succeeded")
	tracing.AddSpanEvent(ctx, "delivery.succeeded", attribute.Int("http.status_code", resp.StatusCode))
	d.audit.Info(ctx, sub.TenantID, dl.ID, "delivery succeeded", map[string]any{
		"status_code": resp.StatusCode,
		"time_ms":     resp.TimeMs,
		"attempt":     dl.AttemptNumber,
	})
}

// handleFailure runs the uniform failure path: non-2xx responses and
// transport errors are treated identically.
func (d *Dispatcher) handleFailure(ctx context.Context, dl *domain.Delivery, sub *domain.Subscription, resp *domain.DeliveryResponse, doErr error) {
	dl.Response = resp
	dl.Error = classifyError(resp, doErr)
	dl.RetryCount++

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	reason := retryReason(doErr, status)
	metrics.RecordRetry(reason)
	tracing.AddSpanEvent(ctx, "delivery.failed",
		attribute.String("failure_reason", reason),
		attribute.Int("retry_count", dl.RetryCount),
	)

	if dl.RetryCount >= sub.Retry.MaxAttempts {
		d.finishAbandoned(ctx, dl, sub.TenantID, status, dl.Error)
		d.recordOutcomes(ctx, dl, sub, false, true)
		return
	}

	now := d.now()
	delay := sub.Retry.Delay(dl.RetryCount - 1)
	next := now.Add(delay)
	dl.Status = domain.DeliveryFailed
	dl.NextRetryAt = &next
	dl.UpdatedAt = now
	if err := d.store.Deliveries().Update(ctx, dl); err != nil {
		d.logger.WithContext(ctx).WithDelivery(dl.ID).WithError(err).Error("persist failed delivery failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	d.recordOutcomes(ctx, dl, sub, false, false)

	metrics.RecordDelivery("failed")
	d.audit.Warn(ctx, sub.TenantID, dl.ID, "delivery failed, retry scheduled", map[string]any{
		"error":         dl.Error.Message,
		"code":          dl.Error.Code,
		"retry_count":   dl.RetryCount,
		"next_retry_at": next.Format(time.RFC3339),
		"delay":         delay.String(),
	})
}

// releaseClaim reverts a claimed delivery to the status it held before the
// claim so the next cycle reclaims it. Used when the attempt could not even
// start; the retry count is untouched.
func (d *Dispatcher) releaseClaim(ctx context.Context, dl *domain.Delivery, cause error) {
	d.logger.WithContext(ctx).WithDelivery(dl.ID).WithError(cause).Error("subscription lookup failed, releasing claimed delivery")

	dl.Status = domain.DeliveryPending
	if dl.RetryCount > 0 {
		dl.Status = domain.DeliveryFailed
	}
	dl.UpdatedAt = d.now()
	if err := d.store.Deliveries().Update(ctx, dl); err != nil {
		d.logger.WithContext(ctx).WithDelivery(dl.ID).WithError(err).Error("release claimed delivery failed")
		tracing.SetSpanError(ctx, err)
	}
}

// finishAbandoned moves a delivery to its terminal failed state and emits
// the optional dead letter.
func (d *Dispatcher) finishAbandoned(ctx context.Context, dl *domain.Delivery, tenantID string, httpStatus int, derr *domain.DeliveryError) {
	now := d.now()
	dl.Status = domain.DeliveryAbandoned
	dl.Error = derr
	dl.NextRetryAt = nil
	dl.CompletedAt = &now
	dl.UpdatedAt = now
	if err := d.store.Deliveries().Update(ctx, dl); err != nil {
		d.logger.WithContext(ctx).WithDelivery(dl.ID).WithError(err).Error("persist abandoned delivery failed")
		tracing.SetSpanError(ctx, err)
		return
	}

	metrics.RecordDelivery("abandoned")
	tracing.AddSpanEvent(ctx, "delivery.abandoned", attribute.Int("retry_count", dl.RetryCount))
	lastErr := ""
	if derr != nil {
		lastErr = derr.Message
	}
	d.audit.Error(ctx, tenantID, dl.ID, "delivery abandoned, retries exhausted", map[string]any{
		"retry_count": dl.RetryCount,
		"last_error":  lastErr,
	})

	if d.DeadLetters != nil {
		reason := fmt.Sprintf("max attempts reached (%d)", dl.RetryCount)
		env := NewDeadLetter(ctx, dl, tenantID, httpStatus, lastErr, reason)
		if err := d.DeadLetters.Publish(ctx, env); err != nil {
			d.logger.WithContext(ctx).WithDelivery(dl.ID).WithError(err).Error("dead letter publish failed")
			tracing.SetSpanError(ctx, err)
		} else {
			metrics.RecordDeadLettered()
			tracing.AddSpanEvent(ctx, "dead_letter.published")
		}
	}
}

// recordOutcomes updates the subscription counters and, on terminal states,
// the event aggregates. Both are best-effort: a counter miss never unwinds
// the delivery transition.
func (d *Dispatcher) recordOutcomes(ctx context.Context, dl *domain.Delivery, sub *domain.Subscription, success, terminal bool) {
	if err := d.store.Subscriptions().RecordOutcome(ctx, sub.ID, success); err != nil {
		d.logger.WithContext(ctx).WithSubscription(sub.ID).WithError(err).Warn("subscription outcome update failed")
	}
	if terminal {
		if err := d.store.Events().RecordDeliveryOutcome(ctx, dl.EventID, success); err != nil {
			d.logger.WithContext(ctx).WithEvent(dl.EventID).WithError(err).Warn("event aggregate update failed")
		}
	}
}

// Retry forces a failed or abandoned delivery back onto the schedule,
// bypassing the backoff. Operator-initiated recovery only.
func (d *Dispatcher) Retry(ctx context.Context, deliveryID string) (*domain.Delivery, error) {
	dl, err := d.store.Deliveries().Get(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if dl.Status != domain.DeliveryFailed && dl.Status != domain.DeliveryAbandoned {
		return nil, domain.Invalid("status", fmt.Sprintf("delivery is %s, only failed or abandoned deliveries can be retried", dl.Status))
	}
	now := d.now()
	dl.Status = domain.DeliveryPending
	dl.Error = nil
	dl.NextRetryAt = &now
	dl.CompletedAt = nil
	dl.UpdatedAt = now
	if err := d.store.Deliveries().Update(ctx, dl); err != nil {
		return nil, err
	}
	d.logger.WithContext(ctx).WithDelivery(dl.ID).Info("delivery manually requeued")
	return dl, nil
}

// classifyError maps a failed attempt to a persisted delivery error.
func classifyError(resp *domain.DeliveryResponse, doErr error) *domain.DeliveryError {
	if doErr != nil {
		code := domain.ErrCodeNetwork
		if errors.Is(doErr, context.DeadlineExceeded) || isTimeout(doErr) {
			code = domain.ErrCodeTimeout
		}
		return &domain.DeliveryError{Message: doErr.Error(), Code: code}
	}
	return &domain.DeliveryError{
		Message: fmt.Sprintf("endpoint returned status %d", resp.StatusCode),
		Code:    domain.ErrCodeHTTP,
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func retryReason(doErr error, status int) string {
	if doErr != nil {
		if errors.Is(doErr, context.DeadlineExceeded) || isTimeout(doErr) {
			return "timeout"
		}
		return "network"
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == 429:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	}
	return "other"
}
