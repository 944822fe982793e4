// Package deliverylog writes the append-only audit trail for deliveries.
package deliverylog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lighthook/lighthook/internal/domain"
	"github.com/lighthook/lighthook/internal/logging"
	"github.com/lighthook/lighthook/internal/store"
)

// Writer appends audit entries for deliveries. Append failures are reported
// through the diagnostic logger and never propagated: a broken audit trail
// must not disturb the delivery state machine.
type Writer struct {
	logs   store.DeliveryLogStore
	logger *logging.Logger
}

func NewWriter(logs store.DeliveryLogStore) *Writer {
	return &Writer{logs: logs, logger: logging.New("lighthook-audit")}
}

func (w *Writer) Info(ctx context.Context, tenantID, deliveryID, msg string, data map[string]any) {
	w.append(ctx, domain.LogInfo, tenantID, deliveryID, msg, data)
}

func (w *Writer) Warn(ctx context.Context, tenantID, deliveryID, msg string, data map[string]any) {
	w.append(ctx, domain.LogWarn, tenantID, deliveryID, msg, data)
}

func (w *Writer) Error(ctx context.Context, tenantID, deliveryID, msg string, data map[string]any) {
	w.append(ctx, domain.LogError, tenantID, deliveryID, msg, data)
}

func (w *Writer) append(ctx context.Context, level domain.LogLevel, tenantID, deliveryID, msg string, data map[string]any) {
	entry := &domain.DeliveryLogEntry{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		DeliveryID: deliveryID,
		Level:      level,
		Message:    msg,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}
	if err := w.logs.Append(ctx, entry); err != nil {
		w.logger.WithContext(ctx).
			WithTenant(tenantID).
			WithDelivery(deliveryID).
			WithError(err).
			Warn("delivery log append failed")
	}
}
