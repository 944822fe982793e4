package deliverylog

import (
	"context"
	"testing"

	"github.com/lighthook/lighthook/internal/domain"
	"github.com/lighthook/lighthook/internal/store/memory"
)

func TestWriterAppends(t *testing.T) {
	st := memory.New()
	w := NewWriter(st.DeliveryLogs())
	ctx := context.Background()

	w.Info(ctx, "tn_1", "dl_1", "delivery enqueued", map[string]any{"attempt": 1})
	w.Warn(ctx, "tn_1", "dl_1", "delivery failed, retry scheduled", nil)
	w.Error(ctx, "tn_1", "dl_2", "delivery abandoned, retries exhausted", nil)

	entries, err := st.DeliveryLogs().ListByDelivery(ctx, "dl_1", 10)
	if err != nil {
		t.Fatalf("ListByDelivery() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListByDelivery() returned %d entries, want 2", len(entries))
	}
	first := entries[0]
	if first.Level != domain.LogInfo {
		t.Errorf("entry level = %s, want info", first.Level)
	}
	if first.Message != "delivery enqueued" {
		t.Errorf("entry message = %q", first.Message)
	}
	if first.TenantID != "tn_1" || first.DeliveryID != "dl_1" {
		t.Errorf("entry scope = %s/%s, want tn_1/dl_1", first.TenantID, first.DeliveryID)
	}
	if first.ID == "" || first.CreatedAt.IsZero() {
		t.Error("entry id or timestamp not set")
	}
	if entries[1].Level != domain.LogWarn {
		t.Errorf("second entry level = %s, want warn", entries[1].Level)
	}
}

func TestWriterSwallowsAppendFailures(t *testing.T) {
	st := memory.New()
	st.FailLogAppends = true
	w := NewWriter(st.DeliveryLogs())
	ctx := context.Background()

	// Must not panic or surface the error to the caller.
	w.Info(ctx, "tn_1", "dl_1", "delivery enqueued", nil)
	w.Error(ctx, "tn_1", "dl_1", "delivery abandoned, retries exhausted", nil)

	st.FailLogAppends = false
	entries, err := st.DeliveryLogs().ListByDelivery(ctx, "dl_1", 10)
	if err != nil {
		t.Fatalf("ListByDelivery() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("failed appends persisted %d entries, want 0", len(entries))
	}
}
