package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/Oceloteg/Shishki-picking/models"
	"github.com/Oceloteg/Shishki-picking/onec"
)

// DefaultDrainLimit bounds one drain pass.
const DefaultDrainLimit = 25

// maxAttempts is the per-entry delivery budget; after it the entry goes to
// failed and waits for manual inspection. Entries are never deleted.
const maxAttempts = 10

// retryBackoff is indexed by attempt count and capped at the last step.
var retryBackoff = []time.Duration{
	2 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

func backoffFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(retryBackoff) {
		attempts = len(retryBackoff)
	}
	return retryBackoff[attempts-1]
}

// StatusPayload asks 1C to move an order to a status label.
type StatusPayload struct {
	OnecOrderID string `json:"onec_order_id"`
	Status      string `json:"status"`
}

// LineProgressPayload mirrors a collected quantity into a 1C order line.
type LineProgressPayload struct {
	OnecOrderID  string  `json:"onec_order_id"`
	OnecLineID   string  `json:"onec_line_id"`
	ItemID       string  `json:"item_id"`
	QtyCollected float64 `json:"qty_collected"`
}

// EnqueueSetStatus records a durable status-change intent. The serving layer
// never talks to 1C directly; this is its only write path.
func (e *Engine) EnqueueSetStatus(ctx context.Context, onecOrderID, status string) error {
	return e.enqueue(ctx, models.ActionSetStatus, StatusPayload{
		OnecOrderID: onecOrderID,
		Status:      status,
	})
}

// EnqueueLineProgress records a durable progress-update intent.
func (e *Engine) EnqueueLineProgress(ctx context.Context, onecOrderID, onecLineID, itemID string, qtyCollected float64) error {
	return e.enqueue(ctx, models.ActionLineProgress, LineProgressPayload{
		OnecOrderID:  onecOrderID,
		OnecLineID:   onecLineID,
		ItemID:       itemID,
		QtyCollected: qtyCollected,
	})
}

func (e *Engine) enqueue(ctx context.Context, actionType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	now := time.Now().UTC()
	entry := &models.OutboxEntry{
		ActionType: actionType,
		Payload:    string(data),
		Status:     models.OutboxPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return e.db.WithWriteTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().Model(entry).Exec(ctx)
		return err
	})
}

// DrainResult reports one outbox pass.
type DrainResult struct {
	Processed int `json:"processed"`
	Delivered int `json:"delivered"`
}

// Drain delivers up to limit due pending entries in creation order. Each
// entry's outcome commits on its own, so a crash mid-pass loses no progress.
func (e *Engine) Drain(ctx context.Context, limit int) (DrainResult, error) {
	if limit <= 0 {
		limit = DefaultDrainLimit
	}
	now := time.Now().UTC()

	var entries []*models.OutboxEntry
	err := e.db.WithReadTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return tx.NewSelect().Model(&entries).
			Where("status = ?", models.OutboxPending).
			Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
			Order("id ASC").
			Limit(limit).
			Scan(ctx)
	})
	if err != nil {
		return DrainResult{}, fmt.Errorf("select pending outbox: %w", err)
	}

	var res DrainResult
	for _, entry := range entries {
		res.Processed++
		deliverErr := e.deliver(ctx, entry)
		if err := e.settle(ctx, entry, deliverErr); err != nil {
			return res, fmt.Errorf("settle outbox entry %d: %w", entry.ID, err)
		}
		if deliverErr == nil {
			res.Delivered++
		} else {
			e.log.Warn("outbox delivery failed",
				"id", entry.ID,
				"action", entry.ActionType,
				"attempts", entry.Attempts,
				"status", entry.Status,
				"err", deliverErr,
			)
		}
	}
	return res, nil
}

func (e *Engine) deliver(ctx context.Context, entry *models.OutboxEntry) error {
	switch entry.ActionType {
	case models.ActionSetStatus:
		var p StatusPayload
		if err := json.Unmarshal([]byte(entry.Payload), &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return e.onec.SetOrderStatus(ctx, p.OnecOrderID, p.Status)
	case models.ActionLineProgress:
		var p LineProgressPayload
		if err := json.Unmarshal([]byte(entry.Payload), &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return e.onec.WriteLineProgress(ctx, p.OnecOrderID, p.OnecLineID, p.ItemID, p.QtyCollected)
	default:
		return fmt.Errorf("unknown action type: %s", entry.ActionType)
	}
}

// settle records a delivery outcome: done on success, rescheduled with backoff
// on a transient failure, failed after the attempt budget or on an error that
// retrying cannot fix.
func (e *Engine) settle(ctx context.Context, entry *models.OutboxEntry, deliverErr error) error {
	now := time.Now().UTC()
	entry.UpdatedAt = now

	if deliverErr == nil {
		entry.Status = models.OutboxDone
		entry.LastError = ""
		entry.NextAttemptAt = nil
	} else {
		entry.Attempts++
		entry.LastError = deliverErr.Error()
		switch {
		case isPermanent(deliverErr):
			entry.Status = models.OutboxFailed
		case entry.Attempts >= maxAttempts:
			entry.Status = models.OutboxFailed
		default:
			next := now.Add(backoffFor(entry.Attempts))
			entry.NextAttemptAt = &next
		}
	}

	return e.db.WithWriteTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewUpdate().Model(entry).WherePK().Exec(ctx)
		return err
	})
}

// isPermanent marks configuration errors: no retry schedule will conjure a
// missing status or comment field.
func isPermanent(err error) bool {
	return errors.Is(err, onec.ErrNoStatusField) || errors.Is(err, onec.ErrNoCommentField)
}
