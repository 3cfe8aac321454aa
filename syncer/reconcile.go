// Package syncer keeps the local order mirror and 1C convergent: it pulls
// active orders into sqlite and pushes user-driven writes back through a
// durable outbox.
package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/Oceloteg/Shishki-picking/infrastructure/config"
	"github.com/Oceloteg/Shishki-picking/infrastructure/sqlite"
	"github.com/Oceloteg/Shishki-picking/models"
	"github.com/Oceloteg/Shishki-picking/onec"
)

// EPS absorbs float drift in quantity comparisons.
const EPS = 1e-9

// Engine owns both sync directions over one database and one 1C client.
type Engine struct {
	db   *sqlite.DB
	cfg  *config.Config
	onec onec.Client
	log  *slog.Logger
}

func New(db *sqlite.DB, cfg *config.Config, client onec.Client, log *slog.Logger) *Engine {
	return &Engine{db: db, cfg: cfg, onec: client, log: log}
}

// SyncResult reports one reconciliation cycle.
type SyncResult struct {
	Fetched  int `json:"fetched"`
	Upserted int `json:"upserted"`
}

// SyncFromRemote fetches the active orders and reconciles them into the local
// store. All mutations commit as one transaction: a failure mid-cycle leaves
// the previously-committed state untouched.
func (e *Engine) SyncFromRemote(ctx context.Context) (SyncResult, error) {
	var res SyncResult

	remote, err := e.onec.FetchActiveOrders(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch active orders: %w", err)
	}
	res.Fetched = len(remote)

	err = e.db.WithWriteTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now().UTC()

		seen := make([]string, 0, len(remote))
		for _, ro := range remote {
			seen = append(seen, ro.OnecID)
			if err := e.upsertOrder(ctx, tx, ro, now); err != nil {
				return fmt.Errorf("upsert order %s: %w", ro.OnecID, err)
			}
			res.Upserted++
		}

		// Orders that fell out of the fetch are no longer on the board:
		// posted, moved to a terminal status, or dropped from the filter.
		q := tx.NewUpdate().Model((*models.Order)(nil)).
			Set("is_active = ?", false).
			Set("updated_at = ?", now).
			Where("is_active = ?", true)
		if len(seen) > 0 {
			q = q.Where("onec_id NOT IN (?)", bun.In(seen))
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("deactivate absent orders: %w", err)
		}
		return nil
	})
	if err != nil {
		return SyncResult{}, err
	}
	return res, nil
}

func (e *Engine) upsertOrder(ctx context.Context, tx bun.Tx, ro onec.RemoteOrder, now time.Time) error {
	ord := new(models.Order)
	err := tx.NewSelect().Model(ord).Where("onec_id = ?", ro.OnecID).Scan(ctx)
	created := false
	if errors.Is(err, sql.ErrNoRows) {
		ord = &models.Order{OnecID: ro.OnecID}
		created = true
	} else if err != nil {
		return err
	}

	ord.Number = ro.Number
	ord.CustomerName = ro.CustomerName
	ord.CreatedAt = ro.CreatedAt
	ord.ShipDeadline = ro.ShipDeadline
	ord.Comment = ro.Comment
	ord.OnecStatus = ro.Status
	ord.IsPosted = ro.IsPosted

	// The gateway already filters, but re-check: a posted or terminal order
	// must never show as active no matter what the fetch returned.
	st := foldLabel(ro.Status)
	ord.IsActive = !ro.IsPosted &&
		st != foldLabel(e.cfg.StatusShipped) &&
		st != foldLabel(e.cfg.StatusFinished)

	ord.LastSyncedAt = &now
	ord.UpdatedAt = now

	if created {
		if _, err := tx.NewInsert().Model(ord).Exec(ctx); err != nil {
			return err
		}
	} else {
		if _, err := tx.NewUpdate().Model(ord).WherePK().Exec(ctx); err != nil {
			return err
		}
	}

	return e.reconcileLines(ctx, tx, ord, ro.Lines, now)
}

func (e *Engine) reconcileLines(ctx context.Context, tx bun.Tx, ord *models.Order, lines []onec.RemoteLine, now time.Time) error {
	var existing []*models.OrderLine
	if err := tx.NewSelect().Model(&existing).Where("order_id = ?", ord.ID).Scan(ctx); err != nil {
		return err
	}
	byKey := make(map[string]*models.OrderLine, len(existing))
	for _, l := range existing {
		byKey[l.LineKey] = l
	}

	baselineCaptured := ord.BaselineCapturedAt != nil
	createdAny := false
	seenKeys := make(map[string]bool, len(lines))

	for idx, rl := range lines {
		key := rl.OnecLineID
		if key == "" {
			key = fmt.Sprintf("%s:%d", rl.ItemID, idx)
		}
		seenKeys[key] = true

		row, ok := byKey[key]
		if !ok {
			row = &models.OrderLine{
				OrderID: ord.ID,
				LineKey: key,
			}
			// Import remote-reported progress only for genuinely new lines;
			// for known lines the local count is the source of truth.
			if rl.QtyCollectedRemote != nil {
				row.QtyCollected = *rl.QtyCollectedRemote
			}
			if baselineCaptured {
				row.IsAdded = true
			} else {
				row.BaselineQtyOrdered = rl.QtyOrdered
			}
			createdAny = true
		}

		row.OnecLineID = rl.OnecLineID
		row.ItemID = rl.ItemID
		row.ItemName = rl.ItemName
		row.Unit = rl.Unit
		row.QtyOrdered = rl.QtyOrdered
		row.SortIndex = int64(idx)
		row.IsRemoved = false
		row.LastSeenAt = &now

		if row.QtyCollected < 0 {
			row.QtyCollected = 0
		}
		if row.QtyCollected > row.QtyOrdered+EPS {
			row.QtyCollected = row.QtyOrdered
		}

		if !ok {
			if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
				return err
			}
		} else {
			if _, err := tx.NewUpdate().Model(row).WherePK().Exec(ctx); err != nil {
				return err
			}
		}
	}

	// Lines gone from 1C are flagged, never deleted; history survives.
	for _, row := range existing {
		if seenKeys[row.LineKey] || row.IsRemoved {
			continue
		}
		row.IsRemoved = true
		if _, err := tx.NewUpdate().Model(row).
			Column("is_removed").
			WherePK().Exec(ctx); err != nil {
			return err
		}
	}

	if !baselineCaptured && createdAny {
		ord.BaselineCapturedAt = &now
		if _, err := tx.NewUpdate().Model(ord).
			Column("baseline_captured_at").
			WherePK().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func foldLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
