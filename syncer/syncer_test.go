package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/uptrace/bun"

	"github.com/Oceloteg/Shishki-picking/infrastructure/config"
	"github.com/Oceloteg/Shishki-picking/infrastructure/sqlite"
	"github.com/Oceloteg/Shishki-picking/models"
	"github.com/Oceloteg/Shishki-picking/onec"
)

func openTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlite.OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlite.ApplyEmbeddedMigrations(context.Background(), db); err != nil {
		t.Fatalf("ApplyEmbeddedMigrations: %v", err)
	}
	return db
}

func testCfg() *config.Config {
	return &config.Config{
		StatusPicking:  "На сборке",
		StatusPicked:   "Собран",
		StatusInWork:   "В работе",
		StatusShipped:  "Отгружен",
		StatusFinished: "Завершен",
		ActiveStatuses: []string{"На сборке", "В работе", "Собран"},
	}
}

var errRemoteDown = errors.New("1C request failed: connection refused")

// fakeClient is a scriptable gateway: fixed fetch result, optional scripted
// write failures, and a record of every delivered write.
type fakeClient struct {
	mu sync.Mutex

	orders   []onec.RemoteOrder
	fetchErr error

	// statusFailures many SetOrderStatus calls fail transiently before
	// succeeding; permErr (when set) fails every write permanently.
	statusFailures int
	permErr        error

	statusCalls   []StatusPayload
	progressCalls []LineProgressPayload
}

func (f *fakeClient) FetchActiveOrders(context.Context) ([]onec.RemoteOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]onec.RemoteOrder, len(f.orders))
	copy(out, f.orders)
	return out, nil
}

func (f *fakeClient) SetOrderStatus(_ context.Context, onecID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.permErr != nil {
		return f.permErr
	}
	if f.statusFailures > 0 {
		f.statusFailures--
		return errRemoteDown
	}
	f.statusCalls = append(f.statusCalls, StatusPayload{OnecOrderID: onecID, Status: status})
	return nil
}

func (f *fakeClient) SetOrderComment(context.Context, string, string) error { return nil }

func (f *fakeClient) WriteLineProgress(_ context.Context, orderID, lineID, itemID string, qty float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.permErr != nil {
		return f.permErr
	}
	f.progressCalls = append(f.progressCalls, LineProgressPayload{
		OnecOrderID:  orderID,
		OnecLineID:   lineID,
		ItemID:       itemID,
		QtyCollected: qty,
	})
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeClient) {
	t.Helper()
	fake := &fakeClient{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(openTestDB(t), testCfg(), fake, log), fake
}

func remoteOrder(onecID, number, status string, lines ...onec.RemoteLine) onec.RemoteOrder {
	return onec.RemoteOrder{
		OnecID: onecID,
		Number: number,
		Status: status,
		Lines:  lines,
	}
}

func remoteLine(lineID, itemID, name string, qty float64) onec.RemoteLine {
	return onec.RemoteLine{
		OnecLineID: lineID,
		ItemID:     itemID,
		ItemName:   name,
		Unit:       "шт",
		QtyOrdered: qty,
	}
}

func loadOrder(t *testing.T, e *Engine, onecID string) *models.Order {
	t.Helper()
	ord := new(models.Order)
	err := e.db.WithReadTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		return tx.NewSelect().Model(ord).
			Relation("Lines", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Order("sort_index ASC", "id ASC")
			}).
			Where("onec_id = ?", onecID).
			Scan(ctx)
	})
	if err != nil {
		t.Fatalf("load order %s: %v", onecID, err)
	}
	return ord
}

func lineByKey(t *testing.T, ord *models.Order, key string) *models.OrderLine {
	t.Helper()
	for _, l := range ord.Lines {
		if l.LineKey == key {
			return l
		}
	}
	t.Fatalf("order %s has no line %q", ord.OnecID, key)
	return nil
}

func setCollected(t *testing.T, e *Engine, lineID int64, qty float64) {
	t.Helper()
	err := e.db.WithWriteTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewUpdate().Model((*models.OrderLine)(nil)).
			Set("qty_collected = ?", qty).
			Where("id = ?", lineID).
			Exec(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("set collected: %v", err)
	}
}

func loadOutbox(t *testing.T, e *Engine) []*models.OutboxEntry {
	t.Helper()
	var entries []*models.OutboxEntry
	err := e.db.WithReadTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		return tx.NewSelect().Model(&entries).Order("id ASC").Scan(ctx)
	})
	if err != nil {
		t.Fatalf("load outbox: %v", err)
	}
	return entries
}

// makeDue pulls every scheduled retry into the past so Drain picks it up.
func makeDue(t *testing.T, e *Engine) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Second)
	err := e.db.WithWriteTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewUpdate().Model((*models.OutboxEntry)(nil)).
			Set("next_attempt_at = ?", past).
			Where("status = ?", models.OutboxPending).
			Exec(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("make due: %v", err)
	}
}
