package syncer

import (
	"context"
	"testing"

	"github.com/Oceloteg/Shishki-picking/onec"
)

func TestFirstSyncCapturesBaseline(t *testing.T) {
	e, fake := newTestEngine(t)
	fake.orders = []onec.RemoteOrder{
		remoteOrder("ord-1", "УТ-1", "На сборке",
			remoteLine("1", "item-a", "Шишка", 5),
			remoteLine("2", "item-b", "Орех", 3),
		),
	}

	res, err := e.SyncFromRemote(context.Background())
	if err != nil {
		t.Fatalf("SyncFromRemote: %v", err)
	}
	if res.Fetched != 1 || res.Upserted != 1 {
		t.Fatalf("res = %+v", res)
	}

	ord := loadOrder(t, e, "ord-1")
	if !ord.IsActive {
		t.Errorf("order should be active")
	}
	if ord.BaselineCapturedAt == nil {
		t.Fatalf("baseline must be captured on the creating cycle")
	}
	if len(ord.Lines) != 2 {
		t.Fatalf("got %d lines", len(ord.Lines))
	}
	for i, wantQty := range []float64{5, 3} {
		l := ord.Lines[i]
		if l.IsAdded {
			t.Errorf("line %d: baseline-cycle line must not be flagged added", i)
		}
		if l.BaselineQtyOrdered != wantQty {
			t.Errorf("line %d: baseline qty = %v, want %v", i, l.BaselineQtyOrdered, wantQty)
		}
		if l.QtyCollected != 0 {
			t.Errorf("line %d: collected = %v, want 0", i, l.QtyCollected)
		}
	}
}

func TestSecondSyncIsIdempotent(t *testing.T) {
	e, fake := newTestEngine(t)
	fake.orders = []onec.RemoteOrder{
		remoteOrder("ord-1", "УТ-1", "На сборке",
			remoteLine("1", "item-a", "Шишка", 5),
		),
	}

	if _, err := e.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	first := loadOrder(t, e, "ord-1")

	if _, err := e.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	second := loadOrder(t, e, "ord-1")

	if !second.BaselineCapturedAt.Equal(*first.BaselineCapturedAt) {
		t.Errorf("baseline moved: %v -> %v", first.BaselineCapturedAt, second.BaselineCapturedAt)
	}
	if len(second.Lines) != 1 {
		t.Fatalf("got %d lines after resync", len(second.Lines))
	}
	l := second.Lines[0]
	if l.IsAdded || l.IsRemoved {
		t.Errorf("unchanged snapshot must not flip flags: added=%v removed=%v", l.IsAdded, l.IsRemoved)
	}
	if l.ID != first.Lines[0].ID {
		t.Errorf("line row was recreated: id %d -> %d", first.Lines[0].ID, l.ID)
	}
}

func TestLineRemovalIsSoftAndAdditionIsFlagged(t *testing.T) {
	e, fake := newTestEngine(t)
	fake.orders = []onec.RemoteOrder{
		remoteOrder("ord-1", "УТ-1", "На сборке",
			remoteLine("1", "item-a", "Шишка", 5),
			remoteLine("2", "item-b", "Орех", 3),
		),
	}
	if _, err := e.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	fake.orders = []onec.RemoteOrder{
		remoteOrder("ord-1", "УТ-1", "На сборке",
			remoteLine("1", "item-a", "Шишка", 5),
			remoteLine("3", "item-c", "Масло", 2),
		),
	}
	if _, err := e.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	ord := loadOrder(t, e, "ord-1")
	if len(ord.Lines) != 3 {
		t.Fatalf("got %d lines, want 3 (soft delete keeps history)", len(ord.Lines))
	}

	kept := lineByKey(t, ord, "1")
	if kept.IsAdded || kept.IsRemoved {
		t.Errorf("kept line flags: added=%v removed=%v", kept.IsAdded, kept.IsRemoved)
	}
	gone := lineByKey(t, ord, "2")
	if !gone.IsRemoved {
		t.Errorf("vanished line must be flagged removed")
	}
	added := lineByKey(t, ord, "3")
	if !added.IsAdded {
		t.Errorf("post-baseline line must be flagged added")
	}
	if added.BaselineQtyOrdered != 0 {
		t.Errorf("post-baseline line baseline qty = %v, want 0", added.BaselineQtyOrdered)
	}
}

func TestRemovedLineReappears(t *testing.T) {
	e, fake := newTestEngine(t)
	withBoth := []onec.RemoteOrder{
		remoteOrder("ord-1", "УТ-1", "На сборке",
			remoteLine("1", "item-a", "Шишка", 5),
			remoteLine("2", "item-b", "Орех", 3),
		),
	}
	fake.orders = withBoth
	if _, err := e.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	fake.orders = []onec.RemoteOrder{
		remoteOrder("ord-1", "УТ-1", "На сборке",
			remoteLine("1", "item-a", "Шишка", 5),
		),
	}
	if _, err := e.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	fake.orders = withBoth
	if _, err := e.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("third sync: %v", err)
	}

	back := lineByKey(t, loadOrder(t, e, "ord-1"), "2")
	if back.IsRemoved {
		t.Errorf("reappeared line must drop the removed flag")
	}
}

func TestCollectedClampsToOrderedDecrease(t *testing.T) {
	e, fake := newTestEngine(t)
	fake.orders = []onec.RemoteOrder{
		remoteOrder("ord-1", "УТ-1", "На сборке",
			remoteLine("1", "item-a", "Шишка", 5),
		),
	}
	if _, err := e.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	ord := loadOrder(t, e, "ord-1")
	setCollected(t, e, ord.Lines[0].ID, 5)

	fake.orders = []onec.RemoteOrder{
		remoteOrder("ord-1", "УТ-1", "На сборке",
			remoteLine("1", "item-a", "Шишка", 3),
		),
	}
	if _, err := e.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	l := loadOrder(t, e, "ord-1").Lines[0]
	if l.QtyOrdered != 3 {
		t.Errorf("ordered = %v, want 3", l.QtyOrdered)
	}
	if l.QtyCollected != 3 {
		t.Errorf("collected = %v, want clamped to 3", l.QtyCollected)
	}
}

func TestRemoteProgressImportedOnlyForNewLines(t *testing.T) {
	e, fake := newTestEngine(t)
	four := 4.0
	line := remoteLine("1", "item-a", "Масло", 12)
	line.QtyCollectedRemote = &four
	fake.orders = []onec.RemoteOrder{remoteOrder("ord-1", "УТ-1", "В работе", line)}

	if _, err := e.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if got := loadOrder(t, e, "ord-1").Lines[0].QtyCollected; got != 4 {
		t.Fatalf("new line should import remote progress, got %v", got)
	}

	// Remote progress changes later; the local count stays authoritative.
	seven := 7.0
	line.QtyCollectedRemote = &seven
	fake.orders = []onec.RemoteOrder{remoteOrder("ord-1", "УТ-1", "В работе", line)}
	if _, err := e.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got := loadOrder(t, e, "ord-1").Lines[0].QtyCollected; got != 4 {
		t.Errorf("existing line must keep local progress, got %v", got)
	}
}

func TestAbsentOrdersAreDeactivated(t *testing.T) {
	e, fake := newTestEngine(t)
	fake.orders = []onec.RemoteOrder{
		remoteOrder("ord-1", "УТ-1", "На сборке", remoteLine("1", "item-a", "Шишка", 5)),
	}
	if _, err := e.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	fake.orders = nil
	if _, err := e.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	ord := loadOrder(t, e, "ord-1")
	if ord.IsActive {
		t.Errorf("order absent from fetch must be deactivated")
	}
	if len(ord.Lines) != 1 {
		t.Errorf("deactivation must not touch lines, got %d", len(ord.Lines))
	}
}

func TestTerminalStatusNeverActive(t *testing.T) {
	e, fake := newTestEngine(t)
	// Defensive re-check: even if the gateway let these through.
	posted := remoteOrder("ord-p", "УТ-2", "На сборке")
	posted.IsPosted = true
	fake.orders = []onec.RemoteOrder{
		posted,
		remoteOrder("ord-s", "УТ-3", "отгружен"),
	}

	if _, err := e.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("SyncFromRemote: %v", err)
	}
	if loadOrder(t, e, "ord-p").IsActive {
		t.Errorf("posted order must not be active")
	}
	if loadOrder(t, e, "ord-s").IsActive {
		t.Errorf("shipped order must not be active, case-insensitively")
	}
}

func TestFetchFailureLeavesStateUntouched(t *testing.T) {
	e, fake := newTestEngine(t)
	fake.orders = []onec.RemoteOrder{
		remoteOrder("ord-1", "УТ-1", "На сборке", remoteLine("1", "item-a", "Шишка", 5)),
	}
	if _, err := e.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	fake.fetchErr = errRemoteDown
	if _, err := e.SyncFromRemote(context.Background()); err == nil {
		t.Fatalf("fetch failure must surface")
	}

	ord := loadOrder(t, e, "ord-1")
	if !ord.IsActive {
		t.Errorf("failed cycle must not deactivate anything")
	}
}
