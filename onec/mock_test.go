package onec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestMockClientFiltersFixture(t *testing.T) {
	cfg := testConfig("")
	cfg.OnecMode = "mock"
	m := NewMockClient(cfg)

	orders, err := m.FetchActiveOrders(context.Background())
	if err != nil {
		t.Fatalf("FetchActiveOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d orders, want 2 (posted shipped order hidden)", len(orders))
	}

	byNumber := make(map[string]RemoteOrder, len(orders))
	for _, o := range orders {
		byNumber[o.Number] = o
	}
	o, ok := byNumber["УТ-000123"]
	if !ok {
		t.Fatalf("УТ-000123 missing: %v", byNumber)
	}
	if o.Status != "На сборке" || len(o.Lines) != 2 {
		t.Errorf("УТ-000123: status=%q lines=%d", o.Status, len(o.Lines))
	}
	if o.ShipDeadline == nil {
		t.Errorf("УТ-000123: ship deadline should parse")
	}

	second := byNumber["УТ-000124"]
	if len(second.Lines) != 1 || second.Lines[0].QtyCollectedRemote == nil || *second.Lines[0].QtyCollectedRemote != 4 {
		t.Errorf("УТ-000124: remote progress not carried: %+v", second.Lines)
	}
	if second.ShipDeadline != nil {
		t.Errorf("empty deadline should stay nil, got %v", second.ShipDeadline)
	}
}

func TestMockClientFixturePath(t *testing.T) {
	cfg := testConfig("")
	cfg.OnecMode = "mock"
	m := NewMockClient(cfg)

	path := filepath.Join(t.TempDir(), "fixture.json")
	fixture := `{"orders":[{"onec_id":"x","number":"N-1","status":"В работе","is_posted":false,"lines":[]}]}`
	if err := os.WriteFile(path, []byte(fixture), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	m.SetFixturePath(path)

	orders, err := m.FetchActiveOrders(context.Background())
	if err != nil {
		t.Fatalf("FetchActiveOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].Number != "N-1" {
		t.Fatalf("orders = %+v", orders)
	}
}

func TestActiveFilter(t *testing.T) {
	cfg := testConfig("")

	cases := []struct {
		posted bool
		status string
		want   bool
	}{
		{false, "На сборке", true},
		{false, "на сборке", true},
		{false, "В работе", true},
		{false, "Собран", true},
		{false, "Отгружен", false},
		{false, "Завершен", false},
		{false, "Черновик", false},
		{true, "На сборке", false},
	}
	for _, tc := range cases {
		if got := activeFilter(cfg, tc.posted, tc.status); got != tc.want {
			t.Errorf("activeFilter(posted=%v, %q) = %v, want %v", tc.posted, tc.status, got, tc.want)
		}
	}
}

func TestNewSelectsImplementation(t *testing.T) {
	cfg := testConfig("http://example.invalid")
	cfg.OnecMode = "mock"
	c, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New(mock): %v", err)
	}
	if _, ok := c.(*MockClient); !ok {
		t.Fatalf("New(mock) returned %T", c)
	}

	cfg.OnecMode = "odata"
	c, err = New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New(odata): %v", err)
	}
	if _, ok := c.(*ODataClient); !ok {
		t.Fatalf("New(odata) returned %T", c)
	}

	cfg.OnecMode = "bogus"
	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatalf("New(bogus) should fail")
	}
}
