package onec

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Oceloteg/Shishki-picking/infrastructure/config"
)

//go:embed mock_data.json
var defaultMockData []byte

// MockClient serves deterministic fixture data for tests and offline mode.
// It applies the same active-status filtering as the live client.
type MockClient struct {
	cfg  *config.Config
	path string
}

// NewMockClient returns a client backed by the embedded fixture. When path is
// configured via SetFixturePath the file is read on every fetch instead.
func NewMockClient(cfg *config.Config) *MockClient {
	return &MockClient{cfg: cfg}
}

// SetFixturePath points the client at an on-disk fixture file.
func (m *MockClient) SetFixturePath(path string) {
	m.path = path
}

type mockLine struct {
	ItemID             string   `json:"item_id"`
	ItemName           string   `json:"item_name"`
	Unit               string   `json:"unit"`
	QtyOrdered         float64  `json:"qty_ordered"`
	OnecLineID         string   `json:"onec_line_id"`
	QtyCollectedRemote *float64 `json:"qty_collected_remote"`
}

type mockOrder struct {
	OnecID       string     `json:"onec_id"`
	Number       string     `json:"number"`
	CustomerName string     `json:"customer_name"`
	CreatedAt    string     `json:"created_at"`
	ShipDeadline string     `json:"ship_deadline"`
	Comment      string     `json:"comment"`
	Status       string     `json:"status"`
	IsPosted     bool       `json:"is_posted"`
	Lines        []mockLine `json:"lines"`
}

type mockFile struct {
	Orders []mockOrder `json:"orders"`
}

// FetchActiveOrders decodes the fixture and filters it like the live client.
func (m *MockClient) FetchActiveOrders(_ context.Context) ([]RemoteOrder, error) {
	raw := defaultMockData
	if m.path != "" {
		b, err := os.ReadFile(m.path)
		if err != nil {
			return nil, fmt.Errorf("read mock fixture: %w", err)
		}
		raw = b
	}

	var f mockFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode mock fixture: %w", err)
	}

	var out []RemoteOrder
	for _, mo := range f.Orders {
		if !activeFilter(m.cfg, mo.IsPosted, mo.Status) {
			continue
		}
		o := RemoteOrder{
			OnecID:       mo.OnecID,
			Number:       mo.Number,
			CustomerName: mo.CustomerName,
			CreatedAt:    parseMockTime(mo.CreatedAt),
			ShipDeadline: parseMockTime(mo.ShipDeadline),
			Comment:      mo.Comment,
			Status:       mo.Status,
			IsPosted:     mo.IsPosted,
		}
		for _, ml := range mo.Lines {
			o.Lines = append(o.Lines, RemoteLine{
				ItemID:             ml.ItemID,
				ItemName:           ml.ItemName,
				Unit:               ml.Unit,
				QtyOrdered:         ml.QtyOrdered,
				OnecLineID:         ml.OnecLineID,
				QtyCollectedRemote: ml.QtyCollectedRemote,
			})
		}
		out = append(out, o)
	}
	return out, nil
}

// SetOrderStatus is a no-op in mock mode.
func (m *MockClient) SetOrderStatus(_ context.Context, _, _ string) error { return nil }

// SetOrderComment is a no-op in mock mode.
func (m *MockClient) SetOrderComment(_ context.Context, _, _ string) error { return nil }

// WriteLineProgress is a no-op in mock mode.
func (m *MockClient) WriteLineProgress(_ context.Context, _, _, _ string, _ float64) error {
	return nil
}

func parseMockTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
