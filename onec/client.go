// Package onec talks to a 1C OData publication (1С:Фреш standard.odata).
//
// Field and entity names are not fixed across 1C deployments, so the live
// client discovers them at runtime from one sample document; everything can
// also be pinned through configuration.
package onec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Oceloteg/Shishki-picking/infrastructure/config"
)

// RemoteLine is one order line as fetched from 1C this cycle.
type RemoteLine struct {
	ItemID     string
	ItemName   string
	Unit       string
	QtyOrdered float64
	OnecLineID string
	// QtyCollectedRemote is set when the 1C configuration has picking progress
	// fields enabled (best effort).
	QtyCollectedRemote *float64
}

// RemoteOrder is one order document as fetched from 1C this cycle. It is
// never persisted; the sync engine rebuilds it on every fetch.
type RemoteOrder struct {
	OnecID       string
	Number       string
	CustomerName string
	CreatedAt    *time.Time
	ShipDeadline *time.Time
	Comment      string
	Status       string
	IsPosted     bool
	Lines        []RemoteLine
}

// Client is the gateway contract toward 1C. Two implementations exist: the
// fixture-backed MockClient and the live ODataClient.
type Client interface {
	FetchActiveOrders(ctx context.Context) ([]RemoteOrder, error)
	SetOrderStatus(ctx context.Context, onecID, status string) error
	SetOrderComment(ctx context.Context, onecID, comment string) error
	WriteLineProgress(ctx context.Context, onecOrderID, onecLineID, itemID string, qtyCollected float64) error
}

// New builds the client selected by ONEC_MODE.
func New(cfg *config.Config, log *slog.Logger) (Client, error) {
	switch cfg.OnecMode {
	case "mock":
		return NewMockClient(cfg), nil
	case "odata":
		return NewODataClient(cfg, log)
	default:
		return nil, fmt.Errorf("unknown ONEC_MODE: %q", cfg.OnecMode)
	}
}

// activeFilter reports whether an order with this posted flag and status label
// should be visible on the board. Status labels are compared case-insensitively.
func activeFilter(cfg *config.Config, isPosted bool, status string) bool {
	if isPosted {
		return false
	}
	st := fold(status)
	if st == fold(cfg.StatusShipped) || st == fold(cfg.StatusFinished) {
		return false
	}
	for _, s := range cfg.ActiveStatuses {
		if st == fold(s) {
			return true
		}
	}
	return false
}
