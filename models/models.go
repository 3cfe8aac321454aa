package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Order is the local mirror of one 1C customer order.
//
// OnecID is the join key to the remote document. IsActive is the only field
// the serving layer reads to decide visibility: it is true iff the order was
// present in the latest successful fetch, unposted and not shipped/finished.
type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID     int64  `bun:"id,pk,autoincrement" json:"id"`
	OnecID string `bun:"onec_id,unique,notnull" json:"onec_id"`

	Number       string `bun:"number" json:"number"`
	CustomerName string `bun:"customer_name" json:"customer_name"`

	CreatedAt    *time.Time `bun:"created_at" json:"created_at"`
	ShipDeadline *time.Time `bun:"ship_deadline" json:"ship_deadline"`

	Comment string `bun:"comment" json:"comment"`

	OnecStatus string `bun:"onec_status" json:"onec_status"`
	IsPosted   bool   `bun:"is_posted,notnull,default:false" json:"is_posted"`
	IsActive   bool   `bun:"is_active,notnull,default:true" json:"is_active"`

	// BaselineCapturedAt marks the one-time snapshot of the order's original
	// line composition; set on the first sync that creates this order's lines.
	BaselineCapturedAt *time.Time `bun:"baseline_captured_at" json:"baseline_captured_at"`
	LastSyncedAt       *time.Time `bun:"last_synced_at" json:"last_synced_at"`
	UpdatedAt          time.Time  `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`

	Lines []*OrderLine `bun:"rel:has-many,join:id=order_id" json:"-"`
}

// OrderLine is one order line, matched across syncs by LineKey.
type OrderLine struct {
	bun.BaseModel `bun:"table:order_lines,alias:ol"`

	ID      int64 `bun:"id,pk,autoincrement" json:"id"`
	OrderID int64 `bun:"order_id,notnull" json:"order_id"`

	// LineKey is the stable identity: the remote line id when 1C supplies one,
	// else itemID:index recorded at first sight.
	LineKey string `bun:"line_key,notnull" json:"line_key"`

	OnecLineID string `bun:"onec_line_id" json:"onec_line_id"`

	ItemID   string `bun:"item_id,notnull" json:"item_id"`
	ItemName string `bun:"item_name,notnull" json:"item_name"`
	Unit     string `bun:"unit" json:"unit"`

	QtyOrdered   float64 `bun:"qty_ordered,notnull,default:0" json:"qty_ordered"`
	QtyCollected float64 `bun:"qty_collected,notnull,default:0" json:"qty_collected"`

	SortIndex int64 `bun:"sort_index,notnull,default:0" json:"sort_index"`

	// BaselineQtyOrdered is the ordered quantity at baseline capture; lines
	// created after capture have IsAdded=true and BaselineQtyOrdered=0.
	BaselineQtyOrdered float64 `bun:"baseline_qty_ordered,notnull,default:0" json:"baseline_qty_ordered"`
	IsAdded            bool    `bun:"is_added,notnull,default:false" json:"is_added"`
	// IsRemoved flags lines that vanished from a later remote fetch; rows are
	// kept for history, never deleted.
	IsRemoved  bool       `bun:"is_removed,notnull,default:false" json:"is_removed"`
	LastSeenAt *time.Time `bun:"last_seen_at" json:"last_seen_at"`
}

// Outbox entry states.
const (
	OutboxPending = "pending"
	OutboxDone    = "done"
	OutboxFailed  = "failed"
)

// Outbox action kinds.
const (
	ActionSetStatus    = "set_status"
	ActionLineProgress = "line_progress"
)

// OutboxEntry is a durable write-intent toward 1C. Entries are consumed by the
// delivery queue and kept after completion for audit.
type OutboxEntry struct {
	bun.BaseModel `bun:"table:outbox_entries,alias:ob"`

	ID         int64  `bun:"id,pk,autoincrement"`
	ActionType string `bun:"action_type,notnull"`
	Payload    string `bun:"payload_json,notnull"`

	Status        string     `bun:"status,notnull,default:'pending'"`
	Attempts      int        `bun:"attempts,notnull,default:0"`
	LastError     string     `bun:"last_error"`
	NextAttemptAt *time.Time `bun:"next_attempt_at"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// Session is a logged-in picker session backing the auth cookie.
type Session struct {
	bun.BaseModel `bun:"table:sessions,alias:s"`

	ID        string    `bun:"id,pk"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// Expired returns true when the session expiry time has passed.
func (s Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}
