// Package picking holds the board rules: per-order progress, column
// placement, urgency markers and the board sort order. Everything here is a
// pure function over loaded models; no I/O.
package picking

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Oceloteg/Shishki-picking/infrastructure/config"
	"github.com/Oceloteg/Shishki-picking/models"
)

// EPS absorbs float drift in quantity comparisons.
const EPS = 1e-9

// Board columns.
const (
	ColumnNotStarted = "not_started"
	ColumnPicking    = "picking"
	ColumnPicked     = "picked"
)

// Urgency codes.
const (
	UrgencyOverdue = "overdue"
	UrgencyDueSoon = "due_soon"
	UrgencyStale   = "stale"
)

// Progress summarizes one order's picking state over its active lines.
type Progress struct {
	TotalLines   int     `json:"total_lines"`
	LinesDone    int     `json:"lines_done"`
	TotalQty     float64 `json:"total_qty"`
	CollectedQty float64 `json:"collected_qty"`
	Pct          float64 `json:"pct"`
}

// IsLineDone reports whether a line's collected quantity covers the order.
func IsLineDone(qtyCollected, qtyOrdered float64) bool {
	return qtyCollected+EPS >= qtyOrdered
}

// activeLines drops removed lines: they are history, not work.
func activeLines(o *models.Order) []*models.OrderLine {
	out := make([]*models.OrderLine, 0, len(o.Lines))
	for _, l := range o.Lines {
		if !l.IsRemoved {
			out = append(out, l)
		}
	}
	return out
}

// CalcProgress computes quantity-based progress across active lines. An order
// with zero active lines has zero progress and is never complete.
func CalcProgress(o *models.Order) Progress {
	lines := activeLines(o)
	p := Progress{TotalLines: len(lines)}
	if p.TotalLines == 0 {
		return p
	}

	for _, l := range lines {
		if IsLineDone(l.QtyCollected, l.QtyOrdered) {
			p.LinesDone++
		}
		p.TotalQty += l.QtyOrdered
		p.CollectedQty += math.Min(l.QtyCollected, l.QtyOrdered)
	}
	if p.TotalQty > EPS {
		p.Pct = math.Round(p.CollectedQty/p.TotalQty*1000) / 10
	}
	return p
}

// IsComplete reports full collection: every active line done and at least one
// line present.
func IsComplete(o *models.Order) bool {
	p := CalcProgress(o)
	return p.TotalQty > EPS && p.CollectedQty+EPS >= p.TotalQty
}

// Column places an order on the board:
// picked when the 1C status says so or everything is collected, picking when
// the status says so or any progress exists, not_started otherwise.
func Column(cfg *config.Config, o *models.Order) string {
	st := fold(o.OnecStatus)
	if st != "" && st == fold(cfg.StatusPicked) {
		return ColumnPicked
	}
	if IsComplete(o) {
		return ColumnPicked
	}

	hasProgress := false
	for _, l := range activeLines(o) {
		if l.QtyCollected > EPS {
			hasProgress = true
			break
		}
	}
	if (st != "" && st == fold(cfg.StatusPicking)) || hasProgress {
		return ColumnPicking
	}
	return ColumnNotStarted
}

// Urgency returns a code and a human label, or empty strings when the order
// needs no marker. Deadline arithmetic is day-based; the deadline's calendar
// date is taken as the business date without timezone conversion.
func Urgency(cfg *config.Config, o *models.Order, now time.Time) (string, string) {
	today := now.UTC().Truncate(24 * time.Hour)

	if o.ShipDeadline != nil {
		ddl := o.ShipDeadline.Truncate(24 * time.Hour)
		daysTo := int(ddl.Sub(today).Hours() / 24)
		switch {
		case daysTo < 0:
			return UrgencyOverdue, fmt.Sprintf("Дедлайн просрочен на %dд", -daysTo)
		case daysTo == 0:
			return UrgencyDueSoon, "Дедлайн сегодня"
		case daysTo == 1:
			return UrgencyDueSoon, "Дедлайн завтра"
		}
	}

	if Column(cfg, o) != ColumnPicked && o.CreatedAt != nil {
		ageDays := int(now.UTC().Sub(o.CreatedAt.UTC()).Hours() / 24)
		thresholdDays := (cfg.StaleHours + 23) / 24
		if thresholdDays < 1 {
			thresholdDays = 1
		}
		if ageDays >= thresholdDays {
			return UrgencyStale, fmt.Sprintf("Висит %dд", ageDays)
		}
	}
	return "", ""
}

// SortForBoard orders the board: deadline day ascending with deadline-less
// orders last, then older created_at first. Stable, so equal keys keep their
// incoming order.
func SortForBoard(orders []*models.Order) []*models.Order {
	out := make([]*models.Order, len(orders))
	copy(out, orders)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]

		aHas, bHas := a.ShipDeadline != nil, b.ShipDeadline != nil
		if aHas != bHas {
			return aHas
		}
		if aHas && bHas {
			ad := a.ShipDeadline.Truncate(24 * time.Hour)
			bd := b.ShipDeadline.Truncate(24 * time.Hour)
			if !ad.Equal(bd) {
				return ad.Before(bd)
			}
		}

		switch {
		case a.CreatedAt == nil && b.CreatedAt == nil:
			return false
		case a.CreatedAt == nil:
			return false
		case b.CreatedAt == nil:
			return true
		default:
			return a.CreatedAt.Before(*b.CreatedAt)
		}
	})
	return out
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
