package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/uptrace/bun"

	"github.com/Oceloteg/Shishki-picking/models"
	"github.com/Oceloteg/Shishki-picking/picking"
	"github.com/Oceloteg/Shishki-picking/syncer"
)

// OrderOut is one order as the board sees it: mirror fields plus derived
// progress, column and urgency.
type OrderOut struct {
	ID           int64      `json:"id"`
	OnecID       string     `json:"onec_id"`
	Number       string     `json:"number"`
	CustomerName string     `json:"customer_name"`
	CreatedAt    *time.Time `json:"created_at"`
	ShipDeadline *time.Time `json:"ship_deadline"`
	Comment      string     `json:"comment"`
	OnecStatus   string     `json:"onec_status"`
	IsPosted     bool       `json:"is_posted"`

	TotalLines   int     `json:"total_lines"`
	LinesDone    int     `json:"lines_done"`
	TotalQty     float64 `json:"total_qty"`
	CollectedQty float64 `json:"collected_qty"`
	Pct          float64 `json:"pct"`

	Column      string `json:"column"`
	Urgency     string `json:"urgency,omitempty"`
	UrgencyText string `json:"urgency_text,omitempty"`
}

func (s *Server) orderOut(o *models.Order) OrderOut {
	p := picking.CalcProgress(o)
	urgency, urgencyText := picking.Urgency(s.cfg, o, time.Now())
	return OrderOut{
		ID:           o.ID,
		OnecID:       o.OnecID,
		Number:       o.Number,
		CustomerName: o.CustomerName,
		CreatedAt:    o.CreatedAt,
		ShipDeadline: o.ShipDeadline,
		Comment:      o.Comment,
		OnecStatus:   o.OnecStatus,
		IsPosted:     o.IsPosted,

		TotalLines:   p.TotalLines,
		LinesDone:    p.LinesDone,
		TotalQty:     p.TotalQty,
		CollectedQty: p.CollectedQty,
		Pct:          p.Pct,

		Column:      picking.Column(s.cfg, o),
		Urgency:     urgency,
		UrgencyText: urgencyText,
	}
}

type orderWithLines struct {
	Order OrderOut            `json:"order"`
	Lines []*models.OrderLine `json:"lines"`
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}

	var orders []*models.Order
	err := s.db.WithReadTx(r.Context(), func(ctx context.Context, tx bun.Tx) error {
		return tx.NewSelect().Model(&orders).
			Relation("Lines", lineOrder).
			Where("is_active = ?", true).
			Order("id DESC").
			Limit(limit).
			Scan(ctx)
	})
	if err != nil {
		s.log.Error("list orders", "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load orders")
		return
	}

	sorted := picking.SortForBoard(orders)
	out := make([]orderWithLines, 0, len(sorted))
	for _, o := range sorted {
		out = append(out, orderWithLines{Order: s.orderOut(o), Lines: o.Lines})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func lineOrder(q *bun.SelectQuery) *bun.SelectQuery {
	return q.Order("sort_index ASC", "id ASC")
}

func (s *Server) loadOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	ord := new(models.Order)
	err := s.db.WithReadTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return tx.NewSelect().Model(ord).
			Relation("Lines", lineOrder).
			Where("o.id = ?", id).
			Scan(ctx)
	})
	if err != nil {
		return nil, err
	}
	return ord, nil
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "orderID")
	if !ok {
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	ord, err := s.loadOrderByID(r.Context(), id)
	if err != nil || !ord.IsActive {
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			s.log.Error("get order", "id", id, "err", err)
		}
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	s.writeJSON(w, http.StatusOK, orderWithLines{Order: s.orderOut(ord), Lines: ord.Lines})
}

// handleOpenOrder moves a freshly opened order into the picking status, both
// locally and (through the outbox) in 1C.
func (s *Server) handleOpenOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "orderID")
	if !ok {
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	ord, err := s.loadOrderByID(r.Context(), id)
	if err != nil || !ord.IsActive {
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	if err := s.ensurePickingStatus(r.Context(), ord); err != nil {
		s.log.Error("open order", "id", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to open order")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ensurePickingStatus flips an untouched order to the picking status once
// work on it starts. Already picking or picked orders are left alone.
func (s *Server) ensurePickingStatus(ctx context.Context, ord *models.Order) error {
	st := fold(ord.OnecStatus)
	if st == fold(s.cfg.StatusPicking) || st == fold(s.cfg.StatusPicked) {
		return nil
	}
	if err := s.setLocalStatus(ctx, ord, s.cfg.StatusPicking); err != nil {
		return err
	}
	return s.eng.EnqueueSetStatus(ctx, ord.OnecID, s.cfg.StatusPicking)
}

func (s *Server) setLocalStatus(ctx context.Context, ord *models.Order, status string) error {
	ord.OnecStatus = status
	return s.db.WithWriteTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewUpdate().Model((*models.Order)(nil)).
			Set("onec_status = ?", status).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", ord.ID).
			Exec(ctx)
		return err
	})
}

type patchLineRequest struct {
	QtyCollected float64 `json:"qty_collected"`
}

type patchLineResponse struct {
	Line              *models.OrderLine `json:"line"`
	Order             OrderOut          `json:"order"`
	OrderCompletedNow bool              `json:"order_completed_now"`
}

func (s *Server) handlePatchLine(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(r, "orderID")
	if !ok {
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	lineID, ok := pathID(r, "lineID")
	if !ok {
		s.writeError(w, http.StatusNotFound, "line not found")
		return
	}
	s.patchLine(w, r, orderID, lineID)
}

// handlePatchLineByID serves older frontend builds that PATCH a line without
// its order id.
func (s *Server) handlePatchLineByID(w http.ResponseWriter, r *http.Request) {
	lineID, ok := pathID(r, "lineID")
	if !ok {
		s.writeError(w, http.StatusNotFound, "line not found")
		return
	}
	line, err := s.loadLine(r.Context(), lineID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "line not found")
		return
	}
	s.patchLine(w, r, line.OrderID, lineID)
}

func (s *Server) loadLine(ctx context.Context, id int64) (*models.OrderLine, error) {
	line := new(models.OrderLine)
	err := s.db.WithReadTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return tx.NewSelect().Model(line).Where("id = ?", id).Scan(ctx)
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

func (s *Server) patchLine(w http.ResponseWriter, r *http.Request, orderID, lineID int64) {
	var req patchLineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	line, err := s.loadLine(r.Context(), lineID)
	if err != nil || line.OrderID != orderID {
		s.writeError(w, http.StatusNotFound, "line not found")
		return
	}
	ord, err := s.loadOrderByID(r.Context(), orderID)
	if err != nil || !ord.IsActive {
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	// Any interaction drags the order into the picking status.
	if err := s.ensurePickingStatus(r.Context(), ord); err != nil {
		s.log.Error("ensure picking status", "order_id", orderID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update order")
		return
	}

	wasComplete := picking.IsComplete(ord)

	qty := req.QtyCollected
	if qty < 0 {
		qty = 0
	}
	if qty > line.QtyOrdered {
		qty = line.QtyOrdered
	}
	line.QtyCollected = qty
	err = s.db.WithWriteTx(r.Context(), func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewUpdate().Model(line).Column("qty_collected").WherePK().Exec(ctx)
		return err
	})
	if err != nil {
		s.log.Error("update line", "line_id", lineID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update line")
		return
	}

	if err := s.eng.EnqueueLineProgress(r.Context(), ord.OnecID, line.OnecLineID, line.ItemID, line.QtyCollected); err != nil {
		s.log.Error("enqueue line progress", "line_id", lineID, "err", err)
	}

	ord, err = s.loadOrderByID(r.Context(), orderID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to reload order")
		return
	}

	// "Became complete" fires exactly once per completion transition.
	completedNow := !wasComplete && picking.IsComplete(ord)
	if completedNow && fold(ord.OnecStatus) != fold(s.cfg.StatusPicked) {
		if err := s.setLocalStatus(r.Context(), ord, s.cfg.StatusPicked); err != nil {
			s.log.Error("set picked status", "order_id", orderID, "err", err)
		} else if err := s.eng.EnqueueSetStatus(r.Context(), ord.OnecID, s.cfg.StatusPicked); err != nil {
			s.log.Error("enqueue picked status", "order_id", orderID, "err", err)
		}
	}

	s.writeJSON(w, http.StatusOK, patchLineResponse{
		Line:              line,
		Order:             s.orderOut(ord),
		OrderCompletedNow: completedNow,
	})
}

// handleSyncNow runs one reconcile-plus-drain cycle on demand; safe alongside
// the periodic driver.
func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	sres, err := s.eng.SyncFromRemote(r.Context())
	if err != nil {
		s.log.Error("sync-now", "err", err)
		s.writeError(w, http.StatusBadGateway, "sync failed: "+err.Error())
		return
	}
	dres, err := s.eng.Drain(r.Context(), syncer.DefaultDrainLimit)
	if err != nil {
		s.log.Error("sync-now drain", "err", err)
		s.writeError(w, http.StatusInternalServerError, "outbox drain failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sync": sres, "outbox": dres})
}

func (s *Server) handleDebugDB(w http.ResponseWriter, r *http.Request) {
	var totalOrders, activeOrders, totalLines, pendingOutbox, failedOutbox int
	var recent []*models.Order
	err := s.db.WithReadTx(r.Context(), func(ctx context.Context, tx bun.Tx) error {
		var err error
		if totalOrders, err = tx.NewSelect().Model((*models.Order)(nil)).Count(ctx); err != nil {
			return err
		}
		if err = tx.NewSelect().Model(&recent).
			Order("updated_at DESC").Limit(5).Scan(ctx); err != nil {
			return err
		}
		if activeOrders, err = tx.NewSelect().Model((*models.Order)(nil)).
			Where("is_active = ?", true).Count(ctx); err != nil {
			return err
		}
		if totalLines, err = tx.NewSelect().Model((*models.OrderLine)(nil)).Count(ctx); err != nil {
			return err
		}
		if pendingOutbox, err = tx.NewSelect().Model((*models.OutboxEntry)(nil)).
			Where("status = ?", models.OutboxPending).Count(ctx); err != nil {
			return err
		}
		failedOutbox, err = tx.NewSelect().Model((*models.OutboxEntry)(nil)).
			Where("status = ?", models.OutboxFailed).Count(ctx)
		return err
	})
	if err != nil {
		s.log.Error("debug db", "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read counters")
		return
	}
	type recentOut struct {
		ID         int64  `json:"id"`
		OnecID     string `json:"onec_id"`
		Number     string `json:"number"`
		OnecStatus string `json:"onec_status"`
		IsActive   bool   `json:"is_active"`
	}
	recentOrders := make([]recentOut, 0, len(recent))
	for _, o := range recent {
		recentOrders = append(recentOrders, recentOut{
			ID:         o.ID,
			OnecID:     o.OnecID,
			Number:     o.Number,
			OnecStatus: o.OnecStatus,
			IsActive:   o.IsActive,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sqlite_path":    s.cfg.SQLitePath,
		"total_orders":   totalOrders,
		"active_orders":  activeOrders,
		"total_lines":    totalLines,
		"pending_outbox": pendingOutbox,
		"failed_outbox":  failedOutbox,
		"recent_orders":  recentOrders,
	})
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
