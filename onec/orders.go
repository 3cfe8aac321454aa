package onec

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// FetchActiveOrders pulls every order the board should show. The server-side
// filter only excludes posted and deletion-marked documents; status filtering
// happens client-side after resolving reference values to labels.
func (c *ODataClient) FetchActiveOrders(ctx context.Context) ([]RemoteOrder, error) {
	if len(c.cfg.ActiveStatuses) == 0 {
		// Not configured: show nothing rather than leak non-target statuses.
		c.log.Warn("active statuses list is empty; returning 0 orders")
		return nil, nil
	}

	fg := c.ensureFieldGuess(ctx)
	activeSet := make(map[string]bool, len(c.cfg.ActiveStatuses))
	for _, s := range c.cfg.ActiveStatuses {
		activeSet[fold(s)] = true
	}

	statusIsKeylike := fg.statusField != "" &&
		(strings.HasSuffix(fg.statusField, "_Key") || fg.statusIsGUIDRef)

	activeKeys := make(map[string]bool)
	hiddenKeys := make(map[string]bool)
	if statusIsKeylike {
		c.statuses.ensureLoaded(ctx, c)
		for _, s := range c.cfg.ActiveStatuses {
			if k, ok := c.statuses.keyFor(s); ok {
				activeKeys[k] = true
			}
		}
		for _, s := range []string{c.cfg.StatusShipped, c.cfg.StatusFinished} {
			if k, ok := c.statuses.keyFor(s); ok {
				hiddenKeys[k] = true
			}
		}
	}

	params := url.Values{}
	params.Set("$format", "json")
	params.Set("$top", strconv.Itoa(c.cfg.OnecOrdersTop))
	params.Set("$filter", "Posted eq false and DeletionMark eq false")
	if c.cfg.OnecOrdersOrderby != "" {
		params.Set("$orderby", c.cfg.OnecOrdersOrderby)
	}
	selectFields := []string{"Ref_Key", "Number", "Date", "Posted", "DeletionMark"}
	for _, opt := range []string{fg.statusField, fg.customerKeyField, fg.shipDeadlineField, fg.commentField} {
		if opt != "" && !contains(selectFields, opt) {
			selectFields = append(selectFields, opt)
		}
	}
	params.Set("$select", strings.Join(selectFields, ","))

	rawOrders, err := c.getVariants(ctx, c.cfg.EntityOrders, params)
	if err != nil {
		return nil, fmt.Errorf("fetch orders: %w", err)
	}

	// Pre-warm customer names for the whole page in a few batched requests.
	if fg.customerKeyField != "" && strings.HasSuffix(fg.customerKeyField, "_Key") {
		var customerKeys []string
		for _, r := range rawOrders {
			if k := strings.TrimSpace(asString(r[fg.customerKeyField])); k != "" {
				customerKeys = append(customerKeys, k)
			}
		}
		c.warmupNames(ctx, nameCustomer, c.cfg.EntityCustomers, customerKeys)
	}

	var (
		mu     sync.Mutex
		orders []RemoteOrder
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.OnecConcurrency)

	for _, r := range rawOrders {
		row := r
		g.Go(func() error {
			o, ok, err := c.buildOrder(gctx, fg, row, activeSet, activeKeys, hiddenKeys, statusIsKeylike)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				orders = append(orders, o)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (c *ODataClient) buildOrder(
	ctx context.Context,
	fg *fieldGuess,
	row map[string]any,
	activeSet, activeKeys, hiddenKeys map[string]bool,
	statusIsKeylike bool,
) (RemoteOrder, bool, error) {
	var zero RemoteOrder

	onecID := strings.TrimSpace(asString(row["Ref_Key"]))
	if onecID == "" {
		return zero, false, nil
	}
	if posted, _ := row["Posted"].(bool); posted {
		return zero, false, nil
	}
	if deleted, _ := row["DeletionMark"].(bool); deleted {
		return zero, false, nil
	}

	rawStatusKey := ""
	statusDesc := ""
	if fg.statusField != "" && row[fg.statusField] != nil {
		rawStatusKey = strings.TrimSpace(asString(row[fg.statusField]))
		if statusIsKeylike {
			statusDesc, _ = c.statuses.descFor(rawStatusKey)
		} else {
			statusDesc = rawStatusKey
		}
	}

	switch {
	case statusDesc != "":
		sd := fold(statusDesc)
		if sd == fold(c.cfg.StatusShipped) || sd == fold(c.cfg.StatusFinished) {
			return zero, false, nil
		}
		if !activeSet[sd] {
			return zero, false, nil
		}
	default:
		// No label resolved; fall back to key-level filtering.
		if rawStatusKey == "" {
			return zero, false, nil
		}
		if hiddenKeys[rawStatusKey] {
			return zero, false, nil
		}
		if len(activeKeys) > 0 && !activeKeys[rawStatusKey] {
			return zero, false, nil
		}
		statusDesc = rawStatusKey
	}

	customerName := ""
	if fg.customerKeyField != "" && strings.HasSuffix(fg.customerKeyField, "_Key") {
		customerName = c.resolveName(nameCustomer, asString(row[fg.customerKeyField]))
	}

	comment := ""
	if fg.commentField != "" && row[fg.commentField] != nil {
		comment = asString(row[fg.commentField])
	}

	o := RemoteOrder{
		OnecID:       onecID,
		Number:       strings.TrimSpace(asString(row["Number"])),
		CustomerName: customerName,
		CreatedAt:    parseOnecTime(row["Date"]),
		Comment:      comment,
		Status:       statusDesc,
		IsPosted:     false,
	}
	if fg.shipDeadlineField != "" {
		o.ShipDeadline = parseOnecTime(row[fg.shipDeadlineField])
	}

	lines, err := c.fetchOrderLines(ctx, fg, onecID)
	if err != nil {
		return zero, false, fmt.Errorf("fetch lines for %s: %w", onecID, err)
	}
	o.Lines = lines
	return o, true, nil
}

// fetchOrderLines loads the tabular section of one order. When the $select
// projection is rejected by the publication the query is retried bare.
func (c *ODataClient) fetchOrderLines(ctx context.Context, fg *fieldGuess, onecOrderID string) ([]RemoteLine, error) {
	params := url.Values{}
	params.Set("$format", "json")
	params.Set("$filter", "Ref_Key eq "+guidLiteral(onecOrderID))
	params.Set("$orderby", "LineNumber asc")

	selectFields := []string{"Ref_Key", "LineNumber"}
	for _, opt := range []string{fg.itemField, fg.qtyField, fg.unitField, fg.progressField} {
		if opt != "" && !contains(selectFields, opt) {
			selectFields = append(selectFields, opt)
		}
	}
	params.Set("$select", strings.Join(selectFields, ","))

	rawLines, err := c.pagedGet(ctx, c.cfg.EntityOrderLines, params)
	if err != nil {
		var se *StatusError
		if !errors.As(err, &se) {
			return nil, err
		}
		c.log.Debug("lines request failed with $select; retrying without", "order_id", onecOrderID, "err", err)
		params.Del("$select")
		rawLines, err = c.pagedGet(ctx, c.cfg.EntityOrderLines, params)
		if err != nil {
			return nil, err
		}
	}

	// Warm item and unit names for the whole order at once.
	var itemKeys, unitKeys []string
	for _, l := range rawLines {
		if k := refKeyOf(l, fg.itemField); k != "" {
			itemKeys = append(itemKeys, k)
		}
		if k := refKeyOf(l, fg.unitField); k != "" {
			unitKeys = append(unitKeys, k)
		}
	}
	c.warmupNames(ctx, nameItem, c.cfg.EntityItems, itemKeys)
	if c.cfg.EntityUnits != "" {
		c.warmupNames(ctx, nameUnit, c.cfg.EntityUnits, unitKeys)
	}

	lines := make([]RemoteLine, 0, len(rawLines))
	for _, l := range rawLines {
		lines = append(lines, c.buildLine(fg, l))
	}
	return lines, nil
}

func (c *ODataClient) buildLine(fg *fieldGuess, l map[string]any) RemoteLine {
	onecLineID := ""
	if l["LineNumber"] != nil {
		if n, ok := toFloat(l["LineNumber"]); ok {
			onecLineID = strconv.Itoa(int(n))
		} else {
			onecLineID = asString(l["LineNumber"])
		}
	}

	itemID := ""
	itemName := ""
	if fg.itemField != "" && l[fg.itemField] != nil {
		v := l[fg.itemField]
		switch {
		case strings.HasSuffix(fg.itemField, "_Key"):
			itemID = strings.TrimSpace(asString(v))
			itemName = c.resolveName(nameItem, itemID)
		default:
			s := strings.TrimSpace(asString(v))
			if looksLikeGUID(s) {
				itemID = s
				itemName = c.resolveName(nameItem, itemID)
				// Some configurations duplicate the presentation in Содержание.
				if itemName == "" {
					if content, ok := l["Содержание"].(string); ok && strings.TrimSpace(content) != "" {
						itemName = strings.TrimSpace(content)
					}
				}
			} else if s != "" {
				itemName = s
				itemID = shortHash(itemName)
			}
		}
	}
	if itemName == "" {
		if itemID != "" && looksLikeGUID(itemID) {
			itemName = "Номенклатура " + itemID[:8]
		} else {
			itemName = "(без номенклатуры)"
		}
	}
	if itemID == "" {
		if onecLineID != "" {
			itemID = onecLineID
		} else {
			itemID = shortHash(itemName)
		}
	}

	qtyOrdered := 0.0
	if fg.qtyField != "" && l[fg.qtyField] != nil {
		if q, ok := toFloat(l[fg.qtyField]); ok {
			qtyOrdered = q
		}
	}

	unit := ""
	if fg.unitField != "" && l[fg.unitField] != nil {
		uv := strings.TrimSpace(asString(l[fg.unitField]))
		if looksLikeGUID(uv) {
			unit = c.resolveName(nameUnit, uv)
		} else {
			unit = uv
		}
	}

	var collected *float64
	if fg.progressField != "" && l[fg.progressField] != nil {
		if q, ok := toFloat(l[fg.progressField]); ok {
			collected = &q
		}
	}

	return RemoteLine{
		ItemID:             itemID,
		ItemName:           itemName,
		Unit:               unit,
		QtyOrdered:         qtyOrdered,
		OnecLineID:         onecLineID,
		QtyCollectedRemote: collected,
	}
}

// refKeyOf extracts a GUID reference value from a line field that may be an
// Edm.Guid "*_Key" column or an Edm.String GUID payload.
func refKeyOf(row map[string]any, field string) string {
	if field == "" || row[field] == nil {
		return ""
	}
	v := strings.TrimSpace(asString(row[field]))
	if strings.HasSuffix(field, "_Key") {
		return v
	}
	if looksLikeGUID(v) {
		return v
	}
	return ""
}

// shortHash derives a stable synthetic id from a presentation string.
func shortHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
