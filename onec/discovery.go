package onec

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// fieldGuess maps logical field roles to the remote installation's actual
// field names. Resolved at most once per client lifetime.
type fieldGuess struct {
	// Order fields.
	statusField string
	// Some publications represent references as Edm.String plus a companion
	// <Field>_Type discriminator; both are needed to write status back.
	statusTypeField string
	statusTypeValue string
	statusIsGUIDRef bool

	customerKeyField  string
	shipDeadlineField string
	commentField      string

	// Line fields.
	itemField     string
	qtyField      string
	unitField     string
	progressField string
}

// Role-indicating name fragments for non-status order fields and line fields.
// Lowercase; matched as substrings of folded field names.
var (
	customerNeedles = []string{"контраг", "покупател", "клиент", "партнер"}
	deadlineNeedles = []string{"отгруз", "дедлайн", "доставк"}
	commentNeedle   = "коммент"
	itemNeedle      = "номенклат"
	qtyNeedle       = "колич"
	progressNeedle  = "собран"
	unitNeedle      = "единиц"
)

// Well-known default line field names.
const (
	wellKnownItemField     = "Номенклатура"
	wellKnownQtyField      = "Количество"
	wellKnownProgressField = "КоличествоСобрано"
	wellKnownCommentField  = "Комментарий"
)

// ensureFieldGuess resolves the schema mapping lazily, once per client.
// Probing is best-effort: when the remote cannot be sampled the configured
// overrides are used as-is.
func (c *ODataClient) ensureFieldGuess(ctx context.Context) *fieldGuess {
	c.guessMu.Lock()
	defer c.guessMu.Unlock()
	if c.guess != nil {
		return c.guess
	}

	g := &fieldGuess{
		statusField:       c.cfg.OrderStatusField,
		customerKeyField:  c.cfg.OrderCustomerKeyField,
		shipDeadlineField: c.cfg.OrderShipDeadlineField,
		commentField:      c.cfg.OrderCommentField,
		itemField:         c.cfg.LineItemField,
		qtyField:          c.cfg.LineQtyField,
		unitField:         c.cfg.LineUnitField,
		progressField:     c.cfg.LineProgressField,
	}

	// Cheapest possible probe: any one unposted document id, no sort.
	orderID := c.probeOrderID(ctx)

	if orderID != "" {
		if sample := c.probeOrderByKey(ctx, orderID); sample != nil {
			c.resolveOrderFields(g, sample)
		}
		if line := c.probeSampleLine(ctx, orderID); line != nil {
			resolveLineFields(g, line)
		}
	}

	c.guess = g
	c.log.Info("1C field guess resolved",
		"status_field", g.statusField,
		"status_type_field", g.statusTypeField,
		"status_is_guid_ref", g.statusIsGUIDRef,
		"customer_key", g.customerKeyField,
		"ship_deadline", g.shipDeadlineField,
		"comment", g.commentField,
		"line_item", g.itemField,
		"line_qty", g.qtyField,
		"line_unit", g.unitField,
		"line_progress", g.progressField,
	)
	return g
}

func (c *ODataClient) probeOrderID(ctx context.Context) string {
	params := url.Values{}
	params.Set("$format", "json")
	params.Set("$top", "1")
	params.Set("$select", "Ref_Key")
	params.Set("$filter", "Posted eq false and DeletionMark eq false")

	rows, err := c.pagedGet(ctx, c.cfg.EntityOrders, params)
	if err != nil || len(rows) == 0 {
		if err != nil {
			c.log.Warn("1C schema probe: order id query failed", "err", err)
		}
		return ""
	}
	return strings.TrimSpace(asString(rows[0]["Ref_Key"]))
}

func (c *ODataClient) probeOrderByKey(ctx context.Context, orderID string) map[string]any {
	params := url.Values{}
	params.Set("$format", "json")
	payload, err := c.requestJSON(ctx, http.MethodGet,
		c.cfg.EntityOrders+"("+guidLiteral(orderID)+")", params, nil)
	if err != nil {
		c.log.Warn("1C schema probe: order fetch failed", "order_id", orderID, "err", err)
		return nil
	}
	return extractSingle(payload)
}

func (c *ODataClient) probeSampleLine(ctx context.Context, orderID string) map[string]any {
	params := url.Values{}
	params.Set("$format", "json")
	params.Set("$top", "1")
	params.Set("$filter", "Ref_Key eq "+guidLiteral(orderID))
	params.Set("$orderby", "LineNumber asc")

	rows, err := c.getVariants(ctx, c.cfg.EntityOrderLines, params)
	if err != nil || len(rows) == 0 {
		if err != nil {
			c.log.Warn("1C schema probe: sample line query failed", "err", err)
		}
		return nil
	}
	return rows[0]
}

func (c *ODataClient) resolveOrderFields(g *fieldGuess, sample map[string]any) {
	// Never treat the picking-subsystem state as the order state.
	if g.statusField != "" && fold(g.statusField) == fold(c.cfg.PickingStateField) {
		g.statusField = ""
	}

	best := c.pickStatusField(g.statusField, sample)
	if best == c.cfg.PickingStateField {
		if _, ok := sample[c.cfg.KnownStatusField]; ok {
			best = c.cfg.KnownStatusField
		}
	}
	if c.cfg.Debug && c.cfg.OrderStatusField != "" && best != "" && best != c.cfg.OrderStatusField {
		c.log.Warn("1C status field auto-override",
			"configured", c.cfg.OrderStatusField, "detected", best)
	}
	g.statusField = best

	// Detect the Edm.String GUID reference pattern for the chosen field.
	g.statusIsGUIDRef = false
	g.statusTypeField = ""
	g.statusTypeValue = ""
	if g.statusField != "" && !strings.HasSuffix(g.statusField, "_Key") {
		if raw, ok := sample[g.statusField].(string); ok && looksLikeGUID(raw) {
			g.statusIsGUIDRef = true
		}
		typeField := g.statusField + "_Type"
		if tv, ok := sample[typeField]; ok {
			g.statusTypeField = typeField
			if s, ok := tv.(string); ok && s != "" {
				g.statusTypeValue = s
				g.statusIsGUIDRef = true
			}
		}
	}

	if _, ok := sample[g.customerKeyField]; !ok {
		g.customerKeyField = guessKeyField(sample, customerNeedles)
	}
	if _, ok := sample[g.shipDeadlineField]; !ok {
		g.shipDeadlineField = guessDateField(sample, deadlineNeedles)
	}
	if _, ok := sample[g.commentField]; !ok {
		g.commentField = guessCommentField(sample)
	}
}

// pickStatusField scores candidate status fields present in the sample and
// returns the best one. Numeric picking-subsystem codes must never win over
// the real order state, hence the large penalties.
func (c *ODataClient) pickStatusField(configured string, sample map[string]any) string {
	var candidates []string
	add := func(name string) {
		for _, c := range candidates {
			if c == name {
				return
			}
		}
		candidates = append(candidates, name)
	}

	if configured != "" {
		add(configured)
	}
	if _, ok := sample[c.cfg.KnownStatusField]; ok {
		add(c.cfg.KnownStatusField)
	}
	names := make([]string, 0, len(sample))
	for k := range sample {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if strings.HasSuffix(k, "_Type") {
			continue
		}
		lk := fold(k)
		for _, frag := range c.cfg.StatusNameFragments {
			if strings.Contains(lk, fold(frag)) {
				add(k)
				break
			}
		}
	}

	best := ""
	bestScore := 0
	for _, cand := range candidates {
		if _, ok := sample[cand]; !ok {
			continue
		}
		sc := c.scoreStatusField(cand, sample)
		if best == "" || sc > bestScore {
			best = cand
			bestScore = sc
		}
	}
	return best
}

func (c *ODataClient) scoreStatusField(field string, sample map[string]any) int {
	score := 0
	if field == c.cfg.OrderStatusField && c.cfg.OrderStatusField != "" {
		score += 20
	}
	if field == c.cfg.KnownStatusField {
		score += 40
	}
	if strings.HasSuffix(field, "_Key") {
		score += 80
	}
	if tv, ok := sample[field+"_Type"].(string); ok && tv != "" &&
		strings.Contains(tv, c.cfg.EntityStatuses) {
		score += 200
	}

	switch v := sample[field].(type) {
	case string:
		vv := strings.TrimSpace(v)
		if looksLikeGUID(vv) {
			score += 70
		}
		for _, s := range c.cfg.ActiveStatuses {
			if fold(vv) == fold(s) {
				score += 50
				break
			}
		}
	case float64, bool:
		score -= 100
	}

	if c.cfg.PickingFragment != "" && strings.Contains(fold(field), fold(c.cfg.PickingFragment)) {
		score -= 30
	}
	if fold(field) == fold(c.cfg.PickingStateField) {
		score -= 500
	}
	return score
}

func resolveLineFields(g *fieldGuess, line map[string]any) {
	if _, ok := line[g.itemField]; !ok {
		g.itemField = pickByNameOrNeedle(line, wellKnownItemField, itemNeedle, false)
	}
	if _, ok := line[g.qtyField]; !ok {
		g.qtyField = pickByNameOrNeedle(line, wellKnownQtyField, qtyNeedle, false)
	}
	if _, ok := line[g.progressField]; !ok {
		g.progressField = pickByNameOrNeedle(line, wellKnownProgressField, progressNeedle, false)
	}
	if _, ok := line[g.unitField]; !ok {
		g.unitField = pickByNameOrNeedle(line, "", unitNeedle, true)
	}
}

func pickByNameOrNeedle(sample map[string]any, wellKnown, needle string, skipKeys bool) string {
	if wellKnown != "" {
		if _, ok := sample[wellKnown]; ok {
			return wellKnown
		}
	}
	names := make([]string, 0, len(sample))
	for k := range sample {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if skipKeys && strings.HasSuffix(k, "_Key") {
			continue
		}
		if strings.Contains(fold(k), needle) {
			return k
		}
	}
	return ""
}

func guessKeyField(sample map[string]any, needles []string) string {
	names := make([]string, 0, len(sample))
	for k := range sample {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if !strings.HasSuffix(k, "_Key") {
			continue
		}
		lk := fold(k)
		for _, n := range needles {
			if strings.Contains(lk, n) {
				return k
			}
		}
	}
	return ""
}

func guessDateField(sample map[string]any, needles []string) string {
	names := make([]string, 0, len(sample))
	for k := range sample {
		names = append(names, k)
	}
	sort.Strings(names)

	// Prefer fields whose value actually parses as a date.
	for _, k := range names {
		lk := fold(k)
		for _, n := range needles {
			if strings.Contains(lk, n) && parseOnecTime(sample[k]) != nil {
				return k
			}
		}
	}
	for _, k := range names {
		lk := fold(k)
		for _, n := range needles {
			if strings.Contains(lk, n) {
				return k
			}
		}
	}
	return ""
}

func guessCommentField(sample map[string]any) string {
	if _, ok := sample[wellKnownCommentField]; ok {
		return wellKnownCommentField
	}
	names := make([]string, 0, len(sample))
	for k := range sample {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if strings.Contains(fold(k), commentNeedle) {
			return k
		}
	}
	return ""
}
