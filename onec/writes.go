package onec

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for the write path. Callers treat them as permanent: no
// amount of retrying will make an undiscovered field appear.
var (
	ErrNoStatusField  = errors.New("order status field could not be determined; set ONEC_ORDER_STATUS_FIELD")
	ErrNoCommentField = errors.New("order comment field could not be determined; set ONEC_ORDER_COMMENT_FIELD")
	ErrNotConfirmed   = errors.New("status write did not confirm on read-back")
)

const (
	confirmAttempts = 3
	confirmDelay    = 400 * time.Millisecond
)

// SetOrderStatus writes a status label to an order and confirms the write by
// reading the raw stored value back. Reference-typed status fields are written
// as plain GUID strings resolved through the status catalog.
func (c *ODataClient) SetOrderStatus(ctx context.Context, onecID, status string) error {
	fg := c.ensureFieldGuess(ctx)
	if fg.statusField == "" {
		return ErrNoStatusField
	}

	ref := c.cfg.EntityOrders + "(" + guidLiteral(onecID) + ")"
	statusIsKeylike := strings.HasSuffix(fg.statusField, "_Key") || fg.statusIsGUIDRef

	body := map[string]any{}
	if statusIsKeylike {
		c.statuses.ensureLoaded(ctx, c)
		key, ok := c.statuses.keyFor(status)
		if !ok {
			return fmt.Errorf("status %q not found in %s", status, c.cfg.EntityStatuses)
		}
		body[fg.statusField] = key
		// Without the companion discriminator some publications silently
		// ignore updates to Edm.String reference fields.
		if fg.statusIsGUIDRef && fg.statusTypeField != "" && fg.statusTypeValue != "" {
			body[fg.statusTypeField] = fg.statusTypeValue
		}
	} else {
		body[fg.statusField] = status
	}

	if err := c.patchWithMergeFallback(ctx, ref, body); err != nil {
		return err
	}

	expected := asString(body[fg.statusField])
	var got string
	for i := 0; i < confirmAttempts; i++ {
		got = c.readBackStatus(ctx, ref, fg)
		if got != "" && normalizeRefValue(got) == normalizeRefValue(expected) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(confirmDelay):
		}
	}
	return fmt.Errorf("%w: expected=%q got=%q field=%s order=%s",
		ErrNotConfirmed, expected, got, fg.statusField, onecID)
}

// SetOrderComment writes the comment field of an order.
func (c *ODataClient) SetOrderComment(ctx context.Context, onecID, comment string) error {
	fg := c.ensureFieldGuess(ctx)
	if fg.commentField == "" {
		return ErrNoCommentField
	}
	ref := c.cfg.EntityOrders + "(" + guidLiteral(onecID) + ")"
	return c.patchWithMergeFallback(ctx, ref, map[string]any{fg.commentField: comment})
}

// WriteLineProgress mirrors collected quantity into the order line. When the
// remote has no progress field or the line cannot be addressed by LineNumber
// the write is skipped silently; the local store stays the source of truth.
func (c *ODataClient) WriteLineProgress(ctx context.Context, onecOrderID, onecLineID, itemID string, qtyCollected float64) error {
	fg := c.ensureFieldGuess(ctx)
	progressField := fg.progressField
	if progressField == "" {
		progressField = c.cfg.LineProgressField
	}
	if progressField == "" || onecLineID == "" {
		return nil
	}
	lineNo, err := strconv.Atoi(strings.TrimSpace(onecLineID))
	if err != nil {
		return nil
	}

	ref := fmt.Sprintf("%s(Ref_Key=%s,LineNumber=%d)",
		c.cfg.EntityOrderLines, guidLiteral(onecOrderID), lineNo)
	return c.patchWithMergeFallback(ctx, ref, map[string]any{progressField: qtyCollected})
}

// patchWithMergeFallback sends PATCH and retries as the legacy MERGE verb on
// an HTTP error; older v2/v3 publications only accept MERGE.
func (c *ODataClient) patchWithMergeFallback(ctx context.Context, ref string, body map[string]any) error {
	params := url.Values{}
	params.Set("$format", "json")

	_, err := c.requestJSON(ctx, http.MethodPatch, ref, params, body)
	if err == nil {
		return nil
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return err
	}
	c.log.Debug("PATCH failed, trying MERGE", "ref", ref, "err", err)
	_, err = c.requestJSON(ctx, "MERGE", ref, params, body)
	return err
}

// readBackStatus fetches the raw stored status value, preferring a minimal
// projection and degrading to the full object when $select is rejected or the
// field comes back omitted.
func (c *ODataClient) readBackStatus(ctx context.Context, ref string, fg *fieldGuess) string {
	sel := fg.statusField
	if fg.statusIsGUIDRef && fg.statusTypeField != "" {
		sel += "," + fg.statusTypeField
	}

	params := url.Values{}
	params.Set("$format", "json")
	params.Set("$select", sel)

	payload, err := c.requestJSON(ctx, http.MethodGet, ref, params, nil)
	if err != nil {
		params.Del("$select")
		payload, err = c.requestJSON(ctx, http.MethodGet, ref, params, nil)
		if err != nil {
			return ""
		}
	}
	obj := extractSingle(payload)
	if obj == nil || obj[fg.statusField] == nil {
		full := url.Values{}
		full.Set("$format", "json")
		payload, err = c.requestJSON(ctx, http.MethodGet, ref, full, nil)
		if err != nil {
			return ""
		}
		obj = extractSingle(payload)
	}
	if obj == nil || obj[fg.statusField] == nil {
		return ""
	}
	return asString(obj[fg.statusField])
}
