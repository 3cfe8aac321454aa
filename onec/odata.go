package onec

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Oceloteg/Shishki-picking/infrastructure/config"
)

// ODataClient is the live gateway. One instance owns one process-lifetime
// schema guess and one set of description caches; both are scoped to the
// client, not globals.
type ODataClient struct {
	cfg     *config.Config
	log     *slog.Logger
	httpc   *http.Client
	baseURL string

	guessMu sync.Mutex
	guess   *fieldGuess

	statuses *statusCatalog
	names    *nameCache
}

// NewODataClient validates the connection settings and builds a live client.
func NewODataClient(cfg *config.Config, log *slog.Logger) (*ODataClient, error) {
	base := strings.TrimSpace(cfg.OnecBaseURL)
	if base == "" {
		return nil, fmt.Errorf("ONEC_BASE_URL is empty; set it for ONEC_MODE=odata")
	}
	base = strings.TrimRight(base, "/") + "/"

	transport := &http.Transport{}
	if !cfg.OnecVerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &ODataClient{
		cfg: cfg,
		log: log,
		httpc: &http.Client{
			Timeout:   cfg.OnecTimeout,
			Transport: transport,
		},
		baseURL:  base,
		statuses: newStatusCatalog(),
		names:    newNameCache(),
	}, nil
}

// StatusError is a non-2xx response from 1C; a hard failure for that call.
type StatusError struct {
	Status  int
	Method  string
	URL     string
	Snippet string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("1C HTTP %d for %s %s: %s", e.Status, e.Method, e.URL, e.Snippet)
}

const snippetLimit = 800

// requestJSON performs one HTTP round-trip and decodes the JSON body.
// ref is either an entity path relative to the base URL or an absolute URL
// (continuation links come back absolute). Network errors propagate as
// transient failures; non-2xx and non-JSON bodies are hard failures.
func (c *ODataClient) requestJSON(ctx context.Context, method, ref string, params url.Values, body any) (any, error) {
	target := ref
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		target = c.baseURL + ref
	}
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.OnecUsername, c.cfg.OnecPassword)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPatch || method == "MERGE" {
		req.Header.Set("If-Match", "*")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		// Timeouts and connection errors are transient; callers retry.
		return nil, fmt.Errorf("1C request failed: %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read 1C response: %s %s: %w", method, target, err)
	}

	if c.cfg.OnecHTTPDebug {
		c.log.Debug("1C request", "method", method, "url", target, "status", resp.StatusCode)
	}

	if resp.StatusCode >= 400 {
		return nil, &StatusError{
			Status:  resp.StatusCode,
			Method:  method,
			URL:     target,
			Snippet: snippet(raw),
		}
	}

	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		// Commonly an auth redirect that returned HTML.
		return nil, fmt.Errorf("1C returned non-JSON response for %s %s: content-type=%s snippet=%s",
			method, target, resp.Header.Get("Content-Type"), snippet(raw))
	}
	return payload, nil
}

// pagedGet follows @odata.nextLink / d.__next until the cursor is absent.
func (c *ODataClient) pagedGet(ctx context.Context, entityOrURL string, params url.Values) ([]map[string]any, error) {
	var items []map[string]any
	ref := entityOrURL
	first := true

	for {
		var p url.Values
		if first {
			p = params
		}
		payload, err := c.requestJSON(ctx, http.MethodGet, ref, p, nil)
		if err != nil {
			return nil, err
		}
		first = false
		items = append(items, extractItems(payload)...)

		next := extractNext(payload)
		if next == "" {
			return items, nil
		}
		ref = next
	}
}

// getVariants retries a GET with optional clauses progressively stripped:
// as-is, without $select, without $orderby, without both. Tolerates remote
// installations that reject unsupported query features.
func (c *ODataClient) getVariants(ctx context.Context, entity string, params url.Values) ([]map[string]any, error) {
	var lastErr error
	for _, pv := range queryVariants(params) {
		rows, err := c.pagedGet(ctx, entity, pv)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		c.log.Debug("1C query variant failed; retrying degraded", "entity", entity, "err", err)
	}
	return nil, lastErr
}

func queryVariants(params url.Values) []url.Values {
	var variants []url.Values
	seen := make(map[string]bool)
	for _, dropSelect := range []bool{false, true} {
		for _, dropOrderby := range []bool{false, true} {
			pv := url.Values{}
			for k, vs := range params {
				if dropSelect && k == "$select" {
					continue
				}
				if dropOrderby && k == "$orderby" {
					continue
				}
				pv[k] = vs
			}
			key := pv.Encode()
			if !seen[key] {
				seen[key] = true
				variants = append(variants, pv)
			}
		}
	}
	return variants
}

// extractItems accepts the three envelope shapes 1C publications produce:
// a bare array, OData v4 {value:[...]}, and v2/v3 verbose {d:{results:[...]}}.
func extractItems(payload any) []map[string]any {
	switch p := payload.(type) {
	case nil:
		return nil
	case []any:
		return onlyMaps(p)
	case map[string]any:
		if v, ok := p["value"].([]any); ok {
			return onlyMaps(v)
		}
		if d, ok := p["d"].(map[string]any); ok {
			if r, ok := d["results"].([]any); ok {
				return onlyMaps(r)
			}
		}
	}
	return nil
}

// extractSingle accepts single-entity payloads in v4 and v2/v3 shapes.
func extractSingle(payload any) map[string]any {
	p, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	if v, ok := p["value"].([]any); ok {
		// Some servers return an array even for a by-key fetch.
		if len(v) > 0 {
			if m, ok := v[0].(map[string]any); ok {
				return m
			}
		}
		return nil
	}
	if d, ok := p["d"].(map[string]any); ok {
		return d
	}
	if _, ok := p["Ref_Key"]; ok {
		return p
	}
	return nil
}

func extractNext(payload any) string {
	p, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	if next, ok := p["@odata.nextLink"].(string); ok && next != "" {
		return next
	}
	if d, ok := p["d"].(map[string]any); ok {
		if next, ok := d["__next"].(string); ok && next != "" {
			return next
		}
	}
	return ""
}

func onlyMaps(in []any) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, v := range in {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func snippet(raw []byte) string {
	s := string(raw)
	if len(s) > snippetLimit {
		s = s[:snippetLimit]
	}
	return s
}

// guidLiteral renders the typed identifier literal for catalog references.
func guidLiteral(g string) string {
	return "guid'" + g + "'"
}

// escapeString doubles embedded quotes per OData string-literal rules.
func escapeString(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

// looksLikeGUID detects GUID strings 1C stores in Edm.String reference fields.
func looksLikeGUID(v string) bool {
	_, err := uuid.Parse(strings.TrimSpace(v))
	return err == nil
}

// normalizeRefValue canonicalizes a value for write confirmation: GUIDs parse
// to their canonical form, everything else is case-folded.
func normalizeRefValue(v string) string {
	vv := strings.TrimSpace(v)
	if u, err := uuid.Parse(vv); err == nil {
		return u.String()
	}
	return strings.ToLower(vv)
}

var onecTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseOnecTime parses OData timestamps. 1C uses 0001-01-01T00:00:00 as an
// "empty" sentinel; anything before 1900 maps to nil. Naive timestamps are
// kept as UTC.
func parseOnecTime(v any) *time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	for _, layout := range onecTimeLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Year() <= 1900 {
			return nil
		}
		t = t.UTC()
		return &t
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case int:
		return float64(n), true
	}
	return 0, false
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
