package onec

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// statusCatalog maps order-state catalog entries both ways:
// Ref_Key -> Description for display, folded Description -> Ref_Key for
// writing a status by its label. Loaded at most once per client; a failed
// load leaves the catalog empty and a later call retries.
type statusCatalog struct {
	mu          sync.Mutex
	loaded      bool
	descByKey   map[string]string
	keyByFolded map[string]string
}

func newStatusCatalog() *statusCatalog {
	return &statusCatalog{
		descByKey:   make(map[string]string),
		keyByFolded: make(map[string]string),
	}
}

func (s *statusCatalog) ensureLoaded(ctx context.Context, c *ODataClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return
	}

	params := url.Values{}
	params.Set("$format", "json")
	params.Set("$select", "Ref_Key,Description")
	params.Set("$top", "1000")

	rows, err := c.getVariants(ctx, c.cfg.EntityStatuses, params)
	if err != nil {
		c.log.Warn("1C status catalog load failed", "entity", c.cfg.EntityStatuses, "err", err)
		return
	}
	for _, row := range rows {
		key := strings.TrimSpace(asString(row["Ref_Key"]))
		desc := strings.TrimSpace(asString(row["Description"]))
		if key == "" || desc == "" {
			continue
		}
		s.descByKey[key] = desc
		s.keyByFolded[fold(desc)] = key
	}
	s.loaded = true
	c.log.Debug("1C status catalog loaded", "entries", len(s.descByKey))
}

func (s *statusCatalog) descFor(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descByKey[normalizeRefValue(key)]
	if !ok {
		d, ok = s.descByKey[key]
	}
	return d, ok
}

func (s *statusCatalog) keyFor(label string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keyByFolded[fold(label)]
	return k, ok
}

// nameCache resolves catalog reference keys to display names. Entries are
// never evicted; the set of customers, items and units in flight is small.
type nameCache struct {
	mu        sync.Mutex
	customers map[string]string
	items     map[string]string
	units     map[string]string
}

func newNameCache() *nameCache {
	return &nameCache{
		customers: make(map[string]string),
		items:     make(map[string]string),
		units:     make(map[string]string),
	}
}

type nameKind int

const (
	nameCustomer nameKind = iota
	nameItem
	nameUnit
)

func (n *nameCache) bucket(kind nameKind) map[string]string {
	switch kind {
	case nameCustomer:
		return n.customers
	case nameItem:
		return n.items
	default:
		return n.units
	}
}

func (n *nameCache) get(kind nameKind, key string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.bucket(kind)[key]
	return v, ok
}

func (n *nameCache) put(kind nameKind, key, name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bucket(kind)[key] = name
}

// warmupBatchSize keeps the OR-chained $filter under typical URL limits.
const warmupBatchSize = 40

// warmupNames resolves a set of reference keys against one catalog entity in
// batches, falling back to per-key lookups when a batch query fails. Keys
// shorter than a GUID are skipped.
func (c *ODataClient) warmupNames(ctx context.Context, kind nameKind, entity string, keys []string) {
	if entity == "" {
		return
	}

	var missing []string
	seen := make(map[string]bool)
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if len(k) < 32 || seen[k] {
			continue
		}
		seen[k] = true
		if _, ok := c.names.get(kind, k); !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return
	}

	var retry []string
	for start := 0; start < len(missing); start += warmupBatchSize {
		end := start + warmupBatchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]

		parts := make([]string, 0, len(batch))
		for _, k := range batch {
			parts = append(parts, "Ref_Key eq "+guidLiteral(k))
		}
		params := url.Values{}
		params.Set("$format", "json")
		params.Set("$select", "Ref_Key,Description")
		params.Set("$filter", strings.Join(parts, " or "))

		rows, err := c.pagedGet(ctx, entity, params)
		if err != nil {
			c.log.Debug("1C name warmup batch failed; falling back to per-key",
				"entity", entity, "size", len(batch), "err", err)
			retry = append(retry, batch...)
			continue
		}
		for _, row := range rows {
			key := strings.TrimSpace(asString(row["Ref_Key"]))
			desc := strings.TrimSpace(asString(row["Description"]))
			if key != "" && desc != "" {
				c.names.put(kind, key, desc)
			}
		}
	}

	if len(retry) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.OnecConcurrency)
	for _, k := range retry {
		key := k
		g.Go(func() error {
			if name := c.fetchCatalogDescription(gctx, entity, key); name != "" {
				c.names.put(kind, key, name)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// fetchCatalogDescription fetches one catalog entry's Description; best effort.
func (c *ODataClient) fetchCatalogDescription(ctx context.Context, entity, key string) string {
	params := url.Values{}
	params.Set("$format", "json")
	params.Set("$select", "Ref_Key,Description")

	payload, err := c.requestJSON(ctx, http.MethodGet,
		entity+"("+guidLiteral(key)+")", params, nil)
	if err != nil {
		c.log.Debug("1C catalog lookup failed", "entity", entity, "key", key, "err", err)
		return ""
	}
	row := extractSingle(payload)
	if row == nil {
		return ""
	}
	return strings.TrimSpace(asString(row["Description"]))
}

// resolveName returns the cached display name for a reference key, or "".
func (c *ODataClient) resolveName(kind nameKind, key string) string {
	if v, ok := c.names.get(kind, strings.TrimSpace(key)); ok {
		return v
	}
	return ""
}
