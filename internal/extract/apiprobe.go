// apiprobe.go — Direct JSON endpoint extraction.
// Some vendors hydrate their configurators from clean JSON APIs discovered
// during L4. Probing those is cheaper and far more reliable than DOM
// scraping, so hybrid mode runs the healthy ones first and lets DOM
// extraction fill the gaps. Field mappings are gojq paths stored in the
// cache next to the endpoint.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/cache"
	"github.com/forecourt/oemwatch/internal/types"
)

const apiBodyLimit = 4 << 20

// Prober fetches and maps cached JSON endpoints.
type Prober struct {
	log     *zap.Logger
	cache   *cache.Registry
	client  *http.Client
	timeout time.Duration
	now     func() time.Time
}

// NewProber returns a Prober with the given per-probe timeout; zero means
// ten seconds.
func NewProber(log *zap.Logger, reg *cache.Registry, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prober{
		log:     log.Named("apiprobe"),
		cache:   reg,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		now:     time.Now,
	}
}

// ProbeHealthy runs every healthy cached endpoint for the tenant and
// assembles entities from the mapped fields. Unhealthy endpoints are
// skipped; each call's outcome is folded back into the endpoint's health
// counters.
func (p *Prober) ProbeHealthy(ctx context.Context, tenant string, page types.SourcePage) Items {
	var items Items
	for url, api := range p.cache.APIs(tenant) {
		if !api.IsHealthy {
			continue
		}
		got, err := p.probe(ctx, tenant, url, api, page)
		if err != nil {
			p.log.Debug("api probe failed",
				zap.String("tenant", tenant),
				zap.String("endpoint", url),
				zap.Error(err))
			continue
		}
		items.merge(got)
	}
	return items
}

func (p *Prober) probe(ctx context.Context, tenant, url string, api types.CachedAPI, page types.SourcePage) (Items, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.now()
	items, err := p.fetchAndMap(ctx, url, api, tenant, page)
	p.cache.RecordAPICall(tenant, url, err == nil, time.Since(start), p.now())
	return items, err
}

func (p *Prober) fetchAndMap(ctx context.Context, url string, api types.CachedAPI, tenant string, page types.SourcePage) (Items, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Items{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return Items{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Items{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, apiBodyLimit))
	if err != nil {
		return Items{}, err
	}
	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return Items{}, fmt.Errorf("parse body: %w", err)
	}
	return mapItems(body, api, tenant, page)
}

// mapItems applies the endpoint's gojq paths to the decoded body.
func mapItems(body any, api types.CachedAPI, tenant string, page types.SourcePage) (Items, error) {
	rows, err := queryAll(api.ItemsPath, body)
	if err != nil {
		return Items{}, fmt.Errorf("items path %q: %w", api.ItemsPath, err)
	}

	bySlot := make(map[string]slotOutcome, len(api.FieldPaths))
	queries := make(map[string]*gojq.Query, len(api.FieldPaths))
	for slot, path := range api.FieldPaths {
		q, err := gojq.Parse(path)
		if err != nil {
			return Items{}, fmt.Errorf("field path %q for %s: %w", path, slot, err)
		}
		queries[slot] = q
	}

	for _, row := range rows {
		for slot, q := range queries {
			out := bySlot[slot]
			out.slot = slot
			out.values = append(out.values, queryString(q, row))
			bySlot[slot] = out
		}
	}
	return assemble(api.EntityKind, tenant, page, bySlot), nil
}

// queryAll runs a gojq path and flattens array results into rows.
func queryAll(path string, body any) ([]any, error) {
	q, err := gojq.Parse(path)
	if err != nil {
		return nil, err
	}
	var rows []any
	iter := q.Run(body)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if qerr, isErr := v.(error); isErr {
			return nil, qerr
		}
		if arr, isArr := v.([]any); isArr {
			rows = append(rows, arr...)
		} else if v != nil {
			rows = append(rows, v)
		}
	}
	return rows, nil
}

// queryString runs one field path against one row and stringifies the first
// result.
func queryString(q *gojq.Query, row any) string {
	iter := q.Run(row)
	v, ok := iter.Next()
	if !ok || v == nil {
		return ""
	}
	if _, isErr := v.(error); isErr {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%v", t)
	case int:
		return fmt.Sprintf("%d", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}
