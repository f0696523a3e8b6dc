// registry.go — Tenant roster: YAML file, atomic swap, fsnotify hot reload.
// The roster is read on every scheduler pass, so lookups take a snapshot
// pointer and never block reloads. A reload that fails validation keeps the
// previous roster live.
package registry

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/forecourt/oemwatch/internal/types"
)

// reloadDebounce coalesces the event bursts editors and atomic-rename
// writers produce for a single save.
const reloadDebounce = 500 * time.Millisecond

// Registry serves the tenant roster.
type Registry struct {
	log  *zap.Logger
	path string
	cur  atomic.Pointer[roster]
}

type roster struct {
	tenants []types.Tenant
	bySlug  map[string]int // slug -> index into tenants
}

// tenantEntry is the file shape. Active defaults to true when omitted,
// which a plain bool cannot express, hence the wire struct.
type tenantEntry struct {
	Slug                string                 `yaml:"slug"`
	Name                string                 `yaml:"name"`
	BaseURL             string                 `yaml:"base_url"`
	SitemapURL          string                 `yaml:"sitemap_url"`
	Active              *bool                  `yaml:"active"`
	RequiresBrowser     bool                   `yaml:"requires_browser"`
	MonthlyRenderBudget int                    `yaml:"monthly_render_budget"`
	MaxConcurrentLLM    int                    `yaml:"max_concurrent_llm"`
	IntervalOverrides   map[types.PageType]int `yaml:"interval_overrides"`
	Headers             map[string]string      `yaml:"headers"`
}

type rosterDoc struct {
	Tenants []tenantEntry `yaml:"tenants"`
}

// Load reads and validates the roster file.
func Load(path string, log *zap.Logger) (*Registry, error) {
	r := &Registry{log: log.Named("registry"), path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-parses the roster file and swaps it in atomically.
func (r *Registry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read tenant registry: %w", err)
	}
	var doc rosterDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse tenant registry: %w", err)
	}
	ros, err := buildRoster(doc)
	if err != nil {
		return fmt.Errorf("tenant registry %s: %w", r.path, err)
	}
	r.cur.Store(ros)
	r.log.Info("tenant registry loaded",
		zap.Int("tenants", len(ros.tenants)),
		zap.String("path", r.path))
	return nil
}

func buildRoster(doc rosterDoc) (*roster, error) {
	if len(doc.Tenants) == 0 {
		return nil, fmt.Errorf("no tenants defined")
	}
	ros := &roster{bySlug: make(map[string]int, len(doc.Tenants))}
	for i, e := range doc.Tenants {
		if e.Slug == "" || e.Name == "" || e.BaseURL == "" {
			return nil, fmt.Errorf("tenant %d: slug, name and base_url are required", i)
		}
		if _, dup := ros.bySlug[e.Slug]; dup {
			return nil, fmt.Errorf("duplicate tenant slug %q", e.Slug)
		}
		for pt, minutes := range e.IntervalOverrides {
			if !knownPageType(pt) {
				return nil, fmt.Errorf("tenant %q: unknown page type %q in interval_overrides", e.Slug, pt)
			}
			if minutes <= 0 {
				return nil, fmt.Errorf("tenant %q: interval override for %q must be positive", e.Slug, pt)
			}
		}
		t := types.Tenant{
			Slug:                e.Slug,
			Name:                e.Name,
			BaseURL:             e.BaseURL,
			SitemapURL:          e.SitemapURL,
			Active:              e.Active == nil || *e.Active,
			RequiresBrowser:     e.RequiresBrowser,
			MonthlyRenderBudget: e.MonthlyRenderBudget,
			MaxConcurrentLLM:    e.MaxConcurrentLLM,
			IntervalOverrides:   e.IntervalOverrides,
			Headers:             e.Headers,
		}
		if t.SitemapURL == "" {
			t.SitemapURL = t.BaseURL + "/sitemap.xml"
		}
		ros.bySlug[t.Slug] = len(ros.tenants)
		ros.tenants = append(ros.tenants, t)
	}
	return ros, nil
}

func knownPageType(pt types.PageType) bool {
	switch pt {
	case types.PageHomepage, types.PageOffers, types.PageVehicle, types.PageNews,
		types.PageSitemap, types.PagePriceGuide, types.PageCategory,
		types.PageBuildPrice, types.PageOther:
		return true
	}
	return false
}

// Tenants returns a copy of the active tenants.
func (r *Registry) Tenants() []types.Tenant {
	ros := r.cur.Load()
	out := make([]types.Tenant, 0, len(ros.tenants))
	for _, t := range ros.tenants {
		if t.Active {
			out = append(out, t)
		}
	}
	return out
}

// AllTenants returns a copy of the full roster, inactive entries included.
func (r *Registry) AllTenants() []types.Tenant {
	ros := r.cur.Load()
	out := make([]types.Tenant, len(ros.tenants))
	copy(out, ros.tenants)
	return out
}

// Tenant looks up one tenant by slug.
func (r *Registry) Tenant(slug string) (types.Tenant, bool) {
	ros := r.cur.Load()
	i, ok := ros.bySlug[slug]
	if !ok {
		return types.Tenant{}, false
	}
	return ros.tenants[i], true
}

// Watch reloads the roster when the file changes. Blocks until the watcher
// fails or stop is closed; run it via util.SafeGo.
func (r *Registry) Watch(stop <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(r.path); err != nil {
		return fmt.Errorf("watch %s: %w", r.path, err)
	}

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			// Rename-based saves replace the inode; re-add before reading.
			_ = w.Add(r.path)
			if err := r.Reload(); err != nil {
				r.log.Warn("registry reload failed, keeping previous roster", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("registry watcher error", zap.Error(err))
		}
	}
}
