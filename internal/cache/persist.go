// persist.go — Discovery-cache persistence: hydrate at startup, debounced
// writes while running, full flush at shutdown.
// Documents live at discoveries/{tenant}.json in the object store. Writes
// are debounced so a burst of selector updates during one import run costs
// one Put, not hundreds.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/types"
)

// ObjectKey returns the store key for one tenant's document.
func ObjectKey(tenant string) string {
	return "discoveries/" + tenant + ".json"
}

// Serialize renders a document as its wire JSON.
func Serialize(doc types.TenantDiscovery) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// Deserialize parses wire JSON back into a document.
func Deserialize(raw []byte) (types.TenantDiscovery, error) {
	var doc types.TenantDiscovery
	if err := json.Unmarshal(raw, &doc); err != nil {
		return types.TenantDiscovery{}, fmt.Errorf("parse discovery cache: %w", err)
	}
	if doc.Selectors == nil {
		doc.Selectors = make(map[types.PageType]map[string]types.SelectorConfig)
	}
	if doc.APIs == nil {
		doc.APIs = make(map[string]types.CachedAPI)
	}
	return doc, nil
}

// Persister ties a Registry to the object store.
type Persister struct {
	log      *zap.Logger
	reg      *Registry
	store    types.ObjectStore
	debounce time.Duration
	kick     chan struct{}
}

// NewPersister returns a Persister with the given write debounce; zero means
// 30 seconds.
func NewPersister(log *zap.Logger, reg *Registry, store types.ObjectStore, debounce time.Duration) *Persister {
	if debounce <= 0 {
		debounce = 30 * time.Second
	}
	return &Persister{
		log:      log.Named("cache"),
		reg:      reg,
		store:    store,
		debounce: debounce,
		kick:     make(chan struct{}, 1),
	}
}

// Hydrate loads every tenant's document from the object store. Missing keys
// are normal for fresh tenants and are skipped silently; corrupt documents
// are logged and skipped so one bad file never blocks startup.
func (p *Persister) Hydrate(ctx context.Context, tenants []string) {
	for _, slug := range tenants {
		raw, err := p.store.Get(ctx, ObjectKey(slug))
		if err != nil {
			continue
		}
		doc, err := Deserialize(raw)
		if err != nil {
			p.log.Warn("discarding corrupt discovery cache",
				zap.String("tenant", slug), zap.Error(err))
			continue
		}
		doc.Tenant = slug
		p.reg.Replace(doc)
		p.markClean(slug)
		p.log.Info("discovery cache hydrated",
			zap.String("tenant", slug),
			zap.Int("selectors", countSelectors(doc)),
			zap.Int("apis", len(doc.APIs)))
	}
}

// MarkDirty schedules a debounced write pass.
func (p *Persister) MarkDirty() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run writes dirty documents on a debounce until ctx is done, then flushes
// everything one last time. Run it via util.SafeGo.
func (p *Persister) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			p.Flush(flushCtx)
			cancel()
			return
		case <-p.kick:
			if timer == nil {
				timer = time.NewTimer(p.debounce)
				fire = timer.C
			}
		case <-fire:
			timer = nil
			fire = nil
			p.Flush(ctx)
		}
	}
}

// Flush writes every dirty document now.
func (p *Persister) Flush(ctx context.Context) {
	for _, slug := range p.reg.TenantSlugs() {
		if !p.takeDirty(slug) {
			continue
		}
		doc, ok := p.reg.Snapshot(slug)
		if !ok {
			continue
		}
		raw, err := Serialize(doc)
		if err != nil {
			p.log.Error("serialize discovery cache", zap.String("tenant", slug), zap.Error(err))
			continue
		}
		if err := p.store.Put(ctx, ObjectKey(slug), raw); err != nil {
			p.log.Warn("persist discovery cache", zap.String("tenant", slug), zap.Error(err))
			// Leave it dirty so the next pass retries.
			p.markDirtyTenant(slug)
			continue
		}
		p.log.Debug("discovery cache persisted", zap.String("tenant", slug), zap.Int("bytes", len(raw)))
	}
}

// takeDirty atomically reads and clears one tenant's dirty flag.
func (p *Persister) takeDirty(slug string) bool {
	e := p.reg.entryFor(slug, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	was := e.dirty
	e.dirty = false
	return was
}

func (p *Persister) markClean(slug string) {
	if e := p.reg.entryFor(slug, false); e != nil {
		e.mu.Lock()
		e.dirty = false
		e.mu.Unlock()
	}
}

func (p *Persister) markDirtyTenant(slug string) {
	if e := p.reg.entryFor(slug, false); e != nil {
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
	}
}

func countSelectors(doc types.TenantDiscovery) int {
	n := 0
	for _, byType := range doc.Selectors {
		n += len(byType)
	}
	return n
}
