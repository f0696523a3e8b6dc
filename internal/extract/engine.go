// engine.go — The self-healing selector engine.
// One batch extraction walks the requested slots in sequence over a single
// DOM buffer. Each slot runs the per-selector state machine: try the cached
// selector, fold the outcome into its EMA, and once consecutive failures
// reach the threshold, ask the LLM for a replacement and try that on the
// same DOM. Selector state updates go through the cache registry so the
// read-modify-write happens under the tenant lock.
package extract

import (
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/cache"
	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/llm"
	"github.com/forecourt/oemwatch/internal/types"
)

// Engine runs batch extractions for one process.
type Engine struct {
	log      *zap.Logger
	cache    *cache.Registry
	repairer llm.Repairer
	cfg      config.ExtractConfig
	now      func() time.Time
}

// NewEngine wires the selector engine.
func NewEngine(log *zap.Logger, reg *cache.Registry, repairer llm.Repairer, cfg config.ExtractConfig) *Engine {
	return &Engine{
		log:      log.Named("extract"),
		cache:    reg,
		repairer: repairer,
		cfg:      cfg,
		now:      time.Now,
	}
}

// slotOutcome is the engine's verdict for one slot in one batch.
type slotOutcome struct {
	slot     string
	values   []string // one per matched node, container-aligned when possible
	failed   bool
	repaired bool
	llmCalls int
}

// batchResult aggregates one ExtractKind run.
type batchResult struct {
	bySlot map[string]slotOutcome
	used, failed, repaired, llmCalls int
}

// extractSlots runs the state machine for the container slot and every value
// slot of one entity kind against a parsed DOM.
func (e *Engine) extractSlots(ctx context.Context, tenant, url string, pt types.PageType, doc *goquery.Document, kind types.EntityKind) batchResult {
	res := batchResult{bySlot: make(map[string]slotOutcome)}
	containerSlot, valueSlots := slotsForKind(kind)
	if containerSlot == "" {
		return res
	}

	// Containers first: value slots read within them when they resolve.
	containerOut := e.trySlot(ctx, tenant, url, pt, doc, containerSlot)
	res.fold(containerOut)
	var containers *goquery.Selection
	if !containerOut.failed {
		if sc, ok := e.cache.Selector(tenant, pt, containerSlot); ok {
			containers = doc.Find(sc.Selector)
		}
	}

	for _, slot := range valueSlots {
		if ctx.Err() != nil {
			break
		}
		out := e.trySlotWithin(ctx, tenant, url, pt, doc, containers, slot)
		res.fold(out)
	}
	return res
}

func (r *batchResult) fold(out slotOutcome) {
	r.bySlot[out.slot] = out
	r.used++
	r.llmCalls += out.llmCalls
	if out.failed {
		r.failed++
	}
	if out.repaired {
		r.repaired++
	}
}

// trySlot runs the state machine for one slot against the whole document.
func (e *Engine) trySlot(ctx context.Context, tenant, url string, pt types.PageType, doc *goquery.Document, slot string) slotOutcome {
	return e.trySlotWithin(ctx, tenant, url, pt, doc, nil, slot)
}

// trySlotWithin runs the state machine for one slot. When containers is
// non-nil the slot is read once per container; otherwise matches come from
// the whole document as a parallel array.
func (e *Engine) trySlotWithin(ctx context.Context, tenant, url string, pt types.PageType, doc *goquery.Document, containers *goquery.Selection, slot string) slotOutcome {
	out := slotOutcome{slot: slot}

	sc, ok := e.cache.Selector(tenant, pt, slot)
	if !ok || sc.Selector == "" {
		// Nothing cached for this slot: a discovery concern, not a repair one.
		out.failed = true
		return out
	}

	values := readValues(doc, containers, sc.Selector, slot)
	if len(values) > 0 {
		e.recordHit(tenant, pt, slot)
		out.values = values
		return out
	}

	// Failure path: decay the rate, bump the consecutive counter, and read
	// the post-update counter to decide on repair.
	var failures int
	e.cache.UpdateSelector(tenant, pt, slot, func(cur types.SelectorConfig) types.SelectorConfig {
		cur.FailureCount++
		cur.SuccessRate = 0.9 * cur.SuccessRate
		failures = cur.FailureCount
		return cur
	})

	if failures < e.cfg.FailureThreshold {
		out.failed = true
		return out
	}

	// Threshold reached: adaptive repair on the same DOM.
	domHTML, err := doc.Html()
	if err != nil {
		out.failed = true
		return out
	}
	out.llmCalls++
	candidate, err := e.repairer.RepairSelector(ctx, llm.RepairRequest{
		Tenant:      tenant,
		URL:         url,
		Semantic:    Semantic(slot),
		OldSelector: sc.Selector,
		DOM:         domHTML,
	})
	if err != nil {
		// Malformed reply or LLM down: slot abandoned for this run, old
		// selector kept.
		out.failed = true
		return out
	}

	values = readValues(doc, containers, candidate, slot)
	if len(values) == 0 {
		e.log.Debug("repaired selector still matches nothing",
			zap.String("tenant", tenant),
			zap.String("slot", slot),
			zap.String("candidate", candidate))
		out.failed = true
		return out
	}

	now := e.now()
	e.cache.UpdateSelector(tenant, pt, slot, func(cur types.SelectorConfig) types.SelectorConfig {
		cur.Selector = candidate
		cur.Semantic = Semantic(slot)
		cur.RepairCount++
		cur.FailureCount = 0
		cur.HitCount++
		cur.SuccessRate = 0.9*cur.SuccessRate + 0.1
		cur.LastVerified = now
		return cur
	})
	out.values = values
	out.repaired = true
	return out
}

func (e *Engine) recordHit(tenant string, pt types.PageType, slot string) {
	now := e.now()
	e.cache.UpdateSelector(tenant, pt, slot, func(cur types.SelectorConfig) types.SelectorConfig {
		cur.HitCount++
		cur.FailureCount = 0
		cur.SuccessRate = 0.9*cur.SuccessRate + 0.1
		cur.LastVerified = now
		return cur
	})
}

// readValues resolves a selector to its slot values. Container-scoped reads
// take the first match inside each container (empty string when a container
// lacks the element) but report failure — an all-empty result — as no
// values at all.
func readValues(doc *goquery.Document, containers *goquery.Selection, selector, slot string) []string {
	defer func() { recover() }() // cascadia panics on some malformed selectors

	attr := attrSlots[slot]
	read := func(s *goquery.Selection) string {
		if s.Length() == 0 {
			return ""
		}
		if attr != "" {
			v, _ := s.First().Attr(attr)
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(s.First().Text())
	}

	if containers != nil && containers.Length() > 0 {
		values := make([]string, 0, containers.Length())
		matched := false
		containers.Each(func(_ int, c *goquery.Selection) {
			v := read(c.Find(selector))
			if v != "" {
				matched = true
			}
			values = append(values, v)
		})
		if !matched {
			return nil
		}
		return values
	}

	var values []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		var v string
		if attr != "" {
			v, _ = s.Attr(attr)
		} else {
			v = s.Text()
		}
		v = strings.TrimSpace(v)
		if v != "" {
			values = append(values, v)
		}
	})
	// Container slots carry no text; existence is the signal.
	if len(values) == 0 && isContainerSlot(slot) && doc.Find(selector).Length() > 0 {
		n := doc.Find(selector).Length()
		values = make([]string, n)
	}
	return values
}

func isContainerSlot(slot string) bool {
	return slot == SlotProductItem || slot == SlotOfferItem || slot == SlotBannerItem
}
