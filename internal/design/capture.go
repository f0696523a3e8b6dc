// capture.go — Periodic design captures: screenshot, hash, vision tokens.
// A capture is stored only when the perceptual hash drifted past the
// threshold against the last stored capture (or none exists). Stored captures
// also trigger a vision call whose raw JSON reply is persisted next to the
// screenshot; nothing downstream interprets it.
package design

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"time"

	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/llm"
	"github.com/forecourt/oemwatch/internal/store"
	"github.com/forecourt/oemwatch/internal/telemetry"
	"github.com/forecourt/oemwatch/internal/types"
)

// Outcome labels one capture attempt.
type Outcome string

const (
	OutcomeStored    Outcome = "stored"
	OutcomeUnchanged Outcome = "unchanged"
)

// visionClient is the slice of the LLM client the capturer needs.
type visionClient interface {
	DescribeDesign(ctx context.Context, tenant string, pngBytes []byte) (llm.DesignReply, error)
}

// state is the per-(tenant, page type) bookkeeping blob in the object store.
type state struct {
	Hash       uint64    `json:"hash"`
	CapturedAt time.Time `json:"captured_at"`
	ObjectKey  string    `json:"object_key"`
}

// Capturer runs design captures against already-open browser sessions.
type Capturer struct {
	log     *zap.Logger
	store   types.ObjectStore
	vision  visionClient
	cfg     config.DesignConfig
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewCapturer wires a Capturer. metrics may be nil in tests.
func NewCapturer(log *zap.Logger, store types.ObjectStore, vision visionClient, cfg config.DesignConfig, metrics *telemetry.Metrics) *Capturer {
	return &Capturer{
		log:     log.Named("design"),
		store:   store,
		vision:  vision,
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
	}
}

// stateKey is where the last-capture bookkeeping lives.
func stateKey(tenant string, pt types.PageType) string {
	return fmt.Sprintf("oem/%s/design_state/%s.json", tenant, pt)
}

// captureKey is where one screenshot lands.
func captureKey(tenant string, pt types.PageType, at time.Time) string {
	return fmt.Sprintf("oem/%s/design_captures/%s/%s/screenshot_desktop.png",
		tenant, pt, at.UTC().Format(time.RFC3339))
}

// CapturePage screenshots the session's current page and stores it when the
// design drifted. Returns what happened.
func (c *Capturer) CapturePage(ctx context.Context, tenant types.Tenant, page types.SourcePage, session types.BrowserSession) (Outcome, error) {
	pngBytes, err := session.CaptureScreenshot(ctx)
	if err != nil {
		c.count(tenant.Slug, "error")
		return "", fmt.Errorf("capture screenshot: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		c.count(tenant.Slug, "error")
		return "", fmt.Errorf("decode screenshot: %w", err)
	}
	hash := AverageHash(img)

	prev, err := c.loadState(ctx, tenant.Slug, page.PageType)
	if err != nil {
		c.count(tenant.Slug, "error")
		return "", err
	}
	if prev != nil && DistanceRatio(prev.Hash, hash) <= c.cfg.HashThreshold {
		c.count(tenant.Slug, "unchanged")
		return OutcomeUnchanged, nil
	}

	now := c.now()
	key := captureKey(tenant.Slug, page.PageType, now)
	if err := c.store.Put(ctx, key, pngBytes); err != nil {
		c.count(tenant.Slug, "error")
		return "", fmt.Errorf("store capture: %w", err)
	}

	// The vision reply is best-effort: a failed call never voids the capture.
	if c.vision != nil {
		if reply, err := c.vision.DescribeDesign(ctx, tenant.Slug, pngBytes); err != nil {
			c.log.Warn("design token extraction failed",
				zap.String("tenant", tenant.Slug), zap.Error(err))
		} else {
			tokensKey := fmt.Sprintf("oem/%s/design_captures/%s/%s/design_tokens.json",
				tenant.Slug, page.PageType, now.UTC().Format(time.RFC3339))
			if err := c.store.Put(ctx, tokensKey, reply.Raw); err != nil {
				c.log.Warn("store design tokens", zap.String("tenant", tenant.Slug), zap.Error(err))
			}
		}
	}

	if err := c.saveState(ctx, tenant.Slug, page.PageType, state{Hash: hash, CapturedAt: now, ObjectKey: key}); err != nil {
		c.count(tenant.Slug, "error")
		return "", err
	}
	c.count(tenant.Slug, "stored")
	c.log.Info("design capture stored",
		zap.String("tenant", tenant.Slug),
		zap.String("page_type", string(page.PageType)),
		zap.String("key", key))
	return OutcomeStored, nil
}

// Due reports whether a tenant/page-type pair wants a capture at now.
func (c *Capturer) Due(ctx context.Context, tenant string, pt types.PageType) (bool, error) {
	if !c.cfg.Enabled {
		return false, nil
	}
	prev, err := c.loadState(ctx, tenant, pt)
	if err != nil {
		return false, err
	}
	if prev == nil {
		return true, nil
	}
	return c.now().Sub(prev.CapturedAt) >= c.cfg.Interval(), nil
}

func (c *Capturer) loadState(ctx context.Context, tenant string, pt types.PageType) (*state, error) {
	raw, err := c.store.Get(ctx, stateKey(tenant, pt))
	if err != nil {
		if errors.Is(err, store.ErrObjectNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load design state: %w", err)
	}
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		// Corrupt state reads as absent; the next capture rewrites it.
		return nil, nil
	}
	return &st, nil
}

func (c *Capturer) saveState(ctx context.Context, tenant string, pt types.PageType, st state) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, stateKey(tenant, pt), raw); err != nil {
		return fmt.Errorf("save design state: %w", err)
	}
	return nil
}

func (c *Capturer) count(tenant, outcome string) {
	if c.metrics != nil {
		c.metrics.DesignCaptures.WithLabelValues(tenant, outcome).Inc()
	}
}
