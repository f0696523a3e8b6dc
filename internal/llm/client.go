// client.go — Anthropic client for selector repair.
// One Client serves all tenants; a per-tenant semaphore caps in-flight
// requests (vendor rate limits punish bursts) and a shared circuit breaker
// sheds load when the API is down so crawls fail fast instead of queuing
// thirty-second timeouts.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/config"
)

// ErrUnavailable wraps breaker-open and transport failures; the extractor
// treats it as a failed repair, never as fatal.
var ErrUnavailable = errors.New("llm unavailable")

const truncationMarker = "\n<!-- DOM truncated -->"

const repairSystemPrompt = `You are a CSS selector repair assistant for a web monitoring system.
You are given a description of what a selector should match, the old broken selector, and the current page DOM.
Reply with EXACTLY ONE CSS selector and nothing else. No explanation, no code fences, no quotes.
The selector must match the described element in the provided DOM.
Examples of valid replies:
.price-value
#hero-title
[data-testid="variant-price"]
div.offer-card h3`

// RepairRequest is everything the model needs to propose a replacement
// selector.
type RepairRequest struct {
	Tenant      string
	URL         string
	Semantic    string // what the selector should match, from the slot vocabulary
	OldSelector string
	DOM         string // truncated by the client
}

// Repairer is the extractor's view of this package; tests substitute fakes.
type Repairer interface {
	RepairSelector(ctx context.Context, req RepairRequest) (string, error)
}

// Client calls the Anthropic API.
type Client struct {
	log      *zap.Logger
	api      anthropic.Client
	cfg      config.LLMConfig
	breaker  *gobreaker.CircuitBreaker
	throttle *Throttle

	// TenantLimit, when set, resolves a tenant's max_concurrent_llm roster
	// override; non-positive means the configured default. Consulted on
	// every call so hot reloads take effect.
	TenantLimit func(slug string) int
}

// NewClient builds the shared client. perTenant caps concurrent repair
// requests per tenant; zero means the configured default.
func NewClient(log *zap.Logger, cfg config.LLMConfig) *Client {
	return &Client{
		log: log.Named("llm"),
		api: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg: cfg,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "anthropic",
			MaxRequests: 2,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		throttle: NewThrottle(cfg.MaxConcurrentPerTenant),
	}
}

// RepairSelector asks the model for a replacement selector. The reply is
// parsed best-effort and validated; a malformed reply is an error, never a
// re-query.
func (c *Client) RepairSelector(ctx context.Context, req RepairRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RepairTimeout())
	defer cancel()

	release, err := c.throttle.Acquire(ctx, req.Tenant, c.limitFor(req.Tenant))
	if err != nil {
		return "", fmt.Errorf("%w: throttle: %v", ErrUnavailable, err)
	}
	defer release()

	dom := req.DOM
	if len(dom) > c.cfg.MaxDOMSize {
		dom = dom[:c.cfg.MaxDOMSize] + truncationMarker
	}

	prompt := fmt.Sprintf(
		"Site: %s\nPage: %s\nElement description: %s\nOld selector (no longer matches): %s\n\nCurrent DOM:\n%s",
		req.Tenant, req.URL, req.Semantic, req.OldSelector, dom)

	start := time.Now()
	raw, err := c.breaker.Execute(func() (any, error) {
		return c.api.Messages.New(ctx, anthropic.MessageNewParams{
			Model:       anthropic.Model(c.cfg.Model),
			MaxTokens:   int64(c.cfg.MaxTokens),
			Temperature: anthropic.Float(c.cfg.Temperature),
			System: []anthropic.TextBlockParam{
				{Text: repairSystemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	msg := raw.(*anthropic.Message)

	reply := collectText(msg)
	selector, err := ParseSelector(reply)
	if err != nil {
		c.log.Warn("selector repair reply rejected",
			zap.String("tenant", req.Tenant),
			zap.String("semantic", req.Semantic),
			zap.String("reply", clip(reply, 120)),
			zap.Error(err))
		return "", err
	}
	c.log.Info("selector repaired",
		zap.String("tenant", req.Tenant),
		zap.String("semantic", req.Semantic),
		zap.String("old", req.OldSelector),
		zap.String("new", selector),
		zap.Duration("took", time.Since(start)))
	return selector, nil
}

func (c *Client) limitFor(tenant string) int {
	if c.TenantLimit == nil {
		return 0
	}
	return c.TenantLimit(tenant)
}

func collectText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
