// client.go — HTTP client for the external headless-browser service.
// The service owns the browsers; this client owns nothing but a session id.
// Sessions are single-use: open, navigate, wait, read, close. A circuit
// breaker guards session opens so a dead renderer fails crawls fast instead
// of eating a navigation timeout per page.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/types"
)

// ErrRendererDown wraps breaker-open and connection failures. The driver
// treats it as transient.
var ErrRendererDown = errors.New("renderer unavailable")

const screenshotLimit = 32 << 20

// Client implements types.Renderer against the rendering service.
type Client struct {
	log      *zap.Logger
	endpoint string // scheme+host, no trailing slash
	secret   string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	cfg      config.RendererConfig
}

// NewClient builds the renderer client.
func NewClient(log *zap.Logger, cfg config.RendererConfig) *Client {
	return &Client{
		log:      log.Named("render"),
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		secret:   cfg.Secret,
		http:     &http.Client{Timeout: cfg.NavigateTimeout() + 10*time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "renderer",
			Interval: time.Minute,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
		cfg: cfg,
	}
}

// Open starts a browser session for one page load.
func (c *Client) Open(ctx context.Context, tenant string) (types.BrowserSession, error) {
	raw, err := c.breaker.Execute(func() (any, error) {
		var out struct {
			ID string `json:"id"`
		}
		err := c.call(ctx, http.MethodPost, "/v1/sessions", map[string]string{"tenant": tenant}, &out)
		return out.ID, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrRendererDown)
		}
		return nil, fmt.Errorf("%w: %v", ErrRendererDown, err)
	}
	id := raw.(string)
	if id == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrRendererDown)
	}
	c.log.Debug("browser session opened", zap.String("tenant", tenant), zap.String("session", id))
	return &session{client: c, id: id}, nil
}

// call posts JSON and decodes the reply into out (out may be nil).
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("renderer %s %s: HTTP %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// get fetches raw bytes.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return nil, err
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("renderer GET %s: HTTP %d", path, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, screenshotLimit))
}

// ============================================
// Session
// ============================================

// session is one live page on the rendering service.
type session struct {
	client *Client
	id     string

	mu          sync.Mutex
	intercepted []types.InterceptedResponse
	drained     bool
}

func (s *session) path(suffix string) string {
	return "/v1/sessions/" + s.id + suffix
}

func (s *session) Navigate(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, s.client.cfg.NavigateTimeout())
	defer cancel()
	return s.client.call(ctx, http.MethodPost, s.path("/navigate"), map[string]string{"url": url}, nil)
}

func (s *session) WaitForLoad(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.client.cfg.LoadTimeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()
	return s.client.call(ctx, http.MethodPost, s.path("/wait"),
		map[string]int64{"timeout_ms": timeout.Milliseconds()}, nil)
}

func (s *session) Evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	var out struct {
		Result json.RawMessage `json:"result"`
	}
	if err := s.client.call(ctx, http.MethodPost, s.path("/evaluate"), map[string]string{"expression": expr}, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

func (s *session) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	return s.client.get(ctx, s.path("/screenshot"))
}

// InterceptedJSON drains the service's network-interception buffer once and
// caches it; the interface is synchronous, so the fetch uses a short
// deadline of its own.
func (s *session) InterceptedJSON() []types.InterceptedResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drained {
		return s.intercepted
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out struct {
		Responses []types.InterceptedResponse `json:"responses"`
	}
	if err := s.client.call(ctx, http.MethodGet, s.path("/network"), nil, &out); err != nil {
		s.client.log.Warn("drain intercepted responses", zap.String("session", s.id), zap.Error(err))
		return nil
	}
	s.intercepted = out.Responses
	s.drained = true
	return s.intercepted
}

func (s *session) Close(ctx context.Context) error {
	return s.client.call(ctx, http.MethodDelete, s.path(""), nil, nil)
}

// RenderedDOM is the standard evaluate expression for the full document.
const RenderedDOM = "document.documentElement.outerHTML"

// DOM fetches the rendered document as a string.
func DOM(ctx context.Context, s types.BrowserSession) (string, error) {
	raw, err := s.Evaluate(ctx, RenderedDOM)
	if err != nil {
		return "", err
	}
	var html string
	if err := json.Unmarshal(raw, &html); err != nil {
		return string(raw), nil
	}
	return html, nil
}
