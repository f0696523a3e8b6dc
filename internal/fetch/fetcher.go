// fetcher.go — Cheap-check HTTP client.
// One GET with a short deadline, then normalize + fingerprint. The only
// output upstream cares about is (fingerprint, normalized HTML); everything
// else here is error classification so the driver can branch per the error
// taxonomy: transient failures are retried by the driver, permanent ones
// flip the page to error/blocked status.
package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Failure classes. The driver branches with errors.Is.
var (
	// ErrPermanent: 4xx, DNS NXDOMAIN, TLS failure. Page becomes status=error.
	ErrPermanent = errors.New("permanent fetch failure")
	// ErrBlocked: 403/429 bot wall. Page becomes status=blocked.
	ErrBlocked = errors.New("fetch blocked")
	// ErrTransient: timeouts and 5xx. Retried by the driver, no page update.
	ErrTransient = errors.New("transient fetch failure")
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 8 << 20 // vendor pages are heavy but not unbounded
	userAgent      = "oemwatch/1.0 (+https://forecourt.example/oemwatch)"
)

// Result is one successful cheap check.
type Result struct {
	Fingerprint string
	Normalized  string
	FetchedIn   time.Duration
}

// Fetcher performs cheap checks.
type Fetcher struct {
	log    *zap.Logger
	client *http.Client
}

// New returns a Fetcher with the given timeout; zero means the default 15s.
func New(log *zap.Logger, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Fetcher{
		log: log.Named("fetch"),
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("%w: too many redirects", ErrPermanent)
				}
				return nil
			},
		},
	}
}

// Check fetches url, normalizes the body, and fingerprints it. headers are
// extra request headers from the tenant config (consent cookies and the
// like).
func (f *Fetcher) Check(ctx context.Context, url string, headers map[string]string) (Result, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		// Drain a little so the connection can be reused, then give up.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return Result{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Result{}, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	normalized, err := Normalize(string(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	res := Result{
		Fingerprint: Fingerprint(normalized),
		Normalized:  normalized,
		FetchedIn:   time.Since(start),
	}
	f.log.Debug("cheap check complete",
		zap.String("url", url),
		zap.String("fingerprint", res.Fingerprint[:12]),
		zap.Duration("took", res.FetchedIn))
	return res, nil
}

// classifyTransport sorts transport-level failures into the taxonomy.
// TLS and certificate failures are vendor-side configuration problems, not
// something a retry fixes within a crawl.
func classifyTransport(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	var certErr *tls.CertificateVerificationError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) || strings.Contains(err.Error(), "tls:") {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// classifyStatus sorts HTTP status codes into the taxonomy.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusForbidden || code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ErrBlocked, code)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: HTTP %d", ErrPermanent, code)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrTransient, code)
	}
}
