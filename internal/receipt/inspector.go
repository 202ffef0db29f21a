// Package receipt extracts the payment identifier from a rendered receipt page.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"cashbridge/internal/domain"
	"cashbridge/internal/logging"
)

// Default configuration values.
const (
	DefaultNavigationTimeout = 30 * time.Second
	DefaultAllowedHost       = "cash.app"
)

// identifierPattern is a receipt identifier: '#' followed by seven
// uppercase alphanumerics.
var identifierPattern = regexp.MustCompile(`#[A-Z0-9]{7}`)

// Renderer loads a page in an isolated session and returns its text content.
// Implementations must release the session before returning.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (string, error)
}

// Inspector validates receipt URLs and finds the identifier in the rendered page.
type Inspector struct {
	renderer     Renderer
	allowedHosts []string
	timeout      time.Duration
	logger       *zap.Logger
}

// Option configures Inspector.
type Option func(*Inspector)

// WithAllowedHosts replaces the host allow-list. A host also admits its subdomains.
func WithAllowedHosts(hosts ...string) Option {
	return func(i *Inspector) {
		i.allowedHosts = nil
		for _, h := range hosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				i.allowedHosts = append(i.allowedHosts, h)
			}
		}
	}
}

// WithTimeout sets the navigation timeout.
func WithTimeout(d time.Duration) Option {
	return func(i *Inspector) {
		i.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Inspector) {
		i.logger = l
	}
}

// NewInspector creates an Inspector rendering pages with r.
func NewInspector(r Renderer, opts ...Option) *Inspector {
	i := &Inspector{
		renderer:     r,
		allowedHosts: []string{DefaultAllowedHost},
		timeout:      DefaultNavigationTimeout,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = logging.OrNop(i.logger).Named("receipt")
	return i
}

// Inspect returns the first identifier found on the receipt page.
// A URL outside the allow-list fails with ErrInvalidReceiptURL before any
// network access. All other failures are ErrReceiptVerificationFailed.
func (i *Inspector) Inspect(ctx context.Context, receiptURL string) (*domain.ReceiptResult, error) {
	u, err := i.ValidateURL(receiptURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	text, err := i.renderer.Render(ctx, u.String())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("navigation timed out after %s: %w", i.timeout, err)
		}
		i.logger.Warn("receipt render failed", zap.String("host", u.Host), zap.Error(err))
		return nil, domain.ErrReceiptVerificationFailed.Wrap(err)
	}

	id := identifierPattern.FindString(text)
	if id == "" {
		i.logger.Info("receipt has no identifier", zap.String("host", u.Host), zap.Duration("elapsed", time.Since(start)))
		return nil, domain.ErrReceiptVerificationFailed.Wrap(domain.ErrIdentifierNotFound)
	}

	i.logger.Debug("receipt identifier found",
		zap.String("identifier", id),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &domain.ReceiptResult{Identifier: id, URL: u.String()}, nil
}

// ValidateURL parses raw and checks it is an https URL on an allowed host.
func (i *Inspector) ValidateURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, domain.ErrInvalidReceiptURL.Wrapf("empty url")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, domain.ErrInvalidReceiptURL.Wrap(err)
	}
	if u.Scheme != "https" {
		return nil, domain.ErrInvalidReceiptURL.Wrapf("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return nil, domain.ErrInvalidReceiptURL.Wrapf("credentials not allowed")
	}
	if u.Port() != "" && u.Port() != "443" {
		return nil, domain.ErrInvalidReceiptURL.Wrapf("port %s not allowed", u.Port())
	}

	host := strings.ToLower(u.Hostname())
	for _, allowed := range i.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return u, nil
		}
	}
	return nil, domain.ErrInvalidReceiptURL.Wrapf("host %q not allowed", host)
}
