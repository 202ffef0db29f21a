// Package mailbox searches the payment inbox for payment notification emails.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cashbridge/internal/domain"
	"cashbridge/internal/logging"
)

// Default configuration values.
const (
	DefaultSender        = "cash@square.com"
	DefaultWindowMinutes = 120
	fetchBuffer          = 16
)

// Session is an open, authenticated mailbox connection.
type Session interface {
	// Fetch sends every message from sender received at or after since to out
	// and closes out when done. It returns the first search or fetch error.
	Fetch(ctx context.Context, sender string, since time.Time, out chan<- RawMessage) error
	// Close logs out and releases the connection.
	Close() error
}

// Dialer opens mailbox sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Scanner finds payment notifications in a mailbox.
type Scanner struct {
	dialer Dialer
	sender string
	now    func() time.Time
	logger *zap.Logger
}

// Option configures Scanner.
type Option func(*Scanner)

// WithSender overrides the notification sender address.
func WithSender(addr string) Option {
	return func(s *Scanner) {
		s.sender = addr
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scanner) {
		s.logger = l
	}
}

// NewScanner creates a Scanner over d.
func NewScanner(d Dialer, opts ...Option) *Scanner {
	s := &Scanner{
		dialer: d,
		sender: DefaultSender,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("mailbox")
	return s
}

// FindPaymentEmails returns the payment notifications received in the
// trailing windowMinutes. Every parsed notification is returned; Verified is
// set on those whose identifier equals identifier. Messages that fail to
// parse are skipped. Connection, search and fetch failures are
// ErrMailboxUnavailable.
func (s *Scanner) FindPaymentEmails(ctx context.Context, identifier string, amount decimal.Decimal, handle string, windowMinutes int) ([]domain.CandidateEmail, error) {
	if windowMinutes <= 0 {
		windowMinutes = DefaultWindowMinutes
	}
	since := s.now().Add(-time.Duration(windowMinutes) * time.Minute)

	session, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, domain.ErrMailboxUnavailable.Wrap(err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			s.logger.Debug("mailbox close failed", zap.Error(cerr))
		}
	}()

	messages := make(chan RawMessage, fetchBuffer)
	fetchErr := make(chan error, 1)
	go func() {
		fetchErr <- session.Fetch(ctx, s.sender, since, messages)
	}()

	var (
		candidates []domain.CandidateEmail
		skipped    int
	)
	for raw := range messages {
		if raw.InternalDate.Before(since) {
			continue // SEARCH SINCE is day-granular
		}
		c, err := ParseMessage(raw)
		if err != nil {
			if !errors.Is(err, ErrNotPaymentEmail) {
				skipped++
				s.logger.Debug("skipping unparseable message", zap.Uint32("uid", raw.UID), zap.Error(err))
			}
			continue
		}
		c.Verified = identifier != "" && c.Identifier == identifier
		candidates = append(candidates, *c)
	}

	if err := <-fetchErr; err != nil {
		return nil, domain.ErrMailboxUnavailable.Wrap(fmt.Errorf("fetch: %w", err))
	}

	s.logger.Info("mailbox scanned",
		zap.String("identifier", identifier),
		zap.String("amount", amount.String()),
		zap.String("handle", handle),
		zap.Int("candidates", len(candidates)),
		zap.Int("skipped", skipped),
	)
	return candidates, nil
}
