package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"cashbridge/internal/domain"
	"cashbridge/internal/logging"
)

// DefaultTTL is how long a snapshot is served without refetching.
const DefaultTTL = 30 * time.Second

// Service serves cached prices for the enabled currencies.
type Service struct {
	feed   Feed
	cache  Cache
	codes  []domain.CurrencyCode
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
	group  singleflight.Group
}

// Option configures Service.
type Option func(*Service)

// WithTTL sets the freshness window.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		s.ttl = d
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService creates a Service pricing codes. A nil cache uses a MemoryCache.
func NewService(feed Feed, cache Cache, codes []domain.CurrencyCode, opts ...Option) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	s := &Service{
		feed:  feed,
		cache: cache,
		codes: codes,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("pricing")
	return s
}

// Current returns a snapshot no older than the TTL. When the feed fails the
// last snapshot is returned with Stale set; with nothing cached the error is
// ErrPriceUnavailable.
func (s *Service) Current(ctx context.Context) (*Snapshot, error) {
	cached, err := s.cache.Load(ctx)
	if err != nil {
		s.logger.Warn("price cache read failed", zap.Error(err))
		cached = nil
	}
	if cached != nil && s.now().Sub(cached.FetchedAt) < s.ttl {
		return cached, nil
	}

	v, err, _ := s.group.Do("fetch", func() (any, error) {
		prices, err := s.feed.FetchUSD(ctx, s.codes)
		if err != nil {
			return nil, err
		}
		snap := &Snapshot{Prices: prices, FetchedAt: s.now().UTC()}
		if err := s.cache.Store(ctx, snap); err != nil {
			s.logger.Warn("price cache write failed", zap.Error(err))
		}
		return snap, nil
	})
	if err == nil {
		return copySnapshot(v.(*Snapshot)), nil
	}

	if cached != nil {
		s.logger.Warn("price feed failed, serving stale prices",
			zap.Time("fetched_at", cached.FetchedAt),
			zap.Error(err),
		)
		cached.Stale = true
		return cached, nil
	}
	return nil, domain.ErrPriceUnavailable.Wrap(err)
}

// Price returns the current USD price of one currency.
func (s *Service) Price(ctx context.Context, code domain.CurrencyCode) (decimal.Decimal, error) {
	snap, err := s.Current(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	p, ok := snap.Prices[code]
	if !ok {
		return decimal.Zero, domain.ErrPriceUnavailable.Wrapf("no price for %s", code)
	}
	return p, nil
}
