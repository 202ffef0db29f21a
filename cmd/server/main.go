// Package main runs the exchange HTTP service: the API, the verification
// pipeline, the websocket status feed and the metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cashbridge/internal/api"
	"cashbridge/internal/config"
	"cashbridge/internal/custody"
	"cashbridge/internal/domain"
	"cashbridge/internal/exchange"
	"cashbridge/internal/fees"
	"cashbridge/internal/logging"
	"cashbridge/internal/mailbox"
	"cashbridge/internal/observability"
	"cashbridge/internal/orchestrator"
	"cashbridge/internal/pricing"
	"cashbridge/internal/realtime"
	"cashbridge/internal/receipt"
	"cashbridge/internal/settlement"
	"cashbridge/internal/solana"
	"cashbridge/internal/storage"
	chstore "cashbridge/internal/storage/clickhouse"
	"cashbridge/internal/storage/memory"
	"cashbridge/internal/storage/migrations"
	pgstore "cashbridge/internal/storage/postgres"
)

// allStores holds the storage implementations.
type allStores struct {
	transactions storage.TransactionStore
	feeRules     storage.FeeRuleStore
	adminLog     storage.AdminLogStore
	events       storage.VerificationEventStore
	health       []api.HealthCheck
}

func main() {
	configFile := flag.String("config", os.Getenv("CONFIG_FILE"), "Optional YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	flag.Parse()

	if *configFile != "" {
		os.Setenv("CONFIG_FILE", *configFile)
	}
	if *useMemory {
		os.Setenv("USE_MEMORY", "true")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger.Named("server")); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, cleanup, err := createStores(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create stores: %w", err)
	}
	defer cleanup()

	var sol *solana.HTTPClient
	if cfg.Solana.RPCURL != "" {
		sol = solana.NewHTTPClient(cfg.Solana.RPCURL)
		stores.health = append(stores.health, api.HealthCheck{Name: "solana", Check: sol.Health})
	}

	currencies := domain.DefaultCurrencies(cfg.Custody.Network, cfg.Custody.Wallets, cfg.Solana.HotWallet)
	codes := make([]string, 0, len(currencies.Codes()))
	for _, c := range currencies.Codes() {
		codes = append(codes, c.String())
	}
	logger.Info("currencies enabled",
		zap.String("network", string(cfg.Custody.Network)),
		zap.Strings("codes", codes),
	)

	prices, priceCleanup, err := createPriceService(ctx, cfg, currencies.Codes(), logger)
	if err != nil {
		return err
	}
	defer priceCleanup()
	if cfg.Redis.URL != "" {
		stores.health = append(stores.health, api.HealthCheck{Name: "prices", Check: func(ctx context.Context) error {
			_, err := prices.Current(ctx)
			return err
		}})
	}

	auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	hub := realtime.NewHub(auth,
		realtime.WithCheckOrigin(originChecker(cfg.HTTP.AllowedOrigins)),
		realtime.WithLogger(logger),
	)

	table := fees.NewTable(stores.feeRules, currencies,
		fees.WithDefaultPercentage(cfg.Fees.DefaultPercentage),
		fees.WithLogger(logger),
	)

	exOpts := []exchange.Option{exchange.WithNotifier(hub), exchange.WithLogger(logger)}
	if cfg.Pricing.MaxDeviationPct.IsPositive() {
		exOpts = append(exOpts, exchange.WithPriceGuard(prices, cfg.Pricing.MaxDeviationPct))
	}
	exchangeSvc := exchange.NewService(stores.transactions, stores.adminLog, table, currencies, exOpts...)

	dispatchOpts := []settlement.Option{settlement.WithLogger(logger)}
	if sol != nil {
		dispatchOpts = append(dispatchOpts, settlement.WithSolanaRPC(sol))
	}
	custodyClient := custody.NewClient(cfg.Custody.BaseURL, cfg.Custody.AccessToken,
		custody.WithWalletPassphrase(cfg.Custody.WalletPassphrase),
	)
	dispatcher := settlement.NewDispatcher(custodyClient, currencies, dispatchOpts...)

	inspector := receipt.NewInspector(
		receipt.NewChromeRenderer(receipt.WithExecPath(cfg.Receipt.ChromePath)),
		receipt.WithAllowedHosts(cfg.Receipt.AllowedHosts...),
		receipt.WithTimeout(cfg.Receipt.Timeout),
		receipt.WithLogger(logger),
	)
	scanner := mailbox.NewScanner(
		mailbox.NewIMAPDialer(mailbox.IMAPConfig{
			Addr:     cfg.Mailbox.Addr,
			Username: cfg.Mailbox.Username,
			Password: cfg.Mailbox.Password,
			Mailbox:  cfg.Mailbox.Folder,
		}),
		mailbox.WithSender(cfg.Mailbox.Sender),
		mailbox.WithLogger(logger),
	)

	orch := orchestrator.New(orchestrator.Options{
		Transactions:   stores.transactions,
		Inspector:      inspector,
		Scanner:        scanner,
		Dispatcher:     dispatcher,
		Events:         stores.events,
		Notifier:       hub,
		Logger:         logger,
		InspectTimeout: cfg.Pipeline.InspectTimeout,
		ScanTimeout:    cfg.Pipeline.ScanTimeout,
		WindowMinutes:  cfg.Pipeline.WindowMinutes,
		MaxEmailAge:    cfg.Pipeline.MaxEmailAge,
	})

	limiter := api.NewUserRateLimiter(cfg.HTTP.VerifyPerMinute, cfg.HTTP.VerifyBurst, logger)
	defer limiter.Stop()

	router := api.NewRouter(api.Config{
		Exchange:      exchangeSvc,
		Pipeline:      orch,
		Prices:        prices,
		Events:        stores.events,
		Auth:          auth,
		VerifyLimiter: limiter,
		Realtime:      hub,
		Metrics:       observability.Handler(),
		Health:        stores.health,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return refreshPrices(gCtx, prices, cfg.Pricing.TTL, logger)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-gCtx.Done():
		}

		hub.Close()
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createStores opens Postgres and ClickHouse, or memory stores when configured.
func createStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*allStores, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	s := &allStores{}
	if cfg.DB.UseMemory {
		logger.Warn("using in-memory storage; data is lost on restart")
		s.transactions = memory.NewTransactionStore()
		s.feeRules = memory.NewFeeRuleStore()
		s.adminLog = memory.NewAdminLogStore()
	} else {
		pool, err := pgstore.NewPool(ctx, cfg.DB.PostgresDSN, pgstore.WithMaxConns(int32(cfg.DB.PostgresConns)))
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, pool.Close)
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("postgres migrations: %w", err)
		}
		s.transactions = pgstore.NewTransactionStore(pool)
		s.feeRules = pgstore.NewFeeRuleStore(pool)
		s.adminLog = pgstore.NewAdminLogStore(pool)
		s.health = append(s.health, api.HealthCheck{Name: "postgres", Check: pool.Ping})
	}

	if cfg.DB.ClickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.DB.ClickhouseDSN)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("clickhouse migrations: %w", err)
		}
		closers = append(closers, func() { _ = conn.Close() })
		s.events = chstore.NewVerificationEventStore(conn)
		s.health = append(s.health, api.HealthCheck{Name: "clickhouse", Check: conn.Ping})
	} else {
		s.events = memory.NewVerificationEventStore()
	}

	return s, cleanup, nil
}

// createPriceService builds the price service with a Redis cache when
// REDIS_URL is set.
func createPriceService(ctx context.Context, cfg *config.Config, codes []domain.CurrencyCode, logger *zap.Logger) (*pricing.Service, func(), error) {
	feed := pricing.NewCoinGecko(cfg.Pricing.CoinGeckoURL, pricing.WithAPIKey(cfg.Pricing.APIKey))

	var cache pricing.Cache
	cleanup := func() {}
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, cleanup, fmt.Errorf("ping redis: %w", err)
		}
		cleanup = func() { _ = client.Close() }
		cache = pricing.NewRedisCache(client, "", 24*time.Hour)
	}

	svc := pricing.NewService(feed, cache, codes,
		pricing.WithTTL(cfg.Pricing.TTL),
		pricing.WithLogger(logger),
	)
	return svc, cleanup, nil
}

// refreshPrices keeps the price cache warm so request paths rarely hit the feed.
func refreshPrices(ctx context.Context, prices *pricing.Service, ttl time.Duration, logger *zap.Logger) error {
	if ttl <= 0 {
		ttl = pricing.DefaultTTL
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		if snap, err := prices.Current(ctx); err != nil {
			logger.Warn("price refresh failed", zap.Error(err))
		} else if snap.Stale {
			logger.Warn("serving stale prices", zap.Time("fetched_at", snap.FetchedAt))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// originChecker allows same-host websocket upgrades plus the configured origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		if set[strings.ToLower(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
