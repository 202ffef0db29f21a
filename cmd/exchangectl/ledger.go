package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cashbridge/internal/config"
	"cashbridge/internal/domain"
	"cashbridge/internal/exchange"
	"cashbridge/internal/fees"
	"cashbridge/internal/logging"
	"cashbridge/internal/storage"
	chstore "cashbridge/internal/storage/clickhouse"
	pgstore "cashbridge/internal/storage/postgres"
)

// ledger is an open connection to the production stores.
type ledger struct {
	cfg      *config.Config
	exchange *exchange.Service
	txs      storage.TransactionStore
	events   storage.VerificationEventStore
	logger   *zap.Logger
	closers  []func()
}

func (l *ledger) Close() {
	for i := len(l.closers) - 1; i >= 0; i-- {
		l.closers[i]()
	}
	_ = l.logger.Sync()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := os.Setenv("CONFIG_FILE", path); err != nil {
			return nil, err
		}
	}
	return config.Load()
}

// openLedger connects to Postgres and, when configured, ClickHouse.
func openLedger(ctx context.Context, cmd *cobra.Command) (*ledger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.DB.UseMemory || cfg.DB.PostgresDSN == "" {
		return nil, errors.New("exchangectl needs POSTGRES_DSN; in-memory storage is not shared with the server")
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	l := &ledger{cfg: cfg, logger: logger.Named("exchangectl")}

	pool, err := pgstore.NewPool(ctx, cfg.DB.PostgresDSN, pgstore.WithApplicationName("exchangectl"))
	if err != nil {
		return nil, err
	}
	l.closers = append(l.closers, pool.Close)

	if cfg.DB.ClickhouseDSN != "" {
		conn, err := chstore.NewConn(ctx, cfg.DB.ClickhouseDSN)
		if err != nil {
			l.Close()
			return nil, err
		}
		l.closers = append(l.closers, func() { _ = conn.Close() })
		l.events = chstore.NewVerificationEventStore(conn)
	}

	currencies := domain.DefaultCurrencies(cfg.Custody.Network, cfg.Custody.Wallets, cfg.Solana.HotWallet)
	table := fees.NewTable(pgstore.NewFeeRuleStore(pool), currencies,
		fees.WithDefaultPercentage(cfg.Fees.DefaultPercentage),
		fees.WithLogger(l.logger),
	)
	l.txs = pgstore.NewTransactionStore(pool)
	l.exchange = exchange.NewService(l.txs, pgstore.NewAdminLogStore(pool), table, currencies,
		exchange.WithLogger(l.logger),
	)
	return l, nil
}

// operator returns the admin id recorded in the audit log.
func operator(cmd *cobra.Command) string {
	if id, _ := cmd.Flags().GetString("admin"); id != "" {
		return id
	}
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}
