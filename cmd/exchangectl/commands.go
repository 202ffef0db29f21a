package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"cashbridge/internal/api"
	"cashbridge/internal/domain"
	"cashbridge/internal/reporting"
	"cashbridge/internal/storage/migrations"
	pgstore "cashbridge/internal/storage/postgres"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres and ClickHouse schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.DB.PostgresDSN == "" {
				return fmt.Errorf("POSTGRES_DSN is required")
			}
			ctx := cmd.Context()

			pool, err := pgstore.NewPool(ctx, cfg.DB.PostgresDSN, pgstore.WithApplicationName("exchangectl"))
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
				return fmt.Errorf("postgres migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "postgres migrations applied")

			if cfg.DB.ClickhouseDSN == "" {
				return nil
			}
			conn, err := migrations.RunClickhouseMigrations(ctx, cfg.DB.ClickhouseDSN)
			if err != nil {
				return fmt.Errorf("clickhouse migrations: %w", err)
			}
			defer conn.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "clickhouse migrations applied")
			return nil
		},
	}
}

func feeRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fee-rules",
		Short: "List, add and delete fee bands",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List fee bands",
		RunE: func(cmd *cobra.Command, args []string) error {
			currency, _ := cmd.Flags().GetString("currency")
			return withLedger(cmd, func(ctx context.Context, l *ledger) error {
				rules, err := l.exchange.FeeRules(ctx, currency)
				if err != nil {
					return err
				}
				return printFeeRules(cmd.OutOrStdout(), rules)
			})
		},
	}
	list.Flags().StringP("currency", "c", "", "Only this currency")

	add := &cobra.Command{
		Use:   "add",
		Short: "Add a fee band [start, end) for a currency",
		Example: `  exchangectl fee-rules add --currency BTC --start 0 --end 500 --fee 18
  exchangectl fee-rules add -c ETH --start 500 --end 100000 --fee 12.5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := feeRuleFromFlags(cmd)
			if err != nil {
				return err
			}
			return withLedger(cmd, func(ctx context.Context, l *ledger) error {
				if err := l.exchange.AddFeeRule(ctx, operator(cmd), rule); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added fee rule %d: %s [%s, %s) %s%%\n",
					rule.ID, rule.Currency, rule.Start, rule.End, rule.FeePercentage)
				return nil
			})
		},
	}
	add.Flags().StringP("currency", "c", "", "Currency code")
	add.Flags().String("start", "", "Range start in USD (inclusive)")
	add.Flags().String("end", "", "Range end in USD (exclusive)")
	add.Flags().String("fee", "", "Fee percentage")
	add.Flags().String("admin", "", "Admin id recorded in the audit log")
	for _, f := range []string{"currency", "start", "end", "fee"} {
		_ = add.MarkFlagRequired(f)
	}

	del := &cobra.Command{
		Use:   "delete [rule-id]",
		Short: "Delete a fee band",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid rule id %q", args[0])
			}
			return withLedger(cmd, func(ctx context.Context, l *ledger) error {
				if err := l.exchange.DeleteFeeRule(ctx, operator(cmd), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted fee rule %d\n", id)
				return nil
			})
		},
	}
	del.Flags().String("admin", "", "Admin id recorded in the audit log")

	cmd.AddCommand(list, add, del)
	return cmd
}

func confirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm [transaction-id]",
		Short: "Mark a pending transaction completed without verification",
		Long: `Force a pending transaction to completed. No payout is sent; use this only
after the coins were delivered by other means. The action is audited.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, l *ledger) error {
				tx, err := l.exchange.AdminConfirm(ctx, operator(cmd), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", tx.TransactionID, tx.Status)
				return nil
			})
		},
	}
	cmd.Flags().String("admin", "", "Admin id recorded in the audit log")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [transaction-id]",
		Short: "Show a transaction and its verification events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, l *ledger) error {
				tx, err := l.exchange.Get(ctx, args[0])
				if err != nil {
					return fmt.Errorf("transaction %s: %w", args[0], err)
				}
				out := cmd.OutOrStdout()
				printTransaction(out, tx)

				if l.events == nil {
					return nil
				}
				events, err := l.events.GetByTransactionID(ctx, tx.TransactionID)
				if err != nil {
					return fmt.Errorf("load events: %w", err)
				}
				fmt.Fprintln(out)
				return printEvents(out, events)
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger totals by status and currency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, l *ledger) error {
				sum, err := l.exchange.Summary(ctx)
				if err != nil {
					return err
				}
				printSummary(cmd.OutOrStdout(), sum)
				return nil
			})
		},
	}
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export ledger rows and reconciliation findings",
		Example: `  exchangectl report --format md
  exchangectl report --status completed --format csv > completed.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			if format != "csv" && format != "md" {
				return fmt.Errorf("--format must be csv or md, got %q", format)
			}
			opts, err := reportOptions(cmd)
			if err != nil {
				return err
			}
			return withLedger(cmd, func(ctx context.Context, l *ledger) error {
				r, err := reporting.NewGenerator(l.txs).Generate(ctx, opts)
				if err != nil {
					return err
				}
				if format == "csv" {
					_, err = io.WriteString(cmd.OutOrStdout(), reporting.RenderCSV(r.Transactions))
				} else {
					_, err = io.WriteString(cmd.OutOrStdout(), reporting.RenderMarkdown(r))
				}
				return err
			})
		},
	}
	cmd.Flags().StringSlice("status", nil, "Only these statuses (pending, verified, completed, failed)")
	cmd.Flags().Int("limit", 0, "Rows per status, 0 for all")
	cmd.Flags().String("format", "md", "Output format: csv or md")
	cmd.Flags().Duration("stale-after", reporting.DefaultStaleAfter, "Flag verified rows older than this")
	return cmd
}

func reportOptions(cmd *cobra.Command) (reporting.Options, error) {
	statuses, _ := cmd.Flags().GetStringSlice("status")
	limit, _ := cmd.Flags().GetInt("limit")
	staleAfter, _ := cmd.Flags().GetDuration("stale-after")

	opts := reporting.Options{Limit: limit, StaleAfter: staleAfter}
	for _, raw := range statuses {
		st := domain.Status(raw)
		if !st.IsValid() {
			return opts, fmt.Errorf("unknown status %q", raw)
		}
		opts.Statuses = append(opts.Statuses, st)
	}
	return opts, nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Issue a bearer token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			admin, _ := cmd.Flags().GetBool("admin")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			tok, err := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Issue(args[0], admin, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Bool("admin", false, "Grant the admin role")
	cmd.Flags().Duration("ttl", api.DefaultTokenTTL, "Token lifetime")
	return cmd
}

func withLedger(cmd *cobra.Command, fn func(ctx context.Context, l *ledger) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	l, err := openLedger(ctx, cmd)
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(ctx, l)
}

func feeRuleFromFlags(cmd *cobra.Command) (*domain.FeeRule, error) {
	currency, _ := cmd.Flags().GetString("currency")
	rule := &domain.FeeRule{Currency: domain.CurrencyCode(currency)}

	var err error
	for _, f := range []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"start", &rule.Start},
		{"end", &rule.End},
		{"fee", &rule.FeePercentage},
	} {
		raw, _ := cmd.Flags().GetString(f.name)
		if *f.dst, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("--%s: %w", f.name, err)
		}
	}
	return rule, nil
}

func printFeeRules(w io.Writer, rules []*domain.FeeRule) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCURRENCY\tSTART\tEND\tFEE %")
	for _, r := range rules {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.Currency, r.Start, r.End, r.FeePercentage)
	}
	return tw.Flush()
}

func printTransaction(w io.Writer, tx *domain.ExchangeTransaction) {
	fmt.Fprintf(w, "transaction  %s\n", tx.TransactionID)
	fmt.Fprintf(w, "user         %s\n", tx.UserID)
	fmt.Fprintf(w, "status       %s\n", tx.Status)
	fmt.Fprintf(w, "amount       %s USD at %s%% fee -> %s %s\n", tx.AmountUSD.StringFixed(2), tx.FeePercentage, tx.AmountCrypto, tx.Currency)
	fmt.Fprintf(w, "wallet       %s\n", tx.WalletAddress)
	fmt.Fprintf(w, "created      %s\n", tx.CreatedAt.Format(time.RFC3339))
	if tx.ReceiptIdentifier != "" {
		fmt.Fprintf(w, "receipt      %s\n", tx.ReceiptIdentifier)
	}
	if tx.VerificationMethod != "" {
		fmt.Fprintf(w, "method       %s\n", tx.VerificationMethod)
	}
	if tx.SettlementRef != "" {
		fmt.Fprintf(w, "settlement   %s\n", tx.SettlementRef)
	}
	if tx.FailureStep != "" {
		fmt.Fprintf(w, "failed at    %s: %s\n", tx.FailureStep, tx.ErrorDetail)
	}
}

func printEvents(w io.Writer, events []*domain.VerificationEvent) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTEP\tOUTCOME\tMS\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.OccurredAt.Format(time.RFC3339), e.Step, e.Outcome, e.DurationMs, e.Detail)
	}
	return tw.Flush()
}

func printSummary(w io.Writer, sum *domain.LedgerSummary) {
	for _, st := range []domain.Status{domain.StatusPending, domain.StatusVerified, domain.StatusCompleted, domain.StatusFailed} {
		fmt.Fprintf(w, "%-10s %d\n", st, sum.CountByStatus[st])
	}
	fmt.Fprintf(w, "completed volume %s USD\n", sum.CompletedUSD.StringFixed(2))
	codes := make([]domain.CurrencyCode, 0, len(sum.CompletedByCrypto))
	for code := range sum.CompletedByCrypto {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	for _, code := range codes {
		fmt.Fprintf(w, "  %s %s\n", code, sum.CompletedByCrypto[code])
	}
}
