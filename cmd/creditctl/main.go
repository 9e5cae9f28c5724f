// Command creditctl inspects and adjusts credit accounts directly against
// the database.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/adapter/repo"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/adapter/sqlite"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/infra"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/infra/credentials"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/jobs"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/ledger"
)

type services struct {
	ledger  *ledger.Service
	jobs    *jobs.Service
	runner  *infra.SQLRunner
	closeFn func()
}

type rootOptions struct {
	databaseURL string
	pricingFile string
	timeout     time.Duration
	logger      zerolog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "creditctl",
		Short:         "Operate on credit accounts and jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.databaseURL == "" {
				opts.databaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
			}
			if opts.databaseURL == "" {
				return errors.New("DATABASE_URL is required (flag --database-url or environment)")
			}
			if opts.pricingFile == "" {
				opts.pricingFile = os.Getenv("PRICING_FILE")
			}
			opts.logger = infra.NewLogger("cli").With().Str("cmd", "creditctl").Logger()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "Postgres or sqlite:// database URL")
	root.PersistentFlags().StringVar(&opts.pricingFile, "pricing", "", "TOML pricing file overriding the defaults")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall command timeout")

	root.AddCommand(
		newBalanceCmd(opts),
		newHistoryCmd(opts),
		newGrantCmd(opts),
		newAuditCmd(opts),
		newRenewCmd(opts),
		newReapCmd(opts),
		newMigrateCmd(opts),
		newCredentialCmd(opts),
	)
	return root
}

func (o *rootOptions) open(ctx context.Context) (*services, error) {
	pricing := domain.DefaultPricing()
	if o.pricingFile != "" {
		override, err := infra.LoadPricing(o.pricingFile)
		if err != nil {
			return nil, err
		}
		pricing = pricing.Merge(override)
	}
	var (
		ledgerRepo domain.LedgerRepository
		jobRepo    domain.JobRepository
		svc        = &services{}
	)
	if infra.IsSQLiteURL(o.databaseURL) {
		store, err := sqlite.Open(o.databaseURL)
		if err != nil {
			return nil, err
		}
		ledgerRepo, jobRepo = store.Ledger(), store.Jobs()
		svc.closeFn = func() { _ = store.Close() }
	} else {
		pool, err := pgxpool.New(ctx, o.databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		svc.runner = infra.NewSQLRunner(pool, o.logger)
		ledgerRepo, jobRepo = repo.NewLedgerRepository(svc.runner), repo.NewJobRepository(svc.runner)
		svc.closeFn = pool.Close
	}
	svc.ledger = ledger.NewService(ledgerRepo, pricing, o.logger)
	svc.jobs = jobs.NewService(jobRepo, svc.ledger, o.logger, 0)
	return svc, nil
}

// run opens the services for the duration of fn.
func (o *rootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, s *services) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	s, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer s.closeFn()
	return fn(ctx, s)
}

func printer() *message.Printer {
	return message.NewPrinter(language.English)
}

func newBalanceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance ACCOUNT",
		Short: "Show the balance and plan of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, s *services) error {
				acct, err := s.ledger.Open(ctx, args[0])
				if err != nil {
					return err
				}
				p := printer()
				out := cmd.OutOrStdout()
				p.Fprintf(out, "account:   %s\n", acct.ID)
				p.Fprintf(out, "plan:      %s\n", acct.Plan)
				p.Fprintf(out, "balance:   %d\n", acct.Balance)
				p.Fprintf(out, "allowance: %d\n", acct.MonthlyAllowance)
				if acct.NextResetAt != nil {
					p.Fprintf(out, "next reset: %s\n", acct.NextResetAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history ACCOUNT",
		Short: "List recent ledger transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, s *services) error {
				txs, err := s.ledger.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CREATED\tKIND\tAMOUNT\tDELTA\tJOB\tDESCRIPTION")
				for _, tx := range txs {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%+d\t%s\t%s\n",
						tx.CreatedAt.Format(time.RFC3339), tx.Kind, tx.Amount, tx.Delta, tx.JobID, tx.Description)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of transactions to show")
	return cmd
}

func newGrantCmd(opts *rootOptions) *cobra.Command {
	var (
		reason string
		pack   bool
	)
	cmd := &cobra.Command{
		Use:   "grant ACCOUNT AMOUNT",
		Short: "Credit an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			return opts.run(cmd, func(ctx context.Context, s *services) error {
				grant := s.ledger.Grant
				if pack {
					grant = s.ledger.PackPurchase
				}
				balance, err := grant(ctx, args[0], amount, reason)
				if err != nil {
					return err
				}
				printer().Fprintf(cmd.OutOrStdout(), "granted %d credits to %s, balance %d\n", amount, args[0], balance)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual grant", "reason recorded on the transaction")
	cmd.Flags().BoolVar(&pack, "pack", false, "record as a credit pack purchase")
	return cmd
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit ACCOUNT",
		Short: "Compare the cached balance with the transaction log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, s *services) error {
				report, err := s.ledger.Audit(ctx, args[0])
				if report != nil {
					printer().Fprintf(cmd.OutOrStdout(), "account %s: balance %d, log sum %d, consistent=%t\n",
						report.AccountID, report.Balance, report.LogSum, report.Consistent)
				}
				return err
			})
		},
	}
}

func newRenewCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "renew",
		Short: "Grant monthly allowances to every account that is due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, s *services) error {
				n, err := s.ledger.RenewDue(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "renewed %d accounts\n", n)
				return nil
			})
		},
	}
}

func newReapCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail stuck jobs and settle unsettled ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, s *services) error {
				n, err := s.jobs.ReapStuck(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "settled %d jobs\n", n)
				return nil
			})
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if infra.IsSQLiteURL(opts.databaseURL) {
				fmt.Fprintln(cmd.OutOrStdout(), "sqlite schema is applied on open; nothing to do")
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			applied, err := infra.MigratePostgres(ctx, opts.databaseURL, opts.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", len(applied))
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", v)
			}
			return nil
		},
	}
}

func newCredentialCmd(opts *rootOptions) *cobra.Command {
	var provider, key string
	cmd := &cobra.Command{
		Use:   "set-credential",
		Short: "Store a provider API key in the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = strings.TrimSpace(os.Getenv("AI_API_KEY"))
			}
			return opts.run(cmd, func(ctx context.Context, s *services) error {
				if s.runner == nil {
					return errors.New("credentials are only stored in Postgres")
				}
				if err := credentials.NewStore(s.runner).Set(ctx, provider, key, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s API key stored successfully\n", strings.ToUpper(provider))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", credentials.ProviderAI, "provider name")
	cmd.Flags().StringVar(&key, "key", "", "API key (falls back to AI_API_KEY)")
	return cmd
}
