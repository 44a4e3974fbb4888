package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type ledgerService interface {
	Deposit(ctx context.Context, participantID uuid.UUID, asset string, amount decimal.Decimal, reference string) (storage.LedgerTransaction, error)
}

type backend struct {
	store   storage.Store
	jobs    storage.JobStore
	ledger  ledgerService
	catalog catalog
	env     string

	// treasury and rewards are the fee collection accounts from config.
	treasury uuid.UUID
	rewards  uuid.UUID
	close    func()
}

type opener func(ctx context.Context) (*backend, error)

func newRootCmd(open opener) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "settlementctl",
		Short: "Operator tooling for the settlement service",
		Long: `Inspect and repair the settlement revenue queue, fund wallets and load
demo reference data.

The database is taken from the same configuration as the service
(CEX_CONFIG, config.yaml and CEX_* environment variables).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return os.Setenv("CEX_CONFIG", configPath)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the service config file")

	root.AddCommand(newJobsCmd(open), newLedgerCmd(open), newSeedCmd(open))
	return root
}

// withBackend opens the backend for the duration of fn.
func withBackend(cmd *cobra.Command, open opener, fn func(ctx context.Context, b *backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := open(ctx)
	if err != nil {
		return err
	}
	if b.close != nil {
		defer b.close()
	}
	return fn(ctx, b)
}

func newJobsCmd(open opener) *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the revenue and reward job queue",
	}

	var limit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List jobs that exhausted their attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				list, err := b.jobs.ListJobs(ctx, storage.JobFailed, limit)
				if err != nil {
					return fmt.Errorf("list failed jobs: %w", err)
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no failed jobs")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTYPE\tATTEMPTS\tUPDATED\tLAST ERROR")
				for _, j := range list {
					fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n", j.ID, j.Type, j.Attempts, j.MaxAttempts,
						j.UpdatedAt.UTC().Format(time.RFC3339), oneLine(j.LastError))
				}
				return w.Flush()
			})
		},
	}
	failed.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to list, 0 for all")

	requeue := &cobra.Command{
		Use:   "requeue [job-id]...",
		Short: "Return failed jobs to pending with a fresh attempt budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid job id %q", arg)
				}
				ids = append(ids, id)
			}
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				now := time.Now().UTC()
				for _, id := range ids {
					err := b.jobs.RequeueJob(ctx, id, now)
					if errors.Is(err, storage.ErrNotFound) {
						return fmt.Errorf("job %s not found or not failed", id)
					}
					if err != nil {
						return fmt.Errorf("requeue %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
				}
				return nil
			})
		},
	}

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed jobs older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than must not be negative")
			}
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				n, err := b.jobs.PurgeCompletedJobs(ctx, time.Now().UTC().Add(-olderThan))
				if err != nil {
					return fmt.Errorf("purge completed jobs: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d completed jobs\n", n)
				return nil
			})
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "only purge jobs completed before now minus this duration")

	jobs.AddCommand(failed, requeue, purge)
	return jobs
}

func newLedgerCmd(open opener) *cobra.Command {
	ledger := &cobra.Command{
		Use:   "ledger",
		Short: "Wallet operations",
	}

	var reference string
	deposit := &cobra.Command{
		Use:   "deposit [participant-id] [asset] [amount]",
		Short: "Credit a participant wallet",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			participant, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid participant id %q", args[0])
			}
			amount, err := decimal.NewFromString(args[2])
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[2])
			}
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				entry, err := b.ledger.Deposit(ctx, participant, args[1], amount, reference)
				if err != nil {
					return fmt.Errorf("deposit: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deposited %s %s to %s, balance %s -> %s\n",
					entry.Amount, entry.Asset, participant, entry.BalanceBefore, entry.BalanceAfter)
				return nil
			})
		},
	}
	deposit.Flags().StringVar(&reference, "reference", "", "idempotency reference; a replay with the same value is refused")

	balance := &cobra.Command{
		Use:   "balance [participant-id] [asset]",
		Short: "Show a wallet's balance and locked amount",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			participant, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid participant id %q", args[0])
			}
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				w, err := b.store.GetWallet(ctx, participant, storage.NormalizeAsset(args[1]))
				if err != nil {
					return fmt.Errorf("get wallet: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s balance=%s locked=%s available=%s\n",
					storage.NormalizeAsset(args[1]), w.Balance, w.Locked, w.Available())
				return nil
			})
		},
	}

	ledger.AddCommand(deposit, balance)
	return ledger
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
