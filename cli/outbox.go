package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store"
	"github.com/warp/settlement-engine/store/sqlite"
)

// OutboxOptions holds flags shared by the outbox subcommands.
type OutboxOptions struct {
	QueueDB  string
	Remote   string
	RemoteDB string
}

// OutboxEntry is the listing form of a pending write.
type OutboxEntry struct {
	LocalID       generic.LocalID `json:"local_id"`
	SaleID        generic.SaleID  `json:"sale_id"`
	ClientName    string          `json:"client_name"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     string          `json:"last_error,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
}

// NewOutboxCommand creates the outbox command group.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OutboxOptions{}

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair the outbox of unacknowledged inserts",
	}
	cmd.PersistentFlags().StringVar(&opts.QueueDB, "queue-db", "outbox.db", "SQLite outbox path")

	cmd.AddCommand(newOutboxListCommand(rootOpts, opts))
	cmd.AddCommand(newOutboxDropCommand(rootOpts, opts))
	cmd.AddCommand(newOutboxRecoverCommand(rootOpts, opts))
	return cmd
}

func openQueue(opts *OutboxOptions) (*sqlite.Store, error) {
	q, err := sqlite.New(opts.QueueDB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open outbox", err)
	}
	return q, nil
}

func newOutboxListCommand(rootOpts *RootOptions, opts *OutboxOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending writes, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			q, err := openQueue(opts)
			if err != nil {
				return err
			}
			defer q.Close()

			pending, err := q.ListPending(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list outbox", err)
			}
			entries := make([]OutboxEntry, 0, len(pending))
			for _, w := range pending {
				entries = append(entries, OutboxEntry{
					LocalID:       w.LocalID,
					SaleID:        w.Payload.ID,
					ClientName:    w.Payload.ClientName,
					EnqueuedAt:    w.EnqueuedAt,
					AttemptCount:  w.AttemptCount,
					LastError:     w.LastError,
					LastAttemptAt: w.LastAttemptAt,
				})
			}

			return f.Success(entries, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "LOCAL ID\tSALE\tCLIENT\tENQUEUED\tATTEMPTS\tLAST ERROR")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", e.LocalID, e.SaleID, e.ClientName,
						e.EnqueuedAt.Format(time.RFC3339), e.AttemptCount, e.LastError)
				}
				if len(entries) == 0 {
					fmt.Fprintln(w, "(outbox empty)")
				}
			})
		},
	}
}

func newOutboxDropCommand(rootOpts *RootOptions, opts *OutboxOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <local-id> [local-id...]",
		Short: "Remove pending writes; the sales are never persisted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			q, err := openQueue(opts)
			if err != nil {
				return err
			}
			defer q.Close()

			dropped := make([]string, 0, len(args))
			for _, id := range args {
				if err := q.Remove(cmd.Context(), generic.LocalID(id)); err != nil {
					return WrapExitError(ExitFailure, "failed to drop "+id, err)
				}
				f.VerboseLog("Dropped %s", id)
				dropped = append(dropped, id)
			}

			return f.Success(map[string]any{"dropped": dropped}, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "Dropped %d pending write(s)\n", len(dropped))
			})
		},
	}
}

func newOutboxRecoverCommand(rootOpts *RootOptions, opts *OutboxOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery pass against the remote store",
		Long: `Run one recovery pass against the remote store.

The pass takes the outbox's recovery lock, the same lock a running server
takes for its scheduled passes. While another process holds it the command
exits with code 1 and leaves every entry untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			q, err := openQueue(opts)
			if err != nil {
				return err
			}
			defer q.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			remote, closeRemote, err := store.OpenRemote(ctx, opts.Remote, opts.RemoteDB)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open remote store", err)
			}
			defer closeRemote()

			pipelineOpts := cfg.PipelineOptions()
			pipelineOpts.Logger = log.New(io.Discard, "", 0)
			if rootOpts.Verbose {
				pipelineOpts.Logger = log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
			}
			p := settlement.NewPipeline(remote, q, pipelineOpts)
			defer p.Close()

			report, err := p.Recover(ctx)
			if errors.Is(err, generic.ErrRecoveryInProgress) {
				return WrapExitError(ExitFailure, "another process is recovering this outbox", err)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "recovery failed", err)
			}
			if err := f.Success(report, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "ATTEMPTED\tRECOVERED\tFAILED\tSKIPPED\tDURATION")
				fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\n", report.Attempted, report.Recovered,
					report.Failed, report.Skipped, report.Duration)
			}); err != nil {
				return err
			}
			if report.Failed > 0 {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d write(s) still pending", report.Failed)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Remote, "remote", store.BackendSQLite, "remote store (sqlite|postgres)")
	cmd.Flags().StringVar(&opts.RemoteDB, "remote-db", "", "remote SQLite path or Postgres URL")
	return cmd
}
