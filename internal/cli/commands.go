package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/UniQw/syncq"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ItemView is the printable form of a queue item.
type ItemView struct {
	ID             string `json:"id" yaml:"id"`
	Kind           string `json:"kind" yaml:"kind"`
	Status         string `json:"status" yaml:"status"`
	TargetID       string `json:"target_id" yaml:"target_id"`
	Attempts       int    `json:"attempts" yaml:"attempts"`
	CreatedAt      string `json:"created_at" yaml:"created_at"`
	LastAttemptAt  string `json:"last_attempt_at,omitempty" yaml:"last_attempt_at,omitempty"`
	NextEligibleAt string `json:"next_eligible_at,omitempty" yaml:"next_eligible_at,omitempty"`
	Fingerprint    string `json:"fingerprint" yaml:"fingerprint"`
	LastError      string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Payload        any    `json:"payload,omitempty" yaml:"payload,omitempty"`
}

func newItemView(it syncq.Item, withPayload bool) ItemView {
	v := ItemView{
		ID:             it.ID,
		Kind:           it.Kind.String(),
		Status:         it.Status.String(),
		TargetID:       it.TargetID,
		Attempts:       it.Attempts,
		CreatedAt:      formatMs(it.CreatedAt),
		LastAttemptAt:  formatMs(it.LastAttemptAt),
		NextEligibleAt: formatMs(it.NextEligibleAt),
		Fingerprint:    it.Fingerprint,
		LastError:      it.LastError,
	}
	if withPayload && it.Payload != nil {
		// round-trip through JSON so YAML output uses the wire field names
		if b, err := json.Marshal(it.Payload); err == nil {
			var doc any
			if json.Unmarshal(b, &doc) == nil {
				v.Payload = doc
			}
		}
	}
	return v
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// queueError maps queue errors to exit codes.
func queueError(message string, err error) error {
	switch {
	case errors.Is(err, syncq.ErrLockHeld),
		errors.Is(err, syncq.ErrItemNotFound),
		errors.Is(err, syncq.ErrTerminalItem):
		return WrapExitError(ExitFailure, message, err)
	default:
		return WrapExitError(ExitCommandError, message, err)
	}
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show item counts and lock state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			q, closeFn, err := opts.openQueue(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			st, err := q.Stats(ctx)
			if err != nil {
				return queueError("failed to read stats", err)
			}
			return opts.formatter(cmd).Print(st, func(w io.Writer) error {
				fmt.Fprintf(w, "total:   %d\n", st.Total)
				fmt.Fprintf(w, "pending: %d\n", st.Pending)
				fmt.Fprintf(w, "errored: %d\n", st.Errored)
				fmt.Fprintf(w, "done:    %d\n", st.Done)
				fmt.Fprintf(w, "next:    %s\n", orDash(formatMs(st.NextEligibleAt)))
				fmt.Fprintf(w, "locked:  %v\n", st.Locked)
				return nil
			})
		},
	}
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Status string
	Kind   string
	Target string
	Limit  int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued items, newest first",
		Long: `List queued items, newest first.

Examples:
  syncqctl list
  syncqctl list --status ERROR
  syncqctl list --target PRJ-2024-001 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "only items in this status (PENDING|ERROR|DONE)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only items of this kind")
	cmd.Flags().StringVar(&opts.Target, "target", "", "only items for this project key")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of items (0 = all)")
	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	var (
		status syncq.Status
		kind   syncq.Kind
		err    error
	)
	if opts.Status != "" {
		if status, err = syncq.ParseStatus(strings.ToUpper(opts.Status)); err != nil {
			return WrapExitError(ExitCommandError, "invalid --status", err)
		}
	}
	if opts.Kind != "" {
		if kind, err = syncq.ParseKind(strings.ToUpper(opts.Kind)); err != nil {
			return WrapExitError(ExitCommandError, "invalid --kind", err)
		}
	}

	ctx := context.Background()
	q, closeFn, err := opts.openQueue(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	items := q.List(ctx, func(it *syncq.Item) bool {
		return (status == "" || it.Status == status) &&
			(kind == "" || it.Kind == kind) &&
			(opts.Target == "" || it.TargetID == opts.Target)
	})
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	views := make([]ItemView, len(items))
	for i, it := range items {
		views[i] = newItemView(it, false)
	}

	return opts.formatter(cmd).Print(views, func(w io.Writer) error {
		if len(views) == 0 {
			fmt.Fprintln(w, "No items.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tTARGET\tATTEMPTS\tCREATED\tERROR")
		for _, v := range views {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				v.ID, v.Kind, v.Status, v.TargetID, v.Attempts, v.CreatedAt, orDash(v.LastError))
		}
		return tw.Flush()
	})
}

// NewShowCommand creates the show command.
func NewShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one item including its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			q, closeFn, err := opts.openQueue(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			it, err := q.Get(ctx, args[0])
			if err != nil {
				return queueError("failed to get item", err)
			}
			v := newItemView(it, true)
			return opts.formatter(cmd).Print(v, func(w io.Writer) error {
				fmt.Fprintf(w, "id:          %s\n", v.ID)
				fmt.Fprintf(w, "kind:        %s\n", v.Kind)
				fmt.Fprintf(w, "status:      %s\n", v.Status)
				fmt.Fprintf(w, "target:      %s\n", v.TargetID)
				fmt.Fprintf(w, "attempts:    %d\n", v.Attempts)
				fmt.Fprintf(w, "created:     %s\n", v.CreatedAt)
				fmt.Fprintf(w, "last try:    %s\n", orDash(v.LastAttemptAt))
				fmt.Fprintf(w, "next try:    %s\n", orDash(v.NextEligibleAt))
				fmt.Fprintf(w, "fingerprint: %s\n", v.Fingerprint)
				fmt.Fprintf(w, "last error:  %s\n", orDash(v.LastError))
				if v.Payload != nil {
					b, err := json.MarshalIndent(v.Payload, "", "  ")
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "payload:\n%s\n", b)
				}
				return nil
			})
		},
	}
}

type countResult struct {
	Count int `json:"count" yaml:"count"`
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(opts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Reset a failed item (or all with --all) to PENDING",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return WrapExitError(ExitCommandError, "invalid arguments", errors.New("pass an item id or --all"))
			}
			ctx := context.Background()
			q, closeFn, err := opts.openQueue(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			res := countResult{Count: 1}
			if all {
				if res.Count, err = q.RetryAll(ctx); err != nil {
					return queueError("failed to retry items", err)
				}
			} else if err := q.Retry(ctx, args[0]); err != nil {
				return queueError("failed to retry item", err)
			}
			return opts.formatter(cmd).Print(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Reset %d item(s) to PENDING.\n", res.Count)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reset every ERROR item")
	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove one item regardless of its status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			q, closeFn, err := opts.openQueue(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := q.Delete(ctx, args[0]); err != nil {
				return queueError("failed to delete item", err)
			}
			res := countResult{Count: 1}
			return opts.formatter(cmd).Print(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Deleted %s.\n", args[0])
				return err
			})
		},
	}
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(opts *RootOptions) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove every item in the given statuses (DONE by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed := make([]syncq.Status, 0, len(statuses))
			for _, s := range statuses {
				st, err := syncq.ParseStatus(strings.ToUpper(s))
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --status", err)
				}
				parsed = append(parsed, st)
			}
			ctx := context.Background()
			q, closeFn, err := opts.openQueue(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := q.Purge(ctx, parsed...)
			if err != nil {
				return queueError("failed to purge items", err)
			}
			res := countResult{Count: n}
			return opts.formatter(cmd).Print(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Purged %d item(s).\n", n)
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", []string{"DONE"}, "statuses to purge")
	return cmd
}

// NewLockCommand creates the lock command.
func NewLockCommand(opts *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Show the flush lock, or remove it with --clear",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			q, closeFn, err := opts.openQueue(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if force {
				if err := q.ForceUnlock(ctx); err != nil {
					return queueError("failed to clear lock", err)
				}
			}
			st, err := q.LockState(ctx)
			if err != nil {
				return queueError("failed to read lock", err)
			}
			return opts.formatter(cmd).Print(st, func(w io.Writer) error {
				switch {
				case st.Holder == "":
					fmt.Fprintln(w, "Not locked.")
				case st.Stale:
					fmt.Fprintf(w, "Stale lock held by %s since %s (will be taken over).\n", st.Holder, formatMs(st.AcquiredAt))
				default:
					fmt.Fprintf(w, "Locked by %s since %s.\n", st.Holder, formatMs(st.AcquiredAt))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "clear", false, "delete the lock record whoever holds it")
	return cmd
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	var projects string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Rewrite stored target ids into project keys",
		Long: `Rewrite stored target ids into project keys.

Internal ids (uuids, 24-char object ids) are mapped through --projects, a YAML
file of "<internal id>: <project key>" lines. Ids with no mapping become UNKNOWN.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			var extra []syncq.QueueOption
			if projects != "" {
				cache := syncq.NewProjectCache(projectFile(projects), nil)
				// a broken mapping file would otherwise rewrite every internal id to UNKNOWN
				if err := cache.Refresh(ctx); err != nil {
					return WrapExitError(ExitCommandError, "failed to load project mapping", err)
				}
				extra = append(extra, syncq.WithProjectCache(cache))
			}
			q, closeFn, err := opts.openQueue(ctx, cmd, extra...)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := q.MigrateTargets(ctx)
			if err != nil {
				return queueError("failed to migrate targets", err)
			}
			res := countResult{Count: n}
			return opts.formatter(cmd).Print(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Rewrote %d item(s).\n", n)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&projects, "projects", "", "YAML file mapping internal project ids to project keys")
	return cmd
}

func projectFile(path string) syncq.ProjectLookup {
	return func(context.Context) (map[string]string, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		m := map[string]string{}
		if err := yaml.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return m, nil
	}
}
