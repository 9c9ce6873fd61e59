package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-play/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run log",
		Long: `Inspect past runs recorded in the run log database (--db).

Every run keeps its status, summary and the outcome of every task on
every host, in the order they were recorded.`,
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsDeleteCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		limit   int
		offset  int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), runs)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPLAN\tSTATUS\tCHECK\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\t%s\n",
					r.ID, r.PlanName, r.Status, r.CheckMode,
					r.StartedAt.Local().Format(time.DateTime), runDuration(r))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print as JSON")
	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var (
		host    string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one run and its outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			var hostFilter *string
			if host != "" {
				hostFilter = &host
			}
			outcomes, err := store.ListOutcomes(ctx, run.ID, hostFilter)
			if err != nil {
				return err
			}
			events, err := hostEvents(ctx, store, run.ID, host)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, map[string]any{"run": run, "outcomes": outcomes, "events": events})
			}

			fmt.Fprintf(out, "run %s\nplan %s (%s)\nstatus %s, %s\n", run.ID, run.PlanName, run.PlanPath, run.Status, runDuration(run))
			if run.Error != nil {
				fmt.Fprintf(out, "error %s\n", *run.Error)
			}
			fmt.Fprintf(out, "summary %s\n\n", run.Summary)

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "HOST\tSEQ\tPLAY\tTASK\tKIND\tSTATUS\tATTEMPTS\tMESSAGE")
			for _, o := range outcomes {
				status := o.Status
				if o.Ignored {
					status += " (ignored)"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
					o.Host, o.Seq, o.Play, o.Task, o.Kind, status, o.Attempts, o.Message)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if len(events) > 0 {
				fmt.Fprintln(out, "\nevents")
			}
			for _, e := range events {
				where := "run"
				if e.Host != nil {
					where = *e.Host
				}
				fmt.Fprintf(out, "  %s %s [%s] %s\n", e.Timestamp.Local().Format(time.DateTime), e.Level, where, e.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "only outcomes of this host")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print as JSON")
	return cmd
}

func newRunsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete RUN_ID",
		Short: "Delete a run and its outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

// maxRunEvents bounds the events shown for one run.
const maxRunEvents = 500

// hostEvents returns the run's events, only those of host when set.
func hostEvents(ctx context.Context, store stores.Store, runID, host string) ([]*stores.Event, error) {
	events, err := store.GetEvents(ctx, &runID, nil, maxRunEvents, 0)
	if err != nil {
		return nil, err
	}
	if host == "" {
		return events, nil
	}
	out := events[:0]
	for _, e := range events {
		if e.Host != nil && *e.Host == host {
			out = append(out, e)
		}
	}
	return out, nil
}

func runDuration(r *stores.Run) string {
	if r.CompletedAt == nil {
		return "-"
	}
	return r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
