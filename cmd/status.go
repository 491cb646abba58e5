package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/queue"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and store counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "status")
		if err != nil {
			return err
		}
		defer env.Close()

		depth, err := env.Queue.Depth(ctx)
		if err != nil {
			return err
		}
		counts, err := env.Store.CountEntities(ctx)
		if err != nil {
			return err
		}
		open, err := env.Store.ListParked(ctx, model.ParkedOpen, 10000)
		if err != nil {
			return err
		}
		rejected, err := env.Store.CountRejections(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		formatDepth(out, depth)
		_, _ = fmt.Fprintln(out)
		formatCounts(out, counts, len(open), rejected)
		return nil
	},
}

// formatDepth writes the queue depth table to out.
func formatDepth(out io.Writer, rows []queue.DepthRow) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tSTATE\tJOBS\tATTEMPTS")
	_, _ = fmt.Fprintln(w, "-----\t-----\t----\t--------")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", r.Stage, r.State, r.Count, r.Attempts)
	}
	_ = w.Flush()
}

func formatCounts(out io.Writer, counts map[model.EntityType]int, parkedOpen, rejected24h int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ENTITY TYPE\tCOUNT")
	_, _ = fmt.Fprintln(w, "-----------\t-----")
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", t, counts[model.EntityType(t)])
	}
	_, _ = fmt.Fprintf(w, "parked (open)\t%d\n", parkedOpen)
	_, _ = fmt.Fprintf(w, "rejected (24h)\t%d\n", rejected24h)
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
