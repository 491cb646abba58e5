package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/store"
)

var rebuildVerify bool

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the canonical projection from the version log",
	Long:  "Truncates the entity projection and refolds every version event. With --verify the projection is compared against a fresh fold and nothing is written.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("rebuild"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if rebuildVerify {
			drift, err := st.VerifyProjection(ctx)
			if err != nil {
				return err
			}
			if len(drift) == 0 {
				zap.L().Info("projection matches the version log")
				return nil
			}
			formatDrift(cmd.OutOrStdout(), drift)
			return eris.Errorf("rebuild: %d projection drifts found", len(drift))
		}

		n, err := st.RebuildProjection(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("projection rebuilt", zap.Int("events", n))
		return nil
	},
}

func formatDrift(out io.Writer, drift []store.Drift) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ENTITY\tFIELD\tDETAIL")
	_, _ = fmt.Fprintln(w, "------\t-----\t------")
	for _, d := range drift {
		field := d.Field
		if field == "" {
			field = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", d.EntityID, field, d.Detail)
	}
	_ = w.Flush()
}

func init() {
	rebuildCmd.Flags().BoolVar(&rebuildVerify, "verify", false, "compare the projection against the log without rewriting it")
	rootCmd.AddCommand(rebuildCmd)
}
