package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/pipeline"
)

var (
	parkedListStatus string
	parkedListLimit  int
	parkedEntity     string
	parkedNew        bool
)

var parkedCmd = &cobra.Command{
	Use:   "parked",
	Short: "Review ambiguous matches",
}

var parkedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List parked matches",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("parked"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		parked, err := st.ListParked(ctx, model.ParkedStatus(parkedListStatus), parkedListLimit)
		if err != nil {
			return err
		}
		formatParked(cmd.OutOrStdout(), parked)
		return nil
	},
}

var parkedResolveCmd = &cobra.Command{
	Use:   "resolve <parked-id>",
	Short: "Resolve a parked match and requeue its job",
	Long:  "Chooses an existing entity (--entity) or a new one (--new) for a parked match. The job returns to the reconciliation stage with the choice forced.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		choice, err := resolveChoice(parkedEntity, parkedNew)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		env, err := initEnv(ctx, "parked")
		if err != nil {
			return err
		}
		defer env.Close()

		pm, err := env.Pipeline.ResolveParked(ctx, args[0], choice)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "resolved %s (%s); job %s requeued\n", pm.ID, pm.Resolution, pm.JobID)
		return nil
	},
}

func resolveChoice(entityID string, forceNew bool) (string, error) {
	switch {
	case entityID != "" && forceNew:
		return "", eris.New("parked resolve: --entity and --new are mutually exclusive")
	case forceNew:
		return pipeline.ForceNew, nil
	case entityID != "":
		return entityID, nil
	}
	return "", eris.New("parked resolve: one of --entity or --new is required")
}

// formatParked writes parked matches as a table with their candidate ids.
func formatParked(out io.Writer, parked []model.ParkedMatch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tJOB\tTYPE\tSTATUS\tCREATED\tCANDIDATES")
	_, _ = fmt.Fprintln(w, "--\t---\t----\t------\t-------\t----------")
	for _, p := range parked {
		cands := make([]string, len(p.Candidates))
		for i, c := range p.Candidates {
			cands[i] = fmt.Sprintf("%s(%.3f)", c.EntityID, c.Score)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID,
			p.JobID,
			p.EntityType,
			p.Status,
			p.CreatedAt.Format("2006-01-02 15:04"),
			strings.Join(cands, " "),
		)
	}
	_ = w.Flush()
}

func init() {
	parkedListCmd.Flags().StringVar(&parkedListStatus, "status", string(model.ParkedOpen), "open or resolved")
	parkedListCmd.Flags().IntVar(&parkedListLimit, "limit", 100, "maximum rows")
	parkedResolveCmd.Flags().StringVar(&parkedEntity, "entity", "", "existing entity id to merge into")
	parkedResolveCmd.Flags().BoolVar(&parkedNew, "new", false, "create a new entity instead")
	parkedCmd.AddCommand(parkedListCmd, parkedResolveCmd)
	rootCmd.AddCommand(parkedCmd)
}
