package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/model"
)

var submitCmd = &cobra.Command{
	Use:   "submit <file.json>",
	Short: "Submit candidate records to the pipeline",
	Long:  "Reads one candidate object or an array of them from a JSON file (or - for stdin) and enqueues each. Candidates whose content was already enriched start at validation.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := readInput(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		candidates, err := parseCandidates(data)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "submit")
		if err != nil {
			return err
		}
		defer env.Close()

		out := cmd.OutOrStdout()
		failed := 0
		for i, c := range candidates {
			job, err := env.Pipeline.Submit(ctx, c)
			if err != nil {
				failed++
				zap.L().Error("submit failed", zap.Int("index", i), zap.String("source_id", c.SourceID), zap.Error(err))
				continue
			}
			_, _ = fmt.Fprintf(out, "%s\t%s\t%s\n", job.ID, job.Stage, c.SourceID)
		}
		if failed > 0 {
			return eris.Errorf("submit: %d of %d candidates failed", failed, len(candidates))
		}
		return nil
	},
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		return data, eris.Wrap(err, "read stdin")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	return data, nil
}

// parseCandidates accepts a single candidate object or an array.
func parseCandidates(data []byte) ([]model.CandidateRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, eris.New("submit: input is empty")
	}
	if data[0] == '[' {
		var out []model.CandidateRecord
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, eris.Wrap(err, "submit: parse candidates")
		}
		return out, nil
	}
	var c model.CandidateRecord
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "submit: parse candidate")
	}
	return []model.CandidateRecord{c}, nil
}

func init() {
	rootCmd.AddCommand(submitCmd)
}
