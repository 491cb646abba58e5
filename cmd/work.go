package main

import (
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/pipeline"
)

var (
	workConcurrency int
	workDrain       bool
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run pipeline workers",
	Long:  "Leases jobs from the queue and runs them through enrichment, validation, reconciliation and archival until interrupted. With --drain it exits once no job is visible.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "work")
		if err != nil {
			return err
		}
		defer env.Close()

		wc := workerConfig()
		if workDrain {
			n, err := env.Pipeline.Drain(ctx, "drain/"+uuid.NewString()[:8], wc.Stages...)
			zap.L().Info("drain complete", zap.Int("jobs", n))
			return err
		}
		return env.Pipeline.Run(ctx, wc)
	},
}

// workerConfig maps the worker config section and flags onto the pool.
func workerConfig() pipeline.WorkerConfig {
	wc := pipeline.WorkerConfig{
		Concurrency:     cfg.Worker.Concurrency,
		PollInterval:    cfg.Worker.PollInterval,
		ReclaimInterval: cfg.Worker.ReclaimInterval,
	}
	if workConcurrency > 0 {
		wc.Concurrency = workConcurrency
	}
	for _, s := range cfg.Worker.Stages {
		wc.Stages = append(wc.Stages, model.Stage(s))
	}
	return wc
}

func init() {
	workCmd.Flags().IntVar(&workConcurrency, "concurrency", 0, "number of workers (default from config)")
	workCmd.Flags().BoolVar(&workDrain, "drain", false, "process visible jobs serially and exit")
	rootCmd.AddCommand(workCmd)
}
