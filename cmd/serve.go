package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/locsync/internal/monitoring"
	"github.com/sells-group/locsync/internal/ops"
)

var (
	servePort    int
	serveWorkers bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operator HTTP server and alert checker",
	Long:  "Serves candidate submission, queue inspection, parked-match review and Prometheus metrics. With --workers the worker pool runs in the same process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mode := "serve"
		if serveWorkers {
			mode = "work"
		}
		env, err := initEnv(ctx, mode)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           ops.NewServer(env.Pipeline, env.Queue, env.Store, env.Metrics,
				ops.WithAllowedOrigins(cfg.Server.AllowedOrigins...)).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		collector := monitoring.NewCollector(env.Queue, env.Store)
		checker := monitoring.NewChecker(collector, env.Alerter, env.Metrics, cfg.Monitoring)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		if serveWorkers {
			g.Go(func() error {
				return env.Pipeline.Run(gctx, workerConfig())
			})
		}
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port), zap.Bool("workers", serveWorkers))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				stop()
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWorkers, "workers", false, "also run the worker pool in this process")
	rootCmd.AddCommand(serveCmd)
}
