package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/traceline/bomflow/internal/api"
	"github.com/traceline/bomflow/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator API server and worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort > 0 {
			cfg.Server.Port = servePort
		}

		env, err := initOrchestrator(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		// Jobs left running by a previous process resume from durable state.
		recovered, err := env.Coord.RecoverActive(ctx)
		if err != nil {
			return eris.Wrap(err, "recover active jobs")
		}
		for _, job := range recovered {
			env.Pool.Dispatch(ctx, job.ID)
		}

		collector := monitoring.NewCollector(env.Store, env.Resolver, env.Bus)
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		checker := monitoring.NewChecker(collector, alerter, env.Store, cfg.Monitoring)
		go checker.Run(ctx)

		if cfg.Monitoring.NotifyWebhookURL != "" {
			notifier := monitoring.NewNotifier(env.Bus, cfg.Monitoring.NotifyWebhookURL)
			go notifier.Run(ctx)
			zap.L().Info("completion notifier enabled")
		}

		server := api.NewServer(ctx, env.Store, env.Coord, env.Pool, env.Sched, env.Bus, env.Engine, cfg.Server)
		return server.Serve(ctx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
