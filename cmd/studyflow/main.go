package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"studyflow/internal/ai"
	"studyflow/internal/api"
	"studyflow/internal/auth"
	"studyflow/internal/bus"
	"studyflow/internal/config"
	"studyflow/internal/domain"
	"studyflow/internal/logging"
	"studyflow/internal/metrics"
	"studyflow/internal/scheduler"
	"studyflow/internal/store"
	"studyflow/internal/task"
	"studyflow/internal/tasks"
	"studyflow/internal/ws"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "studyflow",
		Short: "Education platform backend: API, background workers, live events",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (optional)")

	run := func(api, worker bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logging.Setup(cfg.Log)
			return serve(cmd.Context(), cfg, api, worker)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "api",
			Short: "Run the request-serving process: HTTP API, WebSocket endpoint, bus subscriber",
			RunE:  run(true, false),
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run the worker process: task pool, periodic scheduler, stale-task recovery",
			RunE:  run(false, true),
		},
		&cobra.Command{
			Use:   "all",
			Short: "Run API and worker in one process (development)",
			RunE:  run(true, true),
		},
		&cobra.Command{
			Use:   "tasks",
			Short: "Print the task catalog",
			RunE: func(*cobra.Command, []string) error {
				registry := task.NewRegistry()
				tasks.RegisterAll(registry, tasks.Options{})
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tCATEGORY\tACTION\tDESCRIPTION")
				for _, def := range registry.List() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", def.Name, def.Category, def.Action, def.Description)
				}
				return tw.Flush()
			},
		},
	)
	return root
}

func serve(ctx context.Context, cfg config.Config, runAPI, runWorker bool) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	st, err := store.Open(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.EnsureSchema(); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	registry := task.NewRegistry()
	tasks.RegisterAll(registry, tasks.Options{EventRetention: cfg.Bus.Retention})
	issuer := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srv *http.Server
	if runAPI {
		connections := ws.NewRegistry(cfg.WS.HeartbeatTimeout)
		go connections.Run(ctx, cfg.WS.SweepInterval)

		subscriber := bus.NewSubscriber(st, func(userID string, msg domain.Message) bool {
			return connections.SendToUser(userID, msg)
		}, cfg.Bus.Poll)
		go func() {
			if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("bus subscriber stopped")
			}
		}()

		wsHandler := ws.NewHandler(connections, issuer, cfg.WS.MessagesPerSec, cfg.WS.MessageBurst)
		srv = &http.Server{Addr: cfg.Addr, Handler: api.New(st, registry, issuer, wsHandler, cfg.Debug)}
		go func() {
			log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("http server")
			}
		}()
	}

	if runWorker {
		if n, err := st.RecoverStale(ctx, time.Now().UTC()); err == nil && n > 0 {
			log.Info().Int("recovered", n).Msg("recovered stale running tasks")
		}

		aiClient := ai.NewClient(cfg.AI.CompletionURL, cfg.AI.SearchURL, cfg.AI.APIKey, cfg.AI.Model, cfg.AI.Timeout)
		publisher := bus.NewPublisher(st)
		envFactory := func(context.Context) (*task.Env, func(), error) {
			env := &task.Env{
				Store:  st,
				Events: publisher,
				AI:     aiClient,
				Search: aiClient,
				Log:    log.Logger,
			}
			return env, func() {}, nil
		}

		pool := task.NewPool(st, registry, envFactory, cfg.Worker.Count, cfg.Worker.Poll)
		go pool.Run(ctx)

		periodic := scheduler.NewService(st, cfg.Worker.SchedulerPoll)
		if err := periodic.Bootstrap(ctx, tasks.PeriodicSchedules()); err != nil {
			return err
		}
		go periodic.Run(ctx)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	select {
	case <-c:
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	cancel()
	if srv != nil {
		ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTimeout()
		_ = srv.Shutdown(ctxTimeout)
	}
	return nil
}
