package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"iot-alerting/internal/config"
	"iot-alerting/internal/observability/logging"
)

func main() {
	// .env is optional in production.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:  "iot-alerting",
		Usage: "alert rule evaluation and notification dispatch",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the TOML config file",
				Value:   "config.toml",
				Sources: cli.EnvVars("ALERTING_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API, telemetry consumers, outbox relay and retry sweeper",
				Action: runServe,
			},
			{
				Name:   "sweep",
				Usage:  "run a single retry sweep and exit",
				Action: runSweep,
			},
			{
				Name:   "validate-rules",
				Usage:  "check every stored rule and report the ones evaluation would skip",
				Action: runValidateRules,
			},
		},
		DefaultCommand: "serve",
	}
}

func setup(cmd *cli.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Service.Name)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      app.router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	app.partitioner.Start()
	if app.mqttSubscriber != nil {
		if err := app.mqttSubscriber.Start(gctx); err != nil {
			app.partitioner.Stop()
			return err
		}
		defer app.mqttSubscriber.Stop()
	}
	g.Go(func() error {
		app.relay.Start(gctx)
		return nil
	})
	g.Go(func() error {
		app.sweeper.Start(gctx)
		return nil
	})
	if app.amqpConsumer != nil {
		g.Go(func() error { return app.amqpConsumer.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		app.partitioner.Stop()
		app.relay.Drain(shutdownCtx)
		return err
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runSweep(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	result, err := app.sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}
	logger.Info("sweep finished",
		zap.Int("claimed", result.Claimed),
		zap.Int("sent", result.Sent),
		zap.Int("rescheduled", result.Rescheduled),
		zap.Int("failed", result.Failed),
		zap.Int("errors", result.Errors),
	)
	return nil
}

func runValidateRules(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	problems, total, err := app.configService.ValidateStoredRules(ctx)
	if err != nil {
		return err
	}
	for _, p := range problems {
		logger.Warn("invalid rule",
			zap.String("tenant_id", p.TenantID),
			zap.String("rule_id", p.RuleID),
			zap.String("name", p.Name),
			zap.Error(p.Err),
		)
	}
	logger.Info("rules checked", zap.Int("total", total), zap.Int("invalid", len(problems)))
	if len(problems) > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d rules are invalid", len(problems), total), 2)
	}
	return nil
}
