package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"livefeed/internal/application/usecase/monitor"
	"livefeed/internal/infrastructure/config"
	"livefeed/internal/infrastructure/logger"
	"livefeed/internal/infrastructure/svc"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	envFile := flag.String("env", ".env", "dotenv file with LIVEFEED_* secrets (optional)")
	logLevel := flag.String("log-level", "", "override app.log_level")
	flag.Parse()

	logger.Setup("info")

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	if *logLevel != "" {
		cfg.App.LogLevel = *logLevel
	}
	logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service context initialization failed")
	}
	defer func() {
		if err := sc.Close(); err != nil {
			log.Error().Err(err).Msg("shutdown finished with errors")
		}
	}()

	sc.DescribeWatchlist(ctx)

	service := monitor.NewService(sc.BuildMonitorServiceDeps())

	log.Info().
		Str("config", *configPath).
		Int("watchlist", len(cfg.Watchlist)).
		Int("print_every_min", cfg.App.PrintEveryMin).
		Msg("livefeed started")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("monitor service exited")
	}
	sc.LogLatest()
}
