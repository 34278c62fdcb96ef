package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/roman-kulish/uavctl/cmd/uavctl/app"
	"github.com/roman-kulish/uavctl/internal/config"
	"github.com/roman-kulish/uavctl/internal/logging"
)

const appName = "uavctl"

func main() {
	var logLevel slog.LevelVar
	logger, _ := logging.New(os.Stdout, logging.FormatText, &logLevel, appName)

	var configPath string
	flag.StringVar(&configPath, "c", "", "Path to the configuration file")
	flag.Parse()

	if configPath == "" {
		logger.Error("no configuration file provided")
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to load configuration file: %s", err.Error()), slog.String("path", configPath))
		os.Exit(1)
	}

	level, _ := logging.ParseLevel(cfg.Settings.LogLevel) // validated by config.Load
	logLevel.Set(level)

	configured, err := logging.New(os.Stdout, cfg.Settings.LogFormat, &logLevel, appName)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	logger = configured

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = app.Run(ctx, cfg, logger); err != nil {
		logger.Error(err.Error())

		cancel()
		os.Exit(1)
	}
}
