package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/care/fingerprint/internal/api"
	"github.com/care/fingerprint/internal/config"
	"github.com/care/fingerprint/internal/core"
	"github.com/care/fingerprint/internal/store"
	"github.com/care/fingerprint/internal/transport"
)

const defaultConfigPath = "config/fingerprint.yaml"

func main() {
	if err := run(); err != nil {
		slog.Error("fingerprint gateway failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("fingerprintd", pflag.ContinueOnError)
	configPath := flagSet.String("config", defaultConfigPath, "path to configuration file (empty: defaults and FP_* environment only)")
	envFile := flagSet.String("env-file", ".env", "dotenv file loaded before the configuration")
	debug := flagSet.Bool("debug", false, "enable debug logging")
	loopback := flagSet.Bool("loopback", false, "use an in-process broker and simulated sensor instead of MQTT")
	noHistory := flagSet.Bool("no-history", false, "disable the SQLite detection history")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}

	path := *configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting fingerprint gateway",
		"config", path,
		"debug", *debug,
		"loopback", *loopback,
		"instance_id", cfg.InstanceID,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	topics := cfg.MQTT.Topics
	var channel transport.Channel
	if *loopback {
		broker := transport.NewMemoryBroker()
		device := broker.Client(topics.Command)
		sim := transport.NewDeviceSimulator(device, topics, 500*time.Millisecond)
		defer sim.Stop()
		if err := device.Connect(ctx); err != nil {
			return err
		}
		channel = broker.Client(topics.Response, topics.Detection)
		slog.Warn("loopback mode: commands are answered by a simulated sensor")
	} else {
		channel = transport.NewMQTT(cfg.MQTT, topics.Response, topics.Detection)
	}

	var history core.History
	var db *store.Store
	if !*noHistory {
		db, err = store.Open(store.Config{Path: cfg.Store.Path, PoolSize: cfg.Store.PoolSize})
		if err != nil {
			return err
		}
		history = db
	}

	engine, err := core.New(cfg, channel, history)
	if err != nil {
		return err
	}

	server := api.New(engine, cfg.HTTP.Addr)
	server.Start()

	errChan := make(chan error, 1)
	go func() {
		errChan <- engine.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("engine error", "error", runErr)
		}
		cancel()
	}

	shutdownTimeout := engine.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Engine first: closing the broadcaster ends /stream and /ws handlers,
	// which lets the HTTP server drain.
	if err := engine.Shutdown(shutdownCtx); err != nil {
		slog.Error("engine shutdown failed", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	if db != nil {
		if err := db.Close(); err != nil {
			slog.Error("store close failed", "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("fingerprint gateway stopped successfully")
	return nil
}
