// Package main implements the callwatch entry point. Callwatch watches an
// Asterisk PBX over the manager interface, correlates ring events for one
// extension into deduplicated incoming-call notifications, and fans them out
// to logs, NATS, and a WebSocket feed. An HTTP webhook accepts trusted
// incoming-call pushes on the side.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/c360/callwatch/ami"
	"github.com/c360/callwatch/component"
	"github.com/c360/callwatch/config"
	"github.com/c360/callwatch/correlate"
	"github.com/c360/callwatch/metric"
	"github.com/c360/callwatch/natsclient"
	"github.com/c360/callwatch/notify"
	"github.com/c360/callwatch/output/natspub"
	"github.com/c360/callwatch/output/wsfeed"
	"github.com/c360/callwatch/pkg/dedup"
	"github.com/c360/callwatch/webhook"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "callwatch"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		printVersion()
		return nil
	}

	// .env is optional; ignore a missing file
	if cliCfg.EnvFile != "" {
		_ = godotenv.Load(cliCfg.EnvFile)
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting",
		"pbx_host", cfg.PBX.Host,
		"watch_channel", cfg.PBX.WatchChannel,
		"webhook_port", cfg.Webhook.Port)

	registry := metric.NewRegistry()
	bus := notify.NewBus(notify.DefaultBusCapacity)

	cache, err := dedup.New(dedup.DefaultCapacity, registry)
	if err != nil {
		return fmt.Errorf("create dedup cache: %w", err)
	}

	correlator, err := correlate.New(correlate.Config{
		WatchChannel: cfg.PBX.WatchChannel,
		WatchNumber:  cfg.PBX.WatchNumber,
	}, correlate.Deps{
		Logger:   logger,
		Registry: registry,
		Bus:      bus,
		Cache:    cache,
	})
	if err != nil {
		return fmt.Errorf("create correlator: %w", err)
	}

	session, err := ami.NewSession(ami.Config{
		Host:           cfg.PBX.Host,
		Port:           cfg.PBX.Port,
		Username:       cfg.PBX.Username,
		Secret:         cfg.PBX.Secret,
		ConnectTimeout: time.Duration(cfg.PBX.ConnectTimeout) * time.Second,
		AutoReconnect:  cfg.PBX.AutoReconnect,
	}, ami.Deps{
		Logger:   logger,
		Registry: registry,
		Bus:      bus,
		Handler:  correlator.HandleEvent,
	})
	if err != nil {
		return fmt.Errorf("create manager session: %w", err)
	}

	webhookServer, err := webhook.NewServer(webhook.Config{Port: cfg.Webhook.Port}, webhook.Deps{
		Logger:   logger,
		Registry: registry,
		Bus:      bus,
	})
	if err != nil {
		return fmt.Errorf("create webhook server: %w", err)
	}

	runner := component.NewRunner(logger)
	var sinks []notify.Sink

	if cfg.Notify.NATS.Enabled {
		client, err := natsclient.NewClient(cfg.Notify.NATS.URL,
			natsclient.WithClientName(appName),
			natsclient.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("create NATS client: %w", err)
		}
		publisher, err := natspub.New(natspub.Deps{
			Logger:   logger,
			Registry: registry,
			Client:   client,
		})
		if err != nil {
			return fmt.Errorf("create NATS publisher: %w", err)
		}
		runner.Add(publisher)
		sinks = append(sinks, publisher)
	}

	if cfg.Notify.Websocket.Enabled {
		feed, err := wsfeed.New(wsfeed.Config{
			Port: cfg.Notify.Websocket.Port,
			Path: cfg.Notify.Websocket.Path,
		}, wsfeed.Deps{
			Logger:   logger,
			Registry: registry,
		})
		if err != nil {
			return fmt.Errorf("create websocket feed: %w", err)
		}
		runner.Add(feed)
		sinks = append(sinks, feed)
	}

	// outputs first so nothing the inputs emit is lost during startup
	runner.Add(webhookServer)
	runner.Add(session)

	if err := runner.StartAll(ctx, cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("start components: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatch(ctx, logger, bus, sinks)
	}()

	logger.Info("running, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("shutting down")

	if err := runner.StopAll(cliCfg.ShutdownTimeout); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	bus.Close()
	wg.Wait()

	logger.Info("stopped")
	return nil
}

// dispatch drains the bus, logging every entry and forwarding it to each
// configured sink. Sink failures are logged and skipped; one bad output
// never stalls the rest.
func dispatch(ctx context.Context, logger *slog.Logger, bus *notify.Bus, sinks []notify.Sink) {
	notifications := bus.Notifications()
	statuses := bus.Statuses()

	for notifications != nil || statuses != nil {
		select {
		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			logger.Info("incoming call",
				"phone", n.Phone,
				"source", n.Source,
				"id", n.ID)
			for _, sink := range sinks {
				if err := sink.Notify(ctx, n); err != nil {
					logger.Error("notification delivery failed", "error", err)
				}
			}
		case s, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			logger.Info("connection status", "connected", s.Connected, "message", s.Message)
			for _, sink := range sinks {
				if err := sink.Status(ctx, s); err != nil {
					logger.Error("status delivery failed", "error", err)
				}
			}
		}
	}
}
