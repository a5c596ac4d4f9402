// Package main implements the keymesh command line tool. It opens a
// session over the configured transport and runs one operation against
// the mesh: publish, subscribe, query, or watch liveliness tokens.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/keymesh/config"
	"github.com/c360/keymesh/metric"
	"github.com/c360/keymesh/sample"
	"github.com/c360/keymesh/session"
	"github.com/c360/keymesh/transport"
	"github.com/c360/keymesh/transport/natstransport"
	"github.com/c360/keymesh/transport/wstransport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "keymesh"
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
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	registry := metric.NewMetricsRegistry()

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Addr, "/metrics", registry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Stop(ctx)
		}()
	}

	tr, err := openTransport(cfg, logger, registry)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}

	sessOpts := []session.Option{
		session.WithLogger(logger),
		session.WithMetricsRegistry(registry),
	}
	if tr != nil {
		sessOpts = append(sessOpts, session.WithTransport(tr))
	}
	sess, err := session.Open(sessOpts...)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	logger.Info("Session opened",
		"zid", sess.Zid().String(),
		"mode", cfg.Mode,
		"op", cliCfg.Op,
		"key", cliCfg.Key)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cliCfg.Op {
	case "pub":
		err = runPub(ctx, sess, cliCfg)
	case "sub":
		err = runSub(ctx, sess, cliCfg, cfg)
	case "get":
		err = runGet(ctx, sess, cliCfg, cfg)
	case "live":
		err = runLive(ctx, sess, cliCfg, cfg)
	}
	if err != nil {
		return err
	}

	logger.Info("Shutdown complete")
	return nil
}

// openTransport builds the transport the configured mode asks for.
// ModeLocal returns nil; the session then routes in-process only.
func openTransport(cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry) (transport.Transport, error) {
	switch cfg.Mode {
	case config.ModeLocal:
		return nil, nil

	case config.ModeNATS:
		opts := []natstransport.Option{
			natstransport.WithLogger(logger),
			natstransport.WithMetricsRegistry(registry),
			natstransport.WithMaxReconnects(cfg.NATS.MaxReconnects),
			natstransport.WithReconnectWait(cfg.NATS.ReconnectWait),
		}
		if cfg.NATS.Username != "" {
			opts = append(opts, natstransport.WithUserCredentials(cfg.NATS.Username, cfg.NATS.Password))
		}
		if cfg.NATS.Token != "" {
			opts = append(opts, natstransport.WithToken(cfg.NATS.Token))
		}
		if cfg.NATS.Stream != "" {
			opts = append(opts, natstransport.WithJetStream(cfg.NATS.Stream))
		}
		return natstransport.Connect(cfg.NATS.URL, cfg.NATS.Prefix, opts...)

	case config.ModeWSHub:
		return wstransport.Serve(cfg.WebSocket.Addr,
			wstransport.WithLogger(logger),
			wstransport.WithMetricsRegistry(registry),
			wstransport.WithPath(cfg.WebSocket.Path),
			wstransport.WithSendQueue(cfg.WebSocket.SendQueue))

	case config.ModeWSClient:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return wstransport.Dial(ctx, cfg.WebSocket.URL,
			wstransport.WithLogger(logger),
			wstransport.WithMetricsRegistry(registry),
			wstransport.WithSendQueue(cfg.WebSocket.SendQueue))

	default:
		return nil, fmt.Errorf("unsupported mode %q", cfg.Mode)
	}
}

// runPub publishes the value on the key at the configured interval until
// interrupted.
func runPub(ctx context.Context, sess *session.Session, cliCfg *CLIConfig) error {
	pub, err := sess.DeclarePublisher(cliCfg.Key)
	if err != nil {
		return fmt.Errorf("declare publisher: %w", err)
	}
	defer pub.Undeclare()

	ticker := time.NewTicker(cliCfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := pub.Put([]byte(cliCfg.Value)); err != nil {
				return fmt.Errorf("put: %w", err)
			}
		}
	}
}

// runSub prints every sample that intersects the key until interrupted.
func runSub(ctx context.Context, sess *session.Session, cliCfg *CLIConfig, cfg *config.Config) error {
	sink, err := session.NewChannelSink[*sample.Sample](cfg.Session.SubscriberQueue)
	if err != nil {
		return err
	}
	sub, err := sess.DeclareSubscriber(cliCfg.Key, sink)
	if err != nil {
		return fmt.Errorf("declare subscriber: %w", err)
	}
	defer sub.Undeclare()

	for {
		smp, err := sink.Recv(ctx)
		if err != nil {
			return nil
		}
		printSample(smp)
	}
}

// runGet issues one query and prints every reply.
func runGet(ctx context.Context, sess *session.Session, cliCfg *CLIConfig, cfg *config.Config) error {
	qctx, cancel := context.WithTimeout(ctx, cfg.Session.QueryTimeout)
	defer cancel()

	replies, err := sess.Get(qctx, cliCfg.Key)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}

	count := 0
	for _, reply := range replies.Collect(qctx) {
		count++
		if reply.IsError() {
			fmt.Printf("ERR  %s  %s\n", reply.Replier, string(reply.Error))
			continue
		}
		printSample(reply.Sample)
	}
	slog.Info("Query complete", "replies", count)
	return nil
}

// runLive prints liveliness token changes until interrupted.
func runLive(ctx context.Context, sess *session.Session, cliCfg *CLIConfig, cfg *config.Config) error {
	sink, err := session.NewChannelSink[*sample.Sample](cfg.Session.SubscriberQueue)
	if err != nil {
		return err
	}
	sub, err := sess.Liveliness().DeclareSubscriber(cliCfg.Key, sink, session.WithHistory(true))
	if err != nil {
		return fmt.Errorf("declare liveliness subscriber: %w", err)
	}
	defer sub.Undeclare()

	for {
		smp, err := sink.Recv(ctx)
		if err != nil {
			return nil
		}
		switch smp.Kind {
		case sample.KindPut:
			fmt.Printf("ALIVE  %s\n", smp.Key)
		case sample.KindDelete:
			fmt.Printf("GONE   %s\n", smp.Key)
		}
	}
}

func printSample(smp *sample.Sample) {
	if smp == nil {
		return
	}
	kind := "PUT"
	if smp.Kind == sample.KindDelete {
		kind = "DEL"
	}
	fmt.Printf("%s  %s  %s\n", kind, smp.Key, string(smp.Payload))
}

// loadConfig loads configuration from the given path, or defaults with
// environment overrides when the path is empty.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path == "" {
		return loader.Load()
	}
	return loader.LoadFile(path)
}
