// voice-relay bridges Twilio Media Streams to a speech pipeline.
//
// Usage:
//
//	voice-relay serve                      # start the relay
//	voice-relay serve --config relay.yaml  # with a config file
//	voice-relay migrate --config relay.yaml
//	voice-relay version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/realtime-ai/voice-relay/pkg/auth"
	"github.com/realtime-ai/voice-relay/pkg/config"
	"github.com/realtime-ai/voice-relay/pkg/logging"
	"github.com/realtime-ai/voice-relay/pkg/metrics"
	"github.com/realtime-ai/voice-relay/pkg/pipeline"
	"github.com/realtime-ai/voice-relay/pkg/registry"
	"github.com/realtime-ai/voice-relay/pkg/server"
	"github.com/realtime-ai/voice-relay/pkg/session"
	"github.com/realtime-ai/voice-relay/pkg/store"
	"github.com/realtime-ai/voice-relay/pkg/trace"
)

// set at build time
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "version":
		fmt.Printf("voice-relay %s (%s)\n", Version, GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: voice-relay <command> [--config path]

commands:
  serve     run the relay
  migrate   create or update the call record schema
  version   print the version`)
}

func loadConfig(name string, args []string) (*config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	_ = fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func runMigrate(args []string) error {
	cfg, err := loadConfig("migrate", args)
	if err != nil {
		return err
	}
	if cfg.Store.Driver == "none" {
		fmt.Println("store.driver is none, nothing to migrate")
		return nil
	}
	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	fmt.Printf("%s schema up to date\n", cfg.Store.Driver)
	return st.Close()
}

func runServe(args []string) error {
	cfg, err := loadConfig("serve", args)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting voice relay",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
		zap.String("mode", cfg.Session.Mode),
		zap.String("address", cfg.Server.Address))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := trace.Initialize(ctx, trace.FromConfig(cfg.Trace, Version))
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush", zap.Error(err))
		}
	}()

	collector := metrics.New()

	reg, err := openRegistry(ctx, cfg.Registry)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer reg.Close()

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	var tokens *auth.StreamTokens
	if cfg.Server.StreamTokenSecret != "" {
		tokens = auth.NewStreamTokens(cfg.Server.StreamTokenSecret, cfg.Server.StreamTokenTTL)
	}

	manager, err := session.NewManager(session.Options{
		Mode:              pipeline.Mode(cfg.Session.Mode),
		AllowModeOverride: cfg.Session.AllowModeOverride,
		StartTimeout:      cfg.Session.StartTimeout,
		Greeting:          cfg.Session.Greeting,
		GreetingDelay:     cfg.Session.GreetingDelay,
		Tokens:            tokens,
	}, session.Deps{
		Factory:  session.NewConfigFactory(cfg),
		Registry: reg,
		Store:    st,
		Metrics:  collector,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	srv := server.NewTwilioMediaServer(server.TwilioServerConfig{
		Address:         cfg.Server.Address,
		MediaPath:       cfg.Server.MediaPath,
		TwiMLPath:       cfg.Server.TwiMLPath,
		StreamURL:       cfg.Server.StreamURL,
		MaxAcceptRate:   cfg.Server.MaxAcceptRate,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Tokens:          tokens,
	}, manager, collector, logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return srv.Stop()
}

func openRegistry(ctx context.Context, c config.RegistryConfig) (registry.Registry, error) {
	if c.Backend != "redis" {
		return registry.NewMemory(), nil
	}
	return registry.NewRedis(ctx, registry.RedisConfig{
		Addr:      c.RedisAddr,
		Password:  c.RedisPassword,
		DB:        c.RedisDB,
		KeyPrefix: c.KeyPrefix,
		TTL:       c.TTL,
	})
}
