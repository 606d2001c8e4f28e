// Compote sync daemon.
//
// Watches a local vault of .note and .board files, pushes local edits to
// the sync server over a websocket, applies server pushes locally, and
// queues mutations while offline.
//
// Usage:
//
//	compote-sync [flags]
//	compote-sync -once          Run one reconciliation pass and exit
//
// Configuration comes from a YAML file (see -config), COMPOTE_*
// environment variables, and flags, flags winning.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sly67/compote/internal/config"
	"github.com/sly67/compote/internal/guard"
	"github.com/sly67/compote/internal/interceptor"
	"github.com/sly67/compote/internal/logging"
	"github.com/sly67/compote/internal/metrics"
	"github.com/sly67/compote/internal/policy"
	"github.com/sly67/compote/internal/queue"
	"github.com/sly67/compote/internal/retry"
	"github.com/sly67/compote/internal/store"
	"github.com/sly67/compote/internal/syncer"
	"github.com/sly67/compote/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/compote/config.yaml)")
	vault := flag.String("vault", "", "Vault directory (overrides config)")
	server := flag.String("server", "", "Sync server websocket URL (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	once := flag.Bool("once", false, "Run a single reconciliation pass and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *vault != "" {
		cfg.Vault = *vault
	}
	if *server != "" {
		cfg.Server.URL = *server
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if err := run(cfg, *once); err != nil {
		logging.Fatal("daemon failed", logging.Err(err))
	}
}

func run(cfg *config.Config, once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	local, err := store.NewLocal(cfg.Vault)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	pol := policy.New(cfg.Policy.Extensions, cfg.Policy.MetaFiles, cfg.Policy.DenyPrefixes)
	g := guard.New()
	q := queue.New()

	tr := transport.NewWS(transport.WSConfig{
		URL:            cfg.Server.URL,
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	defer tr.Close()

	engine := syncer.New(local, tr, pol, g, syncer.Options{
		Strategy: syncer.MissingStrategy(cfg.Sync.MissingStrategy),
	})

	notifier := interceptor.NotifierFunc(func(path, message string) {
		logging.Warn("notice", logging.String("path", path), logging.String("message", message))
	})

	ic := interceptor.New(local, tr, pol, g, engine, q, notifier, nil, interceptor.Config{
		QueueDeletes: cfg.Sync.QueueDeletes,
		QueueRenames: cfg.Sync.QueueRenames,
	})

	if cfg.Metrics.Enabled {
		go func() {
			logging.Info("metrics listening", logging.String("addr", cfg.Metrics.Addr))
			if err := metrics.Serve(cfg.Metrics.Addr); err != nil {
				logging.Error("metrics server stopped", logging.Err(err))
			}
		}()
	}

	if once {
		if err := tr.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		skip := ic.FlushQueue(ctx)
		counts, err := engine.InitialSync(ctx, skip)
		if err != nil {
			return err
		}
		logging.Info("sync pass done",
			logging.Int("updated", counts.Updated),
			logging.Int("created", counts.Created),
			logging.Int("deleted", counts.Deleted),
			logging.Int("quarantined", counts.Quarantined))
		return nil
	}

	watcher, err := store.NewWatcher(local)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Stop()

	go func() {
		for ev := range watcher.Events() {
			ic.HandleEvent(ctx, ev)
		}
	}()
	go func() {
		for err := range watcher.Errors() {
			logging.Warn("watcher error", logging.Err(err))
		}
	}()
	go func() {
		for ev := range tr.Events() {
			ic.HandleRemote(ctx, ev)
		}
	}()

	go connectionLoop(ctx, tr, engine, ic)

	logging.Info("compote-sync running",
		logging.String("vault", local.Root()),
		logging.String("server", cfg.Server.URL))

	<-ctx.Done()
	logging.Info("shutting down")
	return nil
}

// connectionLoop keeps the transport connected. After every successful
// (re)connect it flushes the offline queue first, then reconciles against
// the manifest with the flushed paths excluded.
func connectionLoop(ctx context.Context, tr *transport.WS, engine *syncer.Engine, ic *interceptor.Interceptor) {
	backoff := retry.Config{
		MaxAttempts: 0, // keep trying until shutdown
		InitialWait: time.Second,
		MaxWait:     time.Minute,
		Multiplier:  2.0,
		Jitter:      0.2,
	}

	for ctx.Err() == nil {
		err := retry.Do(ctx, backoff, func() error {
			if err := tr.Connect(ctx); err != nil {
				logging.Warn("connect failed", logging.Err(err))
				return retry.Retryable(err)
			}
			return nil
		})
		if err != nil {
			return // context canceled
		}

		metrics.SetConnected(true)
		logging.Info("connected")

		skip := ic.FlushQueue(ctx)
		counts, err := engine.InitialSync(ctx, skip)
		if err != nil {
			logging.Error("initial sync failed", logging.Err(err))
		} else if err := tr.Emit(ctx, "client-sync-complete", counts); err != nil {
			logging.Debug("could not announce sync completion", logging.Err(err))
		}

		// Wait for the connection to drop.
		ticker := time.NewTicker(2 * time.Second)
		for tr.Connected() {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
			}
		}
		ticker.Stop()

		metrics.SetConnected(false)
		logging.Warn("connection lost, reconnecting")
	}
}
