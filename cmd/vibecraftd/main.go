package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wangzexi/vibecraft-sub001/internal/broadcast"
	"github.com/wangzexi/vibecraft-sub001/internal/config"
	"github.com/wangzexi/vibecraft-sub001/internal/event"
	"github.com/wangzexi/vibecraft-sub001/internal/git"
	"github.com/wangzexi/vibecraft-sub001/internal/logging"
	"github.com/wangzexi/vibecraft-sub001/internal/session"
	"github.com/wangzexi/vibecraft-sub001/internal/statedb"
	"github.com/wangzexi/vibecraft-sub001/internal/tmux"
	"github.com/wangzexi/vibecraft-sub001/internal/web"
)

const Version = "0.3.1"

func main() {
	var (
		dataDir     = flag.String("data-dir", config.DataDir(), "data directory for config, state, and logs")
		addr        = flag.String("addr", "", "listen address (overrides config)")
		debug       = flag.Bool("debug", false, "enable debug logging")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("vibecraftd v%s\n", Version)
		return
	}

	if err := run(*dataDir, *addr, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "vibecraftd: %v\n", err)
		os.Exit(1)
	}
}

func run(dataDir, addrOverride string, debug bool) error {
	cfg, cfgErr := config.Load(filepath.Join(dataDir, config.FileName))
	if addrOverride != "" {
		cfg.Web.Addr = addrOverride
	}

	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	logging.Init(logging.Config{
		LogDir: dataDir,
		Level:  level,
		Format: cfg.Log.Format,
		Debug:  debug,
	})
	defer logging.Shutdown()
	log := logging.Logger()
	log.Info("starting", "version", Version, "data_dir", dataDir)
	if cfgErr != nil {
		log.Warn("config file unusable, running on defaults", "error", cfgErr)
	}

	if err := tmux.IsTmuxAvailable(); err != nil {
		return fmt.Errorf("tmux is required: %w", err)
	}

	store, err := statedb.Open(filepath.Join(dataDir, "state.db"))
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer store.Close()

	broker := broadcast.NewBroker()
	gateway := tmux.NewGateway()
	tracker := git.NewTracker(broker, nil)

	manager := session.NewManager(session.ManagerConfig{
		Gateway:        gateway,
		Broker:         broker,
		Ledger:         event.NewLedger(cfg.Engine.LedgerCapacity),
		Store:          store,
		Git:            tracker,
		WorkingTimeout: time.Duration(cfg.Engine.WorkingTimeoutSecs) * time.Second,
	})

	snap, err := store.LoadSnapshot()
	if err != nil {
		log.Warn("load snapshot failed, starting empty", "error", err)
	} else {
		manager.Restore(snap)
	}

	eventsDir := cfg.Events.Dir
	if eventsDir == "" {
		eventsDir = filepath.Join(dataDir, "events")
	}
	watcher, err := session.NewEventWatcher(eventsDir, manager.HandleEvent)
	if err != nil {
		return fmt.Errorf("event watcher: %w", err)
	}

	pollers := session.NewPollers(manager, gateway, session.PollerConfig{
		PermissionInterval: time.Duration(cfg.Poll.PermissionMS) * time.Millisecond,
		TokenInterval:      time.Duration(cfg.Poll.TokenMS) * time.Millisecond,
		HealthInterval:     time.Duration(cfg.Poll.HealthMS) * time.Millisecond,
		SweepInterval:      time.Duration(cfg.Poll.TimeoutMS) * time.Millisecond,
		CaptureLines:       cfg.Engine.CaptureLines,
	})

	server := web.NewServer(web.Config{
		ListenAddr: cfg.Web.Addr,
		EventRate:  cfg.Web.PushEventsPerSec,
		EventBurst: cfg.Web.PushBurst,
	}, manager, broker)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.Error("event watcher stopped", "error", err)
		}
	}()
	go pollers.Run(ctx)
	go tracker.Run(ctx, time.Duration(cfg.Poll.GitMS)*time.Millisecond)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	// Reconcile against tmux right away instead of waiting for the
	// first health tick; restored sessions may already be live.
	manager.RunHealthCheck(ctx)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "error", err)
	}
	return nil
}
