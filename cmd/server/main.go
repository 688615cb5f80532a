package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"livebridge/internal/approval"
	"livebridge/internal/auth"
	"livebridge/internal/bridge"
	"livebridge/internal/config"
	"livebridge/internal/console"
	"livebridge/internal/discovery"
	"livebridge/internal/events"
	"livebridge/internal/executor"
	"livebridge/internal/logger"
	"livebridge/internal/sentry"
	"livebridge/internal/server"
	"livebridge/internal/storage"
	"livebridge/internal/tui"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	// Loads .env, the YAML file and LIVEBRIDGE_* overrides.
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetDebug(cfg.Debug)
	tui.Version = Version

	if err := sentry.Init(cfg.SentryDSN, Version, "host"); err != nil {
		log.Printf("Sentry disabled: %v", err)
	}
	defer sentry.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	defer bus.Close()
	logger.SetEventBus(bus)

	// 1. Audit trail
	var store storage.Store
	if cfg.AuditDB != "" {
		db, err := storage.NewSQLiteStore(cfg.AuditDB)
		if err != nil {
			log.Fatalf("Failed to open audit database: %v", err)
		}
		defer db.Close()
		store = db
		go storage.NewRecorder(db, bus).Run(ctx)
	}

	// 2. Approval
	var queue *approval.Queue
	var approver approval.Approver
	switch cfg.ApprovalMode {
	case config.ApprovalTTY:
		approver = approval.NewTTYPrompter()
	default:
		queue = approval.NewQueue(cfg.ApprovalTimeout, bus)
		approver = queue
	}

	// 3. Bridge
	globals, err := seedNamespace(time.Now(), cfg.Data)
	if err != nil {
		log.Fatalf("Failed to seed namespace: %v", err)
	}
	exec := executor.New(executor.WithTimeout(cfg.ExecTimeout))
	srv := server.New(
		approval.NewGate(auth.NewSession(), approver),
		executor.NewNamespace(globals),
		server.WithExecutor(exec),
		server.WithEventBus(bus),
	)

	portFile := cfg.PortFile
	if portFile == "" {
		if portFile, err = discovery.PortFilePath(); err != nil {
			log.Printf("Port file disabled: %v", err)
		}
	}
	controller := bridge.NewController(srv, portFile, cfg.Port)
	defer controller.Stop()

	// 4. Operator console
	if cfg.ConsoleAddr != "" {
		console.New(cfg.ConsoleAddr, controller, queue, store).StartAsync(ctx)
	}

	if cfg.AutoStart {
		if err := controller.Start(cfg.Port); err != nil {
			logger.Error("Could not start bridge: %v", err)
		}
	}

	if cfg.ApprovalMode == config.ApprovalTUI {
		logger.SetTUIMode(true)
		err := tui.Run(controller, queue, bus)
		logger.SetTUIMode(false)
		if err != nil {
			log.Printf("Dashboard error: %v", err)
		}
		return
	}

	<-ctx.Done()
	log.Println("Shutting down...")
}
