package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"vouchlend/config"
	"vouchlend/core/events"
	"vouchlend/core/state"
	"vouchlend/crypto"
	"vouchlend/gateway"
	"vouchlend/native/lending"
	"vouchlend/native/registry"
	"vouchlend/native/reputation"
	"vouchlend/native/token"
	"vouchlend/observability/logging"
	"vouchlend/storage"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	ephemeral := flag.Bool("ephemeral", false, "run against an in-memory database")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var logSink io.Writer
	if strings.TrimSpace(cfg.LogFile) != "" {
		logSink = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	logger := logging.Setup("vouchlendd", cfg.Environment, logSink)

	var db storage.Database
	if *ephemeral {
		db = storage.NewMemDB()
	} else {
		path := filepath.Join(cfg.DataDir, "vouchlend")
		ldb, err := storage.NewLevelDB(path)
		if err != nil {
			logger.Error("open database", "path", path, "err", err)
			os.Exit(1)
		}
		db = ldb
	}
	defer db.Close()

	manager := state.NewManager(db)
	for _, module := range cfg.PausedModules {
		manager.SetPaused(strings.TrimSpace(module), true)
	}
	recorder := events.NewRecorder()

	bank := token.NewLedger()
	bank.SetState(manager)

	registryEngine := registry.NewEngine()
	registryEngine.SetState(manager)
	registryEngine.SetPauses(manager)
	registryEngine.SetEmitter(recorder)

	reputationModule := resolveAddress(logger, cfg.ReputationModule, "reputation")
	lendingModule := resolveAddress(logger, cfg.LendingModule, "lending")
	owner := reputationModule
	if strings.TrimSpace(cfg.ReputationOwner) != "" {
		owner = resolveAddress(logger, cfg.ReputationOwner, "owner")
	}
	platformWallet := resolveAddress(logger, cfg.PlatformWallet, "platform")

	reputationEngine := reputation.NewEngine(reputationModule, owner)
	reputationEngine.SetState(manager)
	reputationEngine.SetPauses(manager)
	reputationEngine.SetEmitter(recorder)
	reputationEngine.SetBank(bank)
	reputationEngine.SetRegistry(registryEngine)
	if err := reputationEngine.SetLendingAuthority(owner, lendingModule); err != nil {
		logger.Error("register lending authority", "err", err)
		os.Exit(1)
	}

	lendingEngine := lending.NewEngine(lendingModule, platformWallet)
	lendingEngine.SetState(manager)
	lendingEngine.SetPauses(manager)
	lendingEngine.SetEmitter(recorder)
	lendingEngine.SetBank(bank)
	lendingEngine.SetRegistry(registryEngine)
	lendingEngine.SetReputation(reputationEngine)

	server := gateway.New(registryEngine, reputationEngine, lendingEngine, recorder, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway serve", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("gateway shutdown", "err", err)
	}
}

// resolveAddress parses a configured hex address, falling back to the
// deterministic module address for the given name when unset.
func resolveAddress(logger interface{ Error(string, ...any) }, configured, name string) crypto.Address {
	trimmed := strings.TrimSpace(configured)
	if trimmed == "" {
		return crypto.ModuleAddress(name)
	}
	addr, err := crypto.ParseAddress(trimmed)
	if err != nil {
		logger.Error("invalid configured address", "name", name, "value", trimmed, "err", err)
		os.Exit(1)
	}
	return addr
}
