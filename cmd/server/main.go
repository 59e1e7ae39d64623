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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/servicehub/backend/internal/broker"
	"github.com/servicehub/backend/internal/config"
	"github.com/servicehub/backend/internal/logging"
	"github.com/servicehub/backend/internal/metrics"
	"github.com/servicehub/backend/internal/ops"
	"github.com/servicehub/backend/internal/rules"
	"github.com/servicehub/backend/internal/scanner"
	"github.com/servicehub/backend/internal/secrets"
	"github.com/servicehub/backend/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("SERVICEHUB_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)
	log.Info().Str("ops_addr", cfg.Server.OpsAddr).Msg("🚀 starting servicehub backend")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Database.Path, logging.Component(log, "storage"))
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}

	masterKey, err := cfg.Encryption.Key()
	if err != nil {
		log.Fatal().Err(err).Msg("load master key")
	}
	protector, err := secrets.NewProtector(masterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("build credential protector")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	cache := broker.NewClientCache(cfg.Cache.IdleTTL(), logging.Component(log, "cache"), m)
	// A credential update or deactivation drops the namespace's cached
	// wrapper so the next call rebuilds against fresh credentials.
	store.SetCredentialChangeHook(func(namespaceID string) { cache.Invalidate(namespaceID) })
	store.SetDefaultMaxReplaysPerHour(cfg.Rules.DefaultMaxReplaysPerHour)
	store.SetMetrics(m)

	provider := broker.NewProvider(store, cache, protector, broker.LimitsFromConfig(cfg),
		logging.Component(log, "broker"), m)

	ruleLog := logging.Component(log, "rules")
	ruleClients := rules.ClientSourceFunc(func(ctx context.Context, namespaceID string) (rules.ReplayClient, error) {
		w, err := provider.ForNamespaceID(ctx, namespaceID)
		if err != nil {
			return nil, err
		}
		return w, nil
	})
	executor := rules.NewExecutor(store, ruleClients, ruleLog, m)
	coordinator := rules.NewCoordinator(store, ruleClients, executor, ruleLog, m)

	scanClients := scanner.ClientSourceFunc(func(ctx context.Context, ns *storage.Namespace) (scanner.BrokerClient, error) {
		w, err := provider.ForNamespace(ctx, ns)
		if err != nil {
			return nil, err
		}
		return w, nil
	})
	sc := scanner.New(store, scanClients, scanner.Options{
		Interval:       cfg.Scanner.Interval(),
		MaxPeek:        cfg.Scanner.MaxPeekPerEntity,
		FanOut:         cfg.Scanner.MaxConcurrentNamespaces,
		StaleThreshold: cfg.Scanner.StaleThreshold(),
	}, logging.Component(log, "scanner"), m)
	sc.SetAfterScan(coordinator.RunAutoRules)

	opsServer := ops.New(cfg.Server.OpsAddr, store, cache, reg, logging.Component(log, "ops"))

	sc.Start()
	opsServer.Start()
	log.Info().Msg("✅ servicehub backend is up")

	<-ctx.Done()
	stop()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ops server shutdown")
	}
	sc.Stop()
	if err := cache.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("cache drain")
	}
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close")
	}
	log.Info().Msg("✅ shutdown complete")
}
