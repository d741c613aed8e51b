// Command orbitcex is the trading core process: it wires configuration,
// persistence, the ledger, one matching engine goroutine per configured
// market, and the account/wallet/admin services behind them, then blocks
// until SIGINT/SIGTERM. Grounded on the teacher's cmd/pincex/main.go
// wiring shape (load config, connect stores, construct services, start
// goroutines, wait on a signal channel, shut down in reverse order).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/orbitcex/core/internal/accounts"
	"github.com/orbitcex/core/internal/audit"
	"github.com/orbitcex/core/internal/config"
	"github.com/orbitcex/core/internal/events"
	"github.com/orbitcex/core/internal/fees"
	"github.com/orbitcex/core/internal/idgen"
	"github.com/orbitcex/core/internal/journal"
	"github.com/orbitcex/core/internal/ledger"
	"github.com/orbitcex/core/internal/matching"
	"github.com/orbitcex/core/internal/metrics"
	"github.com/orbitcex/core/internal/orderbook"
	"github.com/orbitcex/core/internal/repository"
	"github.com/orbitcex/core/internal/repository/gormrepo"
	"github.com/orbitcex/core/internal/repository/memrepo"
	"github.com/orbitcex/core/internal/wallet"
	"github.com/orbitcex/core/pkg/logger"
)

func main() {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfgManager := config.NewManager(os.Getenv("ORBITCEX_CONFIG"), zapLogger)
	if err := cfgManager.Load(); err != nil {
		zapLogger.Fatal("failed to load configuration", zap.Error(err))
	}
	cfg := cfgManager.Get()

	repo, uow, closeRepo := newRepository(cfg, zapLogger)
	defer closeRepo()

	ids := idgen.NewRegistry()
	ledgr := ledger.New(uow, ids, zapLogger)
	ctx := context.Background()
	if err := ledgr.Bootstrap(ctx); err != nil {
		zapLogger.Fatal("failed to bootstrap fee account", zap.Error(err))
	}

	cache := newBalanceCache(cfg, zapLogger)
	ledgr.SetCache(cache)
	bus := newEventBus(cfg, zapLogger)
	recorder := metrics.New(prometheus.DefaultRegisterer)

	var journalRegistry *journal.Registry
	var matchJournal matching.Journal
	if cfg.Journal.Enabled {
		journalRegistry = journal.New(cfg.Journal.Dir, zapLogger)
		defer journalRegistry.Close()
		matchJournal = journalRegistry
	}

	engineMap := accounts.EngineMap{}
	for _, m := range cfg.Markets {
		feeSchedule := fees.NewSchedule(toFeeEntries(cfg.FeeSchedule))
		engine := matching.NewEngine(matching.EngineConfig{
			Market:         m.Symbol,
			BaseAsset:      m.BaseAsset,
			QuoteAsset:     m.QuoteAsset,
			BasePrecision:  int32(m.BasePrecision),
			QuotePrecision: int32(m.QuotePrecision),
			Book:           orderbook.New(m.Symbol),
			Ledger:         ledgr,
			Repo:           repo,
			Fees:           feeSchedule,
			Bus:            bus,
			Journal:        matchJournal,
			Metrics:        recorder,
			IDs:            ids,
			Logger:         zapLogger,
		})
		engineMap[m.Symbol] = engine
		go engine.Run(ctx)
		zapLogger.Info("matching engine started", zap.String("market", m.Symbol))
	}

	accountsSvc := accounts.New(repo, ledgr, ids, cfgManager, engineMap, zapLogger)
	walletSvc := wallet.New(repo, ledgr, cache, ids, cfgManager, bus, zapLogger)
	auditLog := audit.New(repo, ids, zapLogger)
	adminSvc := wallet.NewAdminService(repo, ledgr, ids, cfgManager, bus, auditLog, zapLogger)

	// accountsSvc/walletSvc/adminSvc are exercised by a transport layer out
	// of this repository's scope (§1 Non-goals); this process keeps them
	// alive and reachable for in-process callers (tests, future RPC/REST
	// facades) rather than driving them itself.
	_ = accountsSvc
	_ = walletSvc
	_ = adminSvc

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")
}

func newRepository(cfg config.Config, logger *zap.Logger) (repository.Repository, repository.UnitOfWork, func()) {
	if cfg.Database.DSN == "" {
		logger.Warn("no database DSN configured, using in-memory repository")
		store := memrepo.NewStore()
		return memrepo.NewRepository(store), memrepo.NewUnitOfWork(store), func() {}
	}

	// Persistence failures at startup exit with code 2.
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		logger.Error("failed to connect to postgres", zap.Error(err))
		os.Exit(2)
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Error("failed to obtain sql.DB handle", zap.Error(err))
		os.Exit(2)
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if err := db.AutoMigrate(gormrepo.AllTables()...); err != nil {
		logger.Error("failed to auto-migrate schema", zap.Error(err))
		os.Exit(2)
	}

	return gormrepo.NewRepository(db, logger), gormrepo.NewUnitOfWork(db, logger), func() { sqlDB.Close() }
}

func newBalanceCache(cfg config.Config, logger *zap.Logger) *ledger.BalanceCache {
	if cfg.Redis.Addr == "" {
		logger.Warn("no redis address configured, running without a balance cache")
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, running without a balance cache", zap.Error(err))
		return nil
	}
	return ledger.NewBalanceCache(client, logger, "orbitcex", 0)
}

func newEventBus(cfg config.Config, logger *zap.Logger) events.Bus {
	inMemory := events.NewInMemoryBus(func(topic string, recovered any) {
		logger.Error("event handler panicked", zap.String("topic", topic), zap.Any("recovered", recovered))
	})
	if !cfg.Kafka.Enabled {
		return inMemory
	}
	kafkaBus := events.NewKafkaBus(events.KafkaBusConfig{
		Brokers:     cfg.Kafka.Brokers,
		TopicPrefix: cfg.Kafka.Topics.Prefix,
	}, logger)
	return events.NewFanoutBus(inMemory, kafkaBus)
}

func toFeeEntries(schedule map[string]config.FeeScheduleEntry) map[string]fees.Entry {
	out := make(map[string]fees.Entry, len(schedule))
	for market, e := range schedule {
		out[market] = fees.Entry{MakerBps: e.MakerBps, TakerBps: e.TakerBps}
	}
	return out
}

