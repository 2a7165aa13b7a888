package main

import (
	"context"
	"fmt"
	"sync"

	"question-bounty/internal/config"
	dbpkg "question-bounty/internal/db"
	"question-bounty/internal/ledger"
	"question-bounty/internal/logger"
	"question-bounty/internal/metrics"
	"question-bounty/internal/readmodel"
	"question-bounty/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// app holds the dependencies every command shares.
type app struct {
	cfg     config.Config
	log     *logger.Logger
	metrics *metrics.Metrics

	chain  *ledger.Client
	store  readmodel.Store
	cache  readmodel.Invalidator
	tokens *token.Resolver

	gormDB  *gorm.DB
	redis   *redis.Client
	closing sync.Once
}

func newApp(ctx context.Context, cfg config.Config, log *logger.Logger, m *metrics.Metrics) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: m, cache: readmodel.NopInvalidator{}}

	store, err := a.openStore()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	if cfg.RedisURL != "" {
		rdb, err := readmodel.NewRedisClient(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warnf("redis unreachable, continuing without cache: %v", err)
			_ = rdb.Close()
		} else {
			a.redis = rdb
			cached := readmodel.NewCachedStore(store, rdb, cfg.CacheTTL, log)
			a.store, a.cache = cached, cached
			log.Printf("read-model cache enabled (ttl %s)", cfg.CacheTTL)
		}
	}

	chain, err := ledger.Dial(ctx, ledger.Options{
		RPCURL:         cfg.RPCURL,
		ChainID:        cfg.ChainID,
		PrivateKey:     cfg.PrivateKey,
		FactoryAddress: cfg.FactoryAddress,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.chain = chain
	a.tokens = token.NewResolver(chain, cfg.TokenCacheTTL, log)
	return a, nil
}

func (a *app) openStore() (readmodel.Store, error) {
	switch a.cfg.ReadModel {
	case config.ReadModelPostgres:
		gormDB, err := dbpkg.Open(a.cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		if gormDB == nil {
			return nil, fmt.Errorf("DATABASE_URL not provided")
		}
		a.gormDB = gormDB
		a.log.Printf("DB connected")
		if err := dbpkg.AutoMigrate(gormDB); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		a.log.Printf("Migrations applied")
		return readmodel.NewGormStore(gormDB, a.log), nil

	case config.ReadModelSupabase:
		s, err := readmodel.DialSupabase(a.cfg.SupabaseURL, a.cfg.SupabaseKey, a.log)
		if err != nil {
			return nil, fmt.Errorf("supabase: %w", err)
		}
		a.log.Printf("Supabase read model at %s", a.cfg.SupabaseURL)
		return s, nil
	}
	a.log.Warnf("in-memory read model: state is lost on exit")
	return readmodel.NewMemoryStore(), nil
}

func (a *app) factory() common.Address {
	return common.HexToAddress(a.cfg.FactoryAddress)
}

// Close releases connections. Safe to call more than once.
func (a *app) Close() {
	a.closing.Do(func() {
		if a.chain != nil {
			a.chain.Close()
		}
		if a.redis != nil {
			_ = a.redis.Close()
		}
		if a.gormDB != nil {
			if sqlDB, err := a.gormDB.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
	})
}
