package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ineyio/inferbill"
	"github.com/ineyio/inferbill/audit/kafka"
	"github.com/ineyio/inferbill/provider/gemini"
	"github.com/ineyio/inferbill/provider/mock"
	"github.com/ineyio/inferbill/provider/openaicompat"
	"github.com/ineyio/inferbill/store/memory"
	"github.com/ineyio/inferbill/store/postgres"
	billredis "github.com/ineyio/inferbill/store/redis"
)

const readHeaderTimeout = 10 * time.Second

// storeSet is the persistence chosen by the storage config.
type storeSet struct {
	wallets  inferbill.WalletStore
	counters inferbill.CounterStore
	claims   inferbill.IdempotencyStore

	auditSinks []inferbill.Sink
	closers    []func()
}

func (s *storeSet) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg inferbill.Config, log *zap.Logger) (*storeSet, error) {
	set := &storeSet{}

	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("inferbill: connect postgres: %w", err)
		}
		set.closers = append(set.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			set.Close()
			return nil, fmt.Errorf("inferbill: ping postgres: %w", err)
		}

		var opts []postgres.Option
		if cfg.Storage.TablePrefix != "" {
			opts = append(opts, postgres.WithTablePrefix(cfg.Storage.TablePrefix))
		}
		pg := postgres.New(pool, opts...)
		if err := pg.EnsureSchema(ctx); err != nil {
			set.Close()
			return nil, err
		}
		set.wallets, set.counters, set.claims = pg, pg, pg
		set.auditSinks = append(set.auditSinks, pg.AuditSink())
		log.Info("using postgres storage")
	default:
		mem := memory.New()
		set.wallets, set.counters, set.claims = mem, mem, mem
		log.Info("using in-memory storage")
	}

	if cfg.Storage.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		set.closers = append(set.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			set.Close()
			return nil, fmt.Errorf("inferbill: ping redis: %w", err)
		}
		rs := billredis.New(client,
			billredis.WithKeyPrefix(cfg.Storage.RedisPrefix+":"),
			billredis.WithRetention(cfg.Sweep.ClaimRetention),
		)
		set.counters, set.claims = rs, rs
		log.Info("using redis for rate limits and idempotency", zap.String("addr", cfg.Storage.RedisAddr))
	}

	return set, nil
}

func openKafkaSink(cfg inferbill.KafkaConfig, log *zap.Logger) *kafka.Sink {
	if len(cfg.Brokers) == 0 {
		return nil
	}
	log.Info("streaming audit events to kafka", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return kafka.New(kafka.NewWriter(cfg.Brokers, cfg.Topic, log))
}

func buildProviders(cfg inferbill.Config) ([]inferbill.Provider, error) {
	providers := make([]inferbill.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		switch pc.Kind {
		case inferbill.ProviderKindOpenAICompat:
			providers = append(providers, openaicompat.New(pc.Name, pc.BaseURL, openaicompat.WithModels(pc.Models...)))
		case inferbill.ProviderKindGemini:
			opts := []gemini.Option{gemini.WithName(pc.Name), gemini.WithModels(pc.Models...)}
			if pc.BaseURL != "" {
				opts = append(opts, gemini.WithBaseURL(pc.BaseURL))
			}
			providers = append(providers, gemini.New(opts...))
		case inferbill.ProviderKindMock:
			providers = append(providers, mock.New(mock.WithName(pc.Name), mock.WithModels(pc.Models...)))
		default:
			return nil, fmt.Errorf("inferbill: unknown provider kind %q", pc.Kind)
		}
	}
	return providers, nil
}

func buildOrchestrator(cfg inferbill.Config, auditor *inferbill.Auditor, m inferbill.Meter, log *zap.Logger) (*inferbill.Orchestrator, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	providers, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}

	breakers := inferbill.NewBreakers(cfg.Breaker.BreakerConfig(),
		inferbill.WithStateChange(inferbill.ObserveBreakers(auditor, m)),
	)
	opts := []inferbill.OrchestratorOption{
		inferbill.WithBreakers(breakers),
		inferbill.WithMeter(m),
		inferbill.WithOrchestratorAuditor(auditor),
		inferbill.WithOrchestratorLogger(log),
		inferbill.WithAttemptTimeout(cfg.Orchestrator.AttemptTimeout),
		inferbill.WithMaxAttempts(cfg.Orchestrator.MaxAttempts),
	}
	for _, pc := range cfg.Providers {
		opts = append(opts,
			inferbill.WithAuth(pc.Name, pc.Auth),
			inferbill.WithPacing(pc.Name, pc.RPS, pc.Burst),
		)
	}
	return inferbill.NewOrchestrator(catalog, providers, opts...)
}

func buildGateway(cfg inferbill.Config, stores *storeSet, orch *inferbill.Orchestrator, auditor *inferbill.Auditor, m inferbill.Meter, log *zap.Logger) *inferbill.Gateway {
	ledger := inferbill.NewLedger(stores.wallets,
		inferbill.WithFee(cfg.FeeDecimal()),
		inferbill.WithPrecision(cfg.PrecisionPlaces()),
		inferbill.WithCurrency(cfg.Billing.Currency),
		inferbill.WithLedgerAuditor(auditor),
		inferbill.WithLedgerLogger(log),
	)
	limiter := inferbill.NewRateLimiter(stores.counters,
		inferbill.WithWindow(cfg.RateLimit.Window),
		inferbill.WithRetryAfter(cfg.RateLimit.RetryAfter),
		inferbill.WithRateLimitAuditor(auditor),
		inferbill.WithRateLimitLogger(log),
	)
	guard := inferbill.NewGuard(stores.claims,
		inferbill.WithBucket(cfg.Idempotency.Bucket),
		inferbill.WithGuardAuditor(auditor),
		inferbill.WithGuardLogger(log),
	)
	compensator := inferbill.NewCompensator(ledger,
		inferbill.WithCompensationAttempts(cfg.Billing.RollbackAttempts),
		inferbill.WithCompensationBackoff(cfg.Billing.RollbackBackoff),
		inferbill.WithCompensationAuditor(auditor),
		inferbill.WithCompensationLogger(log),
	)

	opts := []inferbill.GatewayOption{
		inferbill.WithRateLimiter(limiter),
		inferbill.WithGuard(guard),
		inferbill.WithCompensator(compensator),
		inferbill.WithGatewayAuditor(auditor),
		inferbill.WithGatewayMeter(m),
		inferbill.WithGatewayLogger(log),
	}
	for action, limit := range cfg.RateLimit.Actions {
		opts = append(opts, inferbill.WithActionLimit(action, limit))
	}
	if cfg.Billing.ServerEstimate {
		if catalog, err := cfg.Catalog(); err == nil {
			opts = append(opts, inferbill.WithEstimator(&inferbill.CatalogEstimator{
				Catalog:      catalog,
				OutputTokens: cfg.Billing.EstimateOutputTokens,
			}))
		}
	}
	return inferbill.NewGateway(ledger, orch, opts...)
}
