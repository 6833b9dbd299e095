package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/paygate/internal/audit"
	"github.com/nulpointcorp/paygate/internal/auth"
	"github.com/nulpointcorp/paygate/internal/billing"
	"github.com/nulpointcorp/paygate/internal/ledger"
	"github.com/nulpointcorp/paygate/internal/metrics"
	"github.com/nulpointcorp/paygate/internal/pipeline"
	"github.com/nulpointcorp/paygate/internal/policy"
	"github.com/nulpointcorp/paygate/internal/ratelimit"
	"github.com/nulpointcorp/paygate/internal/registry"
)

// initInfra establishes optional external connections.
// Redis is only required when STORE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Store.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the upstream invoker map. At least one provider must
// be configured — this is enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	invokers, err := buildInvokers(a.baseCtx, a.cfg)
	if err != nil {
		return err
	}
	a.invokers = invokers
	if len(a.invokers) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.invokers))
	for n := range a.invokers {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the Prometheus metrics registry and the audit trail.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	sinks := []audit.Sink{audit.NewSlogSink(a.log)}
	if a.cfg.Audit.ClickHouseDSN != "" {
		ch, err := audit.NewClickHouseSink(a.cfg.Audit.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = ch
		sinks = append(sinks, ch)
		a.log.Info("audit sink: clickhouse")
	}

	trail, err := audit.New(a.baseCtx, a.log, sinks...)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	a.trail = trail

	return nil
}

// initPipeline wires together the gateway with all configured subsystems.
func (a *App) initPipeline(ctx context.Context) error {
	// ── Persistence backends ──────────────────────────────────────────────────
	var (
		keys       auth.KeyStore
		ledg       ledger.Ledger
		payments   billing.Store
		storeReady func() bool
	)

	switch a.cfg.Store.Mode {
	case "redis":
		keys = auth.NewRedisKeyStore(a.rdb)
		ledg = ledger.NewRedisLedger(a.rdb)
		payments = billing.NewRedisStore(a.rdb)
		storeReady = redisPinger(a.baseCtx, a.rdb)
		a.log.Info("store backend: redis")

	case "memory":
		keys = auth.NewMemoryKeyStore()
		ledg = ledger.NewMemoryLedger()
		payments = billing.NewMemoryStore()
		storeReady = func() bool { return true }
		a.log.Info("store backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown store mode: %s", a.cfg.Store.Mode)
	}

	// Dev account seeding — local development convenience.
	if devKey := a.cfg.Store.DevAPIKey; devKey != "" {
		if err := keys.Register(ctx, devKey, "dev"); err != nil {
			return fmt.Errorf("seed dev key: %w", err)
		}
		if err := ledg.Credit(ctx, "dev", a.cfg.Store.DefaultBalanceMicros); err != nil {
			return fmt.Errorf("seed dev balance: %w", err)
		}
		a.log.Info("dev account seeded",
			slog.Int64("balance_micros", a.cfg.Store.DefaultBalanceMicros))
	}

	// ── Decision engine and payment executor ──────────────────────────────────
	engine := policy.NewEngine(ledg, policy.NewMemoryStore(policy.Spending{}))
	executor := billing.NewExecutor(ledg, payments, a.log)

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := pipeline.Options{
		Logger:          a.log,
		MaxAttempts:     a.cfg.Dispatch.MaxAttempts,
		DispatchTimeout: a.cfg.Dispatch.Timeout,
		BackoffBase:     a.cfg.Dispatch.BackoffBase,
		Metrics:         a.prom,
		Audit:           a.trail,
		StoreReady:      storeReady,
		CORSOrigins:     a.cfg.CORSOrigins,
		CBConfig: pipeline.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	// Rate limiting — Redis-backed when available, in-process otherwise.
	if a.cfg.RateLimit.RPMLimit > 0 {
		if a.rdb != nil {
			opts.RateLimiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		} else {
			opts.RateLimiter = ratelimit.NewMemoryLimiter(a.cfg.RateLimit.RPMLimit)
		}
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.gw = pipeline.New(a.baseCtx, keys, registry.Default(), engine, executor, a.invokers, opts)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &pipeline.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
