package main

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-assess/internal/collector"
	"github.com/sells-group/lead-assess/internal/config"
	"github.com/sells-group/lead-assess/internal/cost"
	"github.com/sells-group/lead-assess/internal/fetcher"
	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/orchestrator"
	"github.com/sells-group/lead-assess/internal/resilience"
	"github.com/sells-group/lead-assess/internal/store"
	anthropicpkg "github.com/sells-group/lead-assess/pkg/anthropic"
	"github.com/sells-group/lead-assess/pkg/google"
	"github.com/sells-group/lead-assess/pkg/pagespeed"
	"github.com/sells-group/lead-assess/pkg/seo"
)

// assessEnv holds everything the assess/serve/retry-failed commands need.
type assessEnv struct {
	Store      store.Store
	Meter      cost.Meter
	Supervisor *orchestrator.Supervisor
	Breakers   *resilience.KindBreakers
	Pipelines  orchestrator.Pipelines

	closers []func()
}

// Close releases resources held by the environment, newest first.
func (e *assessEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// initAssess validates config for mode and wires store, ledger, collectors,
// and the supervisor. Callers should defer env.Close().
func initAssess(ctx context.Context, mode string) (*assessEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &assessEnv{}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st
	env.closers = append(env.closers, func() { _ = st.Close() })

	meter, closeMeter, err := initMeter(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Meter = meter
	env.closers = append(env.closers, closeMeter)

	calc := cost.NewCalculator(pricingRates(cfg.Pricing))
	registry := buildRegistry(newFetcher(cfg.HTTP), calc)

	fallback := configuredPipeline(registry)
	env.Pipelines, err = orchestrator.LoadPipelines(cfg.Orchestrator.PipelinesFile, fallback)
	if err != nil {
		env.Close()
		return nil, err
	}

	circuit := resilience.BreakerPolicy(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs)
	circuit.OnStateChange = func(kind model.TaskKind, from, to resilience.CircuitState) {
		zap.L().Warn("circuit breaker state change",
			zap.String("task", string(kind)),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	env.Breakers = resilience.NewKindBreakers(circuit)

	retry := resilience.RetryPolicy(
		cfg.Retry.MaxAttempts,
		cfg.Retry.InitialBackoffMs,
		cfg.Retry.MaxBackoffMs,
		cfg.Retry.Multiplier,
		cfg.Retry.JitterFraction,
	)
	coord := orchestrator.NewCoordinator(int64(cfg.Orchestrator.MaxConcurrency), meter, retry, env.Breakers)
	deadline := time.Duration(cfg.Orchestrator.JobDeadlineSecs) * time.Second
	env.Supervisor = orchestrator.NewSupervisor(st, registry, coord, env.Pipelines, deadline)

	zap.L().Info("assessment environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("ledger", cfg.Budget.Ledger),
		zap.Strings("pipelines", env.Pipelines.Names()),
		zap.Int("max_concurrency", cfg.Orchestrator.MaxConcurrency),
	)
	return env, nil
}

// openStore opens and migrates the configured status store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initMeter returns the budget ledger and its release func.
func initMeter(ctx context.Context) (cost.Meter, func(), error) {
	limits := budgetLimits(cfg.Budget)
	switch cfg.Budget.Ledger {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, eris.Wrapf(err, "redis ping %s", cfg.Redis.Addr)
		}
		return cost.NewRedisLedger(rdb, cfg.Redis.KeyPrefix, limits), func() { _ = rdb.Close() }, nil
	default:
		return cost.NewLedger(limits), func() {}, nil
	}
}

func budgetLimits(b config.BudgetConfig) cost.Limits {
	limits := cost.Limits{GlobalDailyUSD: b.GlobalDailyUSD}
	if len(b.PerKindDailyUSD) > 0 {
		limits.PerKindDailyUSD = make(map[model.TaskKind]float64, len(b.PerKindDailyUSD))
		for name, usd := range b.PerKindDailyUSD {
			limits.PerKindDailyUSD[model.TaskKind(name)] = usd
		}
	}
	return limits
}

// pricingRates merges configured pricing over the defaults.
func pricingRates(p config.PricingConfig) cost.Rates {
	rates := cost.DefaultRates()
	for name, m := range p.Anthropic {
		rates.Anthropic[name] = cost.ModelRate{
			Input:         m.Input,
			Output:        m.Output,
			BatchDiscount: m.BatchDiscount,
			CacheWriteMul: m.CacheWriteMul,
			CacheReadMul:  m.CacheReadMul,
		}
	}
	for kind, usd := range p.Tasks {
		rates.Tasks[kind] = usd
	}
	return rates
}

func newFetcher(h config.HTTPConfig) *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:      h.UserAgent,
		Timeout:        time.Duration(h.TimeoutSecs) * time.Second,
		RatePerHost:    h.RatePerHost,
		BurstPerHost:   h.BurstPerHost,
		MaxBodyBytes:   h.MaxBodyBytes,
		MaxIdlePerHost: h.MaxIdlePerHost,
	})
}

// vendorHTTP shares the fetcher's paced transport with a vendor client.
func vendorHTTP(f *fetcher.HTTPFetcher, timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: f.Client().Transport}
}

// buildRegistry registers every collector whose credentials are configured.
func buildRegistry(f *fetcher.HTTPFetcher, calc *cost.Calculator) *collector.Registry {
	reg := collector.NewRegistry(
		collector.NewSecurityTask(f, calc.Estimate(model.TaskSecurity)),
	)

	psOpts := []pagespeed.Option{pagespeed.WithHTTPClient(vendorHTTP(f, 90*time.Second))}
	if cfg.PageSpeed.BaseURL != "" {
		psOpts = append(psOpts, pagespeed.WithBaseURL(cfg.PageSpeed.BaseURL))
	}
	reg.Register(collector.NewPerformanceTask(
		pagespeed.NewClient(cfg.PageSpeed.Key, psOpts...),
		cfg.PageSpeed.Strategy,
		calc.Estimate(model.TaskPerformance),
	))

	if cfg.Google.Key != "" {
		gOpts := []google.Option{google.WithHTTPClient(vendorHTTP(f, 30*time.Second))}
		if cfg.Google.BaseURL != "" {
			gOpts = append(gOpts, google.WithBaseURL(cfg.Google.BaseURL))
		}
		reg.Register(collector.NewBusinessTask(google.NewClient(cfg.Google.Key, gOpts...), calc.Estimate(model.TaskBusinessProfile)))
	} else {
		zap.L().Warn("ASSESS_GOOGLE_KEY not set, business_profile collector disabled")
	}

	if cfg.SEO.Key != "" {
		sOpts := []seo.Option{seo.WithHTTPClient(vendorHTTP(f, 30*time.Second))}
		if cfg.SEO.BaseURL != "" {
			sOpts = append(sOpts, seo.WithBaseURL(cfg.SEO.BaseURL))
		}
		reg.Register(collector.NewSEOTask(seo.NewClient(cfg.SEO.Key, sOpts...), f, calc.Estimate(model.TaskSEO)))
	} else {
		zap.L().Warn("ASSESS_SEO_KEY not set, seo collector disabled")
	}

	shotOpts := collector.ScreenshotOptions{
		OutputDir: cfg.Screenshot.OutputDir,
		Width:     int64(cfg.Screenshot.Width),
		Height:    int64(cfg.Screenshot.Height),
		Quality:   cfg.Screenshot.Quality,
		ExecPath:  cfg.Screenshot.ExecPath,
		Timeout:   time.Duration(cfg.Screenshot.TimeoutSecs) * time.Second,
	}
	reg.Register(collector.NewScreenshotTask(collector.NewChromeCapturer(shotOpts), shotOpts, calc.Estimate(model.TaskScreenshot)))

	if cfg.Anthropic.Key != "" {
		ai := anthropicpkg.NewClient(cfg.Anthropic.Key, option.WithHTTPClient(vendorHTTP(f, 2*time.Minute)))
		reg.Register(collector.NewContentTask(f, ai, calc, collector.ContentOptions{
			Model:        cfg.Anthropic.Model,
			MaxTokens:    int64(cfg.Anthropic.MaxTokens),
			MaxPageBytes: cfg.Anthropic.MaxPageBytes,
		}, calc.Estimate(model.TaskContent)))
	} else {
		zap.L().Warn("ASSESS_ANTHROPIC_KEY not set, content collector disabled")
	}

	return reg
}

// configuredPipeline is orchestrator.pipeline limited to registered kinds.
func configuredPipeline(reg *collector.Registry) []model.TaskKind {
	registered := reg.Kinds()
	var out []model.TaskKind
	for _, name := range cfg.Orchestrator.Pipeline {
		k := model.TaskKind(name)
		if !slices.Contains(registered, k) {
			zap.L().Warn("pipeline kind has no collector, dropping from default pipeline", zap.String("task", name))
			continue
		}
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}
