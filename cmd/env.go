package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/archive"
	"github.com/sells-group/locsync/internal/config"
	"github.com/sells-group/locsync/internal/enrich"
	"github.com/sells-group/locsync/internal/fingerprint"
	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/monitoring"
	"github.com/sells-group/locsync/internal/pipeline"
	"github.com/sells-group/locsync/internal/queue"
	"github.com/sells-group/locsync/internal/reconcile"
	"github.com/sells-group/locsync/internal/resilience"
	"github.com/sells-group/locsync/internal/store"
	"github.com/sells-group/locsync/internal/validate"
	anthropicpkg "github.com/sells-group/locsync/pkg/anthropic"
	"github.com/sells-group/locsync/pkg/geocode"
)

const geocodeTimeout = 15 * time.Second

// appEnv holds every initialized component the commands share.
type appEnv struct {
	Store    store.Store
	Queue    *queue.Queue
	Gate     *validate.Gate
	Engine   *reconcile.Engine
	Pipeline *pipeline.Pipeline
	Metrics  *monitoring.Metrics
	Alerter  *monitoring.Alerter

	redis *redis.Client
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Queue != nil {
		_ = e.Queue.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the config for mode and builds the store, queue, gate,
// engine and pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{Metrics: monitoring.NewMetrics()}
	env.Alerter = monitoring.NewAlerter(cfg.Monitoring, monitoring.WithAlertMetrics(env.Metrics))

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st

	q, err := initQueue(queue.WithNotifier(env.Alerter.QueueNotifier()))
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Queue = q

	policy, err := reconcile.LoadPolicy(cfg.Reconcile.PolicyFile)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Engine = reconcile.New(st, policy)
	env.Gate = validate.New(gateConfig(cfg.Gate), initGeocoder(st))

	cache, redisClient, err := initCache(ctx, st)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.redis = redisClient

	p, err := pipeline.New(pipeline.Deps{
		Queue:    q,
		Store:    st,
		Cache:    cache,
		Enricher: initEnricher(),
		Gate:     env.Gate,
		Engine:   env.Engine,
		Archive:  archive.NewWriter(cfg.Archive.Dir, cfg.Archive.MaxBytes),
		Metrics:  env.Metrics,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Pipeline = p
	return env, nil
}

// initStore opens and migrates the version log and canonical store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initQueue opens and migrates the job queue.
func initQueue(opts ...queue.Option) (*queue.Queue, error) {
	dsn := cfg.Queue.DSN
	if dsn == "" && cfg.Queue.Driver == "postgres" {
		dsn = cfg.Store.DatabaseURL
	}
	db, err := queue.Open(cfg.Queue.Driver, dsn)
	if err != nil {
		return nil, err
	}
	q := queue.New(db, queueConfig(cfg.Queue), opts...)
	if err := q.Migrate(context.Background()); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func queueConfig(c config.QueueConfig) queue.Config {
	return queue.Config{
		MaxAttempts:   c.MaxAttempts,
		LeaseDuration: c.LeaseDuration,
		Transient: resilience.Backoff{
			Initial:    c.TransientInitial,
			Multiplier: resilience.TransientBackoff().Multiplier,
			Max:        c.TransientMax,
		},
		Quota: resilience.Backoff{
			Initial:    c.QuotaInitial,
			Multiplier: c.QuotaMultiplier,
			Max:        c.QuotaMax,
		},
		QuotaEscalateAfter: c.QuotaEscalateAfter,
	}
}

func gateConfig(c config.GateConfig) validate.Config {
	return validate.Config{
		RejectThreshold:    c.RejectThreshold,
		ProviderWeight:     c.ProviderWeight,
		ApproximatePenalty: c.ApproximatePenalty,
	}
}

// initCache builds the fingerprint cache: Redis first when configured, then
// the store-backed table.
func initCache(ctx context.Context, st store.Store) (fingerprint.Cache, *redis.Client, error) {
	tiers := []fingerprint.Tier{}
	client, err := fingerprint.NewRedisClient(ctx, fingerprint.RedisConfig{
		URL:      cfg.Cache.RedisURL,
		PoolSize: cfg.Cache.PoolSize,
	})
	if err != nil {
		return nil, nil, err
	}
	if client != nil {
		tiers = append(tiers, fingerprint.Tier{Name: "redis", Cache: fingerprint.NewRedisCache(client)})
		zap.L().Info("fingerprint cache: redis tier enabled")
	}
	tiers = append(tiers, fingerprint.Tier{Name: "store", Cache: fingerprint.FromBackend(st)})
	return fingerprint.NewTiered(tiers...), client, nil
}

// initGeocoder builds the coordinate fallback chain from the configured
// strategy names. Unknown or unavailable strategies are skipped; with none
// left the gate drops missing coordinates instead of repairing them.
func initGeocoder(st store.Store) validate.Geocoder {
	strategies := buildStrategies(cfg.Geocode, st)
	if len(strategies) == 0 {
		return nil
	}
	breakers := resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	return geocode.NewChain(strategies,
		geocode.WithBreakers(breakers),
		geocode.WithRetry(resilience.DefaultRetryConfig()),
	)
}

func buildStrategies(gc config.GeocodeConfig, st store.Store) []geocode.Strategy {
	hc := &http.Client{Timeout: geocodeTimeout}
	var out []geocode.Strategy
	for _, name := range gc.Strategies {
		switch name {
		case "census":
			out = append(out, geocode.NewCensus(geocode.WithHTTPClient(hc), geocode.WithRateLimit(gc.CensusRPS)))
		case "google":
			if gc.GoogleKey == "" {
				zap.L().Debug("geocode: google strategy configured without a key, skipping")
				continue
			}
			out = append(out, geocode.NewGoogle(gc.GoogleKey, geocode.WithHTTPClient(hc), geocode.WithRateLimit(gc.GoogleRPS)))
		case "tiger":
			ps, ok := st.(*store.PostgresStore)
			if !ok {
				zap.L().Debug("geocode: tiger strategy needs the postgres store, skipping")
				continue
			}
			out = append(out, geocode.NewTiger(ps.Pool(), gc.TigerMaxScore))
		case "default":
			out = append(out, geocode.NewDefault(gc.DefaultLat, gc.DefaultLon, gc.DefaultRadius))
		default:
			zap.L().Warn("geocode: unknown strategy", zap.String("strategy", name))
		}
	}
	return out
}

// initEnricher returns the Claude enricher, or one that fails every call
// permanently when no key is configured. Only the work command needs a key.
func initEnricher() enrich.Enricher {
	if cfg.Anthropic.Key == "" {
		return enrich.EnricherFunc(func(context.Context, string, model.CandidateRecord) (*model.Enrichment, error) {
			return nil, resilience.NewPermanentError(eris.New("enrich: anthropic.key is not configured"))
		})
	}
	var opts []anthropicpkg.ClientOption
	if cfg.Anthropic.BaseURL != "" {
		opts = append(opts, anthropicpkg.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	ec := enrich.DefaultConfig()
	ec.Model = cfg.Anthropic.Model
	ec.MaxTokens = cfg.Anthropic.MaxTokens
	ec.Timeout = cfg.Anthropic.Timeout
	ec.RequestsPerSecond = cfg.Anthropic.RequestsPerSecond
	ec.PromptCacheTTL = cfg.Anthropic.PromptCacheTTL
	return enrich.NewAnthropic(anthropicpkg.NewClient(cfg.Anthropic.Key, opts...), ec)
}
