// Package enrich turns a candidate's source text into structured entity
// fields through the Anthropic API. It is the only stage that calls the
// paid provider, so calls are rate limited, time bounded and guarded by a
// circuit breaker, and failures are classified for the job queue.
package enrich

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/resilience"
	"github.com/sells-group/locsync/pkg/anthropic"
)

// Provider is the name recorded on enrichments from this package.
const Provider = "anthropic"

// Enricher produces an enrichment for one candidate.
type Enricher interface {
	Enrich(ctx context.Context, jobID string, c model.CandidateRecord) (*model.Enrichment, error)
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(ctx context.Context, jobID string, c model.CandidateRecord) (*model.Enrichment, error)

// Enrich calls f.
func (f EnricherFunc) Enrich(ctx context.Context, jobID string, c model.CandidateRecord) (*model.Enrichment, error) {
	return f(ctx, jobID, c)
}

// Config controls provider calls.
type Config struct {
	Model             string        `yaml:"model" mapstructure:"model"`
	MaxTokens         int64         `yaml:"max_tokens" mapstructure:"max_tokens"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	PromptCacheTTL    string        `yaml:"prompt_cache_ttl" mapstructure:"prompt_cache_ttl"`
	MaxInputChars     int           `yaml:"max_input_chars" mapstructure:"max_input_chars"`

	Breaker resilience.CircuitBreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// DefaultConfig returns the provider defaults.
func DefaultConfig() Config {
	return Config{
		Model:             "claude-haiku-4-5-20251001",
		MaxTokens:         2048,
		Timeout:           2 * time.Minute,
		RequestsPerSecond: 2,
		Burst:             2,
		PromptCacheTTL:    "5m",
		MaxInputChars:     60000,
		Breaker:           resilience.DefaultCircuitBreakerConfig(),
	}
}

// Anthropic enriches candidates with a Claude model.
type Anthropic struct {
	client  anthropic.Client
	cfg     Config
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	system  []anthropic.SystemBlock
}

// NewAnthropic creates an Anthropic enricher. Zero config values take their
// defaults.
func NewAnthropic(client anthropic.Client, cfg Config) *Anthropic {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = def.MaxInputChars
	}
	return &Anthropic{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: resilience.NewCircuitBreaker(Provider, cfg.Breaker),
		system:  anthropic.BuildCachedSystemBlocks(systemPrompt, cfg.PromptCacheTTL),
	}
}

// Breaker exposes the circuit breaker for status reporting.
func (a *Anthropic) Breaker() *resilience.CircuitBreaker { return a.breaker }

// Enrich sends the candidate's source text to the model and parses the
// structured reply.
func (a *Anthropic) Enrich(ctx context.Context, jobID string, c model.CandidateRecord) (*model.Enrichment, error) {
	if c.Empty() {
		return nil, resilience.NewPermanentError(eris.Errorf("enrich: job %s has no source text", jobID))
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "enrich: rate limit wait")
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		System:      a.system,
		Messages:    []anthropic.Message{{Role: "user", Content: userPrompt(c, a.cfg.MaxInputChars)}},
		Temperature: &temp,
	}

	start := time.Now()
	resp, err := resilience.ExecuteVal(ctx, a.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return a.client.CreateMessage(ctx, req)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: job %s", jobID)
	}
	resp.Usage.LogCost(a.cfg.Model, jobID)

	enr, err := parseEnrichment(resp.Text())
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: job %s", jobID)
	}
	enr.Provider = Provider
	enr.Model = resp.Model
	if enr.Model == "" {
		enr.Model = a.cfg.Model
	}

	zap.L().Debug("enrich: done",
		zap.String("job_id", jobID),
		zap.String("model", enr.Model),
		zap.Duration("elapsed", time.Since(start)),
	)
	return enr, nil
}
