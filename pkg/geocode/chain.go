package geocode

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/resilience"
)

// Attempt records what one strategy did for an address.
type Attempt struct {
	Strategy string `json:"strategy"`
	Matched  bool   `json:"matched"`
	Error    string `json:"error,omitempty"`
}

// Outcome is the chain's answer plus the trail of strategies it tried.
// Result is nil when no strategy matched.
type Outcome struct {
	Result   *Result   `json:"result,omitempty"`
	Attempts []Attempt `json:"attempts"`
}

// Chain tries strategies in order until one matches. Each strategy runs
// behind its own circuit breaker and short in-call retry.
type Chain struct {
	strategies []Strategy
	breakers   *resilience.ServiceBreakers
	retry      resilience.RetryConfig
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithBreakers shares a breaker registry with the rest of the process.
func WithBreakers(sb *resilience.ServiceBreakers) ChainOption {
	return func(c *Chain) {
		if sb != nil {
			c.breakers = sb
		}
	}
}

// WithRetry overrides the per-strategy retry configuration.
func WithRetry(cfg resilience.RetryConfig) ChainOption {
	return func(c *Chain) {
		c.retry = cfg
	}
}

// NewChain creates a Chain over the given strategies. Nil strategies are
// skipped.
func NewChain(strategies []Strategy, opts ...ChainOption) *Chain {
	c := &Chain{
		breakers: resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig()),
		retry:    resilience.DefaultRetryConfig(),
	}
	for _, s := range strategies {
		if s != nil {
			c.strategies = append(c.strategies, s)
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Strategies returns the names of the configured strategies in order.
func (c *Chain) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Geocode runs the chain. A strategy error moves on to the next strategy;
// only context cancellation aborts the chain.
func (c *Chain) Geocode(ctx context.Context, addr AddressInput) (*Outcome, error) {
	out := &Outcome{}
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return out, eris.Wrap(err, "geocode: chain cancelled")
		}

		cb := c.breakers.Get("geocode:" + s.Name())
		retry := c.retry
		retry.OnRetry = resilience.RetryLogger("geocode", s.Name())

		res, err := resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*Result, error) {
			return resilience.DoVal(ctx, retry, func(ctx context.Context) (*Result, error) {
				return s.Geocode(ctx, addr)
			})
		})

		attempt := Attempt{Strategy: s.Name()}
		if err != nil {
			attempt.Error = err.Error()
			out.Attempts = append(out.Attempts, attempt)
			zap.L().Debug("geocode: strategy failed, trying next",
				zap.String("strategy", s.Name()),
				zap.Error(err),
			)
			continue
		}
		attempt.Matched = res != nil && res.Matched
		out.Attempts = append(out.Attempts, attempt)
		if attempt.Matched {
			out.Result = res
			return out, nil
		}
	}
	return out, nil
}
