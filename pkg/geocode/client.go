// Package geocode resolves street addresses to coordinates through an
// ordered chain of strategies: Census, Google, PostGIS TIGER and a
// deterministic default.
package geocode

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/locsync/internal/resilience"
)

// AddressInput represents an address to geocode.
type AddressInput struct {
	Street  string
	City    string
	State   string
	ZipCode string
	// Seed makes the default strategy deterministic per record. Callers pass
	// the content fingerprint.
	Seed string
}

// Result holds the geocoding output for an address.
type Result struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Source    string  `json:"source"`  // census, google, tiger, default
	Quality   string  `json:"quality"` // rooftop, range, centroid, approximate
	Matched   bool    `json:"matched"`
}

// Approximate reports whether the coordinates are only roughly placed.
func (r *Result) Approximate() bool {
	return r == nil || r.Quality == "approximate" || r.Quality == "centroid"
}

// Strategy is one way of geocoding an address. An unmatched address is a
// Result with Matched false, not an error; errors mean the strategy could
// not answer.
type Strategy interface {
	Name() string
	Geocode(ctx context.Context, addr AddressInput) (*Result, error)
}

// httpStrategy is the shared plumbing of the HTTP-backed strategies.
type httpStrategy struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures an HTTP-backed strategy.
type Option func(*httpStrategy)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *httpStrategy) {
		s.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second limit.
func WithRateLimit(rps float64) Option {
	return func(s *httpStrategy) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func newHTTPStrategy(defaultRPS float64, opts []Option) httpStrategy {
	s := httpStrategy{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(defaultRPS), int(defaultRPS)),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// classifyStatus maps a non-200 response to the resilience taxonomy so the
// chain retries only what is worth retrying.
func classifyStatus(provider string, resp *http.Response) error {
	err := eris.Errorf("geocode: %s returned status %d", provider, resp.StatusCode)
	switch {
	case resilience.IsQuotaHTTPStatus(resp.StatusCode):
		return resilience.NewQuotaError(err, retryAfter(resp))
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(err, resp.StatusCode)
	default:
		return resilience.NewPermanentError(err)
	}
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After")))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// formatOneLine formats an address as a single line.
func formatOneLine(addr AddressInput) string {
	parts := []string{addr.Street, addr.City, addr.State, addr.ZipCode}
	var nonEmpty []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ", ")
}
