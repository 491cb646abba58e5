package geocode

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/locsync/internal/resilience"
)

func newTestCensus(srvURL string) *Census {
	c := NewCensus(WithHTTPClient(newRewriteClient(srvURL, censusOneLineURL)))
	c.limiter = newTestLimiter()
	return c
}

func TestCensusGeocode_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "12 Oak St, Springfield, IL, 62701", r.URL.Query().Get("address"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"result": {
				"addressMatches": [{
					"coordinates": {"x": -89.6501, "y": 39.7817},
					"matchedAddress": "12 OAK ST, SPRINGFIELD, IL, 62701"
				}]
			}
		}`)
	}))
	defer srv.Close()

	result, err := newTestCensus(srv.URL).Geocode(context.Background(), AddressInput{
		Street: "12 Oak St", City: "Springfield", State: "IL", ZipCode: "62701",
	})
	require.NoError(t, err)
	assert.True(t, result.Matched)
	assert.InDelta(t, 39.7817, result.Latitude, 0.0001)
	assert.InDelta(t, -89.6501, result.Longitude, 0.0001)
	assert.Equal(t, "census", result.Source)
	assert.Equal(t, "rooftop", result.Quality)
	assert.False(t, result.Approximate())
}

func TestCensusGeocode_NoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"result": {"addressMatches": []}}`)
	}))
	defer srv.Close()

	result, err := newTestCensus(srv.URL).Geocode(context.Background(), AddressInput{
		Street: "123 Nowhere St", City: "Faketown", State: "XX", ZipCode: "00000",
	})
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Equal(t, "census", result.Source)
}

func TestCensusGeocode_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"quota", http.StatusTooManyRequests, resilience.IsQuota},
		{"transient", http.StatusBadGateway, resilience.IsTransient},
		{"permanent", http.StatusBadRequest, resilience.IsPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "30")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestCensus(srv.URL).Geocode(context.Background(), AddressInput{Street: "12 Oak St", City: "Springfield"})
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected class for %v", err)
		})
	}
}

func TestCensusGeocode_NoStreet(t *testing.T) {
	result, err := NewCensus().Geocode(context.Background(), AddressInput{City: "Springfield"})
	require.NoError(t, err)
	assert.False(t, result.Matched)
}

func TestFormatOneLine(t *testing.T) {
	assert.Equal(t, "12 Oak St, Springfield, IL, 62701",
		formatOneLine(AddressInput{Street: " 12 Oak St ", City: "Springfield", State: "IL", ZipCode: "62701"}))
	assert.Equal(t, "Springfield, IL", formatOneLine(AddressInput{City: "Springfield", State: "IL"}))
	assert.Equal(t, "", formatOneLine(AddressInput{}))
}
