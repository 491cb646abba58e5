package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/locsync/internal/resilience"
)

func newTestClient(baseURL string) Client {
	return NewClient("test-key", WithBaseURL(baseURL))
}

func okMessage(w http.ResponseWriter, id, text string, cacheWrite int) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"id":   id,
		"type": "message",
		"role": "assistant",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"model":       "claude-haiku-4-5-20251001",
		"stop_reason": "end_turn",
		"usage": map[string]any{
			"input_tokens":                10,
			"output_tokens":               5,
			"cache_creation_input_tokens": cacheWrite,
			"cache_read_input_tokens":     0,
		},
	})
}

func apiError(w http.ResponseWriter, status int, typ string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"type":  "error",
		"error": map[string]any{"type": typ, "message": typ},
	})
}

var helloReq = MessageRequest{
	Model:     "claude-haiku-4-5-20251001",
	MaxTokens: 1024,
	Messages:  []Message{{Role: "user", Content: "Hello"}},
}

func TestSDKClient_CreateMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		okMessage(w, "msg_test_001", "Hello from test", 0)
	}))
	defer ts.Close()

	resp, err := newTestClient(ts.URL).CreateMessage(context.Background(), helloReq)
	require.NoError(t, err)
	assert.Equal(t, "msg_test_001", resp.ID)
	assert.Equal(t, "claude-haiku-4-5-20251001", resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, "Hello from test", resp.Text())
	assert.Equal(t, int64(10), resp.Usage.InputTokens)
	assert.Equal(t, int64(5), resp.Usage.OutputTokens)
}

func TestSDKClient_CreateMessage_WithSystemAndTemp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.InDelta(t, 0.0, body["temperature"], 0.0001)
		system, ok := body["system"].([]any)
		require.True(t, ok)
		require.Len(t, system, 1)
		block := system[0].(map[string]any)
		assert.Equal(t, "extract fields", block["text"])
		assert.NotNil(t, block["cache_control"])
		okMessage(w, "msg_sys", "{}", 5000)
	}))
	defer ts.Close()

	temp := 0.0
	req := helloReq
	req.System = BuildCachedSystemBlocks("extract fields", "1h")
	req.Temperature = &temp
	resp, err := newTestClient(ts.URL).CreateMessage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), resp.Usage.CacheCreationInputTokens)
}

func TestSDKClient_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		typ    string
		class  resilience.FailureClass
	}{
		{"rate limited", http.StatusTooManyRequests, "rate_limit_error", resilience.ClassQuota},
		{"server error", http.StatusInternalServerError, "api_error", resilience.ClassTransient},
		{"overloaded", 529, "overloaded_error", resilience.ClassTransient},
		{"bad request", http.StatusBadRequest, "invalid_request_error", resilience.ClassPermanent},
		{"unauthorized", http.StatusUnauthorized, "authentication_error", resilience.ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				atomic.AddInt32(&calls, 1)
				apiError(w, tt.status, tt.typ)
			}))
			defer ts.Close()

			_, err := newTestClient(ts.URL).CreateMessage(context.Background(), helloReq)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "anthropic: create message")
			assert.Equal(t, tt.class, resilience.Classify(err))
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "the SDK does not retry on its own")
		})
	}
}

func TestSDKClient_QuotaRetryAfter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		apiError(w, http.StatusTooManyRequests, "rate_limit_error")
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).CreateMessage(context.Background(), helloReq)
	require.Error(t, err)
	assert.True(t, resilience.IsQuota(err))
	assert.Equal(t, 2*time.Minute, resilience.RetryAfter(err))
}
