package enrich

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/resilience"
	"github.com/sells-group/locsync/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Model:   "claude-haiku-4-5-20251001",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}

var candidate = model.CandidateRecord{
	SourceID:   "src-1",
	SourceURL:  "https://example.org/pantries",
	RawContent: "Example Pantry, 12 Oak St, Springfield IL. Call 217-555-0101.",
}

const goodReply = "```json\n" + `{
  "organization": {"name": "Example Pantry"},
  "location": {"name": "Example Pantry", "address_1": "12 Oak St", "city": "Springfield",
               "state_province": "IL", "latitude": 39.78, "phone": "217-555-0101", "status": null},
  "confidence": 0.82
}` + "\n```"

func TestEnrich_ParsesReply(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			strings.Contains(req.Messages[0].Content, "Source URL: https://example.org/pantries") &&
			strings.Contains(req.Messages[0].Content, "12 Oak St") &&
			*req.Temperature == 0
	})).Return(textResponse(goodReply), nil).Once()

	e := NewAnthropic(mc, Config{})
	enr, err := e.Enrich(context.Background(), "job-1", candidate)
	require.NoError(t, err)
	mc.AssertExpectations(t)

	assert.Equal(t, Provider, enr.Provider)
	assert.Equal(t, "claude-haiku-4-5-20251001", enr.Model)
	require.NotNil(t, enr.Confidence)
	assert.InDelta(t, 0.82, *enr.Confidence, 0.0001)

	name, ok := enr.Organization.Get(model.FieldName)
	assert.True(t, ok)
	assert.Equal(t, "Example Pantry", name)

	lat, _ := enr.Location.Get(model.FieldLatitude)
	assert.Equal(t, "39.78", lat)

	status, present := enr.Location[model.FieldStatus]
	assert.True(t, present, "explicit null is kept")
	assert.Nil(t, status)
	assert.Nil(t, enr.Service)
}

func TestEnrich_EmptyCandidateIsPermanent(t *testing.T) {
	mc := new(mockClient)
	_, err := NewAnthropic(mc, Config{}).Enrich(context.Background(), "job-1", model.CandidateRecord{SourceID: "s"})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	mc.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestEnrich_QuotaErrorKeepsClass(t *testing.T) {
	mc := new(mockClient)
	quota := resilience.NewQuotaError(errors.New("429"), time.Minute)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, quota)

	_, err := NewAnthropic(mc, Config{}).Enrich(context.Background(), "job-1", candidate)
	require.Error(t, err)
	assert.Equal(t, resilience.ClassQuota, resilience.Classify(err))
	assert.Equal(t, time.Minute, resilience.RetryAfter(err))
}

func TestEnrich_UnparseableReplyIsTransient(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("I could not find anything."), nil)

	_, err := NewAnthropic(mc, Config{}).Enrich(context.Background(), "job-1", candidate)
	require.Error(t, err)
	assert.Equal(t, resilience.ClassTransient, resilience.Classify(err))
}

func TestEnrich_BreakerOpensOnRepeatedFailures(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset by peer"))

	cfg := Config{Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}}
	e := NewAnthropic(mc, cfg)
	for i := 0; i < 2; i++ {
		_, err := e.Enrich(context.Background(), "job-1", candidate)
		require.Error(t, err)
	}
	assert.Equal(t, resilience.CircuitOpen, e.Breaker().State())

	_, err := e.Enrich(context.Background(), "job-1", candidate)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	mc.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestEnrich_TimeoutBoundsCall(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	e := NewAnthropic(mc, Config{Timeout: 20 * time.Millisecond})
	start := time.Now()
	_, err := e.Enrich(context.Background(), "job-1", candidate)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, resilience.ClassTransient, resilience.Classify(err))
}

func TestUserPrompt_Truncates(t *testing.T) {
	c := model.CandidateRecord{RawContent: strings.Repeat("é", 50)}
	p := userPrompt(c, 10)
	assert.True(t, strings.HasSuffix(p, strings.Repeat("é", 10)))
	assert.NotContains(t, p, "Source URL")
}

func TestSystemPrompt_ListsKnownFields(t *testing.T) {
	for _, f := range model.KnownFields[model.EntityLocation] {
		assert.Contains(t, systemPrompt, f)
	}
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`Here you go: {"a":{"b":2}} thanks`, `{"a":{"b":2}}`},
		{"no json", "no json"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanJSON(tt.in))
	}
}

func TestToFieldSet(t *testing.T) {
	fs := toFieldSet(map[string]any{
		"Name":     " Example ",
		"blank":    "  ",
		"active":   true,
		"latitude": -89.65,
		"gone":     nil,
		"tags":     []any{"a", "b"},
	})
	v, _ := fs.Get("name")
	assert.Equal(t, "Example", v)
	_, ok := fs["blank"]
	assert.False(t, ok)
	v, _ = fs.Get("active")
	assert.Equal(t, "true", v)
	v, _ = fs.Get("latitude")
	assert.Equal(t, "-89.65", v)
	g, ok := fs["gone"]
	assert.True(t, ok)
	assert.Nil(t, g)
	v, _ = fs.Get("tags")
	assert.Equal(t, `["a","b"]`, v)
	assert.Nil(t, toFieldSet(nil))
}
