package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("overloaded"), 503), true},
		{"wrapped", fmt.Errorf("call: %w", NewTransientError(errors.New("x"), 502)), true},
		{"eris wrapped", eris.Wrap(NewTransientError(errors.New("x"), 500), "geocode"), true},
		{"conn reset", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"net timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"message pattern", errors.New("read tcp: i/o timeout"), true},
		{"plain", errors.New("invalid input"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestQuotaError(t *testing.T) {
	err := eris.Wrap(NewQuotaError(errors.New("429"), 30*time.Second), "enrich")
	assert.True(t, IsQuota(err))
	assert.Equal(t, 30*time.Second, RetryAfter(err))
	assert.False(t, IsQuota(errors.New("other")))
	assert.Zero(t, RetryAfter(errors.New("other")))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassQuota, Classify(NewQuotaError(errors.New("q"), 0)))
	assert.Equal(t, ClassPermanent, Classify(eris.Wrap(NewPermanentError(errors.New("bad json")), "decode")))
	assert.Equal(t, ClassTransient, Classify(NewTransientError(errors.New("t"), 503)))
	assert.Equal(t, ClassTransient, Classify(errors.New("unknown")))
}

func TestHTTPStatusClasses(t *testing.T) {
	for _, code := range []int{408, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 404, 429} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
	assert.True(t, IsQuotaHTTPStatus(429))
	assert.False(t, IsQuotaHTTPStatus(503))
}
