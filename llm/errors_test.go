package llm

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestClassifyHTTPError(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "2")

	err := classifyHTTPError(http.StatusServiceUnavailable, h, []byte("model loading"))
	assert.True(t, IsTransient(err))
	assert.Equal(t, 2*time.Second, retryAfter(err))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))

	err = classifyHTTPError(http.StatusTooManyRequests, http.Header{}, nil)
	assert.True(t, IsTransient(err))
	assert.Zero(t, retryAfter(err))

	err = classifyHTTPError(http.StatusUnauthorized, h, []byte("bad key"))
	assert.True(t, IsFatal(err))
	assert.Zero(t, retryAfter(err))

	err = classifyHTTPError(http.StatusNotFound, nil, []byte("model not found"))
	assert.ErrorIs(t, err, ErrModelNotFound)

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	err = classifyHTTPError(http.StatusBadGateway, nil, long)
	assert.Less(t, len(err.Error()), 260)
}
