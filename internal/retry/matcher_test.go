package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		matcher ErrorMatcher
		msg     string
		want    bool
	}{
		{NetworkMatcher{}, "dial tcp: Connection refused", true},
		{NetworkMatcher{}, "host unreachable", true},
		{NetworkMatcher{}, "syntax error", false},
		{TimeoutMatcher{}, "agent timed out after 5s", true},
		{TimeoutMatcher{}, "context deadline: TIMEOUT", true},
		{ServerErrorMatcher{}, "HTTP 503 Service Unavailable", true},
		{ServerErrorMatcher{}, "internal server error", true},
		{ServerErrorMatcher{}, "HTTP 404", false},
		{RateLimitMatcher{}, "429 Too Many Requests", true},
		{RateLimitMatcher{}, "rate limit exceeded", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.matcher.Category())+"/"+tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.matcher, tt.msg))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, CategoryTimeout, Classify("operation timed out"))
	assert.Equal(t, CategoryRateLimit, Classify("got 429 from api"))
	assert.Equal(t, CategoryServerError, Classify("502 bad gateway"))
	assert.Equal(t, CategoryNetwork, Classify("connection reset by peer"))
	assert.Equal(t, CategoryUnknown, Classify("assertion failed: x != y"))
}

func TestMatchAny(t *testing.T) {
	assert.True(t, MatchAny(nil, "anything"), "empty retry_on matches all")

	set := []ErrorMatcher{TimeoutMatcher{}, NetworkMatcher{}}
	assert.True(t, MatchAny(set, "timeout while reading"))
	assert.False(t, MatchAny(set, "validation failed"))
}

func TestParseMatcher(t *testing.T) {
	m, err := ParseMatcher("network")
	require.NoError(t, err)
	assert.Equal(t, NetworkMatcher{}, m)

	m, err = ParseMatcher("Rate_Limit")
	require.NoError(t, err)
	assert.Equal(t, RateLimitMatcher{}, m)

	m, err = ParseMatcher("pattern:^flaky-[0-9]+$")
	require.NoError(t, err)
	pm, ok := m.(PatternMatcher)
	require.True(t, ok)
	assert.True(t, Matches(pm, "flaky-42"))
	assert.False(t, Matches(pm, "stable-42"))

	_, err = ParseMatcher("([unclosed")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}
