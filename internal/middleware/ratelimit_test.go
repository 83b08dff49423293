package middleware

import (
	"strings"
	"testing"

	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/dsa-guru-ai-go/pkg/logger"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	rl := NewRateLimiter(&config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2}, logger.Discard())
	defer rl.Stop()

	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))

	// limits are per client
	assert.True(t, rl.Allow("bob"))

	rl.Reset("alice")
	assert.True(t, rl.Allow("alice"))
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(&config.RateLimitConfig{Enabled: false}, logger.Discard())
	defer rl.Stop()

	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("alice"))
	}
	rl.Reset("alice")
}

func TestValidateInput(t *testing.T) {
	s := NewSecurityMiddleware(10, logger.Discard())

	assert.NoError(t, s.ValidateInput("short"))
	assert.ErrorIs(t, s.ValidateInput(strings.Repeat("a", 11)), ErrInputTooLong)

	err := s.ValidateInput("bad \xff")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInputTooLong)
}

func TestNewSecurityMiddleware_DefaultLimit(t *testing.T) {
	s := NewSecurityMiddleware(0, logger.Discard())
	assert.NoError(t, s.ValidateInput(strings.Repeat("a", 4096)))
	assert.ErrorIs(t, s.ValidateInput(strings.Repeat("a", 4097)), ErrInputTooLong)
}

func TestSanitizeOutput(t *testing.T) {
	s := NewSecurityMiddleware(0, logger.Discard())
	assert.Equal(t, "<p>ok</p>", s.SanitizeOutput("<p>o\x00k</p>"))
}
