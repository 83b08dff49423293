package middleware

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter interface for rate limiting
type RateLimiter interface {
	Allow(clientID string) bool
	Reset(clientID string)
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientRateLimiter implements per-client rate limiting
type ClientRateLimiter struct {
	enabled         bool
	limiters        map[string]*clientLimiter
	mu              sync.Mutex
	rpm             int
	burst           int
	logger          *logrus.Logger
	cleanupInterval time.Duration
	stop            chan struct{}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg *config.RateLimitConfig, logger *logrus.Logger) *ClientRateLimiter {
	if !cfg.Enabled {
		return &ClientRateLimiter{enabled: false}
	}

	rl := &ClientRateLimiter{
		enabled:         true,
		limiters:        make(map[string]*clientLimiter),
		rpm:             cfg.RequestsPerMinute,
		burst:           cfg.Burst,
		logger:          logger,
		cleanupInterval: time.Hour,
		stop:            make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow checks if a client is allowed to make a request
func (r *ClientRateLimiter) Allow(clientID string) bool {
	if !r.enabled {
		return true
	}

	allowed := r.getLimiter(clientID).Allow()
	if !allowed {
		r.logger.WithField("client_id", clientID).Warn("Rate limit exceeded")
	}
	return allowed
}

// Reset resets the rate limiter for a client
func (r *ClientRateLimiter) Reset(clientID string) {
	if !r.enabled {
		return
	}

	r.mu.Lock()
	delete(r.limiters, clientID)
	r.mu.Unlock()
}

// Stop ends the cleanup loop
func (r *ClientRateLimiter) Stop() {
	if !r.enabled {
		return
	}
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

func (r *ClientRateLimiter) getLimiter(clientID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	cl, exists := r.limiters[clientID]
	if !exists {
		// Rate per second = RPM / 60
		rps := float64(r.rpm) / 60.0
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rps), r.burst)}
		r.limiters[clientID] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}

// cleanup removes limiters that have been idle for a full interval
func (r *ClientRateLimiter) cleanup() {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.mu.Lock()
			removed := 0
			for id, cl := range r.limiters {
				if now.Sub(cl.lastSeen) > r.cleanupInterval {
					delete(r.limiters, id)
					removed++
				}
			}
			r.mu.Unlock()
			if removed > 0 {
				r.logger.WithField("count", removed).Debug("Removed idle rate limiters")
			}
		}
	}
}

// SecurityMiddleware provides input checks
type SecurityMiddleware struct {
	maxLength int
	logger    *logrus.Logger
}

// NewSecurityMiddleware creates security middleware
func NewSecurityMiddleware(maxLength int, logger *logrus.Logger) *SecurityMiddleware {
	if maxLength <= 0 {
		maxLength = 4096
	}
	return &SecurityMiddleware{
		maxLength: maxLength,
		logger:    logger,
	}
}

// ErrInputTooLong is wrapped by ValidateInput for oversized text
var ErrInputTooLong = errors.New("input too long")

// ValidateInput performs input validation
func (s *SecurityMiddleware) ValidateInput(text string) error {
	if len(text) > s.maxLength {
		return fmt.Errorf("%w: %d bytes", ErrInputTooLong, len(text))
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("input is not valid UTF-8")
	}
	return nil
}

// SanitizeOutput strips NUL bytes from replies before they are rendered
func (s *SecurityMiddleware) SanitizeOutput(text string) string {
	return strings.ReplaceAll(text, "\x00", "")
}
