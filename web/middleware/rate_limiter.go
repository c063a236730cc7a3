package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Limit types.
const (
	LimitMessage = "message"
	LimitFile    = "file"
)

// fallbackRetryAfter is sent when a bucket never refills.
const fallbackRetryAfter = 60 * time.Second

type RateLimiterConfig struct {
	MessagesPerMinute int // questions per session
	FilesPerHour      int // uploads per session, also the upload burst
	BurstSize         int // questions allowed back to back
	CleanupInterval   time.Duration
}

// TokenBucket holds up to maxTokens and refills continuously.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func NewTokenBucket(maxTokens float64, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// refill must be called with mu held.
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens = min(tb.maxTokens, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())
	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *TokenBucket) Remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())
	return int(tb.tokens)
}

// RetryAfter is the wait until the next token, rounded up to whole seconds.
func (tb *TokenBucket) RetryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())
	if tb.tokens >= 1.0 {
		return 0
	}
	if tb.refillRate <= 0 {
		return fallbackRetryAfter
	}
	secs := math.Ceil((1.0 - tb.tokens) / tb.refillRate)
	return time.Duration(secs) * time.Second
}

// idle reports a bucket that has refilled completely; dropping it changes
// nothing for its session.
func (tb *TokenBucket) idle(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return tb.tokens >= tb.maxTokens
}

// SessionRateLimiter keeps one message bucket and one upload bucket per
// session.
type SessionRateLimiter struct {
	config      RateLimiterConfig
	buckets     map[string]map[string]*TokenBucket // limit type -> session -> bucket
	mu          sync.Mutex
	logger      *zap.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

func NewSessionRateLimiter(config RateLimiterConfig, logger *zap.Logger) *SessionRateLimiter {
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := &SessionRateLimiter{
		config: config,
		buckets: map[string]map[string]*TokenBucket{
			LimitMessage: make(map[string]*TokenBucket),
			LimitFile:    make(map[string]*TokenBucket),
		},
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go limiter.cleanupRoutine()

	return limiter
}

func (srl *SessionRateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(srl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			srl.cleanup()
		case <-srl.stopCleanup:
			return
		}
	}
}

// cleanup drops buckets that are full again.
func (srl *SessionRateLimiter) cleanup() {
	srl.mu.Lock()
	defer srl.mu.Unlock()

	now := time.Now()
	dropped := 0
	for _, bySession := range srl.buckets {
		for sessionID, bucket := range bySession {
			if bucket.idle(now) {
				delete(bySession, sessionID)
				dropped++
			}
		}
	}
	if dropped > 0 {
		srl.logger.Debug("Dropped idle rate limit buckets", zap.Int("count", dropped))
	}
}

// Forget removes the buckets of a discarded session.
func (srl *SessionRateLimiter) Forget(sessionID string) {
	srl.mu.Lock()
	defer srl.mu.Unlock()
	for _, bySession := range srl.buckets {
		delete(bySession, sessionID)
	}
}

func (srl *SessionRateLimiter) Stop() {
	srl.stopOnce.Do(func() { close(srl.stopCleanup) })
}

// bucket returns the session's bucket for limitType, or nil for an unknown
// type.
func (srl *SessionRateLimiter) bucket(limitType, sessionID string) *TokenBucket {
	srl.mu.Lock()
	defer srl.mu.Unlock()

	bySession, ok := srl.buckets[limitType]
	if !ok {
		return nil
	}
	if b, ok := bySession[sessionID]; ok {
		return b
	}
	limit, rate := srl.shape(limitType)
	b := NewTokenBucket(float64(limit), rate)
	bySession[sessionID] = b
	return b
}

// shape is the bucket size and refill rate per second for limitType.
func (srl *SessionRateLimiter) shape(limitType string) (int, float64) {
	if limitType == LimitFile {
		return max(srl.config.FilesPerHour, 1), float64(srl.config.FilesPerHour) / 3600.0
	}
	return srl.config.BurstSize, float64(srl.config.MessagesPerMinute) / 60.0
}

func (srl *SessionRateLimiter) AllowMessage(sessionID string) bool {
	return srl.bucket(LimitMessage, sessionID).Allow()
}

func (srl *SessionRateLimiter) AllowFile(sessionID string) bool {
	return srl.bucket(LimitFile, sessionID).Allow()
}

// RateLimitMiddleware limits requests per session. Browser form posts that
// hit the limit get notify called and a redirect to the chat page; JSON
// clients get a 429.
func RateLimitMiddleware(limiter *SessionRateLimiter, limitType string, notify func(sessionID, text string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := SessionID(c)
		if sessionID == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session not initialized"})
			return
		}

		bucket := limiter.bucket(limitType, sessionID)
		if bucket == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "unknown limit type"})
			return
		}
		allowed := bucket.Allow()
		limit, _ := limiter.shape(limitType)
		remaining := bucket.Remaining()

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			retryAfter := int(bucket.RetryAfter() / time.Second)
			limiter.logger.Warn("Rate limit exceeded",
				zap.String("session_id", sessionID),
				zap.String("limit_type", limitType),
				zap.Int("retry_after_seconds", retryAfter))

			c.Header("Retry-After", strconv.Itoa(retryAfter))
			if notify != nil && !WantsJSON(c) {
				notify(sessionID, "Too many requests. Please wait a moment and try again.")
				c.Redirect(http.StatusSeeOther, "/")
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"limit":       limit,
				"remaining":   remaining,
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// WantsJSON reports whether the client asked for a JSON response.
func WantsJSON(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "application/json")
}
