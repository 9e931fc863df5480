package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/state-gateway/internal/clock"
)

// Limiter implements a sliding window rate limiter per client
type Limiter struct {
	limit  int
	window time.Duration
	clock  clock.Clock
	logger *logrus.Logger

	// client id -> *clientWindow
	clientWindows sync.Map

	// Cleanup goroutine control
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// clientWindow holds the admission timestamps of one client, oldest first
type clientWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
	evicted    bool
}

// NewLimiter creates a limiter admitting limit requests per window for each client
func NewLimiter(limit int, window time.Duration, source clock.Clock, logger *logrus.Logger) *Limiter {
	if source == nil {
		source = clock.Real{}
	}
	return &Limiter{
		limit:           limit,
		window:          window,
		clock:           source,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
}

// Limit returns the number of requests admitted per window
func (rateLimiter *Limiter) Limit() int {
	return rateLimiter.limit
}

// Window returns the length of the sliding window
func (rateLimiter *Limiter) Window() time.Duration {
	return rateLimiter.window
}

// Admit records a request for clientID and reports whether it is allowed.
// Rejected attempts are not recorded.
func (rateLimiter *Limiter) Admit(clientID string) bool {
	for {
		window := rateLimiter.windowFor(clientID)

		window.mu.Lock()
		if window.evicted {
			// the janitor removed this window after we loaded it
			window.mu.Unlock()
			continue
		}

		now := rateLimiter.clock.Now()
		window.prune(now, rateLimiter.window)
		if len(window.timestamps) >= rateLimiter.limit {
			window.mu.Unlock()
			return false
		}
		window.timestamps = append(window.timestamps, now)
		window.mu.Unlock()
		return true
	}
}

// Remaining returns how many more requests clientID may make right now
func (rateLimiter *Limiter) Remaining(clientID string) int {
	value, ok := rateLimiter.clientWindows.Load(clientID)
	if !ok {
		return rateLimiter.limit
	}
	window := value.(*clientWindow)

	window.mu.Lock()
	defer window.mu.Unlock()
	window.prune(rateLimiter.clock.Now(), rateLimiter.window)

	remaining := rateLimiter.limit - len(window.timestamps)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RetryAfter returns how long clientID has to wait until a slot frees up.
// It is zero when the client can be admitted now.
func (rateLimiter *Limiter) RetryAfter(clientID string) time.Duration {
	value, ok := rateLimiter.clientWindows.Load(clientID)
	if !ok {
		return 0
	}
	window := value.(*clientWindow)

	window.mu.Lock()
	defer window.mu.Unlock()
	now := rateLimiter.clock.Now()
	window.prune(now, rateLimiter.window)

	if len(window.timestamps) < rateLimiter.limit {
		return 0
	}
	// the slot frees when the oldest timestamp leaves the window
	wait := window.timestamps[0].Add(rateLimiter.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// GetClientIP extracts the real client IP from the request
func (rateLimiter *Limiter) GetClientIP(request *http.Request) string {
	// Check X-Forwarded-For header; the first entry is the original client
	if xForwardedFor := request.Header.Get("X-Forwarded-For"); xForwardedFor != "" {
		first := strings.TrimSpace(strings.Split(xForwardedFor, ",")[0])
		if clientIP := net.ParseIP(first); clientIP != nil {
			return clientIP.String()
		}
		if host, _, err := net.SplitHostPort(first); err == nil {
			if clientIP := net.ParseIP(host); clientIP != nil {
				return clientIP.String()
			}
		}
	}

	// Check X-Real-IP header
	if xRealIP := request.Header.Get("X-Real-IP"); xRealIP != "" {
		if clientIP := net.ParseIP(strings.TrimSpace(xRealIP)); clientIP != nil {
			return clientIP.String()
		}
	}

	// Fall back to RemoteAddr
	clientIP, _, parseError := net.SplitHostPort(request.RemoteAddr)
	if parseError != nil {
		return request.RemoteAddr
	}
	return clientIP
}

// Start launches the cleanup goroutine
func (rateLimiter *Limiter) Start() {
	go rateLimiter.cleanup()
}

// Stop stops the cleanup goroutine
func (rateLimiter *Limiter) Stop() {
	rateLimiter.stopOnce.Do(func() {
		close(rateLimiter.stopCleanup)
	})
}

// Sweep drops the windows of clients with no request inside the current window
func (rateLimiter *Limiter) Sweep() int {
	now := rateLimiter.clock.Now()
	removed := 0

	rateLimiter.clientWindows.Range(func(key, value interface{}) bool {
		window := value.(*clientWindow)

		window.mu.Lock()
		window.prune(now, rateLimiter.window)
		if len(window.timestamps) == 0 {
			window.evicted = true
			rateLimiter.clientWindows.Delete(key)
			removed++
		}
		window.mu.Unlock()
		return true
	})

	return removed
}

// cleanup removes idle client windows to prevent memory leaks
func (rateLimiter *Limiter) cleanup() {
	cleanupTicker := time.NewTicker(rateLimiter.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-cleanupTicker.C:
			if removed := rateLimiter.Sweep(); removed > 0 && rateLimiter.logger != nil {
				rateLimiter.logger.Debugf("Rate limiter removed %d idle clients", removed)
			}
		case <-rateLimiter.stopCleanup:
			return
		}
	}
}

func (rateLimiter *Limiter) windowFor(clientID string) *clientWindow {
	if existing, ok := rateLimiter.clientWindows.Load(clientID); ok {
		return existing.(*clientWindow)
	}
	actual, _ := rateLimiter.clientWindows.LoadOrStore(clientID, &clientWindow{})
	return actual.(*clientWindow)
}

// prune drops timestamps that are window or more older than now
func (window *clientWindow) prune(now time.Time, length time.Duration) {
	keepFrom := 0
	for keepFrom < len(window.timestamps) && now.Sub(window.timestamps[keepFrom]) >= length {
		keepFrom++
	}
	if keepFrom > 0 {
		window.timestamps = append(window.timestamps[:0], window.timestamps[keepFrom:]...)
	}
}
