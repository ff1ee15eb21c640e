package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100
	limiterIdleTTL        = 10 * time.Minute

	envRateLimitRPS   = "API_RATE_LIMIT_RPS"
	envRateLimitBurst = "API_RATE_LIMIT_BURST"
)

// rateLimiter keeps one token bucket per caller: the user id when the
// identity layer supplied one, otherwise the API key, otherwise the client IP.
type rateLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	callers   map[string]*callerLimit
	lastSweep time.Time
	now       func() time.Time
}

type callerLimit struct {
	lim  *rate.Limiter
	seen time.Time
}

func newRateLimiter(rps, burst int) *rateLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &rateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		callers: map[string]*callerLimit{},
		now:     time.Now,
	}
}

func newRateLimiterFromEnv() *rateLimiter {
	return newRateLimiter(envInt(envRateLimitRPS, defaultRateLimitRPS), envInt(envRateLimitBurst, defaultRateLimitBurst))
}

func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && n > 0 {
		return n
	}
	return fallback
}

func (l *rateLimiter) allow(caller string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for k, c := range l.callers {
			if now.Sub(c.seen) > limiterIdleTTL {
				delete(l.callers, k)
			}
		}
		l.lastSweep = now
	}
	c, ok := l.callers[caller]
	if !ok {
		c = &callerLimit{lim: rate.NewLimiter(l.limit, l.burst)}
		l.callers[caller] = c
	}
	c.seen = now
	return c.lim.AllowN(now, 1)
}

func callerKey(r *http.Request) string {
	if id := headerValue(r, headerUserID); id != "" {
		return "user:" + id
	}
	if key := apiKeyFromRequest(r); key != "" {
		return "key:" + key
	}
	return "ip:" + requestHostname(r.RemoteAddr)
}

func rateLimitMiddleware(limiter *rateLimiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions && strings.HasPrefix(r.URL.Path, "/api/") && !limiter.allow(callerKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsPolicy is resolved once from PINGUP_ALLOWED_ORIGINS, CORS_ALLOW_ORIGINS
// or FRONTEND_URL, first one set wins. With none set, loopback origins and the
// request's own host are allowed.
type corsPolicy struct {
	any     bool
	origins map[string]struct{}
}

func corsPolicyFromEnv() *corsPolicy {
	p := &corsPolicy{}
	for _, key := range []string{"PINGUP_ALLOWED_ORIGINS", "CORS_ALLOW_ORIGINS", "FRONTEND_URL"} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		if raw == "*" {
			p.any = true
			return p
		}
		p.origins = map[string]struct{}{}
		for _, part := range strings.Split(raw, ",") {
			if o := strings.TrimRight(strings.TrimSpace(part), "/"); o != "" {
				p.origins[o] = struct{}{}
			}
		}
		return p
	}
	return p
}

// allows reports whether the request's Origin may call the API. Requests
// without an Origin come from non-browser clients and are allowed.
func (p *corsPolicy) allows(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || p.any {
		return true
	}
	if p.origins != nil {
		_, ok := p.origins[origin]
		return ok
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	switch host := strings.ToLower(u.Hostname()); host {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return host == strings.ToLower(requestHostname(r.Host))
	}
}

func (p *corsPolicy) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if !p.allows(r) {
				writeError(w, http.StatusForbidden, "origin not allowed")
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+headerAPIKey+", "+headerUserID)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

// authMiddleware resolves the caller of /api routes and stores it on the request.
func authMiddleware(auth AuthProvider, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		authCtx, err := auth.AuthenticateHTTP(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, withAuth(r, authCtx))
	})
}

// statusRecorder captures the response code while passing hijack and flush
// through, so websocket upgrades and SSE streams still work behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("response writer cannot hijack")
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}
	}
}
