package api

import (
	"net"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/maskforge/maskforge/internal/core"
)

// authMiddleware enforces API key authentication on all endpoints except /health.
// Keys are read from config (server.api_keys) or env (MASKFORGE_API_KEY).
// If no keys are configured, all requests are allowed (open mode with warning logged on startup).
func authMiddleware(next http.Handler, cfg *core.Config, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !cfg.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if auth := r.Header.Get("Authorization"); auth != "" {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Error: "missing authentication, provide Authorization: Bearer <key> or X-API-Key header",
			})
			return
		}
		if !cfg.ValidateAPIKey(key) {
			logger.Warn().Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("invalid API key")
			writeJSON(w, http.StatusForbidden, errorBody{Error: "invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware keeps one token bucket per client IP. Buckets live in
// an LRU bounded by server.rate_limit.max_clients, so a flood of distinct
// addresses cannot grow memory without bound. Limits are read from cfg on
// every request and follow config reloads.
func rateLimitMiddleware(next http.Handler, cfg *core.Config) http.Handler {
	size := cfg.Server.RateLimit.MaxClients
	if size <= 0 {
		size = 4096
	}
	limiters, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl := cfg.Server.RateLimit
		if r.URL.Path == "/health" || rl.RequestsPerSecond <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		limit, burst := rate.Limit(rl.RequestsPerSecond), max(rl.Burst, 1)
		lim, ok := limiters.Get(ip)
		if !ok {
			lim = rate.NewLimiter(limit, burst)
			limiters.Add(ip, lim)
		} else if lim.Limit() != limit || lim.Burst() != burst {
			lim.SetLimit(limit)
			lim.SetBurst(burst)
		}

		if !lim.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded, try again shortly"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func corsMiddleware(next http.Handler, cfg *core.Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowedOrigins := cfg.Server.CORSOrigins
		origin := r.Header.Get("Origin")
		allowed := "*"
		if len(allowedOrigins) > 0 {
			allowed = ""
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = origin
					break
				}
			}
			if allowed == "" {
				// Origin not in allow list, skip CORS headers.
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
