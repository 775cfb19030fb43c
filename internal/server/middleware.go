package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const ctxKeyModel = "modelgate.model"

// metricsMiddleware records request counts, latency, and in-flight gauge.
// The model label is filled in by handlers after decoding the payload.
func (s *Server) metricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			endpoint := c.Path()
			start := time.Now()

			s.metrics.ActiveRequests.Inc()
			err := next(c)
			s.metrics.ActiveRequests.Dec()

			model, _ := c.Get(ctxKeyModel).(string)
			if model == "" {
				model = "none"
			}

			status := c.Response().Status
			if err != nil {
				var reqErr requestError
				if errors.As(err, &reqErr) {
					status = reqErr.Status
				}
				s.metrics.ErrorsTotal.WithLabelValues(endpoint, errorType(err)).Inc()
			}

			s.metrics.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status), model).Inc()
			s.metrics.RequestDuration.WithLabelValues(endpoint, model).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// authMiddleware checks the bearer credential against the configured set.
// The credential itself stays opaque; only byte equality matters here.
func (s *Server) authMiddleware() echo.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(s.cfg.Auth.APIKeys))
	for _, key := range s.cfg.Auth.APIKeys {
		allowed[key] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isOpenEndpoint(c.Path()) {
				return next(c)
			}

			credential, ok := bearerCredential(c.Request().Header.Get("Authorization"))
			if !ok {
				return requestError{
					Status:  http.StatusUnauthorized,
					Message: "missing bearer credential",
					Type:    "authentication_error",
				}
			}
			if _, ok := allowed[credential]; !ok {
				return requestError{
					Status:  http.StatusUnauthorized,
					Message: "invalid API key",
					Type:    "authentication_error",
				}
			}

			return next(c)
		}
	}
}

// rateLimitMiddleware enforces a per-credential token bucket. Unknown or
// missing credentials fall back to the remote address so anonymous traffic
// is still bounded.
func (s *Server) rateLimitMiddleware() echo.MiddlewareFunc {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)

	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if l, ok := limiters[key]; ok {
			return l
		}
		l := rate.NewLimiter(rate.Limit(s.cfg.RateLimit.RPS), s.cfg.RateLimit.Burst)
		limiters[key] = l
		return l
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isOpenEndpoint(c.Path()) {
				return next(c)
			}

			key, ok := bearerCredential(c.Request().Header.Get("Authorization"))
			if !ok {
				key = c.RealIP()
			}

			if !limiterFor(key).Allow() {
				return requestError{
					Status:  http.StatusTooManyRequests,
					Message: "rate limit exceeded",
					Type:    "rate_limit_error",
				}
			}

			return next(c)
		}
	}
}

func bearerCredential(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	credential := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if credential == "" {
		return "", false
	}
	return credential, true
}

func isOpenEndpoint(path string) bool {
	return path == "/health" || path == "/metrics"
}
