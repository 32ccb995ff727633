package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/2beens/inkpost/internal/telemetry/metrics"
	"github.com/2beens/inkpost/internal/web"
	"github.com/2beens/inkpost/pkg"

	"github.com/go-redis/redis_rate/v9"
	log "github.com/sirupsen/logrus"
)

type RequestRateLimiter interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

// RateLimit limits the requests per client IP. When the limiter itself fails
// the request is let through.
func RateLimit(
	rateLimiter RequestRateLimiter,
	routerName string,
	allowedPerMin int,
	metricsManager *metrics.Manager,
	renderer *web.Renderer,
) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP, err := pkg.ReadUserIP(r)
			if err != nil {
				clientIP = "unknown"
			}

			res, err := rateLimiter.Allow(
				r.Context(),
				fmt.Sprintf("%s:%s", routerName, clientIP),
				redis_rate.PerMinute(allowedPerMin),
			)
			if err != nil {
				log.Errorf("rate limit [%s] check for %s: %s", routerName, clientIP, err)
				next.ServeHTTP(w, r)
				return
			}

			if res.Allowed > 0 {
				next.ServeHTTP(w, r)
				return
			}

			log.Debugf("rate limited [%s] request from %s", routerName, clientIP)
			if metricsManager != nil {
				metricsManager.CounterRateLimitedRequests.Inc()
			}

			retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			if renderer == nil {
				pkg.WriteResponse(w, pkg.ContentType.Text, fmt.Sprintf("retry after %d seconds", retryAfter), http.StatusTooManyRequests)
				return
			}
			renderer.Error(
				w, r,
				http.StatusTooManyRequests,
				"Too many requests, slow down a bit",
				fmt.Sprintf("retry after %d seconds", retryAfter),
			)
		})
	}
}
