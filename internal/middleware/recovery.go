package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/2beens/inkpost/internal/telemetry/metrics"
	"github.com/2beens/inkpost/internal/web"

	log "github.com/sirupsen/logrus"
)

// PanicRecovery logs the panic with its stack and answers with the 500 error
// view. renderer may be nil, then a plain text error is written.
func PanicRecovery(metricsManager *metrics.Manager, renderer *web.Renderer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(respWriter http.ResponseWriter, req *http.Request) {
			defer func() {
				if r := recover(); r != nil {
					if r == http.ErrAbortHandler {
						panic(r)
					}
					log.Errorf("http: panic serving %s: %v\n%s", req.URL.Path, r, debug.Stack())
					if metricsManager != nil {
						metricsManager.CounterHandleRequestPanic.Inc()
					}
					if renderer == nil {
						http.Error(respWriter, "internal server error", http.StatusInternalServerError)
						return
					}
					renderer.Error(respWriter, req, http.StatusInternalServerError, "Something went wrong", fmt.Sprint(r))
				}
			}()

			// handler call
			next.ServeHTTP(respWriter, req)
		})
	}
}
