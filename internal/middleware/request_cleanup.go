package middleware

import (
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// DefaultMaxDrainBytes covers any form or JSON body the blog routes accept.
const DefaultMaxDrainBytes = 256 << 10

// DrainAndCloseRequest discards up to maxDrain bytes the handler left unread,
// then closes the body. Anything longer is not read; net/http drops the
// connection instead of reusing it.
func DrainAndCloseRequest(maxDrain int64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			if r.Body == nil || r.Body == http.NoBody {
				return
			}
			drained, err := io.Copy(io.Discard, io.LimitReader(r.Body, maxDrain))
			if err != nil {
				log.Tracef("drain request body %s %s: %s", r.Method, r.URL.Path, err)
			} else if drained == maxDrain {
				log.Tracef("request body %s %s over %d bytes left unread", r.Method, r.URL.Path, maxDrain)
			}
			_ = r.Body.Close()
		})
	}
}
