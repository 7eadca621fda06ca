package rpc

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const (
	apiKeyHeader = "apikey"
	corsMaxAge   = 24 * time.Hour
)

// corsPolicy lets any origin call the GET and POST endpoints. Preflight
// requests are answered before routing and authentication.
var corsPolicy = cors.Handler(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{http.MethodGet, http.MethodPost},
	AllowedHeaders: []string{"content-type", "x-user-agent", apiKeyHeader},
	ExposedHeaders: []string{CodeHeader, SignerHeader},
	MaxAge:         int(corsMaxAge.Seconds()),
})

// authenticate accepts a request whose apikey header, or apikey query
// parameter for websocket upgrades, is one of the configured tokens. No
// tokens means no authentication.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(apiKeyHeader)
		if key == "" {
			key = r.URL.Query().Get(apiKeyHeader)
		}
		if !s.knownToken(key) {
			s.logger.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("unauthenticated request")
			writeError(w, errUnauthenticated)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) knownToken(key string) bool {
	if key == "" {
		return false
	}
	found := 0
	for _, token := range s.tokens {
		found |= subtle.ConstantTimeCompare([]byte(key), []byte(token))
	}
	return found == 1
}

// accessLog writes one debug line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
