package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/zeusync/firesim/internal/core/observability/log"
)

// TokenAuth rejects requests that do not carry token, either as a Bearer
// Authorization header or as a "token" query parameter. Browsers cannot set
// headers on websocket upgrades, hence the query form.
type TokenAuth struct {
	token  string
	logger log.Log
}

func NewTokenAuth(token string, logger log.Log) *TokenAuth {
	return &TokenAuth{token: token, logger: logger}
}

func (m *TokenAuth) Name() string {
	return "TokenAuth"
}

// Authorized reports whether r presents the token. An empty token admits all.
func (m *TokenAuth) Authorized(r *http.Request) bool {
	if m.token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(m.token)) == 1
}

func (m *TokenAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Authorized(r) {
			m.logger.Warn("Rejected unauthenticated request",
				log.String("path", r.URL.Path),
				log.String("remote_addr", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
