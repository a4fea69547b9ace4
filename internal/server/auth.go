package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/vhqtvn/krakatau-wasm/internal/config"
)

const basicRealm = `Basic realm="krakatau"`

// authenticate runs before anything reads the body. Each configured scheme must pass.
func (s *server) authenticate(next http.Handler) http.Handler {
	auth := s.config.Auth
	if !auth.BasicEnabled() && !auth.TokenEnabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := checkAuth(auth, r); err != nil {
			s.logger.Warn().
				Err(err).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote", r.RemoteAddr).
				Msg("rejected request")
			if auth.BasicEnabled() {
				w.Header().Set("WWW-Authenticate", basicRealm)
			}
			s.sendError(w, statusFor(err), "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func checkAuth(auth config.AuthConfig, r *http.Request) error {
	if auth.BasicEnabled() {
		user, pass, ok := r.BasicAuth()
		if !ok {
			return fmt.Errorf("%w: missing basic credentials", ErrUnauthorized)
		}
		// Both comparisons always run.
		userOK := secureEqual(user, auth.Username)
		passOK := secureEqual(pass, auth.Password)
		if !userOK || !passOK {
			return fmt.Errorf("%w: invalid basic credentials", ErrUnauthorized)
		}
	}

	if auth.TokenEnabled() {
		if !secureEqual(r.Header.Get(auth.TokenHeader), auth.TokenValue) {
			return fmt.Errorf("%w: invalid %s header", ErrUnauthorized, auth.TokenHeader)
		}
	}
	return nil
}

func secureEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
