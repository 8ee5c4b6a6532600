package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"taxdocs/services/identity"
)

type sessionKey struct{}

// requireSession resolves the bearer token to a live session or answers 401.
func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="taxdocs"`)
			respondError(w, http.StatusUnauthorized, errors.New("authorization required"))
			return
		}

		sess, err := a.store.Identity.Verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, identity.ErrSessionExpired) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="taxdocs", error="invalid_token"`)
				respondError(w, http.StatusUnauthorized, errors.New("session expired"))
				return
			}
			a.log.Error().Err(err).Msg("verify session")
			respondError(w, http.StatusInternalServerError, errors.New("could not verify session"))
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey{}, &sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken reads the Authorization header, falling back to an access_token query
// parameter for EventSource clients that cannot set headers.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func sessionFrom(ctx context.Context) *identity.Session {
	sess, _ := ctx.Value(sessionKey{}).(*identity.Session)
	return sess
}

// requestSession is the session of a single request. It never changes, so observers
// get the session once and nothing after.
type requestSession struct {
	sess *identity.Session
}

func (s requestSession) Current() *identity.Session {
	if s.sess == nil {
		return nil
	}
	c := *s.sess
	return &c
}

func (s requestSession) OnSessionChange(cb func(*identity.Session)) func() {
	cb(s.Current())
	return func() {}
}
