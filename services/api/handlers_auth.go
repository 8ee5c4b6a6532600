package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"taxdocs/services/docs"
	"taxdocs/services/identity"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token     string `json:"token,omitempty"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	ExpiresAt string `json:"expires_at"`
}

func newSessionResponse(sess identity.Session, withToken bool) sessionResponse {
	resp := sessionResponse{
		UserID:    sess.UserID,
		Email:     sess.Email,
		ExpiresAt: sess.ExpiresAt.UTC().Format(timeFormat),
	}
	if withToken {
		resp.Token = sess.Token
	}
	return resp
}

func (a *API) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := a.store.Identity.CreateAccount(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		a.respondAuthError(w, "signup", err)
		return
	}
	respondJSON(w, http.StatusCreated, newSessionResponse(sess, true))
}

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := a.store.Identity.SignIn(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		a.respondAuthError(w, "signin", err)
		return
	}
	respondJSON(w, http.StatusOK, newSessionResponse(sess, true))
}

func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	if err := a.store.Identity.SignOut(r.Context(), sess.Token); err != nil && !errors.Is(err, identity.ErrSessionExpired) {
		a.log.Error().Err(err).Str("user_id", sess.UserID).Msg("sign out")
		respondError(w, http.StatusInternalServerError, errors.New("could not sign out"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, newSessionResponse(*sessionFrom(r.Context()), false))
}

func (a *API) handleActivity(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := a.store.Activity.Activity(r.Context(), sess.UserID, limit)
	if err != nil {
		a.log.Error().Err(err).Str("user_id", sess.UserID).Msg("load activity")
		respondError(w, http.StatusInternalServerError, errors.New("could not load activity"))
		return
	}
	if entries == nil {
		entries = []identity.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"activity": entries})
}

func (a *API) respondAuthError(w http.ResponseWriter, action string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, identity.ErrEmailInUse):
		status = http.StatusConflict
	case errors.Is(err, identity.ErrWeakPassword), errors.Is(err, identity.ErrInvalidEmail):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		a.log.Error().Err(err).Str("action", action).Msg("account request failed")
	}
	respondError(w, status, errors.New(docs.Message(err)))
}
