package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(a.config.RateLimit, time.Minute))

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(a.config.AuthRateLimit, time.Minute))
			r.Use(middleware.Timeout(requestTimeout))
			r.Post("/auth/signup", a.handleSignUp)
			r.Post("/auth/signin", a.handleSignIn)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireSession)

			// Streams stay open until the client leaves, so they skip the request timeout.
			r.Get("/documents/stream", a.handleStream)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(requestTimeout))
				r.Post("/auth/signout", a.handleSignOut)
				r.Get("/auth/session", a.handleSession)
				if a.store.Activity != nil {
					r.Get("/auth/activity", a.handleActivity)
				}
				r.Get("/documents", a.handleListDocuments)
				r.Post("/documents", a.handleUpload)
				r.Get("/documents/summary", a.handleSummary)
				r.Get("/documents/{id}", a.handleGetDocument)
				r.Get("/documents/{id}/content", a.handleContent)
				r.Delete("/documents/{id}", a.handleDelete)
			})
		})
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.store.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.store.Ready(ctx); err != nil {
			a.log.Warn().Err(err).Msg("readiness check failed")
			respondError(w, http.StatusServiceUnavailable, errors.New("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
