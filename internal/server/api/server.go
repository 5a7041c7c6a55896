package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/systemshift/oaksearch/internal/server/access"
	"github.com/systemshift/oaksearch/internal/server/content"
	"github.com/systemshift/oaksearch/internal/server/query"
	"github.com/systemshift/oaksearch/internal/server/seed"
)

// Seeder provisions the test fixture
type Seeder interface {
	Ensure(ctx context.Context) (*seed.Result, error)
}

// Indexer manages index definitions and their rebuilds
type Indexer interface {
	Submit(ctx context.Context, def *content.IndexDefinition) error
	Trigger(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
}

// Server holds the HTTP server dependencies
type Server struct {
	repo       content.Repository
	seeder     Seeder
	runner     *query.Runner
	authorizer *access.Authorizer
	indexer    Indexer
}

// New creates a new API server
func New(repo content.Repository, seeder Seeder, runner *query.Runner, authorizer *access.Authorizer, indexer Indexer) *Server {
	return &Server{
		repo:       repo,
		seeder:     seeder,
		runner:     runner,
		authorizer: authorizer,
		indexer:    indexer,
	}
}

// Routes builds the router for every endpoint
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/bin/oak-search", func(r chi.Router) {
			r.With(requireAdmin).Post("/ensurecontent", s.EnsureContent)

			r.Get("/indexes", s.ListIndexes)
			r.Get("/indexes/{name}", s.GetIndex)
			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Put("/indexes/{name}", s.PutIndex)
				r.Delete("/indexes/{name}", s.DeleteIndex)
				r.Post("/indexes/{name}/reindex", s.ReindexIndex)
			})
		})

		// Content resources: <path>.query.json and <path>.json
		r.Get("/*", s.Resource)
	})

	return r
}

type principalKey struct{}

// PrincipalFrom returns the principal attached by the authentication middleware
func PrincipalFrom(ctx context.Context) *content.Principal {
	if p, ok := ctx.Value(principalKey{}).(*content.Principal); ok {
		return p
	}
	return content.Anonymous()
}

// authenticate resolves HTTP Basic credentials to a principal. Requests
// without credentials run as the anonymous principal.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := content.Anonymous()
		if user, password, ok := r.BasicAuth(); ok {
			p, err := s.repo.Authenticate(r.Context(), user, password)
			if errors.Is(err, content.ErrUnauthorized) {
				w.Header().Set("WWW-Authenticate", `Basic realm="oaksearch"`)
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			principal = p
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !PrincipalFrom(r.Context()).Admin {
			http.Error(w, "administrator access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"duration": time.Since(start),
			"request":  middleware.GetReqID(r.Context()),
		}).Debug("Handled request")
	})
}
