// Package app assembles the repository, access control, seeder, query
// runner, indexer and HTTP API from a configuration.
package app

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/systemshift/oaksearch/internal/server/access"
	"github.com/systemshift/oaksearch/internal/server/api"
	"github.com/systemshift/oaksearch/internal/server/config"
	"github.com/systemshift/oaksearch/internal/server/content"
	"github.com/systemshift/oaksearch/internal/server/events"
	"github.com/systemshift/oaksearch/internal/server/indexer"
	"github.com/systemshift/oaksearch/internal/server/metrics"
	"github.com/systemshift/oaksearch/internal/server/query"
	"github.com/systemshift/oaksearch/internal/server/seed"
)

type App struct {
	Config     *config.Configuration
	Repository content.Repository
	Events     *events.Manager
	Authorizer *access.Authorizer
	Seeder     *seed.Seeder
	Runner     *query.Runner
	Indexer    *indexer.Indexer

	handler http.Handler
}

// New connects to the configured backend and starts the background workers
func New(ctx context.Context, cfg *config.Configuration) (*App, error) {
	repo, err := content.Open(ctx, cfg.Repository.Config)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening %s repository", cfg.Repository.Backend)
	}
	log.Infof("Connected to %s repository", backendName(cfg.Repository.Backend))

	if err := repo.EnsureAdmin(ctx, cfg.Repository.AdminUser, cfg.Repository.AdminPassword); err != nil {
		repo.Close(ctx)
		return nil, errors.WithMessage(err, "ensuring admin user")
	}

	authorizer, err := access.NewAuthorizer(ctx, repo)
	if err != nil {
		repo.Close(ctx)
		return nil, err
	}

	var notifier *events.Notifier
	if len(cfg.Events.Webhooks) > 0 {
		notifier = events.NewNotifier(cfg.Events.Webhooks, cfg.Events.WebhookTimeout)
	}
	manager := events.NewManager(notifier, cfg.Events.BufferSize)
	manager.Subscribe(events.LogListener)
	manager.Subscribe(metrics.Listener)
	manager.Subscribe(authorizer.Listener(), events.EventACLChanged)
	manager.OnDrop(metrics.Dropped)
	repo.SetEventEmitter(manager.Emitter())
	manager.Start()

	seeder := seed.New(repo,
		seed.WithLayout(cfg.Seed.Layout),
		seed.WithResumeIncomplete(cfg.Seed.ResumeIncomplete),
		seed.WithReloader(authorizer),
	)
	runner := query.NewRunner(repo, cfg.Query)

	ix := indexer.New(repo, 0)
	ix.Start()

	a := &App{
		Config:     cfg,
		Repository: repo,
		Events:     manager,
		Authorizer: authorizer,
		Seeder:     seeder,
		Runner:     runner,
		Indexer:    ix,
	}
	a.handler = api.New(repo, seeder, runner, authorizer, ix).Routes()
	return a, nil
}

func (a *App) Handler() http.Handler {
	return a.handler
}

// Close stops the workers and closes the repository
func (a *App) Close(ctx context.Context) error {
	a.Indexer.Stop()
	a.Events.Stop()
	return a.Repository.Close(ctx)
}

func backendName(backend string) string {
	if backend == "" {
		return content.BackendSQLite
	}
	return backend
}
