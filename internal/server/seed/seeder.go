// Package seed creates the deterministic test content, the restricted
// principal and its access control entries.
package seed

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/systemshift/oaksearch/internal/server/content"
)

// Fixture and principal names
const (
	FixtureName  = "oak-search"
	TestName     = "oak-search"
	LimitedUser  = "test-limited-access-user"
	LimitedGroup = "test-limited-access-group"
)

// Status reports what an Ensure call did
type Status string

const (
	StatusCreated Status = "created"
	StatusResumed Status = "resumed"
	StatusSkipped Status = "skipped"
)

// Result is returned by Ensure
type Result struct {
	Status Status `json:"status"`
	Nodes  int    `json:"nodes"`
}

// Reloader refreshes state derived from access control entries
type Reloader interface {
	Reload(ctx context.Context) error
}

// Seeder provisions the fixture at most once per repository
type Seeder struct {
	repo             content.Repository
	layout           Layout
	resumeIncomplete bool
	reloader         Reloader
	group            singleflight.Group
}

type Option func(*Seeder)

func WithLayout(layout Layout) Option {
	return func(s *Seeder) { s.layout = layout }
}

// WithResumeIncomplete controls what happens when the root exists but the
// fixture never completed. When false, an existing root means nothing is done.
func WithResumeIncomplete(resume bool) Option {
	return func(s *Seeder) { s.resumeIncomplete = resume }
}

// WithReloader registers a component to refresh once the ACEs are written
func WithReloader(r Reloader) Option {
	return func(s *Seeder) { s.reloader = r }
}

// New creates a seeder using the default layout
func New(repo content.Repository, opts ...Option) *Seeder {
	s := &Seeder{
		repo:             repo,
		layout:           DefaultLayout(),
		resumeIncomplete: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Seeder) Layout() Layout {
	return s.layout
}

// Ensure seeds the fixture unless it is already complete. Concurrent calls
// share a single run, which keeps going when the caller that started it
// gives up.
func (s *Seeder) Ensure(ctx context.Context) (*Result, error) {
	ch := s.group.DoChan(FixtureName, func() (interface{}, error) {
		return s.ensure(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Seeder) ensure(ctx context.Context) (*Result, error) {
	if err := s.layout.Validate(); err != nil {
		return nil, err
	}

	state, err := s.repo.FixtureState(ctx, FixtureName)
	if err != nil {
		return nil, errors.Wrap(err, "reading fixture state")
	}
	if state.Complete {
		log.Info("No need to perform setup")
		return &Result{Status: StatusSkipped}, nil
	}

	rootExists, err := s.repo.NodeExists(ctx, s.layout.Root)
	if err != nil {
		return nil, errors.Wrap(err, "checking seed root")
	}
	status := StatusCreated
	if rootExists {
		if !s.resumeIncomplete {
			log.Info("No need to perform setup")
			return &Result{Status: StatusSkipped}, nil
		}
		log.Warnf("Found %s without a completed fixture, resuming setup", s.layout.Root)
		status = StatusResumed
	}

	log.Info("Performing initial setup...")
	if err := s.repo.RegisterNodeType(ctx, content.ContentNodeType()); err != nil {
		return nil, errors.Wrap(err, "registering node type")
	}
	nodes, err := s.createContent(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.setupUsersAndGroups(ctx); err != nil {
		return nil, err
	}
	if err := s.repo.MarkFixtureComplete(ctx, FixtureName); err != nil {
		return nil, errors.Wrap(err, "marking fixture complete")
	}
	if s.reloader != nil {
		if err := s.reloader.Reload(ctx); err != nil {
			return nil, errors.Wrap(err, "reloading access control")
		}
	}
	log.Info("Setup complete!")

	return &Result{Status: status, Nodes: nodes}, nil
}

func (s *Seeder) createContent(ctx context.Context) (nodes int, err error) {
	log.Info("Creating test content...")
	batch, err := s.repo.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "beginning batch")
	}
	defer func() {
		batch.Rollback(ctx)
	}()

	if err := batch.CreateNode(ctx, &content.Node{Path: s.layout.Root, PrimaryType: content.NodeTypeContent}); err != nil {
		return 0, errors.Wrap(err, "creating seed root")
	}

	commit := func() error {
		n := batch.Len()
		if err := batch.Commit(ctx); err != nil {
			return err
		}
		nodes += n
		next, err := s.repo.Begin(ctx)
		if err != nil {
			return err
		}
		batch = next
		return nil
	}

	for iteration := 1; iteration <= s.layout.Iterations; iteration++ {
		iterPath := s.layout.IterationPath(iteration)
		if err := s.create(ctx, batch, iterPath, content.Properties{
			Name:      content.String(TestName),
			Iteration: content.Int(iteration),
		}); err != nil {
			return nodes, err
		}

		count := s.layout.Count(iteration)
		for item := 1; item <= count; item++ {
			if err := s.create(ctx, batch, s.layout.ItemPath(iteration, item), content.Properties{
				Name:      content.String(TestName),
				Iteration: content.Int(iteration),
				Item:      content.Int(item),
			}); err != nil {
				return nodes, err
			}
			for child := 1; child <= count; child++ {
				if err := s.create(ctx, batch, s.layout.ChildPath(iteration, item, child), content.Properties{
					Name:      content.String(TestName),
					Iteration: content.Int(iteration),
					Item:      content.Int(item),
					Child:     content.Int(child),
				}); err != nil {
					return nodes, err
				}
			}
			log.Infof("Saving at item %d of iteration %d...", item, iteration)
			if err := commit(); err != nil {
				return nodes, errors.Wrapf(err, "saving item %d of iteration %d", item, iteration)
			}
		}
	}

	if err := commit(); err != nil {
		return nodes, errors.Wrap(err, "saving test content")
	}
	return nodes, nil
}

// create adds a node and then sets its properties, the way content is
// authored through a resource API
func (s *Seeder) create(ctx context.Context, batch content.Batch, path string, props content.Properties) error {
	if err := batch.CreateNode(ctx, &content.Node{Path: path, PrimaryType: content.NodeTypeContent}); err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if err := batch.SetProperties(ctx, path, props); err != nil {
		return errors.Wrapf(err, "setting properties on %s", path)
	}
	return nil
}

func (s *Seeder) setupUsersAndGroups(ctx context.Context) error {
	log.Info("Setting up users and groups...")
	if err := ignoreExists(s.repo.CreateUser(ctx, LimitedUser, LimitedUser)); err != nil {
		return errors.Wrap(err, "creating limited user")
	}
	if err := ignoreExists(s.repo.CreateGroup(ctx, LimitedGroup)); err != nil {
		return errors.Wrap(err, "creating limited group")
	}
	if err := s.repo.AddMember(ctx, LimitedGroup, LimitedUser); err != nil {
		return errors.Wrap(err, "adding limited user to group")
	}

	entries := []content.AccessControlEntry{
		{Path: s.layout.Root, Principal: LimitedGroup, Privileges: []string{content.PrivilegeAll}, Allow: false},
		{Path: s.layout.IterationPath(s.layout.Iterations), Principal: LimitedUser, Privileges: []string{content.PrivilegeAll}, Allow: true},
	}
	for _, ace := range entries {
		if err := s.repo.AddAccessControlEntry(ctx, ace); err != nil {
			return errors.Wrapf(err, "adding access control entry on %s", ace.Path)
		}
	}
	return nil
}

func ignoreExists(err error) error {
	if errors.Is(err, content.ErrExists) {
		return nil
	}
	return err
}
