// Package access evaluates path based access control entries with casbin.
//
// Every entry becomes two policies, one for the path itself and one for its
// subtree. Policies are prioritised so that deeper paths win, and at equal
// depth user entries win over group entries. Anything not matched is denied.
package access

import (
	"context"
	_ "embed"
	"strconv"
	"sync"

	"github.com/casbin/casbin/v3"
	"github.com/casbin/casbin/v3/model"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/systemshift/oaksearch/internal/server/content"
	"github.com/systemshift/oaksearch/internal/server/events"
)

//go:embed model.conf
var modelText string

// Actions checked by the enforcer
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// maxDepth bounds path depth for priority calculation
const maxDepth = 1000

// PolicySource supplies the entries and memberships policies are built from
type PolicySource interface {
	AccessControlEntries(ctx context.Context) ([]content.AccessControlEntry, error)
	Memberships(ctx context.Context) ([]content.Membership, error)
	GetPrincipal(ctx context.Context, id string) (*content.Principal, error)
}

// Authorizer answers access questions for principals
type Authorizer struct {
	source   PolicySource
	mu       sync.RWMutex
	enforcer *casbin.Enforcer
}

// NewAuthorizer builds an authorizer and loads the current policies
func NewAuthorizer(ctx context.Context, source PolicySource) (*Authorizer, error) {
	a := &Authorizer{source: source}
	if err := a.Reload(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload rebuilds the enforcer from the policy source
func (a *Authorizer) Reload(ctx context.Context) error {
	entries, err := a.source.AccessControlEntries(ctx)
	if err != nil {
		return errors.Wrap(err, "loading access control entries")
	}
	memberships, err := a.source.Memberships(ctx)
	if err != nil {
		return errors.Wrap(err, "loading memberships")
	}

	kinds := make(map[string]content.PrincipalKind)
	var policies, groupings [][]string
	for _, ace := range entries {
		kind, ok := kinds[ace.Principal]
		if !ok {
			p, err := a.source.GetPrincipal(ctx, ace.Principal)
			if err != nil {
				return errors.Wrapf(err, "resolving principal %s", ace.Principal)
			}
			kind = p.Kind
			kinds[ace.Principal] = kind
		}
		policies = append(policies, policyRules(ace, kind)...)
	}
	for _, m := range memberships {
		groupings = append(groupings, []string{m.Member, m.Group})
	}

	enforcer, err := buildEnforcer(policies, groupings)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.enforcer = enforcer
	a.mu.Unlock()

	log.WithFields(log.Fields{
		"entries":     len(entries),
		"memberships": len(memberships),
	}).Debug("Access control policies loaded")
	return nil
}

// policyRules expands one entry into prioritised casbin policies
func policyRules(ace content.AccessControlEntry, kind content.PrincipalKind) [][]string {
	priority := (maxDepth - content.Depth(ace.Path)) * 2
	if kind == content.GroupPrincipal {
		priority++
	}
	effect := "deny"
	if ace.Allow {
		effect = "allow"
	}

	subtree := ace.Path + "/*"
	if ace.Path == "/" {
		subtree = "/*"
	}

	var rules [][]string
	for _, action := range actionsFor(ace.Privileges) {
		for _, obj := range []string{ace.Path, subtree} {
			rules = append(rules, []string{strconv.Itoa(priority), ace.Principal, obj, action, effect})
		}
	}
	return rules
}

// actionsFor maps repository privileges to enforcer actions
func actionsFor(privileges []string) []string {
	seen := make(map[string]bool)
	var actions []string
	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			actions = append(actions, a)
		}
	}
	for _, p := range privileges {
		switch p {
		case content.PrivilegeAll:
			add(ActionRead)
			add(ActionWrite)
		case content.PrivilegeRead:
			add(ActionRead)
		case content.PrivilegeWrite:
			add(ActionWrite)
		default:
			add(p)
		}
	}
	return actions
}

// buildEnforcer loads the rules into a fresh model. The priority effect
// needs policies sorted before the first Enforce.
func buildEnforcer(policies, groupings [][]string) (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, errors.Wrap(err, "parsing access model")
	}
	if err := m.AddPolicies("p", "p", policies); err != nil {
		return nil, errors.Wrap(err, "adding policies")
	}
	if err := m.AddPolicies("g", "g", groupings); err != nil {
		return nil, errors.Wrap(err, "adding memberships")
	}
	if err := m.SortPoliciesByPriority(); err != nil {
		return nil, errors.Wrap(err, "sorting policies")
	}

	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, errors.Wrap(err, "creating enforcer")
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, errors.Wrap(err, "building memberships")
	}
	return enforcer, nil
}

// Enforce reports whether principal may perform action on path
func (a *Authorizer) Enforce(principal *content.Principal, path, action string) (bool, error) {
	if principal == nil {
		return false, nil
	}
	if principal.Admin {
		return true, nil
	}
	if principal.ID == content.AnonymousID {
		return false, nil
	}

	a.mu.RLock()
	enforcer := a.enforcer
	a.mu.RUnlock()

	ok, err := enforcer.Enforce(principal.ID, path, action)
	if err != nil {
		return false, errors.Wrapf(err, "enforcing %s on %s for %s", action, path, principal.ID)
	}
	return ok, nil
}

// Session binds a principal to the authorizer
func (a *Authorizer) Session(principal *content.Principal) *Session {
	return &Session{Principal: principal, authorizer: a}
}

// Listener reloads policies whenever principals or entries change
func (a *Authorizer) Listener() events.Listener {
	return func(e events.Event) {
		if err := a.Reload(context.Background()); err != nil {
			log.WithError(err).WithField("event", e.Type).Error("Failed to reload access control policies")
		}
	}
}

// Session is a principal's view of the repository
type Session struct {
	Principal  *content.Principal
	authorizer *Authorizer
}

// Unrestricted reports whether the session sees the whole repository
func (s *Session) Unrestricted() bool {
	return s.Principal != nil && s.Principal.Admin
}

// CanRead reports whether the session's principal may read path. Errors deny.
func (s *Session) CanRead(path string) bool {
	ok, err := s.authorizer.Enforce(s.Principal, path, ActionRead)
	if err != nil {
		log.WithError(err).Warn("Access check failed")
		return false
	}
	return ok
}

// CanWrite reports whether the session's principal may write path. Errors deny.
func (s *Session) CanWrite(path string) bool {
	ok, err := s.authorizer.Enforce(s.Principal, path, ActionWrite)
	if err != nil {
		log.WithError(err).Warn("Access check failed")
		return false
	}
	return ok
}
