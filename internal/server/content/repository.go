package content

import (
	"context"
	"errors"
	"time"

	"github.com/systemshift/oaksearch/internal/server/events"
)

// Sentinel errors shared by every backend
var (
	ErrNotFound     = errors.New("not found")
	ErrExists       = errors.New("already exists")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnsupported  = errors.New("not supported by backend")
)

// Repository defines the interface for content storage backends.
// SQLite, PostgreSQL and Neo4j implement this interface.
type Repository interface {
	// Lifecycle
	Close(ctx context.Context) error
	EnsureSchema(ctx context.Context) error
	SetEventEmitter(emitter events.Emitter)
	RegisterNodeType(ctx context.Context, def NodeTypeDefinition) error

	// Node operations
	NodeExists(ctx context.Context, path string) (bool, error)
	GetNode(ctx context.Context, path string) (*Node, error)
	Begin(ctx context.Context) (Batch, error)

	// Query operations, in the backend's native query language
	Explain(ctx context.Context, query string) (*Plan, error)
	Query(ctx context.Context, query string) (Cursor, error)

	// Index definitions
	SaveIndexDefinition(ctx context.Context, def *IndexDefinition) error
	GetIndexDefinition(ctx context.Context, name string) (*IndexDefinition, error)
	ListIndexDefinitions(ctx context.Context) ([]*IndexDefinition, error)
	RemoveIndexDefinition(ctx context.Context, name string) error
	Reindex(ctx context.Context, name string) error
	FailReindex(ctx context.Context, name, reason string) error

	// Principals and access control
	EnsureAdmin(ctx context.Context, id, password string) error
	CreateUser(ctx context.Context, id, password string) error
	CreateGroup(ctx context.Context, id string) error
	AddMember(ctx context.Context, groupID, memberID string) error
	GetPrincipal(ctx context.Context, id string) (*Principal, error)
	Authenticate(ctx context.Context, id, password string) (*Principal, error)
	AddAccessControlEntry(ctx context.Context, ace AccessControlEntry) error
	AccessControlEntries(ctx context.Context) ([]AccessControlEntry, error)
	Memberships(ctx context.Context) ([]Membership, error)

	// Fixture bookkeeping
	FixtureState(ctx context.Context, name string) (*FixtureState, error)
	MarkFixtureComplete(ctx context.Context, name string) error
}

// Batch collects node writes until Commit. Nothing is visible to other
// callers before Commit returns.
type Batch interface {
	CreateNode(ctx context.Context, node *Node) error
	SetProperties(ctx context.Context, path string, props Properties) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Len() int
}

// Cursor walks the paths returned by a query
type Cursor interface {
	Next(ctx context.Context) bool
	Path() string
	Err() error
	Close(ctx context.Context) error
}

// Plan is the backend's explanation of how it will execute a query
type Plan struct {
	Text string
	// Traversal reports whether the backend chose to scan instead of using an index
	Traversal bool
}

// NodeTypeDefinition declares a node type and the properties its nodes may carry
type NodeTypeDefinition struct {
	Name       string   `json:"name"`
	Properties []string `json:"properties"`
}

// PrincipalKind distinguishes users from groups
type PrincipalKind string

const (
	UserPrincipal  PrincipalKind = "user"
	GroupPrincipal PrincipalKind = "group"
)

// AnonymousID is the principal used for unauthenticated requests
const AnonymousID = "anonymous"

// Principal is a user or group known to the repository
type Principal struct {
	ID    string        `json:"id"`
	Kind  PrincipalKind `json:"kind"`
	Admin bool          `json:"admin"`
}

// Anonymous returns the principal used for unauthenticated requests
func Anonymous() *Principal {
	return &Principal{ID: AnonymousID, Kind: UserPrincipal}
}

// Membership links a member principal to a group
type Membership struct {
	Group  string `json:"group"`
	Member string `json:"member"`
}

// AccessControlEntry grants or denies privileges on a path subtree
type AccessControlEntry struct {
	Path       string   `json:"path"`
	Principal  string   `json:"principal"`
	Privileges []string `json:"privileges"`
	Allow      bool     `json:"allow"`
}

// FixtureState records whether a named fixture finished seeding
type FixtureState struct {
	Name        string    `json:"name"`
	Complete    bool      `json:"complete"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}
