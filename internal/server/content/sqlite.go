package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/systemshift/oaksearch/internal/server/events"
)

// SQLiteConfig holds SQLite connection configuration
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// SQLiteRepository implements Repository using SQLite
type SQLiteRepository struct {
	db *sql.DB
	// readDB runs caller supplied queries on connections opened read only
	readDB       *sql.DB
	ddlMu        sync.Mutex
	eventEmitter events.Emitter
}

// NewSQLite creates a new SQLite repository
func NewSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", sqliteDSN(cfg.Path, allPragmas()...))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// Verify connectivity
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}

	repo := &SQLiteRepository{db: db, readDB: db}

	// Every connection to an in-memory database is a separate database
	if isMemoryPath(cfg.Path) {
		db.SetMaxOpenConns(1)
		return repo, nil
	}

	readDB, err := sql.Open("sqlite", readOnlyDSN(cfg.Path, pragmaBusyTimeout, pragmaQueryOnly))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening sqlite read pool: %w", err)
	}
	repo.readDB = readDB
	return repo, nil
}

// Close closes the SQLite connections
func (r *SQLiteRepository) Close(ctx context.Context) error {
	if r.readDB != r.db {
		if err := r.readDB.Close(); err != nil {
			r.db.Close()
			return err
		}
	}
	return r.db.Close()
}

// SetEventEmitter sets the callback for emitting events
func (r *SQLiteRepository) SetEventEmitter(emitter events.Emitter) {
	r.eventEmitter = emitter
}

// emit sends an event to the event manager if one is registered
func (r *SQLiteRepository) emit(event events.Event) {
	if r.eventEmitter != nil {
		r.eventEmitter(event)
	}
}

// EnsureSchema creates the tables and the default node type index
func (r *SQLiteRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range allSchemaStatements() {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return ensureDefaultIndex(ctx, r)
}

// RegisterNodeType records a node type and (re)creates its view
func (r *SQLiteRepository) RegisterNodeType(ctx context.Context, def NodeTypeDefinition) error {
	stmts, err := nodeTypeViewStatements(def)
	if err != nil {
		return err
	}

	r.ddlMu.Lock()
	defer r.ddlMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO node_types (name, properties, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET properties = excluded.properties
	`, def.Name, strings.Join(def.Properties, ","), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("registering node type: %w", err)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating node type view: %w", err)
		}
	}
	return tx.Commit()
}

// NodeExists checks whether a node is stored at path
func (r *SQLiteRepository) NodeExists(ctx context.Context, path string) (bool, error) {
	if path == "/" {
		return true, nil
	}
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE path = ?`, path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking node: %w", err)
	}
	return true, nil
}

// GetNode retrieves a node by path
func (r *SQLiteRepository) GetNode(ctx context.Context, path string) (*Node, error) {
	var (
		node      Node
		name      sql.NullString
		iteration sql.NullInt64
		item      sql.NullInt64
		child     sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT path, primary_type, test_name, test_iteration, test_item, test_child
		FROM nodes WHERE path = ?
	`, path).Scan(&node.Path, &node.PrimaryType, &name, &iteration, &item, &child)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting node: %w", err)
	}
	node.Properties = Properties{
		Name:      stringPtr(name),
		Iteration: intPtr(iteration),
		Item:      intPtr(item),
		Child:     intPtr(child),
	}
	return &node, nil
}

// Begin starts a batch of node writes
func (r *SQLiteRepository) Begin(ctx context.Context) (Batch, error) {
	return newPendingBatch(r.NodeExists, r.flush, r.emit), nil
}

func (r *SQLiteRepository) flush(ctx context.Context, creates []*Node, updates []propertyUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if len(creates) > 0 {
		insert, err := tx.PrepareContext(ctx, `
			INSERT INTO nodes (path, parent, name, depth, primary_type, test_name, test_iteration, test_item, test_child, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer insert.Close()

		now := time.Now().UTC().Format(time.RFC3339)
		for _, n := range creates {
			_, err := insert.ExecContext(ctx,
				n.Path, n.Parent(), n.Name(), Depth(n.Path), n.PrimaryType,
				nullString(n.Properties.Name),
				nullInt(n.Properties.Iteration),
				nullInt(n.Properties.Item),
				nullInt(n.Properties.Child),
				now,
			)
			if err != nil {
				return fmt.Errorf("inserting node %s: %w", n.Path, err)
			}
		}
	}

	for _, u := range updates {
		_, err := tx.ExecContext(ctx, `
			UPDATE nodes SET
				test_name = COALESCE(?, test_name),
				test_iteration = COALESCE(?, test_iteration),
				test_item = COALESCE(?, test_item),
				test_child = COALESCE(?, test_child)
			WHERE path = ?
		`, nullString(u.Properties.Name), nullInt(u.Properties.Iteration),
			nullInt(u.Properties.Item), nullInt(u.Properties.Child), u.Path)
		if err != nil {
			return fmt.Errorf("updating node %s: %w", u.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing nodes: %w", err)
	}
	return nil
}

// Explain returns the rendered EXPLAIN QUERY PLAN output for query
func (r *SQLiteRepository) Explain(ctx context.Context, query string) (*Plan, error) {
	if err := CheckSQLQuery(query); err != nil {
		return nil, err
	}
	rows, err := r.readDB.QueryContext(ctx, "EXPLAIN QUERY PLAN "+query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []planStep
	for rows.Next() {
		var s planStep
		var notused int
		if err := rows.Scan(&s.ID, &s.Parent, &notused, &s.Detail); err != nil {
			return nil, fmt.Errorf("scanning plan: %w", err)
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return renderSQLitePlan(steps), nil
}

// Query runs a caller supplied query on a read only connection
func (r *SQLiteRepository) Query(ctx context.Context, query string) (Cursor, error) {
	if err := CheckSQLQuery(query); err != nil {
		return nil, err
	}
	rows, err := r.readDB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return newSQLCursor(rows)
}

// SaveIndexDefinition stores a definition and marks it for reindexing.
// Backend indexes of a replaced definition are dropped.
func (r *SQLiteRepository) SaveIndexDefinition(ctx context.Context, def *IndexDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.ddlMu.Lock()
	defer r.ddlMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := r.getIndexDefinition(ctx, tx, def.Name)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	default:
		for _, stmt := range sqlIndexStatements(existing) {
			if _, err := tx.ExecContext(ctx, dropIndexStatement(stmt.Name)); err != nil {
				return fmt.Errorf("dropping index %s: %w", stmt.Name, err)
			}
		}
		def.ReindexCount = existing.ReindexCount
	}
	def.Reindex = true
	def.ReindexError = ""

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshaling index definition: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO index_definitions (name, definition, reindex, reindex_count, modified_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			definition = excluded.definition,
			reindex = 1,
			modified_at = excluded.modified_at
	`, def.Name, string(data), def.ReindexCount, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving index definition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing index definition: %w", err)
	}

	ev := events.New(events.EventIndexSaved)
	ev.Index = def.Name
	r.emit(ev)
	return nil
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SQLiteRepository) getIndexDefinition(ctx context.Context, q sqlQueryer, name string) (*IndexDefinition, error) {
	var (
		data         string
		reindex      bool
		reindexCount int
	)
	err := q.QueryRowContext(ctx, `
		SELECT definition, reindex, reindex_count FROM index_definitions WHERE name = ?
	`, name).Scan(&data, &reindex, &reindexCount)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("index %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting index definition: %w", err)
	}

	var def IndexDefinition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("unmarshaling index definition: %w", err)
	}
	def.Reindex = reindex
	def.ReindexCount = reindexCount
	return &def, nil
}

// GetIndexDefinition retrieves an index definition by name
func (r *SQLiteRepository) GetIndexDefinition(ctx context.Context, name string) (*IndexDefinition, error) {
	return r.getIndexDefinition(ctx, r.db, name)
}

// ListIndexDefinitions returns every index definition sorted by name
func (r *SQLiteRepository) ListIndexDefinitions(ctx context.Context) ([]*IndexDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT definition, reindex, reindex_count FROM index_definitions ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("listing index definitions: %w", err)
	}
	defer rows.Close()

	var defs []*IndexDefinition
	for rows.Next() {
		var (
			data string
			def  IndexDefinition
		)
		if err := rows.Scan(&data, &def.Reindex, &def.ReindexCount); err != nil {
			return nil, fmt.Errorf("scanning index definition: %w", err)
		}
		reindex, count := def.Reindex, def.ReindexCount
		if err := json.Unmarshal([]byte(data), &def); err != nil {
			return nil, fmt.Errorf("unmarshaling index definition: %w", err)
		}
		def.Reindex, def.ReindexCount = reindex, count
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// RemoveIndexDefinition drops the backend indexes and deletes the definition
func (r *SQLiteRepository) RemoveIndexDefinition(ctx context.Context, name string) error {
	r.ddlMu.Lock()
	defer r.ddlMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	def, err := r.getIndexDefinition(ctx, tx, name)
	if err != nil {
		return err
	}
	for _, stmt := range sqlIndexStatements(def) {
		if _, err := tx.ExecContext(ctx, dropIndexStatement(stmt.Name)); err != nil {
			return fmt.Errorf("dropping index %s: %w", stmt.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM index_definitions WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting index definition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing index removal: %w", err)
	}

	ev := events.New(events.EventIndexRemoved)
	ev.Index = name
	r.emit(ev)
	return nil
}

// Reindex drops and recreates the backend indexes of a definition and
// refreshes planner statistics
func (r *SQLiteRepository) Reindex(ctx context.Context, name string) error {
	r.ddlMu.Lock()
	defer r.ddlMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	def, err := r.getIndexDefinition(ctx, tx, name)
	if err != nil {
		return err
	}
	stmts := sqlIndexStatements(def)
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, dropIndexStatement(stmt.Name)); err != nil {
			return fmt.Errorf("dropping index %s: %w", stmt.Name, err)
		}
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt.Create); err != nil {
			return fmt.Errorf("creating index %s: %w", stmt.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `ANALYZE`); err != nil {
		return fmt.Errorf("analyzing: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE index_definitions SET reindex = 0, reindex_count = reindex_count + 1,
			definition = json_remove(definition, '$.reindexError'), modified_at = ?
		WHERE name = ?
	`, time.Now().UTC().Format(time.RFC3339), name)
	if err != nil {
		return fmt.Errorf("updating index definition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing reindex: %w", err)
	}

	ev := events.New(events.EventIndexReindexed)
	ev.Index = name
	ev.Count = len(stmts)
	r.emit(ev)
	return nil
}

// FailReindex clears the reindex flag of a definition and records reason
func (r *SQLiteRepository) FailReindex(ctx context.Context, name, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE index_definitions SET reindex = 0,
			definition = json_set(definition, '$.reindexError', ?), modified_at = ?
		WHERE name = ?
	`, reason, time.Now().UTC().Format(time.RFC3339), name)
	if err != nil {
		return fmt.Errorf("recording reindex failure: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("index %s: %w", name, ErrNotFound)
	}
	return nil
}

// EnsureAdmin creates or refreshes the administrative user
func (r *SQLiteRepository) EnsureAdmin(ctx context.Context, id, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO principals (id, kind, password_hash, admin, created_at) VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET password_hash = excluded.password_hash, admin = 1
	`, id, string(UserPrincipal), hash, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("ensuring admin: %w", err)
	}
	return nil
}

// CreateUser creates a user with a bcrypt hashed password
func (r *SQLiteRepository) CreateUser(ctx context.Context, id, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	return r.createPrincipal(ctx, id, UserPrincipal, hash)
}

// CreateGroup creates a group
func (r *SQLiteRepository) CreateGroup(ctx context.Context, id string) error {
	return r.createPrincipal(ctx, id, GroupPrincipal, "")
}

func (r *SQLiteRepository) createPrincipal(ctx context.Context, id string, kind PrincipalKind, hash string) error {
	if id == "" || id == AnonymousID {
		return fmt.Errorf("invalid principal id %q", id)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO principals (id, kind, password_hash, admin, created_at) VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, string(kind), hash, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("creating %s: %w", kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("principal %s: %w", id, ErrExists)
	}

	ev := events.New(events.EventPrincipalCreated)
	ev.Meta = map[string]interface{}{"id": id, "kind": string(kind)}
	r.emit(ev)
	return nil
}

// AddMember adds a principal to a group
func (r *SQLiteRepository) AddMember(ctx context.Context, groupID, memberID string) error {
	group, err := r.GetPrincipal(ctx, groupID)
	if err != nil {
		return err
	}
	if group.Kind != GroupPrincipal {
		return fmt.Errorf("principal %s is not a group", groupID)
	}
	if _, err := r.GetPrincipal(ctx, memberID); err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO memberships (group_id, member_id) VALUES (?, ?)
		ON CONFLICT(group_id, member_id) DO NOTHING
	`, groupID, memberID)
	if err != nil {
		return fmt.Errorf("adding member: %w", err)
	}

	ev := events.New(events.EventACLChanged)
	ev.Meta = map[string]interface{}{"group": groupID, "member": memberID}
	r.emit(ev)
	return nil
}

// GetPrincipal retrieves a principal by id
func (r *SQLiteRepository) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	var (
		p    Principal
		kind string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, kind, admin FROM principals WHERE id = ?
	`, id).Scan(&p.ID, &kind, &p.Admin)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("principal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting principal: %w", err)
	}
	p.Kind = PrincipalKind(kind)
	return &p, nil
}

// Authenticate checks a user's password
func (r *SQLiteRepository) Authenticate(ctx context.Context, id, password string) (*Principal, error) {
	var (
		p    Principal
		kind string
		hash sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, kind, password_hash, admin FROM principals WHERE id = ?
	`, id).Scan(&p.ID, &kind, &hash, &p.Admin)
	if err == sql.ErrNoRows {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("authenticating: %w", err)
	}
	p.Kind = PrincipalKind(kind)
	if p.Kind != UserPrincipal || !checkPassword(hash.String, password) {
		return nil, ErrUnauthorized
	}
	return &p, nil
}

// AddAccessControlEntry grants or denies privileges to a principal on a path
func (r *SQLiteRepository) AddAccessControlEntry(ctx context.Context, ace AccessControlEntry) error {
	if err := validateACE(ace); err != nil {
		return err
	}
	if _, err := r.GetPrincipal(ctx, ace.Principal); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO access_control_entries (path, principal, privileges, allow, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path, principal, privileges, allow) DO NOTHING
	`, ace.Path, ace.Principal, joinPrivileges(ace.Privileges), ace.Allow, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("adding access control entry: %w", err)
	}

	ev := events.New(events.EventACLChanged)
	ev.Path = ace.Path
	ev.Meta = map[string]interface{}{"principal": ace.Principal, "allow": ace.Allow}
	r.emit(ev)
	return nil
}

// AccessControlEntries returns every entry in creation order
func (r *SQLiteRepository) AccessControlEntries(ctx context.Context) ([]AccessControlEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT path, principal, privileges, allow FROM access_control_entries ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing access control entries: %w", err)
	}
	defer rows.Close()

	var entries []AccessControlEntry
	for rows.Next() {
		var (
			ace        AccessControlEntry
			privileges string
		)
		if err := rows.Scan(&ace.Path, &ace.Principal, &privileges, &ace.Allow); err != nil {
			return nil, fmt.Errorf("scanning access control entry: %w", err)
		}
		ace.Privileges = splitPrivileges(privileges)
		entries = append(entries, ace)
	}
	return entries, rows.Err()
}

// Memberships returns every group membership
func (r *SQLiteRepository) Memberships(ctx context.Context) ([]Membership, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT group_id, member_id FROM memberships ORDER BY group_id, member_id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	defer rows.Close()

	var memberships []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.Group, &m.Member); err != nil {
			return nil, fmt.Errorf("scanning membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

// FixtureState reports whether a fixture completed
func (r *SQLiteRepository) FixtureState(ctx context.Context, name string) (*FixtureState, error) {
	state := &FixtureState{Name: name}
	var completedAt string
	err := r.db.QueryRowContext(ctx, `
		SELECT completed_at FROM fixtures WHERE name = ?
	`, name).Scan(&completedAt)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting fixture state: %w", err)
	}
	state.Complete = true
	state.CompletedAt, _ = time.Parse(time.RFC3339, completedAt)
	return state, nil
}

// MarkFixtureComplete records that a fixture finished
func (r *SQLiteRepository) MarkFixtureComplete(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO fixtures (name, completed_at) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("marking fixture complete: %w", err)
	}

	ev := events.New(events.EventFixtureCompleted)
	ev.Fixture = name
	r.emit(ev)
	return nil
}
