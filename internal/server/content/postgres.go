package content

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/systemshift/oaksearch/internal/server/events"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresConfig holds PostgreSQL connection configuration. Connection
// takes libpq keywords: host, port, user, password, dbname, sslmode...
type PostgresConfig struct {
	Connection map[string]string `mapstructure:"connection"`
	MaxConns   int32             `mapstructure:"maxConns" validate:"gte=0"`
}

// URL renders the connection keywords as a postgres:// URL
func (c PostgresConfig) URL() string {
	values := make(map[string]string, len(c.Connection))
	for k, v := range c.Connection {
		values[k] = v
	}
	take := func(key, def string) string {
		v, ok := values[key]
		delete(values, key)
		if !ok || v == "" {
			return def
		}
		return v
	}

	u := url.URL{Scheme: "postgres"}
	host := take("host", "localhost")
	port := take("port", "5432")
	u.Host = net.JoinHostPort(host, port)
	user := take("user", "postgres")
	if password := take("password", ""); password != "" {
		u.User = url.UserPassword(user, password)
	} else {
		u.User = url.User(user)
	}
	u.Path = "/" + take("dbname", "postgres")

	q := url.Values{}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, values[k])
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool         *pgxpool.Pool
	ddlMu        sync.Mutex
	eventEmitter events.Emitter
}

// NewPostgres connects to PostgreSQL and applies the embedded migrations
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	dsn := cfg.URL()

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := migratePostgres(dsn); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresRepository{pool: pool}, nil
}

func migratePostgres(dsn string) error {
	source, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (r *PostgresRepository) Close(ctx context.Context) error {
	r.pool.Close()
	return nil
}

// SetEventEmitter sets the callback for emitting events
func (r *PostgresRepository) SetEventEmitter(emitter events.Emitter) {
	r.eventEmitter = emitter
}

func (r *PostgresRepository) emit(event events.Event) {
	if r.eventEmitter != nil {
		r.eventEmitter(event)
	}
}

// EnsureSchema creates the default node type index. Tables come from migrations.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	return ensureDefaultIndex(ctx, r)
}

// RegisterNodeType records a node type and (re)creates its view
func (r *PostgresRepository) RegisterNodeType(ctx context.Context, def NodeTypeDefinition) error {
	stmts, err := nodeTypeViewStatements(def)
	if err != nil {
		return err
	}

	r.ddlMu.Lock()
	defer r.ddlMu.Unlock()

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO node_types (name, properties) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET properties = excluded.properties
		`, def.Name, strings.Join(def.Properties, ","))
		if err != nil {
			return fmt.Errorf("registering node type: %w", err)
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("creating node type view: %w", err)
			}
		}
		return nil
	})
}

// NodeExists checks whether a node is stored at path
func (r *PostgresRepository) NodeExists(ctx context.Context, path string) (bool, error) {
	if path == "/" {
		return true, nil
	}
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM nodes WHERE path = $1)`, path).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking node: %w", err)
	}
	return exists, nil
}

// GetNode retrieves a node by path
func (r *PostgresRepository) GetNode(ctx context.Context, path string) (*Node, error) {
	var node Node
	err := r.pool.QueryRow(ctx, `
		SELECT path, primary_type, test_name, test_iteration, test_item, test_child
		FROM nodes WHERE path = $1
	`, path).Scan(&node.Path, &node.PrimaryType,
		&node.Properties.Name, &node.Properties.Iteration,
		&node.Properties.Item, &node.Properties.Child)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting node: %w", err)
	}
	return &node, nil
}

// Begin starts a batch of node writes
func (r *PostgresRepository) Begin(ctx context.Context) (Batch, error) {
	return newPendingBatch(r.NodeExists, r.flush, r.emit), nil
}

func (r *PostgresRepository) flush(ctx context.Context, creates []*Node, updates []propertyUpdate) error {
	b := &pgx.Batch{}
	for _, n := range creates {
		b.Queue(`
			INSERT INTO nodes (path, parent, name, depth, primary_type, test_name, test_iteration, test_item, test_child)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (path) DO NOTHING
		`, n.Path, n.Parent(), n.Name(), Depth(n.Path), n.PrimaryType,
			nullString(n.Properties.Name), nullInt(n.Properties.Iteration),
			nullInt(n.Properties.Item), nullInt(n.Properties.Child))
	}
	for _, u := range updates {
		b.Queue(`
			UPDATE nodes SET
				test_name = COALESCE($1, test_name),
				test_iteration = COALESCE($2, test_iteration),
				test_item = COALESCE($3, test_item),
				test_child = COALESCE($4, test_child)
			WHERE path = $5
		`, nullString(u.Properties.Name), nullInt(u.Properties.Iteration),
			nullInt(u.Properties.Item), nullInt(u.Properties.Child), u.Path)
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, b).Close()
	})
	if err != nil {
		return fmt.Errorf("committing nodes: %w", err)
	}
	return nil
}

// Explain returns the EXPLAIN output for query, one plan row per line
func (r *PostgresRepository) Explain(ctx context.Context, query string) (*Plan, error) {
	if err := CheckSQLQuery(query); err != nil {
		return nil, err
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("beginning read transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, "EXPLAIN "+query)
	if err != nil {
		return nil, err
	}
	lines, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	plan := &Plan{Text: strings.Join(lines, "\n")}
	for _, line := range lines {
		if strings.Contains(line, "Seq Scan") {
			plan.Traversal = true
			break
		}
	}
	return plan, nil
}

// Query runs a caller supplied query in a read only transaction
func (r *PostgresRepository) Query(ctx context.Context, query string) (Cursor, error) {
	if err := CheckSQLQuery(query); err != nil {
		return nil, err
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("beginning read transaction: %w", err)
	}
	rows, err := tx.Query(ctx, query)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}

	fields := rows.FieldDescriptions()
	if len(fields) == 0 {
		rows.Close()
		tx.Rollback(ctx)
		return nil, fmt.Errorf("query returns no columns")
	}
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}
	return &pgCursor{tx: tx, rows: rows, pathCol: pathColumn(cols)}, nil
}

// pgCursor adapts pgx rows to a Cursor
type pgCursor struct {
	tx      pgx.Tx
	rows    pgx.Rows
	pathCol int
	path    string
	err     error
}

func (c *pgCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}
	values, err := c.rows.Values()
	if err != nil {
		c.err = fmt.Errorf("reading row: %w", err)
		return false
	}
	c.path = stringValue(values[c.pathCol])
	return true
}

func (c *pgCursor) Path() string { return c.path }

func (c *pgCursor) Err() error { return c.err }

func (c *pgCursor) Close(ctx context.Context) error {
	c.rows.Close()
	return c.tx.Rollback(ctx)
}

// SaveIndexDefinition stores a definition and marks it for reindexing.
// Backend indexes of a replaced definition are dropped.
func (r *PostgresRepository) SaveIndexDefinition(ctx context.Context, def *IndexDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.ddlMu.Lock()
	defer r.ddlMu.Unlock()

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		existing, err := r.getIndexDefinition(ctx, tx, def.Name)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			for _, stmt := range sqlIndexStatements(existing) {
				if _, err := tx.Exec(ctx, dropIndexStatement(stmt.Name)); err != nil {
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
		_, err = tx.Exec(ctx, `
			INSERT INTO index_definitions (name, definition, reindex, reindex_count, modified_at)
			VALUES ($1, $2, TRUE, $3, now())
			ON CONFLICT (name) DO UPDATE SET
				definition = excluded.definition,
				reindex = TRUE,
				modified_at = now()
		`, def.Name, data, def.ReindexCount)
		if err != nil {
			return fmt.Errorf("saving index definition: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	ev := events.New(events.EventIndexSaved)
	ev.Index = def.Name
	r.emit(ev)
	return nil
}

type pgQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresRepository) getIndexDefinition(ctx context.Context, q pgQueryer, name string) (*IndexDefinition, error) {
	var (
		data         []byte
		reindex      bool
		reindexCount int
	)
	err := q.QueryRow(ctx, `
		SELECT definition, reindex, reindex_count FROM index_definitions WHERE name = $1
	`, name).Scan(&data, &reindex, &reindexCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("index %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting index definition: %w", err)
	}

	var def IndexDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshaling index definition: %w", err)
	}
	def.Reindex = reindex
	def.ReindexCount = reindexCount
	return &def, nil
}

// GetIndexDefinition retrieves an index definition by name
func (r *PostgresRepository) GetIndexDefinition(ctx context.Context, name string) (*IndexDefinition, error) {
	return r.getIndexDefinition(ctx, r.pool, name)
}

// ListIndexDefinitions returns every index definition sorted by name
func (r *PostgresRepository) ListIndexDefinitions(ctx context.Context) ([]*IndexDefinition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT definition, reindex, reindex_count FROM index_definitions ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("listing index definitions: %w", err)
	}
	defer rows.Close()

	var defs []*IndexDefinition
	for rows.Next() {
		var (
			data         []byte
			reindex      bool
			reindexCount int
			def          IndexDefinition
		)
		if err := rows.Scan(&data, &reindex, &reindexCount); err != nil {
			return nil, fmt.Errorf("scanning index definition: %w", err)
		}
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("unmarshaling index definition: %w", err)
		}
		def.Reindex, def.ReindexCount = reindex, reindexCount
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// RemoveIndexDefinition drops the backend indexes and deletes the definition
func (r *PostgresRepository) RemoveIndexDefinition(ctx context.Context, name string) error {
	r.ddlMu.Lock()
	defer r.ddlMu.Unlock()

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		def, err := r.getIndexDefinition(ctx, tx, name)
		if err != nil {
			return err
		}
		for _, stmt := range sqlIndexStatements(def) {
			if _, err := tx.Exec(ctx, dropIndexStatement(stmt.Name)); err != nil {
				return fmt.Errorf("dropping index %s: %w", stmt.Name, err)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM index_definitions WHERE name = $1`, name); err != nil {
			return fmt.Errorf("deleting index definition: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	ev := events.New(events.EventIndexRemoved)
	ev.Index = name
	r.emit(ev)
	return nil
}

// Reindex drops and recreates the backend indexes of a definition and
// refreshes planner statistics
func (r *PostgresRepository) Reindex(ctx context.Context, name string) error {
	r.ddlMu.Lock()
	defer r.ddlMu.Unlock()

	var count int
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		def, err := r.getIndexDefinition(ctx, tx, name)
		if err != nil {
			return err
		}
		stmts := sqlIndexStatements(def)
		count = len(stmts)
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, dropIndexStatement(stmt.Name)); err != nil {
				return fmt.Errorf("dropping index %s: %w", stmt.Name, err)
			}
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt.Create); err != nil {
				return fmt.Errorf("creating index %s: %w", stmt.Name, err)
			}
		}
		if _, err := tx.Exec(ctx, `ANALYZE nodes`); err != nil {
			return fmt.Errorf("analyzing: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE index_definitions SET reindex = FALSE, reindex_count = reindex_count + 1,
				definition = definition - 'reindexError', modified_at = now()
			WHERE name = $1
		`, name)
		if err != nil {
			return fmt.Errorf("updating index definition: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	ev := events.New(events.EventIndexReindexed)
	ev.Index = name
	ev.Count = count
	r.emit(ev)
	return nil
}

// FailReindex clears the reindex flag of a definition and records reason
func (r *PostgresRepository) FailReindex(ctx context.Context, name, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE index_definitions SET reindex = FALSE,
			definition = jsonb_set(definition, '{reindexError}', to_jsonb($2::text)), modified_at = now()
		WHERE name = $1
	`, name, reason)
	if err != nil {
		return fmt.Errorf("recording reindex failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("index %s: %w", name, ErrNotFound)
	}
	return nil
}

// EnsureAdmin creates or refreshes the administrative user
func (r *PostgresRepository) EnsureAdmin(ctx context.Context, id, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO principals (id, kind, password_hash, admin) VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (id) DO UPDATE SET password_hash = excluded.password_hash, admin = TRUE
	`, id, string(UserPrincipal), hash)
	if err != nil {
		return fmt.Errorf("ensuring admin: %w", err)
	}
	return nil
}

// CreateUser creates a user with a bcrypt hashed password
func (r *PostgresRepository) CreateUser(ctx context.Context, id, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	return r.createPrincipal(ctx, id, UserPrincipal, &hash)
}

// CreateGroup creates a group
func (r *PostgresRepository) CreateGroup(ctx context.Context, id string) error {
	return r.createPrincipal(ctx, id, GroupPrincipal, nil)
}

func (r *PostgresRepository) createPrincipal(ctx context.Context, id string, kind PrincipalKind, hash *string) error {
	if id == "" || id == AnonymousID {
		return fmt.Errorf("invalid principal id %q", id)
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO principals (id, kind, password_hash) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, id, string(kind), hash)
	if err != nil {
		return fmt.Errorf("creating %s: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("principal %s: %w", id, ErrExists)
	}

	ev := events.New(events.EventPrincipalCreated)
	ev.Meta = map[string]interface{}{"id": id, "kind": string(kind)}
	r.emit(ev)
	return nil
}

// AddMember adds a principal to a group
func (r *PostgresRepository) AddMember(ctx context.Context, groupID, memberID string) error {
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
	_, err = r.pool.Exec(ctx, `
		INSERT INTO memberships (group_id, member_id) VALUES ($1, $2)
		ON CONFLICT (group_id, member_id) DO NOTHING
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
func (r *PostgresRepository) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	var (
		p    Principal
		kind string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, kind, admin FROM principals WHERE id = $1`, id).
		Scan(&p.ID, &kind, &p.Admin)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("principal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting principal: %w", err)
	}
	p.Kind = PrincipalKind(kind)
	return &p, nil
}

// Authenticate checks a user's password
func (r *PostgresRepository) Authenticate(ctx context.Context, id, password string) (*Principal, error) {
	var (
		p    Principal
		kind string
		hash *string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, kind, password_hash, admin FROM principals WHERE id = $1`, id).
		Scan(&p.ID, &kind, &hash, &p.Admin)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("authenticating: %w", err)
	}
	p.Kind = PrincipalKind(kind)
	if p.Kind != UserPrincipal || hash == nil || !checkPassword(*hash, password) {
		return nil, ErrUnauthorized
	}
	return &p, nil
}

// AddAccessControlEntry grants or denies privileges to a principal on a path
func (r *PostgresRepository) AddAccessControlEntry(ctx context.Context, ace AccessControlEntry) error {
	if err := validateACE(ace); err != nil {
		return err
	}
	if _, err := r.GetPrincipal(ctx, ace.Principal); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO access_control_entries (path, principal, privileges, allow)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path, principal, privileges, allow) DO NOTHING
	`, ace.Path, ace.Principal, joinPrivileges(ace.Privileges), ace.Allow)
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
func (r *PostgresRepository) AccessControlEntries(ctx context.Context) ([]AccessControlEntry, error) {
	rows, err := r.pool.Query(ctx, `
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
func (r *PostgresRepository) Memberships(ctx context.Context) ([]Membership, error) {
	rows, err := r.pool.Query(ctx, `
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
func (r *PostgresRepository) FixtureState(ctx context.Context, name string) (*FixtureState, error) {
	state := &FixtureState{Name: name}
	var completedAt time.Time
	err := r.pool.QueryRow(ctx, `SELECT completed_at FROM fixtures WHERE name = $1`, name).Scan(&completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting fixture state: %w", err)
	}
	state.Complete = true
	state.CompletedAt = completedAt
	return state, nil
}

// MarkFixtureComplete records that a fixture finished
func (r *PostgresRepository) MarkFixtureComplete(ctx context.Context, name string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO fixtures (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING
	`, name)
	if err != nil {
		return fmt.Errorf("marking fixture complete: %w", err)
	}

	ev := events.New(events.EventFixtureCompleted)
	ev.Fixture = name
	r.emit(ev)
	return nil
}
