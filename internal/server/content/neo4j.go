package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/systemshift/oaksearch/internal/server/events"
)

// Neo4jConfig holds Neo4j connection configuration
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// Neo4jRepository implements Repository using Neo4j. Content nodes carry the
// Node label plus a label named after their primary type, and keep their
// JCR property names as property keys.
type Neo4jRepository struct {
	driver       neo4j.DriverWithContext
	database     string
	ddlMu        sync.Mutex
	eventEmitter events.Emitter
}

// NewNeo4j creates a new Neo4j repository
func NewNeo4j(ctx context.Context, cfg Neo4jConfig) (*Neo4jRepository, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	// Verify connectivity
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}
	return &Neo4jRepository{driver: driver, database: database}, nil
}

// Close closes the Neo4j connection
func (r *Neo4jRepository) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

// SetEventEmitter sets the callback for emitting events
func (r *Neo4jRepository) SetEventEmitter(emitter events.Emitter) {
	r.eventEmitter = emitter
}

func (r *Neo4jRepository) emit(event events.Event) {
	if r.eventEmitter != nil {
		r.eventEmitter(event)
	}
}

func (r *Neo4jRepository) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: r.database, AccessMode: mode})
}

// schema runs a schema statement in its own auto-commit transaction
func (r *Neo4jRepository) schema(ctx context.Context, stmt string) error {
	session := r.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	result, err := session.Run(ctx, stmt, nil)
	if err != nil {
		return err
	}
	_, err = result.Consume(ctx)
	return err
}

func (r *Neo4jRepository) write(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	session := r.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	return session.ExecuteWrite(ctx, work)
}

func (r *Neo4jRepository) read(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	session := r.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	return session.ExecuteRead(ctx, work)
}

var neo4jConstraints = []string{
	"CREATE CONSTRAINT node_path IF NOT EXISTS FOR (n:Node) REQUIRE n.`jcr:path` IS UNIQUE",
	"CREATE CONSTRAINT principal_id IF NOT EXISTS FOR (p:Principal) REQUIRE p.id IS UNIQUE",
	"CREATE CONSTRAINT index_definition_name IF NOT EXISTS FOR (d:IndexDefinition) REQUIRE d.name IS UNIQUE",
	"CREATE CONSTRAINT fixture_name IF NOT EXISTS FOR (f:Fixture) REQUIRE f.name IS UNIQUE",
	"CREATE CONSTRAINT node_type_name IF NOT EXISTS FOR (t:NodeType) REQUIRE t.name IS UNIQUE",
}

// EnsureSchema creates uniqueness constraints and the default index definition
func (r *Neo4jRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range neo4jConstraints {
		if err := r.schema(ctx, stmt); err != nil {
			return fmt.Errorf("creating constraint: %w", err)
		}
	}
	return ensureDefaultIndex(ctx, r)
}

// RegisterNodeType records a node type and adds a path uniqueness constraint on its label
func (r *Neo4jRepository) RegisterNodeType(ctx context.Context, def NodeTypeDefinition) error {
	for _, p := range def.Properties {
		if _, ok := ColumnFor(p); !ok {
			return fmt.Errorf("node type %s: unknown property %q", def.Name, p)
		}
	}

	r.ddlMu.Lock()
	defer r.ddlMu.Unlock()

	_, err := r.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (t:NodeType {name: $name})
			SET t.properties = $properties
		`, map[string]any{"name": def.Name, "properties": def.Properties})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("registering node type: %w", err)
	}

	stmt := fmt.Sprintf("CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE",
		quoteCypher(slug(def.Name)+"_path"), quoteCypher(def.Name), quoteCypher(PropertyPath))
	if err := r.schema(ctx, stmt); err != nil {
		return fmt.Errorf("creating node type constraint: %w", err)
	}
	return nil
}

// NodeExists checks whether a node is stored at path
func (r *Neo4jRepository) NodeExists(ctx context.Context, path string) (bool, error) {
	if path == "/" {
		return true, nil
	}
	result, err := r.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, "MATCH (n:Node {`jcr:path`: $path}) RETURN count(n) > 0 AS exists",
			map[string]any{"path": path})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		exists, _ := record.Get("exists")
		return exists, nil
	})
	if err != nil {
		return false, fmt.Errorf("checking node: %w", err)
	}
	exists, _ := result.(bool)
	return exists, nil
}

// GetNode retrieves a node by path
func (r *Neo4jRepository) GetNode(ctx context.Context, path string) (*Node, error) {
	result, err := r.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, "MATCH (n:Node {`jcr:path`: $path}) RETURN n",
			map[string]any{"path": path})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		value, _ := res.Record().Get("n")
		node, ok := value.(neo4j.Node)
		if !ok {
			return nil, fmt.Errorf("unexpected value %T", value)
		}
		return nodeFromProps(node.Props), nil
	})
	if err != nil {
		return nil, fmt.Errorf("getting node: %w", err)
	}
	if result == nil {
		return nil, fmt.Errorf("node %s: %w", path, ErrNotFound)
	}
	return result.(*Node), nil
}

func nodeFromProps(props map[string]any) *Node {
	node := &Node{}
	node.Path, _ = props[PropertyPath].(string)
	node.PrimaryType, _ = props[PropertyPrimaryType].(string)
	if v, ok := props[PropertyName].(string); ok {
		node.Properties.Name = &v
	}
	if v, ok := props[PropertyIteration].(int64); ok {
		node.Properties.Iteration = &v
	}
	if v, ok := props[PropertyItem].(int64); ok {
		node.Properties.Item = &v
	}
	if v, ok := props[PropertyChild].(int64); ok {
		node.Properties.Child = &v
	}
	return node
}

// Begin starts a batch of node writes
func (r *Neo4jRepository) Begin(ctx context.Context) (Batch, error) {
	return newPendingBatch(r.NodeExists, r.flush, r.emit), nil
}

func (r *Neo4jRepository) flush(ctx context.Context, creates []*Node, updates []propertyUpdate) error {
	byType := make(map[string][]map[string]any)
	for _, n := range creates {
		props := n.Properties.Map()
		props[PropertyPath] = n.Path
		props[PropertyPrimaryType] = n.PrimaryType
		props["name"] = n.Name()
		props["parent"] = n.Parent()
		props["depth"] = int64(Depth(n.Path))
		byType[n.PrimaryType] = append(byType[n.PrimaryType], map[string]any{
			"path":  n.Path,
			"props": props,
		})
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	var changes []map[string]any
	for _, u := range updates {
		changes = append(changes, map[string]any{"path": u.Path, "props": u.Properties.Map()})
	}

	_, err := r.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, t := range types {
			query := "UNWIND $nodes AS n " +
				"MERGE (x:Node {`jcr:path`: n.path}) " +
				"ON CREATE SET x:" + quoteCypher(t) + ", x += n.props"
			if _, err := tx.Run(ctx, query, map[string]any{"nodes": byType[t]}); err != nil {
				return nil, err
			}
		}
		if len(changes) > 0 {
			_, err := tx.Run(ctx, "UNWIND $updates AS u "+
				"MATCH (x:Node {`jcr:path`: u.path}) "+
				"SET x += u.props", map[string]any{"updates": changes})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("committing nodes: %w", err)
	}
	return nil
}

// Explain returns the planner's operator tree for query
func (r *Neo4jRepository) Explain(ctx context.Context, query string) (*Plan, error) {
	if err := CheckCypherQuery(query); err != nil {
		return nil, err
	}
	session := r.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, "EXPLAIN "+query, nil)
	if err != nil {
		return nil, err
	}
	summary, err := result.Consume(ctx)
	if err != nil {
		return nil, err
	}
	if summary.Plan() == nil {
		return nil, fmt.Errorf("neo4j returned no plan")
	}
	return renderCypherPlan(summary.Plan()), nil
}

// renderCypherPlan draws the operator tree one operator per line, children
// indented below their parent
func renderCypherPlan(root neo4j.Plan) *Plan {
	plan := &Plan{}
	var lines []string

	var walk func(p neo4j.Plan, depth int)
	walk = func(p neo4j.Plan, depth int) {
		line := strings.Repeat("  ", depth) + "+" + p.Operator()
		if details, ok := p.Arguments()["Details"].(string); ok && details != "" {
			line += " " + details
		}
		lines = append(lines, line)
		if strings.HasPrefix(p.Operator(), "AllNodesScan") {
			plan.Traversal = true
		}
		for _, child := range p.Children() {
			walk(child, depth+1)
		}
	}
	walk(root, 0)

	plan.Text = strings.Join(lines, "\n")
	return plan
}

// Query runs a caller supplied query in a read transaction
func (r *Neo4jRepository) Query(ctx context.Context, query string) (Cursor, error) {
	if err := CheckCypherQuery(query); err != nil {
		return nil, err
	}
	session := r.session(ctx, neo4j.AccessModeRead)
	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		session.Close(ctx)
		return nil, fmt.Errorf("beginning read transaction: %w", err)
	}
	result, err := tx.Run(ctx, query, nil)
	if err != nil {
		tx.Close(ctx)
		session.Close(ctx)
		return nil, err
	}
	return &neo4jCursor{session: session, tx: tx, result: result}, nil
}

// neo4jCursor adapts a Neo4j result stream to a Cursor
type neo4jCursor struct {
	session neo4j.SessionWithContext
	tx      neo4j.ExplicitTransaction
	result  neo4j.ResultWithContext
	path    string
	err     error
}

func (c *neo4jCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if !c.result.Next(ctx) {
		c.err = c.result.Err()
		return false
	}
	record := c.result.Record()
	if len(record.Values) == 0 {
		c.err = fmt.Errorf("query returns no columns")
		return false
	}
	value := record.Values[pathColumn(record.Keys)]
	if node, ok := value.(neo4j.Node); ok {
		c.path, _ = node.Props[PropertyPath].(string)
	} else {
		c.path = stringValue(value)
	}
	return true
}

func (c *neo4jCursor) Path() string { return c.path }

func (c *neo4jCursor) Err() error { return c.err }

func (c *neo4jCursor) Close(ctx context.Context) error {
	err := c.tx.Close(ctx)
	if serr := c.session.Close(ctx); err == nil {
		err = serr
	}
	return err
}

// cypherIndexStatements derives range indexes for a definition. Node type
// definitions need none since label lookups are always indexed. Null checks
// have no Neo4j equivalent and are skipped.
func cypherIndexStatements(def *IndexDefinition) []indexStatement {
	if def.Type == IndexTypeNodeType {
		return nil
	}

	var stmts []indexStatement
	types := def.NodeTypes()
	for _, nodeType := range types {
		prefix := def.Name
		if len(types) > 1 {
			prefix += "_" + slug(nodeType)
		}
		props := def.IndexRules[nodeType].Resolve()

		var ordered []string
		for _, p := range props {
			if p.Ordered {
				ordered = append(ordered, p.Name)
			}
		}

		for _, p := range props {
			col, ok := ColumnFor(p.Name)
			if !ok {
				continue
			}
			var keys []string
			var name string
			switch {
			case p.PropertyIndex:
				name = prefix + "_" + col
				keys = append(keys, p.Name)
				for _, o := range ordered {
					if o != p.Name {
						keys = append(keys, o)
					}
				}
			case p.Ordered:
				name = prefix + "_" + col + "_ordered"
				keys = append(keys, p.Name)
			default:
				continue
			}
			on := make([]string, len(keys))
			for i, k := range keys {
				on[i] = "n." + quoteCypher(k)
			}
			stmts = append(stmts, indexStatement{
				Name: name,
				Create: fmt.Sprintf("CREATE RANGE INDEX %s IF NOT EXISTS FOR (n:%s) ON (%s)",
					quoteCypher(name), quoteCypher(nodeType), strings.Join(on, ", ")),
			})
		}
	}
	return stmts
}

func quoteCypher(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// SaveIndexDefinition stores a definition and marks it for reindexing.
// Backend indexes of a replaced definition are dropped.
func (r *Neo4jRepository) SaveIndexDefinition(ctx context.Context, def *IndexDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.ddlMu.Lock()
	defer r.ddlMu.Unlock()

	existing, err := r.GetIndexDefinition(ctx, def.Name)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	default:
		for _, stmt := range cypherIndexStatements(existing) {
			if err := r.schema(ctx, "DROP INDEX "+quoteCypher(stmt.Name)+" IF EXISTS"); err != nil {
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
	_, err = r.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (d:IndexDefinition {name: $name})
			SET d.definition = $definition, d.reindex = true, d.reindexCount = $reindexCount,
			    d.modified = datetime()
			REMOVE d.reindexError
		`, map[string]any{"name": def.Name, "definition": string(data), "reindexCount": int64(def.ReindexCount)})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("saving index definition: %w", err)
	}

	ev := events.New(events.EventIndexSaved)
	ev.Index = def.Name
	r.emit(ev)
	return nil
}

func indexDefinitionFromProps(props map[string]any) (*IndexDefinition, error) {
	data, _ := props["definition"].(string)
	var def IndexDefinition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("unmarshaling index definition: %w", err)
	}
	def.Reindex, _ = props["reindex"].(bool)
	count, _ := props["reindexCount"].(int64)
	def.ReindexCount = int(count)
	def.ReindexError, _ = props["reindexError"].(string)
	return &def, nil
}

// GetIndexDefinition retrieves an index definition by name
func (r *Neo4jRepository) GetIndexDefinition(ctx context.Context, name string) (*IndexDefinition, error) {
	result, err := r.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (d:IndexDefinition {name: $name}) RETURN d`,
			map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		value, _ := res.Record().Get("d")
		return indexDefinitionFromProps(value.(neo4j.Node).Props)
	})
	if err != nil {
		return nil, fmt.Errorf("getting index definition: %w", err)
	}
	if result == nil {
		return nil, fmt.Errorf("index %s: %w", name, ErrNotFound)
	}
	return result.(*IndexDefinition), nil
}

// ListIndexDefinitions returns every index definition sorted by name
func (r *Neo4jRepository) ListIndexDefinitions(ctx context.Context) ([]*IndexDefinition, error) {
	result, err := r.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (d:IndexDefinition) RETURN d ORDER BY d.name`, nil)
		if err != nil {
			return nil, err
		}
		var defs []*IndexDefinition
		for res.Next(ctx) {
			value, _ := res.Record().Get("d")
			def, err := indexDefinitionFromProps(value.(neo4j.Node).Props)
			if err != nil {
				return nil, err
			}
			defs = append(defs, def)
		}
		return defs, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing index definitions: %w", err)
	}
	defs, _ := result.([]*IndexDefinition)
	return defs, nil
}

// RemoveIndexDefinition drops the backend indexes and deletes the definition
func (r *Neo4jRepository) RemoveIndexDefinition(ctx context.Context, name string) error {
	r.ddlMu.Lock()
	defer r.ddlMu.Unlock()

	def, err := r.GetIndexDefinition(ctx, name)
	if err != nil {
		return err
	}
	for _, stmt := range cypherIndexStatements(def) {
		if err := r.schema(ctx, "DROP INDEX "+quoteCypher(stmt.Name)+" IF EXISTS"); err != nil {
			return fmt.Errorf("dropping index %s: %w", stmt.Name, err)
		}
	}
	_, err = r.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `MATCH (d:IndexDefinition {name: $name}) DELETE d`,
			map[string]any{"name": name})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("deleting index definition: %w", err)
	}

	ev := events.New(events.EventIndexRemoved)
	ev.Index = name
	r.emit(ev)
	return nil
}

// Reindex drops and recreates the range indexes of a definition and waits
// for them to come online
func (r *Neo4jRepository) Reindex(ctx context.Context, name string) error {
	r.ddlMu.Lock()
	defer r.ddlMu.Unlock()

	def, err := r.GetIndexDefinition(ctx, name)
	if err != nil {
		return err
	}
	stmts := cypherIndexStatements(def)
	for _, stmt := range stmts {
		if err := r.schema(ctx, "DROP INDEX "+quoteCypher(stmt.Name)+" IF EXISTS"); err != nil {
			return fmt.Errorf("dropping index %s: %w", stmt.Name, err)
		}
	}
	for _, stmt := range stmts {
		if err := r.schema(ctx, stmt.Create); err != nil {
			return fmt.Errorf("creating index %s: %w", stmt.Name, err)
		}
	}
	if err := r.schema(ctx, "CALL db.awaitIndexes(300)"); err != nil {
		return fmt.Errorf("awaiting indexes: %w", err)
	}

	_, err = r.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MATCH (d:IndexDefinition {name: $name})
			SET d.reindex = false, d.reindexCount = coalesce(d.reindexCount, 0) + 1, d.modified = datetime()
			REMOVE d.reindexError
		`, map[string]any{"name": name})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("updating index definition: %w", err)
	}

	ev := events.New(events.EventIndexReindexed)
	ev.Index = name
	ev.Count = len(stmts)
	r.emit(ev)
	return nil
}

// FailReindex clears the reindex flag of a definition and records reason
func (r *Neo4jRepository) FailReindex(ctx context.Context, name, reason string) error {
	found, err := r.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (d:IndexDefinition {name: $name})
			SET d.reindex = false, d.reindexError = $reason, d.modified = datetime()
			RETURN d.name
		`, map[string]any{"name": name, "reason": reason})
		if err != nil {
			return false, err
		}
		return res.Next(ctx), res.Err()
	})
	if err != nil {
		return fmt.Errorf("recording reindex failure: %w", err)
	}
	if ok, _ := found.(bool); !ok {
		return fmt.Errorf("index %s: %w", name, ErrNotFound)
	}
	return nil
}

// EnsureAdmin creates or refreshes the administrative user
func (r *Neo4jRepository) EnsureAdmin(ctx context.Context, id, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	_, err = r.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (p:Principal {id: $id})
			ON CREATE SET p.kind = $kind, p.created = datetime()
			SET p.passwordHash = $hash, p.admin = true
		`, map[string]any{"id": id, "kind": string(UserPrincipal), "hash": hash})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("ensuring admin: %w", err)
	}
	return nil
}

// CreateUser creates a user with a bcrypt hashed password
func (r *Neo4jRepository) CreateUser(ctx context.Context, id, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	return r.createPrincipal(ctx, id, UserPrincipal, hash)
}

// CreateGroup creates a group
func (r *Neo4jRepository) CreateGroup(ctx context.Context, id string) error {
	return r.createPrincipal(ctx, id, GroupPrincipal, "")
}

func (r *Neo4jRepository) createPrincipal(ctx context.Context, id string, kind PrincipalKind, hash string) error {
	if id == "" || id == AnonymousID {
		return fmt.Errorf("invalid principal id %q", id)
	}
	_, err := r.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (p:Principal {id: $id}) RETURN count(p) AS n`,
			map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if n, _ := record.Get("n"); n.(int64) > 0 {
			return nil, fmt.Errorf("principal %s: %w", id, ErrExists)
		}
		_, err = tx.Run(ctx, `
			CREATE (p:Principal {id: $id, kind: $kind, passwordHash: $hash, admin: false, created: datetime()})
		`, map[string]any{"id": id, "kind": string(kind), "hash": hash})
		return nil, err
	})
	if err != nil {
		if errors.Is(err, ErrExists) {
			return err
		}
		return fmt.Errorf("creating %s: %w", kind, err)
	}

	ev := events.New(events.EventPrincipalCreated)
	ev.Meta = map[string]interface{}{"id": id, "kind": string(kind)}
	r.emit(ev)
	return nil
}

// AddMember adds a principal to a group
func (r *Neo4jRepository) AddMember(ctx context.Context, groupID, memberID string) error {
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
	_, err = r.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MATCH (g:Principal {id: $group}), (m:Principal {id: $member})
			MERGE (m)-[:MEMBER_OF]->(g)
		`, map[string]any{"group": groupID, "member": memberID})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("adding member: %w", err)
	}

	ev := events.New(events.EventACLChanged)
	ev.Meta = map[string]interface{}{"group": groupID, "member": memberID}
	r.emit(ev)
	return nil
}

func principalFromProps(props map[string]any) *Principal {
	p := &Principal{}
	p.ID, _ = props["id"].(string)
	kind, _ := props["kind"].(string)
	p.Kind = PrincipalKind(kind)
	p.Admin, _ = props["admin"].(bool)
	return p
}

func (r *Neo4jRepository) principalNode(ctx context.Context, id string) (*neo4j.Node, error) {
	result, err := r.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (p:Principal {id: $id}) RETURN p`, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		value, _ := res.Record().Get("p")
		node := value.(neo4j.Node)
		return &node, nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.(*neo4j.Node), nil
}

// GetPrincipal retrieves a principal by id
func (r *Neo4jRepository) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	node, err := r.principalNode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting principal: %w", err)
	}
	if node == nil {
		return nil, fmt.Errorf("principal %s: %w", id, ErrNotFound)
	}
	return principalFromProps(node.Props), nil
}

// Authenticate checks a user's password
func (r *Neo4jRepository) Authenticate(ctx context.Context, id, password string) (*Principal, error) {
	node, err := r.principalNode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("authenticating: %w", err)
	}
	if node == nil {
		return nil, ErrUnauthorized
	}
	p := principalFromProps(node.Props)
	hash, _ := node.Props["passwordHash"].(string)
	if p.Kind != UserPrincipal || !checkPassword(hash, password) {
		return nil, ErrUnauthorized
	}
	return p, nil
}

// AddAccessControlEntry grants or denies privileges to a principal on a path
func (r *Neo4jRepository) AddAccessControlEntry(ctx context.Context, ace AccessControlEntry) error {
	if err := validateACE(ace); err != nil {
		return err
	}
	if _, err := r.GetPrincipal(ctx, ace.Principal); err != nil {
		return err
	}
	_, err := r.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (a:AccessControlEntry {path: $path, principal: $principal, privileges: $privileges, allow: $allow})
			ON CREATE SET a.created = datetime()
		`, map[string]any{
			"path":       ace.Path,
			"principal":  ace.Principal,
			"privileges": joinPrivileges(ace.Privileges),
			"allow":      ace.Allow,
		})
		return nil, err
	})
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
func (r *Neo4jRepository) AccessControlEntries(ctx context.Context) ([]AccessControlEntry, error) {
	result, err := r.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:AccessControlEntry)
			RETURN a.path AS path, a.principal AS principal, a.privileges AS privileges, a.allow AS allow
			ORDER BY a.created, a.path, a.principal
		`, nil)
		if err != nil {
			return nil, err
		}
		var entries []AccessControlEntry
		for res.Next(ctx) {
			record := res.Record()
			var ace AccessControlEntry
			path, _ := record.Get("path")
			principal, _ := record.Get("principal")
			privileges, _ := record.Get("privileges")
			allow, _ := record.Get("allow")
			ace.Path, _ = path.(string)
			ace.Principal, _ = principal.(string)
			p, _ := privileges.(string)
			ace.Privileges = splitPrivileges(p)
			ace.Allow, _ = allow.(bool)
			entries = append(entries, ace)
		}
		return entries, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing access control entries: %w", err)
	}
	entries, _ := result.([]AccessControlEntry)
	return entries, nil
}

// Memberships returns every group membership
func (r *Neo4jRepository) Memberships(ctx context.Context) ([]Membership, error) {
	result, err := r.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (m:Principal)-[:MEMBER_OF]->(g:Principal)
			RETURN g.id AS groupId, m.id AS memberId
			ORDER BY groupId, memberId
		`, nil)
		if err != nil {
			return nil, err
		}
		var memberships []Membership
		for res.Next(ctx) {
			record := res.Record()
			group, _ := record.Get("groupId")
			member, _ := record.Get("memberId")
			m := Membership{}
			m.Group, _ = group.(string)
			m.Member, _ = member.(string)
			memberships = append(memberships, m)
		}
		return memberships, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	memberships, _ := result.([]Membership)
	return memberships, nil
}

// FixtureState reports whether a fixture completed
func (r *Neo4jRepository) FixtureState(ctx context.Context, name string) (*FixtureState, error) {
	result, err := r.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (f:Fixture {name: $name}) RETURN f.completedAt AS completedAt`,
			map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		completedAt, _ := res.Record().Get("completedAt")
		t, _ := completedAt.(time.Time)
		return &FixtureState{Name: name, Complete: true, CompletedAt: t}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("getting fixture state: %w", err)
	}
	if result == nil {
		return &FixtureState{Name: name}, nil
	}
	return result.(*FixtureState), nil
}

// MarkFixtureComplete records that a fixture finished
func (r *Neo4jRepository) MarkFixtureComplete(ctx context.Context, name string) error {
	_, err := r.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (f:Fixture {name: $name})
			ON CREATE SET f.completedAt = datetime()
		`, map[string]any{"name": name})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("marking fixture complete: %w", err)
	}

	ev := events.New(events.EventFixtureCompleted)
	ev.Fixture = name
	r.emit(ev)
	return nil
}
