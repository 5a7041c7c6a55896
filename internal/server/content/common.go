package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Privileges understood by the access layer
const (
	PrivilegeAll   = "jcr:all"
	PrivilegeRead  = "jcr:read"
	PrivilegeWrite = "jcr:write"
)

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

func checkPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func joinPrivileges(privileges []string) string {
	p := append([]string(nil), privileges...)
	sort.Strings(p)
	return strings.Join(p, ",")
}

func splitPrivileges(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func validateACE(ace AccessControlEntry) error {
	if err := ValidatePath(ace.Path); err != nil {
		return err
	}
	if ace.Principal == "" {
		return fmt.Errorf("access control entry on %s: principal is required", ace.Path)
	}
	if len(ace.Privileges) == 0 {
		return fmt.Errorf("access control entry on %s: at least one privilege is required", ace.Path)
	}
	return nil
}

// ensureDefaultIndex creates and builds the node type index on first start
func ensureDefaultIndex(ctx context.Context, repo Repository) error {
	_, err := repo.GetIndexDefinition(ctx, DefaultIndexName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := repo.SaveIndexDefinition(ctx, DefaultIndexDefinition()); err != nil {
		return fmt.Errorf("saving default index: %w", err)
	}
	if err := repo.Reindex(ctx, DefaultIndexName); err != nil {
		return fmt.Errorf("building default index: %w", err)
	}
	return nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func intPtr(i sql.NullInt64) *int64 {
	if !i.Valid {
		return nil
	}
	v := i.Int64
	return &v
}

// pathColumn picks the column holding the node path from a result set
func pathColumn(cols []string) int {
	for i, c := range cols {
		if c == PropertyPath || c == "path" {
			return i
		}
	}
	return 0
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// sqlCursor adapts database/sql rows to a Cursor
type sqlCursor struct {
	rows    *sql.Rows
	pathCol int
	values  []any
	dest    []any
	path    string
	err     error
}

func newSQLCursor(rows *sql.Rows) (*sqlCursor, error) {
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("reading columns: %w", err)
	}
	if len(cols) == 0 {
		rows.Close()
		return nil, fmt.Errorf("query returns no columns")
	}
	c := &sqlCursor{
		rows:    rows,
		pathCol: pathColumn(cols),
		values:  make([]any, len(cols)),
		dest:    make([]any, len(cols)),
	}
	for i := range c.values {
		c.dest[i] = &c.values[i]
	}
	return c, nil
}

func (c *sqlCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}
	if err := c.rows.Scan(c.dest...); err != nil {
		c.err = fmt.Errorf("scanning row: %w", err)
		return false
	}
	c.path = stringValue(c.values[c.pathCol])
	return true
}

func (c *sqlCursor) Path() string { return c.path }

func (c *sqlCursor) Err() error { return c.err }

func (c *sqlCursor) Close(ctx context.Context) error {
	return c.rows.Close()
}
