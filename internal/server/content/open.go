package content

import (
	"context"
	"fmt"
)

// Supported backends
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNeo4j    = "neo4j"
)

// Config selects and configures a content backend
type Config struct {
	Backend  string         `mapstructure:"backend" validate:"oneof=sqlite postgres neo4j"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Neo4j    Neo4jConfig    `mapstructure:"neo4j"`
}

// Open connects to the configured backend and ensures its schema exists
func Open(ctx context.Context, cfg Config) (Repository, error) {
	var (
		repo Repository
		err  error
	)
	switch cfg.Backend {
	case BackendSQLite, "":
		repo, err = NewSQLite(ctx, cfg.SQLite)
	case BackendPostgres:
		repo, err = NewPostgres(ctx, cfg.Postgres)
	case BackendNeo4j:
		repo, err = NewNeo4j(ctx, cfg.Neo4j)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close(ctx)
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return repo, nil
}
