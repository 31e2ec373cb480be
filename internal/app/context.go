package app

import (
	"database/sql"

	"leasepool/internal/config"
	"leasepool/internal/db"
	"leasepool/internal/engine"
	"leasepool/internal/migrate"
)

// Open prepares a workspace for use: the .leasepool directory, the SQLite
// schema, and the pool config (file values when leasepool.yml exists,
// defaults otherwise). Every entry point goes through here so the CLI, the
// server and tests agree on what an opened workspace looks like. The caller
// owns the returned handle and closes it when done.
func Open(workspace string) (*sql.DB, engine.Engine, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, engine.Engine{}, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, engine.Engine{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, engine.Engine{}, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, engine.Engine{}, err
	}
	return conn, engine.New(conn, cfg), nil
}
