package app

import (
	"database/sql"

	"taskbazaar/internal/config"
	"taskbazaar/internal/db"
	"taskbazaar/internal/engine"
	"taskbazaar/internal/migrate"
)

// Open prepares a workspace for use: opens the database, applies pending
// migrations, loads taskbazaar.yml, and wires the engine. The caller owns
// the returned connection and must close it.
func Open(workspace string) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	return engine.New(conn, cfg), conn, nil
}
