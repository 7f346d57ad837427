package sqlite

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	// Register the pure Go "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/arketec/migrate-consul/pkg/consulmigrate"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/drivers/sqlstore"
)

// Dialect is the SQLite schema. A single connection avoids SQLITE_BUSY
// between concurrent writers of the same file.
var Dialect = sqlstore.Dialect{
	DriverName:   "sqlite",
	Placeholder:  sq.Question,
	MaxOpenConns: 1,
	Schema: []string{`
CREATE TABLE IF NOT EXISTS consul_migrations (
	name TEXT PRIMARY KEY,
	hash TEXT NOT NULL DEFAULT '',
	status INTEGER NOT NULL,
	date_added TEXT NOT NULL,
	date_applied TEXT NULL,
	date_last_changed TEXT NULL,
	script_author TEXT NOT NULL DEFAULT '',
	changed_by TEXT NOT NULL DEFAULT ''
);`, `
CREATE TABLE IF NOT EXISTS consul_backups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	backup_key TEXT NOT NULL,
	backup_value TEXT NOT NULL,
	taken_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS consul_backups_key_idx ON consul_backups (backup_key, taken_at)`,
	},
}

// Driver stores migration records in a SQLite file named by the DSN.
type Driver struct{}

func New() *Driver {
	return &Driver{}
}

func (d *Driver) Name() string {
	return "sqlite"
}

func (d *Driver) Open(ctx context.Context, cfg consulmigrate.Config, log *zap.Logger) (consulmigrate.Repository, error) {
	repo, err := sqlstore.Open(ctx, Dialect, cfg.DSN(), log)
	if err != nil {
		return nil, err
	}
	return repo, nil
}
