package postgres

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	// Регистрируем драйвер Postgres.
	// Register the Postgres driver.
	_ "github.com/lib/pq"

	"github.com/arketec/migrate-consul/pkg/consulmigrate"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/drivers/sqlstore"
)

// Dialect описывает схему и плейсхолдеры Postgres.
// Dialect describes the Postgres schema and placeholders.
var Dialect = sqlstore.Dialect{
	DriverName:  "postgres",
	Placeholder: sq.Dollar,
	Schema: []string{`
CREATE TABLE IF NOT EXISTS consul_migrations (
	name TEXT PRIMARY KEY,
	hash TEXT NOT NULL DEFAULT '',
	status INT NOT NULL,
	date_added TEXT NOT NULL,
	date_applied TEXT NULL,
	date_last_changed TEXT NULL,
	script_author TEXT NOT NULL DEFAULT '',
	changed_by TEXT NOT NULL DEFAULT ''
);`, `
CREATE TABLE IF NOT EXISTS consul_backups (
	id BIGSERIAL PRIMARY KEY,
	backup_key TEXT NOT NULL,
	backup_value TEXT NOT NULL,
	taken_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS consul_backups_key_idx ON consul_backups (backup_key, taken_at)`,
	},
}

// Driver реализует хранилище записей о миграциях в Postgres.
// Driver implements the Postgres migration record store.
type Driver struct{}

// New создаёт новый экземпляр драйвера Postgres.
// Вход: нет.
// Выход: указатель на Driver.
// Назначение: конструктор для регистрации в CLI.
// New creates a new Postgres driver instance.
// Input: none.
// Output: pointer to Driver.
// Purpose: constructor for CLI registration.
func New() *Driver {
	return &Driver{}
}

// Name возвращает имя драйвера.
// Вход: нет.
// Выход: строка имени драйвера.
// Назначение: идентификация драйвера в CLI и конфигах.
// Name returns the driver name.
// Input: none.
// Output: driver name string.
// Purpose: identify the driver in CLI and configs.
func (d *Driver) Name() string {
	return "postgres"
}

// Open открывает подключение к Postgres и создаёт таблицы, если их нет.
// Вход: ctx для отмены, cfg с DSN, логгер.
// Выход: Repository или error.
// Назначение: подготовить хранилище записей о миграциях.
// Open opens a Postgres connection and creates the tables if missing.
// Input: ctx for cancellation, cfg with the DSN, logger.
// Output: Repository or error.
// Purpose: prepare the migration record store.
func (d *Driver) Open(ctx context.Context, cfg consulmigrate.Config, log *zap.Logger) (consulmigrate.Repository, error) {
	repo, err := sqlstore.Open(ctx, Dialect, cfg.DSN(), log)
	if err != nil {
		return nil, err
	}
	return repo, nil
}
