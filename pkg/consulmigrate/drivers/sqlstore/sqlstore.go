// Package sqlstore is the SQL implementation of consulmigrate.Repository
// shared by the postgres and sqlite drivers. Dates are stored as fixed width
// RFC3339 text so both databases compare and order them the same way.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/arketec/migrate-consul/pkg/consulmigrate"
	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

const (
	RecordsTable = "consul_migrations"
	BackupsTable = "consul_backups"

	dateLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

var recordColumns = []string{"name", "hash", "status", "date_added", "date_applied", "date_last_changed", "script_author", "changed_by"}

// Dialect holds what differs between SQL databases.
type Dialect struct {
	// DriverName is the database/sql driver name.
	DriverName  string
	Placeholder sq.PlaceholderFormat
	// Schema is run statement by statement on open.
	Schema []string
	// MaxOpenConns limits the pool; zero means no limit.
	MaxOpenConns int
}

// Repository is a consulmigrate.Repository on a SQL database.
type Repository struct {
	db  *sqlx.DB
	d   Dialect
	sb  sq.StatementBuilderType
	log *zap.Logger
}

var _ consulmigrate.Repository = (*Repository)(nil)

// Open connects with dsn and makes sure the tables exist.
func Open(ctx context.Context, d Dialect, dsn string, log *zap.Logger) (*Repository, error) {
	db, err := sqlx.Open(d.DriverName, dsn)
	if err != nil {
		return nil, err
	}
	if d.MaxOpenConns > 0 {
		db.SetMaxOpenConns(d.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	r := New(db, d, log)
	if err := r.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func New(db *sqlx.DB, d Dialect, log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{db: db, d: d, sb: sq.StatementBuilder.PlaceholderFormat(d.Placeholder), log: log}
}

// EnsureSchema creates the tables if missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range r.d.Schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

type recordRow struct {
	Name            string         `db:"name"`
	Hash            string         `db:"hash"`
	Status          int            `db:"status"`
	DateAdded       string         `db:"date_added"`
	DateApplied     sql.NullString `db:"date_applied"`
	DateLastChanged sql.NullString `db:"date_last_changed"`
	ScriptAuthor    string         `db:"script_author"`
	ChangedBy       string         `db:"changed_by"`
}

type backupRow struct {
	Key   string `db:"backup_key"`
	Value string `db:"backup_value"`
	Date  string `db:"taken_at"`
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(dateLayout), Valid: true}
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (row recordRow) record() (*consulmigrate.Record, error) {
	added, err := time.Parse(dateLayout, row.DateAdded)
	if err != nil {
		return nil, err
	}
	applied, err := parseTime(row.DateApplied)
	if err != nil {
		return nil, err
	}
	changed, err := parseTime(row.DateLastChanged)
	if err != nil {
		return nil, err
	}
	return &consulmigrate.Record{
		Name:            row.Name,
		Hash:            row.Hash,
		Status:          consulmigrate.Status(row.Status),
		DateAdded:       added,
		DateApplied:     applied,
		DateLastChanged: changed,
		ScriptAuthor:    row.ScriptAuthor,
		ChangedBy:       row.ChangedBy,
	}, nil
}

func (r *Repository) upsert(rec *consulmigrate.Record) (string, []interface{}, error) {
	return r.sb.Insert(RecordsTable).
		Columns(recordColumns...).
		Values(
			rec.Name,
			rec.Hash,
			int(rec.Status),
			rec.DateAdded.UTC().Format(dateLayout),
			formatTime(rec.DateApplied),
			formatTime(rec.DateLastChanged),
			rec.ScriptAuthor,
			rec.ChangedBy,
		).
		Suffix(`ON CONFLICT (name) DO UPDATE SET
			hash = excluded.hash,
			status = excluded.status,
			date_applied = excluded.date_applied,
			date_last_changed = excluded.date_last_changed,
			script_author = excluded.script_author,
			changed_by = excluded.changed_by`).
		ToSql()
}

// Save upserts rec by name.
func (r *Repository) Save(ctx context.Context, rec *consulmigrate.Record) error {
	query, args, err := r.upsert(rec)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save %s: %w", rec.Name, err)
	}
	return nil
}

// SaveAll upserts records in one transaction.
func (r *Repository) SaveAll(ctx context.Context, records []*consulmigrate.Record) error {
	return r.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		for _, rec := range records {
			query, args, err := r.upsert(rec)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("save %s: %w", rec.Name, err)
			}
		}
		return nil
	})
}

func (r *Repository) Get(ctx context.Context, name string) (*consulmigrate.Record, error) {
	query, args, err := r.sb.Select(recordColumns...).
		From(RecordsTable).
		Where(sq.Eq{"name": name}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row recordRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, consulmigrate.NotFound("sqlstore.Get", name)
		}
		return nil, err
	}
	return row.record()
}

func (r *Repository) list(ctx context.Context, where interface{}) ([]*consulmigrate.Record, error) {
	q := r.sb.Select(recordColumns...).From(RecordsTable).OrderBy("name")
	if where != nil {
		q = q.Where(where)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	var rows []recordRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	records := make([]*consulmigrate.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", row.Name, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *Repository) GetAll(ctx context.Context) ([]*consulmigrate.Record, error) {
	return r.list(ctx, nil)
}

func (r *Repository) Find(ctx context.Context, status consulmigrate.Status) ([]*consulmigrate.Record, error) {
	return r.list(ctx, sq.Eq{"status": int(status)})
}

func (r *Repository) FindByAuthor(ctx context.Context, author string) ([]*consulmigrate.Record, error) {
	return r.list(ctx, sq.Eq{"script_author": author})
}

func (r *Repository) Delete(ctx context.Context, name string) error {
	query, args, err := r.sb.Delete(RecordsTable).Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return consulmigrate.NotFound("sqlstore.Delete", name)
	}
	return nil
}

// Backup stores value base64 encoded, like the Consul driver.
func (r *Repository) Backup(ctx context.Context, key string, value []byte, at time.Time) error {
	query, args, err := r.sb.Insert(BackupsTable).
		Columns("backup_key", "backup_value", "taken_at").
		Values(key, base64.StdEncoding.EncodeToString(value), at.UTC().Format(dateLayout)).
		ToSql()
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) FindBackups(ctx context.Context, key string) ([]consulmigrate.Backup, error) {
	query, args, err := r.sb.Select("backup_key", "backup_value", "taken_at").
		From(BackupsTable).
		Where(sq.Eq{"backup_key": key}).
		OrderBy("taken_at").
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []backupRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	backups := make([]consulmigrate.Backup, 0, len(rows))
	for _, row := range rows {
		date, err := time.Parse(dateLayout, row.Date)
		if err != nil {
			return nil, merrors.Wrap(merrors.EInternal, "sqlstore.FindBackups", err)
		}
		value, err := base64.StdEncoding.DecodeString(row.Value)
		if err != nil {
			return nil, merrors.Wrap(merrors.EInternal, "sqlstore.FindBackups", err)
		}
		backups = append(backups, consulmigrate.Backup{Key: row.Key, Value: value, Date: date})
	}
	return backups, nil
}

func (r *Repository) Restore(ctx context.Context, key string, at *time.Time) (consulmigrate.Backup, error) {
	backups, err := r.FindBackups(ctx, key)
	if err != nil {
		return consulmigrate.Backup{}, err
	}
	return consulmigrate.SelectBackup(key, backups, at)
}

// WithTransaction runs fn in a transaction, rolling back when fn fails.
func (r *Repository) WithTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *Repository) Close() error {
	return r.db.Close()
}
