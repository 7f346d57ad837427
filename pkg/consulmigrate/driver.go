package consulmigrate

import (
	"context"
	"time"

	"go.uber.org/zap"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

// Repository хранит записи о миграциях и резервные копии ключей.
// Назначение: абстрагировать хранилище (Consul, SQL, Mongo).
// Repository persists migration records and key backups.
// Purpose: abstract the backing store (Consul, SQL, Mongo).
type Repository interface {
	// Save inserts or replaces the record with the same name.
	Save(ctx context.Context, r *Record) error
	// Get fails with ERecordNotFound when no record has name.
	Get(ctx context.Context, name string) (*Record, error)
	// GetAll returns every record ordered by name.
	GetAll(ctx context.Context) ([]*Record, error)
	Find(ctx context.Context, status Status) ([]*Record, error)
	FindByAuthor(ctx context.Context, author string) ([]*Record, error)
	// Delete fails with ERecordNotFound when no record has name.
	Delete(ctx context.Context, name string) error

	Backup(ctx context.Context, key string, value []byte, at time.Time) error
	// FindBackups returns the backups of key, oldest first.
	FindBackups(ctx context.Context, key string) ([]Backup, error)
	// Restore returns the latest backup, or the one taken at the given time.
	Restore(ctx context.Context, key string, at *time.Time) (Backup, error)

	Close() error
}

// Driver открывает Repository по конфигурации.
// Назначение: выбор хранилища через конфиг, а не наследование.
// Driver opens a Repository from configuration.
// Purpose: select the store by configuration.
type Driver interface {
	Name() string
	Open(ctx context.Context, cfg Config, log *zap.Logger) (Repository, error)
}

// NotFound returns the error repositories use for a missing record.
func NotFound(op, name string) error {
	return &merrors.Error{Code: merrors.ERecordNotFound, Op: op, Msg: name}
}

// SelectBackup выбирает резервную копию по времени.
// Вход: копии по возрастанию даты, время или nil.
// Выход: последняя копия, либо копия с совпадающим временем; ERecordNotFound иначе.
// Назначение: общая логика Restore для всех репозиториев.
// SelectBackup picks a backup by time.
// Input: backups oldest first, a time or nil.
// Output: the latest backup, or the one with a matching time; ERecordNotFound otherwise.
// Purpose: shared Restore logic for every repository.
func SelectBackup(key string, backups []Backup, at *time.Time) (Backup, error) {
	if len(backups) == 0 {
		return Backup{}, &merrors.Error{Code: merrors.ERecordNotFound, Op: "Restore", Msg: "no backups for " + key}
	}
	if at == nil {
		return backups[len(backups)-1], nil
	}
	for i := len(backups) - 1; i >= 0; i-- {
		if backups[i].Date.Equal(*at) {
			return backups[i], nil
		}
	}
	// some stores keep millisecond precision only
	for i := len(backups) - 1; i >= 0; i-- {
		if backups[i].Date.Truncate(time.Millisecond).Equal(at.Truncate(time.Millisecond)) {
			return backups[i], nil
		}
	}
	return Backup{}, &merrors.Error{
		Code: merrors.ERecordNotFound,
		Op:   "Restore",
		Msg:  "no backup of " + key + " at " + at.UTC().Format(time.RFC3339Nano),
	}
}
