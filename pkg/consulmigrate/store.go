package consulmigrate

import (
	"context"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

// Store реализует машину состояний записей о миграциях поверх Repository.
// Назначение: единственное место, где меняется Status.
// Store implements the migration record state machine on top of a Repository.
// Purpose: the only place a record's Status changes.
type Store struct {
	repo  Repository
	log   *zap.Logger
	clock clock.Clock
}

// StoreOption настраивает Store.
type StoreOption func(*Store)

// WithStoreClock подменяет часы (для тестов).
func WithStoreClock(c clock.Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

// NewStore создаёт Store.
// Вход: репозиторий, логгер (nil допустим), опции.
// Выход: *Store.
func NewStore(repo Repository, log *zap.Logger, opts ...StoreOption) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{repo: repo, log: log, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Repository returns the underlying repository.
func (s *Store) Repository() Repository { return s.repo }

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// Selector выбирает одну запись: по имени, либо последнюю изменённую с данным статусом.
// Selector picks one record: by name, or the most recently changed one with Status.
type Selector struct {
	Name   string
	Status *Status
}

// ByName selects the record called name.
func ByName(name string) Selector { return Selector{Name: name} }

// ByStatus selects the most recently changed record with status st.
func ByStatus(st Status) Selector { return Selector{Status: &st} }

// Filter combines conditions with AND. Zero fields are ignored.
type Filter struct {
	Status    *Status
	Author    string
	ChangedBy string
}

func (f Filter) match(r *Record) bool {
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.Author != "" && r.ScriptAuthor != f.Author {
		return false
	}
	if f.ChangedBy != "" && r.ChangedBy != f.ChangedBy {
		return false
	}
	return true
}

// Stage регистрирует миграцию в статусе Pending.
// Вход: имя, хэш скрипта, автор.
// Выход: новая запись; EAlreadyStaged, если запись уже есть.
// Назначение: начальная точка жизненного цикла.
// Stage registers a migration as Pending.
// Input: name, script hash, author.
// Output: the new record; EAlreadyStaged if one exists.
func (s *Store) Stage(ctx context.Context, name, hash, author string) (*Record, error) {
	const op = "Store.Stage"

	existing, err := s.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &merrors.Error{Code: merrors.EAlreadyStaged, Op: op, Msg: name}
	}

	rec := &Record{
		Name:         name,
		Hash:         hash,
		Status:       StatusPending,
		DateAdded:    s.now(),
		ScriptAuthor: author,
	}
	if err := s.repo.Save(ctx, rec); err != nil {
		return nil, merrors.Wrap(merrors.EInternal, op, err)
	}
	s.log.Info("Staged migration", zap.String("migration", name), zap.String("author", author))
	return rec, nil
}

// ApplyResult фиксирует результат up для записи в статусе Pending.
// Вход: имя, успех, кто изменил, новый хэш.
// Выход: обновлённая запись или EInvalidTransition / ERecordNotFound.
// Назначение: переходы Pending -> Completed и Pending -> Failed.
func (s *Store) ApplyResult(ctx context.Context, name string, success bool, changedBy, newHash string) (*Record, error) {
	const op = "Store.ApplyResult"

	rec, err := s.repo.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusPending {
		return nil, transition(op, rec, "apply")
	}

	now := s.now()
	rec.DateLastChanged = &now
	rec.ChangedBy = changedBy
	if success {
		rec.Status = StatusCompleted
		rec.DateApplied = &now
		if newHash != "" {
			rec.Hash = newHash
		}
	} else {
		rec.Status = StatusFailed
	}

	if err := s.repo.Save(ctx, rec); err != nil {
		return nil, merrors.Wrap(merrors.EInternal, op, err)
	}
	s.log.Debug("Recorded result",
		zap.String("migration", name),
		zap.Stringer("status", rec.Status),
		zap.String("changed_by", changedBy))
	return rec, nil
}

// RestageOptions controls Restage.
type RestageOptions struct {
	ChangedBy string
	Force     bool
	// CurrentHash is the hash of the script on disk; empty skips the check.
	CurrentHash string
}

// Restage возвращает запись в Pending.
// Вход: селектор (по умолчанию последняя Failed), опции.
// Выход: обновлённая запись; EInvalidTransition для Deleted, а также для записи
// не в статусе Failed без хэша и без force; EHashMismatch, если хэш скрипта
// изменился и нет force.
// Назначение: повторный запуск упавшей миграции без риска запустить изменённый скрипт.
// Restage moves a record back to Pending.
// Input: selector (default: most recently changed Failed), options.
// Output: the updated record; EInvalidTransition for Deleted records and for
// records that are not Failed when no hash is given and force is not set;
// EHashMismatch when the script changed and force is not set.
func (s *Store) Restage(ctx context.Context, sel Selector, opts RestageOptions) (*Record, error) {
	const op = "Store.Restage"

	if sel.Name == "" && sel.Status == nil {
		sel = ByStatus(StatusFailed)
	}
	rec, err := s.Resolve(ctx, sel)
	if err != nil {
		return nil, err
	}

	if rec.Status == StatusDeleted {
		return nil, transition(op, rec, "restage")
	}
	if !opts.Force {
		if opts.CurrentHash != "" && rec.Hash != "" && rec.Hash != opts.CurrentHash {
			return nil, &merrors.Error{
				Code: merrors.EHashMismatch,
				Op:   op,
				Msg:  "script " + rec.Name + " changed since it was staged; use force to restage",
			}
		}
		// a record that did not fail needs a matching hash
		if rec.Status != StatusFailed && opts.CurrentHash == "" {
			return nil, transition(op, rec, "restage")
		}
	}

	if opts.Force && opts.CurrentHash != "" {
		rec.Hash = opts.CurrentHash
	}
	now := s.now()
	rec.Status = StatusPending
	rec.DateLastChanged = &now
	rec.ChangedBy = opts.ChangedBy
	if err := s.repo.Save(ctx, rec); err != nil {
		return nil, merrors.Wrap(merrors.EInternal, op, err)
	}
	s.log.Info("Restaged migration", zap.String("migration", rec.Name), zap.Bool("force", opts.Force))
	return rec, nil
}

// Rollback запускает down для записи в статусе Completed.
// Вход: селектор (по умолчанию последняя Completed по имени), кто изменил, функция down.
// Выход: обновлённая запись и ошибка down, если она была.
// Назначение: переходы Completed -> Deleted и Completed -> Failed.
// Rollback runs down for a Completed record.
// Input: selector (default: the highest named Completed record), changedBy, the down func.
// Output: the updated record and the down error, if any.
func (s *Store) Rollback(ctx context.Context, sel Selector, changedBy string, down func(ctx context.Context, rec *Record) error) (*Record, error) {
	const op = "Store.Rollback"

	var rec *Record
	if sel.Name == "" && sel.Status == nil {
		completed, err := s.repo.Find(ctx, StatusCompleted)
		if err != nil {
			return nil, merrors.Wrap(merrors.EInternal, op, err)
		}
		if len(completed) == 0 {
			return nil, &merrors.Error{Code: merrors.ERecordNotFound, Op: op, Msg: "no completed migrations"}
		}
		sortByName(completed)
		rec = completed[len(completed)-1]
	} else {
		var err error
		if rec, err = s.Resolve(ctx, sel); err != nil {
			return nil, err
		}
	}
	if rec.Status != StatusCompleted {
		return nil, transition(op, rec, "roll back")
	}

	downErr := down(ctx, rec.Clone())

	now := s.now()
	rec.DateLastChanged = &now
	rec.ChangedBy = changedBy
	if downErr != nil {
		rec.Status = StatusFailed
	} else {
		rec.Status = StatusDeleted
	}
	if err := s.repo.Save(ctx, rec); err != nil {
		saveErr := merrors.Wrap(merrors.EInternal, op, err)
		if downErr != nil {
			return rec, multierr.Append(downErr, saveErr)
		}
		return nil, saveErr
	}
	if downErr != nil {
		return rec, &merrors.Error{Code: merrors.ErrorCode(downErr), Op: op, Msg: rec.Name, Err: downErr}
	}
	s.log.Info("Rolled back migration", zap.String("migration", rec.Name))
	return rec, nil
}

// UnstageOptions selects the records Unstage removes. With every field zero,
// the record with the highest name is removed.
type UnstageOptions struct {
	Name    string
	Failed  bool
	Pending bool
	// Author removes the author's records that are not Completed.
	Author string
}

// Unstage удаляет записи о миграциях.
// Вход: опции выбора.
// Выход: удалённые записи; ERecordNotFound, если указанного имени нет.
// Назначение: убрать ошибочно подготовленные миграции.
func (s *Store) Unstage(ctx context.Context, opts UnstageOptions) ([]*Record, error) {
	const op = "Store.Unstage"

	all, err := s.repo.GetAll(ctx)
	if err != nil {
		return nil, merrors.Wrap(merrors.EInternal, op, err)
	}
	sortByName(all)

	var targets []*Record
	switch {
	case opts.Name != "":
		for _, r := range all {
			if r.Name == opts.Name {
				targets = append(targets, r)
			}
		}
		if len(targets) == 0 {
			return nil, NotFound(op, opts.Name)
		}
	case opts.Failed || opts.Pending || opts.Author != "":
		for _, r := range all {
			switch {
			case opts.Failed && r.Status == StatusFailed,
				opts.Pending && r.Status == StatusPending,
				opts.Author != "" && r.ScriptAuthor == opts.Author && r.Status != StatusCompleted:
				targets = append(targets, r)
			}
		}
	default:
		if len(all) > 0 {
			targets = all[len(all)-1:]
		}
	}

	for _, r := range targets {
		if err := s.repo.Delete(ctx, r.Name); err != nil {
			return nil, err
		}
		s.log.Info("Unstaged migration", zap.String("migration", r.Name), zap.Stringer("status", r.Status))
	}
	return targets, nil
}

// Resolve находит запись по селектору.
// Resolve finds the record a selector names.
func (s *Store) Resolve(ctx context.Context, sel Selector) (*Record, error) {
	const op = "Store.Resolve"
	if sel.Name != "" {
		return s.repo.Get(ctx, sel.Name)
	}
	if sel.Status == nil {
		return nil, merrors.New(merrors.EInvalidOperation, "empty selector")
	}

	matches, err := s.repo.Find(ctx, *sel.Status)
	if err != nil {
		return nil, merrors.Wrap(merrors.EInternal, op, err)
	}
	if len(matches) == 0 {
		return nil, &merrors.Error{Code: merrors.ERecordNotFound, Op: op, Msg: "no " + sel.Status.String() + " migrations"}
	}
	latest := matches[0]
	for _, r := range matches[1:] {
		if t := r.LastChanged(); t.After(latest.LastChanged()) || (t.Equal(latest.LastChanged()) && r.Name > latest.Name) {
			latest = r
		}
	}
	return latest, nil
}

// Get returns the record called name.
func (s *Store) Get(ctx context.Context, name string) (*Record, error) {
	return s.repo.Get(ctx, name)
}

// List returns every record in name order.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	all, err := s.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	sortByName(all)
	return all, nil
}

// Find возвращает записи, подходящие под все условия фильтра, по порядку имён.
// Find returns the records matching every filter condition, in name order.
func (s *Store) Find(ctx context.Context, f Filter) ([]*Record, error) {
	var (
		candidates []*Record
		err        error
	)
	switch {
	case f.Status != nil:
		candidates, err = s.repo.Find(ctx, *f.Status)
	case f.Author != "":
		candidates, err = s.repo.FindByAuthor(ctx, f.Author)
	default:
		candidates, err = s.repo.GetAll(ctx)
	}
	if err != nil {
		return nil, err
	}

	out := candidates[:0]
	for _, r := range candidates {
		if f.match(r) {
			out = append(out, r)
		}
	}
	sortByName(out)
	return out, nil
}

// Backup сохраняет копию значения ключа с текущим временем.
func (s *Store) Backup(ctx context.Context, key string, value []byte) (Backup, error) {
	b := Backup{Key: key, Value: value, Date: s.now()}
	if err := s.repo.Backup(ctx, key, value, b.Date); err != nil {
		return Backup{}, merrors.Wrap(merrors.EInternal, "Store.Backup", err)
	}
	s.log.Info("Backed up key", zap.String("key", key), zap.Time("date", b.Date))
	return b, nil
}

// Backups returns the backups of key, oldest first.
func (s *Store) Backups(ctx context.Context, key string) ([]Backup, error) {
	return s.repo.FindBackups(ctx, key)
}

// Restore returns the latest backup of key, or the one taken at at.
func (s *Store) Restore(ctx context.Context, key string, at *time.Time) (Backup, error) {
	return s.repo.Restore(ctx, key, at)
}

func (s *Store) lookup(ctx context.Context, name string) (*Record, error) {
	rec, err := s.repo.Get(ctx, name)
	if merrors.Is(err, merrors.ERecordNotFound) {
		return nil, nil
	}
	return rec, err
}

func transition(op string, rec *Record, action string) error {
	return &merrors.Error{
		Code: merrors.EInvalidTransition,
		Op:   op,
		Msg:  "cannot " + action + " " + rec.Name + " in status " + rec.Status.String(),
	}
}

func sortByName(records []*Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
}
