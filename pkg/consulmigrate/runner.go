package consulmigrate

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arketec/migrate-consul/pkg/consulmigrate/engine"
	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/kv"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/patch"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/script"
)

// Observer получает результат каждой миграции.
// Observer receives the outcome of every migration run.
type Observer interface {
	ObserveMigration(direction, outcome string, d time.Duration)
}

// Outcome is what happened to one migration in a run.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeFailed     Outcome = "failed"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeRolledBack Outcome = "rolled_back"
)

// Result describes one migration in a Report.
type Result struct {
	Name     string
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Report lists the migrations a run touched, in execution order.
type Report struct {
	Results []Result
}

// Count returns the number of results with outcome o.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Runner управляет stage/up/down/verify поверх Store и хранилища ключей.
// Назначение: последовательное выполнение миграций по порядку имён.
// Runner drives stage/up/down/verify on top of a Store and the key/value store.
// Purpose: run migrations one at a time in name order.
type Runner struct {
	cfg      Config
	store    *Store
	kv       kv.Store
	loader   script.Loader
	log      *zap.Logger
	clock    clock.Clock
	observer Observer
	recorder engine.Recorder
}

// RunnerOption настраивает Runner.
type RunnerOption func(*Runner)

// WithClock задаёт часы для Runner и его Store.
func WithClock(c clock.Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

// WithObserver reports migration outcomes to o.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

// WithRecorder reports key writes to rec.
func WithRecorder(rec engine.Recorder) RunnerOption {
	return func(r *Runner) { r.recorder = rec }
}

// NewRunner создаёт Runner.
// Вход: конфигурация, репозиторий записей, хранилище ключей, загрузчик скриптов, логгер.
// Выход: *Runner.
// Назначение: собрать зависимости в одном месте, без глобального состояния.
func NewRunner(cfg Config, repo Repository, store kv.Store, loader script.Loader, log *zap.Logger, opts ...RunnerOption) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{cfg: cfg, kv: store, loader: loader, log: log, clock: clock.New()}
	for _, opt := range opts {
		opt(r)
	}
	r.store = NewStore(repo, log, WithStoreClock(r.clock))
	return r
}

// Store returns the record state machine.
func (r *Runner) Store() *Store { return r.store }

func (r *Runner) lockConfig() kv.LockConfig {
	return kv.LockConfig{Prefix: r.cfg.Consul.LockPrefix, TTL: r.cfg.Consul.LockTTL}
}

func (r *Runner) newEngine(w engine.Writer) *engine.Engine {
	var opts []engine.Option
	if r.recorder != nil {
		opts = append(opts, engine.WithRecorder(r.recorder))
	}
	return engine.New(w, r.log, opts...)
}

func (r *Runner) liveEngine() *engine.Engine {
	return r.newEngine(engine.NewLiveWriter(kv.NewLockedWriter(r.kv, r.lockConfig(), r.log)))
}

func (r *Runner) observe(direction string, o Outcome, d time.Duration) {
	if r.observer != nil {
		r.observer.ObserveMigration(direction, string(o), d)
	}
}

// StageAll регистрирует все новые файлы миграций.
// Вход: ctx, автор.
// Выход: созданные записи или error.
// Назначение: файлы-примеры пропускаются с предупреждением, уже отслеживаемые файлы не трогаются.
func (r *Runner) StageAll(ctx context.Context, author string) ([]*Record, error) {
	scripts, samples, err := ScanScripts(r.cfg.MigrationsDirectory, r.cfg.SampleSuffixOrDefault())
	if err != nil {
		return nil, err
	}
	for _, s := range samples {
		r.log.Warn("Skipping sample migration", zap.String("file", s))
	}

	var staged []*Record
	for _, sf := range scripts {
		rec, err := r.store.Stage(ctx, sf.Name, sf.Hash, author)
		if merrors.Is(err, merrors.EAlreadyStaged) {
			continue
		}
		if err != nil {
			return staged, err
		}
		staged = append(staged, rec)
	}
	return staged, nil
}

// UpOptions controls Up.
type UpOptions struct {
	ChangedBy string
	// Force runs scripts whose hash no longer matches the record.
	Force bool
	// Stage stages new files with StageAuthor before running.
	Stage       bool
	StageAuthor string
}

// Up выполняет все Pending миграции по порядку имён.
// Вход: ctx, опции.
// Выход: отчёт и объединённая ошибка всех неудачных миграций.
// Назначение: ошибка одной миграции не останавливает остальные.
// Up runs every Pending migration in name order. A failing migration does
// not stop the batch; every failure is returned combined.
func (r *Runner) Up(ctx context.Context, opts UpOptions) (*Report, error) {
	if opts.Stage {
		if _, err := r.StageAll(ctx, opts.StageAuthor); err != nil {
			return nil, err
		}
	}

	pending := StatusPending
	records, err := r.store.Find(ctx, Filter{Status: &pending})
	if err != nil {
		return nil, err
	}

	report := &Report{}
	var errs error
	for _, rec := range records {
		res := r.up(ctx, rec, opts)
		report.Results = append(report.Results, res)
		r.observe("up", res.Outcome, res.Duration)
		if res.Err != nil {
			r.log.Error("Migration failed", zap.String("migration", rec.Name), zap.String("outcome", string(res.Outcome)), zap.Error(res.Err))
			errs = multierr.Append(errs, res.Err)
			continue
		}
		r.log.Info("Migration applied", zap.String("migration", rec.Name), zap.Duration("took", res.Duration))
	}
	return report, errs
}

func (r *Runner) up(ctx context.Context, rec *Record, opts UpOptions) Result {
	const op = "Runner.Up"
	res := Result{Name: rec.Name, Outcome: OutcomeSkipped}

	sf, src, err := ReadScript(r.cfg.MigrationsDirectory, rec.Name)
	if err != nil {
		res.Err = &merrors.Error{Code: merrors.EInternal, Op: op, Msg: rec.Name, Err: err}
		return res
	}
	if err := checkHash(op, rec, sf, opts.Force); err != nil {
		res.Err = err
		return res
	}

	start := r.clock.Now()
	runErr := r.run(ctx, rec.Name, src, false, engine.NewClient(r.liveEngine(), r.log))
	res.Duration = r.clock.Now().Sub(start)

	if _, err := r.store.ApplyResult(ctx, rec.Name, runErr == nil, opts.ChangedBy, sf.Hash); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = multierr.Append(runErr, err)
		return res
	}
	if runErr != nil {
		res.Outcome = OutcomeFailed
		res.Err = &merrors.Error{Code: merrors.ErrorCode(runErr), Op: op, Msg: rec.Name, Err: runErr}
		return res
	}
	res.Outcome = OutcomeApplied
	return res
}

// DownOptions controls Down.
type DownOptions struct {
	// Count is the number of Completed migrations to roll back, newest
	// first. Zero means one.
	Count     int
	ChangedBy string
	Force     bool
}

// Down откатывает последние Completed миграции, начиная с самой новой.
// Вход: ctx, опции.
// Выход: отчёт и ошибка первой неудачной миграции.
// Назначение: ошибка прерывает откат, более старые миграции не трогаются.
// Down rolls back the newest Completed migrations. The first failure aborts
// the run; older migrations are left untouched.
func (r *Runner) Down(ctx context.Context, opts DownOptions) (*Report, error) {
	const op = "Runner.Down"

	completed := StatusCompleted
	records, err := r.store.Find(ctx, Filter{Status: &completed})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	count := opts.Count
	if count <= 0 {
		count = 1
	}
	if count > len(records) {
		count = len(records)
	}

	report := &Report{}
	for _, rec := range records[:count] {
		res := Result{Name: rec.Name, Outcome: OutcomeSkipped}

		sf, src, err := ReadScript(r.cfg.MigrationsDirectory, rec.Name)
		if err != nil {
			res.Err = &merrors.Error{Code: merrors.EInternal, Op: op, Msg: rec.Name, Err: err}
		} else {
			res.Err = checkHash(op, rec, sf, opts.Force)
		}
		if res.Err != nil {
			report.Results = append(report.Results, res)
			r.log.Error("Rollback aborted", zap.String("migration", rec.Name), zap.Error(res.Err))
			return report, res.Err
		}

		start := r.clock.Now()
		name := rec.Name
		_, err = r.store.Rollback(ctx, ByName(name), opts.ChangedBy, func(ctx context.Context, _ *Record) error {
			return r.run(ctx, name, src, true, engine.NewClient(r.liveEngine(), r.log))
		})
		res.Duration = r.clock.Now().Sub(start)
		if err != nil {
			res.Outcome, res.Err = OutcomeFailed, err
		} else {
			res.Outcome = OutcomeRolledBack
		}
		report.Results = append(report.Results, res)
		r.observe("down", res.Outcome, res.Duration)

		if err != nil {
			r.log.Error("Rollback failed", zap.String("migration", name), zap.Error(err))
			return report, err
		}
		r.log.Info("Migration rolled back", zap.String("migration", name))
	}
	return report, nil
}

// run loads and executes one direction of a script. A panic inside the
// script is reported as an error.
func (r *Runner) run(ctx context.Context, name string, src []byte, down bool, c *engine.Client) (err error) {
	s, err := r.loader.Load(name, src)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			err = merrors.New(merrors.EInternal, "migration %s panicked: %v", name, p)
		}
	}()
	if down {
		return s.Down(ctx, c, r.cfg.Environment)
	}
	return s.Up(ctx, c, r.cfg.Environment)
}

func checkHash(op string, rec *Record, sf ScriptFile, force bool) error {
	if force || rec.Hash == "" || rec.Hash == sf.Hash {
		return nil
	}
	return &merrors.Error{
		Code: merrors.EHashMismatch,
		Op:   op,
		Msg:  fmt.Sprintf("script %s changed since it was recorded (%s != %s)", rec.Name, sf.Hash, rec.Hash),
	}
}

// Restage пересчитывает хэш файла и возвращает запись в Pending.
// Restage recomputes the script hash and moves the selected record back to
// Pending. An empty selector picks the most recently changed Failed record.
func (r *Runner) Restage(ctx context.Context, sel Selector, changedBy string, force bool) (*Record, error) {
	if sel.Name == "" && sel.Status == nil {
		sel = ByStatus(StatusFailed)
	}
	rec, err := r.store.Resolve(ctx, sel)
	if err != nil {
		return nil, err
	}

	opts := RestageOptions{ChangedBy: changedBy, Force: force}
	sf, _, err := ReadScript(r.cfg.MigrationsDirectory, rec.Name)
	switch {
	case err == nil:
		opts.CurrentHash = sf.Hash
	case !force:
		return nil, &merrors.Error{Code: merrors.EInternal, Op: "Runner.Restage", Msg: rec.Name, Err: err}
	}
	return r.store.Restage(ctx, ByName(rec.Name), opts)
}

// Unstage removes records; see UnstageOptions.
func (r *Runner) Unstage(ctx context.Context, opts UnstageOptions) ([]*Record, error) {
	return r.store.Unstage(ctx, opts)
}

// Status returns every record in name order.
func (r *Runner) Status(ctx context.Context) ([]*Record, error) {
	return r.store.List(ctx)
}

// VerifyOptions selects the scripts Verify runs.
type VerifyOptions struct {
	Down bool
	// File runs only the named script, whatever its record says.
	File string
	// DateFrom and DateTo bound the timestamp prefix of the file name. A
	// shorter value such as "20240101" matches by prefix.
	DateFrom string
	DateTo   string
	// Unstaged runs scripts that have no record yet.
	Unstaged bool
}

// Verification is the dry run of one script.
type Verification struct {
	Name    string
	Outputs []engine.Output
	Err     error
}

// Verify выполняет скрипты без записи в хранилище.
// Вход: ctx, опции выбора.
// Выход: намеченные изменения по каждому скрипту.
// Назначение: показать diff перед up/down.
// Verify runs scripts against a dry-run writer and returns the writes each
// one would make. Later scripts see the writes of earlier ones.
func (r *Runner) Verify(ctx context.Context, opts VerifyOptions) ([]Verification, error) {
	scripts, _, err := ScanScripts(r.cfg.MigrationsDirectory, r.cfg.SampleSuffixOrDefault())
	if err != nil {
		return nil, err
	}
	records, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*Record, len(records))
	for _, rec := range records {
		byName[rec.Name] = rec
	}

	var selected []ScriptFile
	for _, sf := range scripts {
		if opts.File != "" {
			if sf.Name == opts.File || sf.Description == opts.File {
				selected = append(selected, sf)
			}
			continue
		}
		if !inRange(sf.Version, opts.DateFrom, opts.DateTo) {
			continue
		}
		rec := byName[sf.Name]
		switch {
		case opts.Unstaged:
			if rec != nil {
				continue
			}
		case opts.Down:
			if rec == nil || rec.Status != StatusCompleted {
				continue
			}
		default:
			if rec == nil || rec.Status != StatusPending {
				continue
			}
		}
		selected = append(selected, sf)
	}
	if opts.File != "" && len(selected) == 0 {
		return nil, merrors.New(merrors.EInvalidOperation, "no migration file %s", opts.File)
	}
	if opts.Down {
		for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
			selected[i], selected[j] = selected[j], selected[i]
		}
	}

	e := r.newEngine(engine.NewDryRunWriter(r.kv, r.log))
	client := engine.NewClient(e, r.log)

	var (
		out  []Verification
		errs error
	)
	for _, sf := range selected {
		e.Reset()
		_, src, err := ReadScript(r.cfg.MigrationsDirectory, sf.Name)
		if err == nil {
			err = r.run(ctx, sf.Name, src, opts.Down, client)
		}
		v := Verification{Name: sf.Name, Outputs: e.Outputs(), Err: err}
		if err != nil {
			errs = multierr.Append(errs, &merrors.Error{Code: merrors.ErrorCode(err), Op: "Runner.Verify", Msg: sf.Name, Err: err})
		}
		out = append(out, v)
	}
	return out, errs
}

func inRange(version, from, to string) bool {
	if from != "" && version < from {
		return false
	}
	if to != "" {
		v := version
		if len(v) > len(to) {
			v = v[:len(to)]
		}
		if v > to {
			return false
		}
	}
	return true
}

// Backup сохраняет текущие значения ключей.
// Вход: ctx, ключи.
// Выход: созданные копии; EKeyNotFound для отсутствующих ключей.
func (r *Runner) Backup(ctx context.Context, keys ...string) ([]Backup, error) {
	var (
		backups []Backup
		errs    error
	)
	for _, key := range keys {
		p, err := r.kv.Get(ctx, key)
		if err != nil {
			errs = multierr.Append(errs, merrors.Wrap(merrors.EInternal, "Runner.Backup", err))
			continue
		}
		if p == nil {
			errs = multierr.Append(errs, &merrors.Error{Code: merrors.EKeyNotFound, Op: "Runner.Backup", Msg: key})
			continue
		}
		b, err := r.store.Backup(ctx, key, p.Value)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		backups = append(backups, b)
	}
	return backups, errs
}

// Restore записывает значение из резервной копии обратно в ключ.
// Вход: ctx, ключ, время копии или nil для последней.
// Выход: восстановленная копия или error.
func (r *Runner) Restore(ctx context.Context, key string, at *time.Time) (Backup, error) {
	b, err := r.store.Restore(ctx, key, at)
	if err != nil {
		return Backup{}, err
	}
	if _, err := r.liveEngine().Apply(ctx, patch.NewRequest(key, patch.SetScalar(b.Value))); err != nil {
		return Backup{}, err
	}
	r.log.Info("Restored key", zap.String("key", key), zap.Time("date", b.Date))
	return b, nil
}

// ListBackups returns the backups of key, newest first.
func (r *Runner) ListBackups(ctx context.Context, key string) ([]Backup, error) {
	backups, err := r.store.Backups(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]Backup, len(backups))
	for i, b := range backups {
		out[len(backups)-1-i] = b
	}
	return out, nil
}
