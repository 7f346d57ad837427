package consul

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arketec/migrate-consul/pkg/consulmigrate"
	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/kv"
	kvconsul "github.com/arketec/migrate-consul/pkg/consulmigrate/kv/consul"
)

const (
	// RecordsKey holds every record as one JSON array sorted by name.
	RecordsKey = "__migrations"
	// BackupPrefix is followed by <key>/<date>.
	BackupPrefix = "__backups/"

	// dateLayout keeps nanoseconds so backups taken close together get
	// distinct keys; older millisecond stamps still parse with RFC3339Nano.
	dateLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Driver хранит записи о миграциях в самом Consul.
// Driver keeps migration records in Consul itself.
type Driver struct{}

// New создаёт драйвер Consul.
// Назначение: конструктор для регистрации в CLI.
func New() *Driver {
	return &Driver{}
}

// Name возвращает имя драйвера.
// Name returns the driver name.
func (d *Driver) Name() string {
	return "consul"
}

// Open подключается к агенту Consul из конфигурации.
// Вход: ctx, cfg с адресом и токеном, логгер.
// Выход: Repository или error.
// Open connects to the Consul agent named in cfg.
func (d *Driver) Open(ctx context.Context, cfg consulmigrate.Config, log *zap.Logger) (consulmigrate.Repository, error) {
	store, err := kvconsul.New(kvconsul.Config{
		Address:    cfg.Consul.Address,
		Scheme:     cfg.Consul.Scheme,
		Token:      cfg.ConsulToken(),
		Datacenter: cfg.Consul.Datacenter,
	})
	if err != nil {
		return nil, merrors.Wrap(merrors.EInternal, "consul.Open", err)
	}
	return NewRepository(store, kv.LockConfig{Prefix: cfg.Consul.LockPrefix, TTL: cfg.Consul.LockTTL}, log), nil
}

// Repository is a consulmigrate.Repository stored in a kv.Store. Every
// mutation of the record list happens under the RecordsKey lock.
type Repository struct {
	store kv.Store
	lw    *kv.LockedWriter
	log   *zap.Logger
}

var _ consulmigrate.Repository = (*Repository)(nil)

func NewRepository(store kv.Store, lock kv.LockConfig, log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{store: store, lw: kv.NewLockedWriter(store, lock, log), log: log}
}

func (r *Repository) load(ctx context.Context) ([]*consulmigrate.Record, error) {
	p, err := r.store.Get(ctx, RecordsKey)
	if err != nil {
		return nil, err
	}
	if p == nil || len(strings.TrimSpace(string(p.Value))) == 0 {
		return nil, nil
	}
	var records []*consulmigrate.Record
	if err := json.Unmarshal(p.Value, &records); err != nil {
		return nil, &merrors.Error{Code: merrors.ENotJSON, Op: "consul.load", Msg: RecordsKey, Err: err}
	}
	return records, nil
}

// update applies fn to the record list and writes it back under the lock.
func (r *Repository) update(ctx context.Context, fn func([]*consulmigrate.Record) ([]*consulmigrate.Record, error)) error {
	return r.lw.WithLock(ctx, RecordsKey, func(tok *kv.Token) error {
		records, err := r.load(ctx)
		if err != nil {
			return err
		}
		if records, err = fn(records); err != nil {
			return err
		}
		sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
		raw, err := json.Marshal(records)
		if err != nil {
			return err
		}
		return r.lw.Write(ctx, RecordsKey, raw, tok)
	})
}

func (r *Repository) Save(ctx context.Context, rec *consulmigrate.Record) error {
	return r.update(ctx, func(records []*consulmigrate.Record) ([]*consulmigrate.Record, error) {
		for i, existing := range records {
			if existing.Name == rec.Name {
				records[i] = rec.Clone()
				return records, nil
			}
		}
		return append(records, rec.Clone()), nil
	})
}

func (r *Repository) Get(ctx context.Context, name string) (*consulmigrate.Record, error) {
	records, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Name == name {
			return rec, nil
		}
	}
	return nil, consulmigrate.NotFound("consul.Get", name)
}

func (r *Repository) GetAll(ctx context.Context) ([]*consulmigrate.Record, error) {
	records, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

func (r *Repository) filter(ctx context.Context, keep func(*consulmigrate.Record) bool) ([]*consulmigrate.Record, error) {
	records, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*consulmigrate.Record
	for _, rec := range records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *Repository) Find(ctx context.Context, status consulmigrate.Status) ([]*consulmigrate.Record, error) {
	return r.filter(ctx, func(rec *consulmigrate.Record) bool { return rec.Status == status })
}

func (r *Repository) FindByAuthor(ctx context.Context, author string) ([]*consulmigrate.Record, error) {
	return r.filter(ctx, func(rec *consulmigrate.Record) bool { return rec.ScriptAuthor == author })
}

func (r *Repository) Delete(ctx context.Context, name string) error {
	return r.update(ctx, func(records []*consulmigrate.Record) ([]*consulmigrate.Record, error) {
		for i, rec := range records {
			if rec.Name == name {
				return append(records[:i], records[i+1:]...), nil
			}
		}
		return nil, consulmigrate.NotFound("consul.Delete", name)
	})
}

func backupDir(key string) string {
	return BackupPrefix + strings.TrimPrefix(key, "/") + "/"
}

// Backup stores value base64 encoded under __backups/<key>/<date>. Backups
// are append only: an existing backup with the same date is never replaced.
func (r *Repository) Backup(ctx context.Context, key string, value []byte, at time.Time) error {
	target := backupDir(key) + at.UTC().Format(dateLayout)
	encoded := []byte(base64.StdEncoding.EncodeToString(value))
	return r.lw.WithLock(ctx, target, func(tok *kv.Token) error {
		existing, err := r.store.Get(ctx, target)
		if err != nil {
			return merrors.Wrap(merrors.EInternal, "consul.Backup", err)
		}
		if existing != nil {
			return merrors.New(merrors.EInvalidOperation, "backup %s already exists", target)
		}
		return r.lw.Write(ctx, target, encoded, tok)
	})
}

func (r *Repository) FindBackups(ctx context.Context, key string) ([]consulmigrate.Backup, error) {
	dir := backupDir(key)
	pairs, err := r.store.List(ctx, dir)
	if err != nil {
		return nil, err
	}

	var backups []consulmigrate.Backup
	for _, p := range pairs {
		stamp := strings.TrimPrefix(p.Key, dir)
		// backups of nested keys share the prefix
		if strings.Contains(stamp, "/") {
			continue
		}
		date, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			r.log.Warn("Skipping backup with bad date", zap.String("key", p.Key))
			continue
		}
		value, err := base64.StdEncoding.DecodeString(string(p.Value))
		if err != nil {
			return nil, merrors.Wrap(merrors.EInternal, "consul.FindBackups", err)
		}
		backups = append(backups, consulmigrate.Backup{Key: key, Value: value, Date: date})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Date.Before(backups[j].Date) })
	return backups, nil
}

func (r *Repository) Restore(ctx context.Context, key string, at *time.Time) (consulmigrate.Backup, error) {
	backups, err := r.FindBackups(ctx, key)
	if err != nil {
		return consulmigrate.Backup{}, err
	}
	return consulmigrate.SelectBackup(key, backups, at)
}

func (r *Repository) Close() error { return nil }
