package kv

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

const (
	DefaultLockPrefix = "__locks/"
	DefaultLockTTL    = 15 * time.Second
)

// LockConfig configures a LockedWriter.
type LockConfig struct {
	// Prefix is prepended to the resource name to form the lock key.
	Prefix string
	// TTL bounds how long a crashed holder keeps the lock.
	TTL time.Duration
	// SessionName labels the sessions created for locks.
	SessionName string
}

func (c LockConfig) withDefaults() LockConfig {
	if c.Prefix == "" {
		c.Prefix = DefaultLockPrefix
	}
	if c.TTL <= 0 {
		c.TTL = DefaultLockTTL
	}
	if c.SessionName == "" {
		c.SessionName = "migrate-consul"
	}
	return c
}

// Token is an acquired lock. It belongs to the writer that issued it and is
// only valid until ReleaseLock.
type Token struct {
	owner    *LockedWriter
	resource string
	lockKey  string
	session  string

	mu       sync.Mutex
	held     []string
	released bool
}

// Resource returns the locked resource name.
func (t *Token) Resource() string { return t.resource }

// Session returns the store session backing the token.
func (t *Token) Session() string { return t.session }

func (t *Token) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.released
}

func (t *Token) hold(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range t.held {
		if k == key {
			return
		}
	}
	t.held = append(t.held, key)
}

func (t *Token) drop(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, k := range t.held {
		if k == key {
			t.held = append(t.held[:i], t.held[i+1:]...)
			return
		}
	}
}

// LockedWriter performs every write under an advisory lock held through a
// store session. Writes acquire the target key with the same session, so a
// writer holding a different session is rejected by the store.
type LockedWriter struct {
	store Store
	cfg   LockConfig
	log   *zap.Logger
}

// NewLockedWriter создаёт писателя, работающего под блокировкой.
// Вход: хранилище, настройки блокировки, логгер.
// Выход: *LockedWriter.
// Назначение: все записи в KV идут через него.
// NewLockedWriter returns a writer over store.
func NewLockedWriter(store Store, cfg LockConfig, log *zap.Logger) *LockedWriter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LockedWriter{store: store, cfg: cfg.withDefaults(), log: log}
}

// Store returns the underlying store.
func (w *LockedWriter) Store() Store { return w.store }

// AcquireLock захватывает рекомендательную блокировку ресурса.
// Вход: ctx, имя ресурса.
// Выход: Token или ELockUnavailable; повторов нет.
// AcquireLock takes the lock for resource. It fails with ELockUnavailable
// when another holder has it and does not retry.
func (w *LockedWriter) AcquireLock(ctx context.Context, resource string) (*Token, error) {
	const op = "kv.AcquireLock"

	session, err := w.store.CreateSession(ctx, w.cfg.SessionName, w.cfg.TTL)
	if err != nil {
		return nil, &merrors.Error{Code: merrors.ELockUnavailable, Op: op, Msg: "create session", Err: err}
	}

	lockKey := w.cfg.Prefix + resource
	ok, err := w.store.Acquire(ctx, lockKey, []byte(session), session)
	if err != nil || !ok {
		if derr := w.store.DestroySession(ctx, session); derr != nil {
			w.log.Warn("Failed to destroy session after lock failure", zap.String("session", session), zap.Error(derr))
		}
		if err == nil {
			err = errors.New("held by another session")
		}
		return nil, &merrors.Error{Code: merrors.ELockUnavailable, Op: op, Msg: resource, Err: err}
	}

	w.log.Debug("Lock acquired", zap.String("key", lockKey), zap.String("session", session))
	return &Token{owner: w, resource: resource, lockKey: lockKey, session: session}, nil
}

func (w *LockedWriter) check(op string, tok *Token) error {
	if tok == nil || tok.owner != w {
		return &merrors.Error{Code: merrors.EWriteRejected, Op: op, Msg: "token not issued by this writer"}
	}
	if !tok.active() {
		return &merrors.Error{Code: merrors.EWriteRejected, Op: op, Msg: "token released"}
	}
	return nil
}

// Write пишет значение, пока токен активен.
// Выход: EWriteRejected, если сессия истекла или ключ держит другой.
// Write stores value at key. The token must be active; the write is rejected
// when the session was invalidated or another session holds key.
func (w *LockedWriter) Write(ctx context.Context, key string, value []byte, tok *Token) error {
	const op = "kv.Write"
	if err := w.check(op, tok); err != nil {
		return err
	}
	ok, err := w.store.Acquire(ctx, key, value, tok.session)
	if err != nil {
		return &merrors.Error{Code: merrors.EWriteRejected, Op: op, Msg: key, Err: err}
	}
	if !ok {
		return &merrors.Error{Code: merrors.EWriteRejected, Op: op, Msg: key + " is held by another session"}
	}
	tok.hold(key)
	w.log.Debug("Key written", zap.String("key", key), zap.String("session", tok.session))
	return nil
}

// Delete удаляет ключ под токеном.
// Delete removes key under the token.
func (w *LockedWriter) Delete(ctx context.Context, key string, tok *Token) error {
	const op = "kv.Delete"
	if err := w.check(op, tok); err != nil {
		return err
	}
	p, err := w.store.Get(ctx, key)
	if err != nil {
		return &merrors.Error{Code: merrors.EWriteRejected, Op: op, Msg: key, Err: err}
	}
	if p != nil && p.Session != "" && p.Session != tok.session {
		return &merrors.Error{Code: merrors.EWriteRejected, Op: op, Msg: key + " is held by another session"}
	}
	if err := w.store.Delete(ctx, key); err != nil {
		return &merrors.Error{Code: merrors.EWriteRejected, Op: op, Msg: key, Err: err}
	}
	tok.drop(key)
	w.log.Debug("Key deleted", zap.String("key", key), zap.String("session", tok.session))
	return nil
}

// WriteMany пишет пары по порядку под одним токеном.
// Выход: *PartialWriteError со списком уже записанных ключей.
// Назначение: порядок, а не транзакция.
// WriteMany applies muts in order. It stops at the first failure and returns
// a *PartialWriteError naming the keys already committed.
func (w *LockedWriter) WriteMany(ctx context.Context, muts []Mutation, tok *Token) error {
	committed := make([]string, 0, len(muts))
	for _, m := range muts {
		var err error
		if m.Delete {
			err = w.Delete(ctx, m.Key, tok)
		} else {
			err = w.Write(ctx, m.Key, m.Value, tok)
		}
		if err != nil {
			return &PartialWriteError{Committed: committed, Failed: m.Key, Err: err}
		}
		committed = append(committed, m.Key)
	}
	return nil
}

// ReleaseLock освобождает блокировку и уничтожает сессию.
// ReleaseLock releases every key the token holds, then the lock key, then
// destroys the session. All steps are attempted; errors are combined.
func (w *LockedWriter) ReleaseLock(ctx context.Context, tok *Token) error {
	if tok == nil || tok.owner != w {
		return &merrors.Error{Code: merrors.EInvalidOperation, Op: "kv.ReleaseLock", Msg: "token not issued by this writer"}
	}
	tok.mu.Lock()
	if tok.released {
		tok.mu.Unlock()
		return nil
	}
	tok.released = true
	held := append([]string(nil), tok.held...)
	tok.mu.Unlock()

	var errs error
	for _, key := range append(held, tok.lockKey) {
		if _, err := w.store.Release(ctx, key, tok.session); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	errs = multierr.Append(errs, w.store.DestroySession(ctx, tok.session))
	if errs != nil {
		w.log.Warn("Lock release incomplete", zap.String("key", tok.lockKey), zap.Error(errs))
		return merrors.Wrap(merrors.EInternal, "kv.ReleaseLock", errs)
	}
	w.log.Debug("Lock released", zap.String("key", tok.lockKey), zap.String("session", tok.session))
	return nil
}

// WithLock выполняет fn под блокировкой и всегда её освобождает.
// Вход: ctx, ресурс, fn.
// Выход: ошибка fn, объединённая с ошибкой освобождения.
// WithLock runs fn while holding the lock for resource and always releases
// it. A release error is combined with fn's error.
func (w *LockedWriter) WithLock(ctx context.Context, resource string, fn func(*Token) error) (err error) {
	tok, err := w.AcquireLock(ctx, resource)
	if err != nil {
		return err
	}
	defer func() {
		// release must run even if ctx is done
		err = multierr.Append(err, w.ReleaseLock(context.Background(), tok))
	}()
	return fn(tok)
}
