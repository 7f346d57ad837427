package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/arketec/migrate-consul/pkg/consulmigrate/kv"
)

// Writer is the storage side of the engine. Every mutation goes through it so
// a dry run can swap in a writer that never touches the store.
type Writer interface {
	// Read returns the current raw value of key and whether it exists.
	Read(ctx context.Context, key string) ([]byte, bool, error)
	Write(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// WriteMany applies muts in order under one lock.
	WriteMany(ctx context.Context, muts []kv.Mutation) error
}

// LiveWriter writes to the store through a kv.LockedWriter, taking the lock
// for each call and releasing it before returning.
type LiveWriter struct {
	lw *kv.LockedWriter
}

var _ Writer = (*LiveWriter)(nil)

// NewLiveWriter пишет в хранилище через LockedWriter.
// NewLiveWriter returns a writer that commits through lw.
func NewLiveWriter(lw *kv.LockedWriter) *LiveWriter {
	return &LiveWriter{lw: lw}
}

func (w *LiveWriter) Read(ctx context.Context, key string) ([]byte, bool, error) {
	return read(ctx, w.lw.Store(), key)
}

func (w *LiveWriter) Write(ctx context.Context, key string, value []byte) error {
	return w.lw.WithLock(ctx, key, func(tok *kv.Token) error {
		return w.lw.Write(ctx, key, value, tok)
	})
}

func (w *LiveWriter) Delete(ctx context.Context, key string) error {
	return w.lw.WithLock(ctx, key, func(tok *kv.Token) error {
		return w.lw.Delete(ctx, key, tok)
	})
}

func (w *LiveWriter) WriteMany(ctx context.Context, muts []kv.Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	return w.lw.WithLock(ctx, muts[0].Key, func(tok *kv.Token) error {
		return w.lw.WriteMany(ctx, muts, tok)
	})
}

func read(ctx context.Context, store kv.Store, key string) ([]byte, bool, error) {
	p, err := store.Get(ctx, key)
	if err != nil || p == nil {
		return nil, false, err
	}
	return p.Value, true, nil
}

// DryRunWriter reads from the store but keeps every write in memory. Later
// reads see the earlier intended writes, so a multi-step script can be
// verified end to end.
type DryRunWriter struct {
	store kv.Store
	log   *zap.Logger

	mu      sync.Mutex
	overlay map[string]*[]byte
}

var _ Writer = (*DryRunWriter)(nil)

// NewDryRunWriter читает живое хранилище и только запоминает записи.
// Назначение: verify без изменений в Consul.
// NewDryRunWriter returns a writer that reads store and never writes it.
func NewDryRunWriter(store kv.Store, log *zap.Logger) *DryRunWriter {
	if log == nil {
		log = zap.NewNop()
	}
	return &DryRunWriter{store: store, log: log, overlay: make(map[string]*[]byte)}
}

func (w *DryRunWriter) Read(ctx context.Context, key string) ([]byte, bool, error) {
	w.mu.Lock()
	v, ok := w.overlay[key]
	w.mu.Unlock()
	if ok {
		if v == nil {
			return nil, false, nil
		}
		return *v, true, nil
	}
	return read(ctx, w.store, key)
}

func (w *DryRunWriter) Write(ctx context.Context, key string, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	v := append([]byte(nil), value...)
	w.overlay[key] = &v
	w.log.Info("Set key", zap.String("key", key), zap.ByteString("value", value))
	return nil
}

func (w *DryRunWriter) Delete(ctx context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.overlay[key] = nil
	w.log.Info("Delete key", zap.String("key", key))
	return nil
}

func (w *DryRunWriter) WriteMany(ctx context.Context, muts []kv.Mutation) error {
	for _, m := range muts {
		if m.Delete {
			_ = w.Delete(ctx, m.Key)
		} else {
			_ = w.Write(ctx, m.Key, m.Value)
		}
	}
	return nil
}
