package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/kv"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/patch"
)

type recorder struct {
	ops  []string
	errs int
}

func (r *recorder) ObserveWrite(op string, err error) {
	r.ops = append(r.ops, op)
	if err != nil {
		r.errs++
	}
}

func newLive(t *testing.T) (*Engine, *kv.MemoryStore, *recorder) {
	store := kv.NewMemoryStore()
	lw := kv.NewLockedWriter(store, kv.LockConfig{}, zaptest.NewLogger(t))
	rec := &recorder{}
	return New(NewLiveWriter(lw), zaptest.NewLogger(t), WithRecorder(rec)), store, rec
}

func value(t *testing.T, store kv.Store, key string) string {
	t.Helper()
	p, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	if p == nil {
		return "<absent>"
	}
	return string(p.Value)
}

func TestEngine_ApplyPath(t *testing.T) {
	ctx := context.Background()
	e, store, rec := newLive(t)
	require.NoError(t, store.Put(ctx, "app", []byte(`{"a":{"b":[1,2]}}`)))

	out, err := e.Apply(ctx, patch.NewRequest("app", patch.Push("$.a.b", 3), patch.Set("$.c", "x")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"b":[1,2,3]},"c":"x"}`, out.Value)
	assert.JSONEq(t, `{"a":{"b":[1,2]}}`, out.Previous)
	assert.True(t, out.Existed)
	assert.JSONEq(t, out.Value, value(t, store, "app"))
	assert.Equal(t, []string{"write"}, rec.ops)

	// no lock or session is left behind
	assert.Equal(t, 0, store.Sessions())
	p, _ := store.Get(ctx, "app")
	assert.Empty(t, p.Session)

	last, ok := e.Output()
	require.True(t, ok)
	assert.Equal(t, out, last)
}

func TestEngine_ApplyAbsentAndBlank(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newLive(t)

	out, err := e.Apply(ctx, patch.NewRequest("new", patch.Set("a.b.c", "x")))
	require.NoError(t, err)
	assert.False(t, out.Existed)
	assert.JSONEq(t, `{"a":{"b":{"c":"x"}}}`, value(t, store, "new"))

	require.NoError(t, store.Put(ctx, "blank", []byte("  ")))
	_, err = e.Apply(ctx, patch.NewRequest("blank", patch.Push("list", 1)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"list":[1]}`, value(t, store, "blank"))
}

func TestEngine_ApplyNotJSON(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newLive(t)
	require.NoError(t, store.Put(ctx, "text", []byte("plain words")))

	_, err := e.Apply(ctx, patch.NewRequest("text", patch.Set("a", 1)))
	require.Error(t, err)
	assert.Equal(t, merrors.ENotJSON, merrors.ErrorCode(err))
	assert.Equal(t, "plain words", value(t, store, "text"))

	// whole-value writes do not care
	_, err = e.Apply(ctx, patch.NewRequest("text", patch.SetScalar("other words")))
	require.NoError(t, err)
	assert.Equal(t, "other words", value(t, store, "text"))
}

func TestEngine_ApplyScalarDelete(t *testing.T) {
	ctx := context.Background()
	e, store, rec := newLive(t)
	require.NoError(t, store.Put(ctx, "k", []byte("v")))

	out, err := e.Apply(ctx, patch.NewRequest("k", patch.DeleteKey()))
	require.NoError(t, err)
	assert.True(t, out.Deleted)
	assert.Equal(t, "v", out.Previous)
	assert.Equal(t, "<absent>", value(t, store, "k"))
	assert.Equal(t, []string{"delete"}, rec.ops)
}

func TestEngine_ApplyInvalid(t *testing.T) {
	e, _, _ := newLive(t)
	_, err := e.Apply(context.Background(), patch.NewRequest("k", patch.SetScalar(1), patch.Set("a", 1)))
	assert.Equal(t, merrors.EInvalidOperation, merrors.ErrorCode(err))
}

func TestEngine_ApplyLockHeld(t *testing.T) {
	ctx := context.Background()
	e, store, rec := newLive(t)

	other := kv.NewLockedWriter(store, kv.LockConfig{}, zaptest.NewLogger(t))
	tok, err := other.AcquireLock(ctx, "busy")
	require.NoError(t, err)
	defer other.ReleaseLock(ctx, tok)

	_, err = e.Apply(ctx, patch.NewRequest("busy", patch.SetScalar("v")))
	assert.Equal(t, merrors.ELockUnavailable, merrors.ErrorCode(err))
	assert.Equal(t, 1, rec.errs)
	_, ok := e.Output()
	assert.False(t, ok)
}

func TestEngine_Remove(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newLive(t)
	require.NoError(t, store.Put(ctx, "app", []byte(`{"list":[1,"v",2,3],"tail":[1,2,9],"flag":true,"keep":1}`)))

	req := patch.NewRequest("app",
		patch.Splice("list", "v", 1),
		patch.Push("tail", 9),
		patch.Set("flag", true),
	)
	_, err := e.Remove(ctx, req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"list":[1,2,3],"tail":[1,2],"keep":1}`, value(t, store, "app"))

	// scalar requests delete the key
	_, err = e.Remove(ctx, patch.NewRequest("app", patch.SetScalar("x")))
	require.NoError(t, err)
	assert.Equal(t, "<absent>", value(t, store, "app"))

	// removing paths from an absent key writes nothing
	out, err := e.Remove(ctx, patch.NewRequest("app", patch.Set("a", 1)))
	require.NoError(t, err)
	assert.False(t, out.Existed)
	assert.Equal(t, "<absent>", value(t, store, "app"))
}

func TestEngine_DryRun(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "app", []byte(`{"n":1}`)))
	e := New(NewDryRunWriter(store, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	_, err := e.Apply(ctx, patch.NewRequest("app", patch.Set("m", 2)))
	require.NoError(t, err)
	out, err := e.Apply(ctx, patch.NewRequest("app", patch.Set("o", 3)))
	require.NoError(t, err)

	// the second request sees the first
	assert.JSONEq(t, `{"n":1,"m":2,"o":3}`, out.Value)
	assert.JSONEq(t, `{"n":1,"m":2}`, out.Previous)
	// the store is untouched
	assert.Equal(t, `{"n":1}`, value(t, store, "app"))

	_, err = e.Apply(ctx, patch.NewRequest("app", patch.DeleteKey()))
	require.NoError(t, err)
	raw, exists, err := e.Writer().Read(ctx, "app")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Nil(t, raw)
	assert.Len(t, e.Outputs(), 3)

	e.Reset()
	assert.Empty(t, e.Outputs())
}

func TestEngine_WriteManyPartial(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newLive(t)

	foreign, err := store.CreateSession(ctx, "foreign", 0)
	require.NoError(t, err)
	_, err = store.Acquire(ctx, "b", []byte("held"), foreign)
	require.NoError(t, err)

	err = e.WriteMany(ctx, []kv.Mutation{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
	})
	require.Error(t, err)
	outs := e.Outputs()
	require.Len(t, outs, 1)
	assert.Equal(t, "a", outs[0].Key)
	assert.Equal(t, "1", value(t, store, "a"))
}
