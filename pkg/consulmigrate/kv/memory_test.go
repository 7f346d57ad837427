package kv

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetPutDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, s.Put(ctx, "a/1", []byte("one")))
	require.NoError(t, s.Put(ctx, "a/0", []byte("zero")))
	require.NoError(t, s.Put(ctx, "b", []byte("bee")))

	p, err = s.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, "one", string(p.Value))

	// returned pairs are copies
	p.Value[0] = 'X'
	again, _ := s.Get(ctx, "a/1")
	assert.Equal(t, "one", string(again.Value))

	list, err := s.List(ctx, "a/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a/0", list[0].Key)
	assert.Equal(t, "a/1", list[1].Key)

	require.NoError(t, s.Delete(ctx, "a/1"))
	require.NoError(t, s.Delete(ctx, "a/1"))
	p, _ = s.Get(ctx, "a/1")
	assert.Nil(t, p)
}

func TestMemoryStore_Sessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s1, err := s.CreateSession(ctx, "one", 0)
	require.NoError(t, err)
	s2, err := s.CreateSession(ctx, "two", 0)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)

	ok, err := s.Acquire(ctx, "k", []byte("v1"), s1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Acquire(ctx, "k", []byte("v2"), s2)
	require.NoError(t, err)
	assert.False(t, ok)

	// the holder may write again
	ok, err = s.Acquire(ctx, "k", []byte("v3"), s1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Release(ctx, "k", s2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.DestroySession(ctx, s1))
	p, _ := s.Get(ctx, "k")
	assert.Equal(t, "", p.Session)
	assert.Equal(t, "v3", string(p.Value))

	_, err = s.Acquire(ctx, "k", nil, s1)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestMemoryStore_SessionTTL(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	s := NewMemoryStoreWithClock(mock)

	sess, err := s.CreateSession(ctx, "ttl", 10*time.Second)
	require.NoError(t, err)
	ok, err := s.Acquire(ctx, "k", []byte("v"), sess)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, s.Sessions())

	mock.Add(10 * time.Second)

	assert.Equal(t, 0, s.Sessions())
	p, _ := s.Get(ctx, "k")
	assert.Equal(t, "", p.Session)
	_, err = s.Acquire(ctx, "k", []byte("v"), sess)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}
