package consulmigrate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	"github.com/arketec/migrate-consul/pkg/consulmigrate"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/drivers/consul"
	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/kv"
)

func newStore(t *testing.T) (*consulmigrate.Store, *clock.Mock) {
	t.Helper()
	log := zaptest.NewLogger(t)
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := consul.NewRepository(kv.NewMemoryStore(), kv.LockConfig{}, log)
	return consulmigrate.NewStore(repo, log, consulmigrate.WithStoreClock(mock)), mock
}

func TestStore_StageAndApply(t *testing.T) {
	ctx := context.Background()
	s, mock := newStore(t)

	rec, err := s.Stage(ctx, "20240101000000-a.js", "H1", "alice")
	require.NoError(t, err)
	assert.Equal(t, consulmigrate.StatusPending, rec.Status)
	assert.Equal(t, "alice", rec.ScriptAuthor)
	assert.Nil(t, rec.DateApplied)

	_, err = s.Stage(ctx, "20240101000000-a.js", "H1", "bob")
	assert.Equal(t, merrors.EAlreadyStaged, merrors.ErrorCode(err))

	mock.Add(time.Hour)
	rec, err = s.ApplyResult(ctx, "20240101000000-a.js", true, "carol", "H2")
	require.NoError(t, err)
	assert.Equal(t, consulmigrate.StatusCompleted, rec.Status)
	assert.Equal(t, "H2", rec.Hash)
	assert.Equal(t, "carol", rec.ChangedBy)
	require.NotNil(t, rec.DateApplied)
	assert.Equal(t, mock.Now().UTC(), *rec.DateApplied)

	// only Pending records take a result
	_, err = s.ApplyResult(ctx, "20240101000000-a.js", false, "carol", "")
	assert.Equal(t, merrors.EInvalidTransition, merrors.ErrorCode(err))

	_, err = s.ApplyResult(ctx, "missing", true, "", "")
	assert.Equal(t, merrors.ERecordNotFound, merrors.ErrorCode(err))

	got, err := s.Get(ctx, "20240101000000-a.js")
	require.NoError(t, err)
	assert.Equal(t, consulmigrate.StatusCompleted, got.Status)
}

func TestStore_ApplyFailure(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	_, err := s.Stage(ctx, "b", "H1", "")
	require.NoError(t, err)
	rec, err := s.ApplyResult(ctx, "b", false, "dave", "H9")
	require.NoError(t, err)
	assert.Equal(t, consulmigrate.StatusFailed, rec.Status)
	assert.Equal(t, "H1", rec.Hash)
	assert.Nil(t, rec.DateApplied)
	assert.NotNil(t, rec.DateLastChanged)
}

func TestStore_Restage(t *testing.T) {
	ctx := context.Background()

	failed := func(t *testing.T) *consulmigrate.Store {
		s, _ := newStore(t)
		_, err := s.Stage(ctx, "m", "H1", "")
		require.NoError(t, err)
		_, err = s.ApplyResult(ctx, "m", false, "", "")
		require.NoError(t, err)
		return s
	}

	t.Run("hash changed", func(t *testing.T) {
		s := failed(t)
		_, err := s.Restage(ctx, consulmigrate.ByName("m"), consulmigrate.RestageOptions{CurrentHash: "H2"})
		assert.Equal(t, merrors.EHashMismatch, merrors.ErrorCode(err))

		got, err := s.Get(ctx, "m")
		require.NoError(t, err)
		assert.Equal(t, consulmigrate.StatusFailed, got.Status)
	})

	t.Run("hash changed with force", func(t *testing.T) {
		s := failed(t)
		rec, err := s.Restage(ctx, consulmigrate.ByName("m"), consulmigrate.RestageOptions{CurrentHash: "H2", Force: true, ChangedBy: "erin"})
		require.NoError(t, err)
		assert.Equal(t, consulmigrate.StatusPending, rec.Status)
		assert.Equal(t, "H2", rec.Hash)
		assert.Equal(t, "erin", rec.ChangedBy)
	})

	t.Run("hash matches", func(t *testing.T) {
		s := failed(t)
		rec, err := s.Restage(ctx, consulmigrate.Selector{}, consulmigrate.RestageOptions{CurrentHash: "H1"})
		require.NoError(t, err)
		assert.Equal(t, consulmigrate.StatusPending, rec.Status)
	})

	completed := func(t *testing.T) *consulmigrate.Store {
		s, _ := newStore(t)
		_, err := s.Stage(ctx, "m", "H1", "")
		require.NoError(t, err)
		_, err = s.ApplyResult(ctx, "m", true, "", "H1")
		require.NoError(t, err)
		return s
	}

	t.Run("completed with matching hash", func(t *testing.T) {
		s := completed(t)
		rec, err := s.Restage(ctx, consulmigrate.ByName("m"), consulmigrate.RestageOptions{CurrentHash: "H1", ChangedBy: "erin"})
		require.NoError(t, err)
		assert.Equal(t, consulmigrate.StatusPending, rec.Status)
		assert.Equal(t, "erin", rec.ChangedBy)
	})

	t.Run("completed by status selector", func(t *testing.T) {
		s := completed(t)
		rec, err := s.Restage(ctx, consulmigrate.ByStatus(consulmigrate.StatusCompleted), consulmigrate.RestageOptions{CurrentHash: "H1"})
		require.NoError(t, err)
		assert.Equal(t, "m", rec.Name)
		assert.Equal(t, consulmigrate.StatusPending, rec.Status)
	})

	t.Run("completed with changed hash", func(t *testing.T) {
		s := completed(t)
		_, err := s.Restage(ctx, consulmigrate.ByName("m"), consulmigrate.RestageOptions{CurrentHash: "H2"})
		assert.Equal(t, merrors.EHashMismatch, merrors.ErrorCode(err))

		rec, err := s.Restage(ctx, consulmigrate.ByName("m"), consulmigrate.RestageOptions{CurrentHash: "H2", Force: true})
		require.NoError(t, err)
		assert.Equal(t, consulmigrate.StatusPending, rec.Status)
		assert.Equal(t, "H2", rec.Hash)
	})

	t.Run("completed without a hash", func(t *testing.T) {
		s := completed(t)
		_, err := s.Restage(ctx, consulmigrate.ByName("m"), consulmigrate.RestageOptions{})
		assert.Equal(t, merrors.EInvalidTransition, merrors.ErrorCode(err))

		rec, err := s.Restage(ctx, consulmigrate.ByName("m"), consulmigrate.RestageOptions{Force: true})
		require.NoError(t, err)
		assert.Equal(t, consulmigrate.StatusPending, rec.Status)
		assert.Equal(t, "H1", rec.Hash)
	})

	t.Run("deleted is terminal", func(t *testing.T) {
		s, _ := newStore(t)
		_, err := s.Stage(ctx, "m", "H1", "")
		require.NoError(t, err)
		_, err = s.ApplyResult(ctx, "m", true, "", "")
		require.NoError(t, err)
		_, err = s.Rollback(ctx, consulmigrate.Selector{}, "", func(context.Context, *consulmigrate.Record) error { return nil })
		require.NoError(t, err)

		_, err = s.Restage(ctx, consulmigrate.ByName("m"), consulmigrate.RestageOptions{Force: true})
		assert.Equal(t, merrors.EInvalidTransition, merrors.ErrorCode(err))
	})

	t.Run("nothing failed", func(t *testing.T) {
		s, _ := newStore(t)
		_, err := s.Restage(ctx, consulmigrate.Selector{}, consulmigrate.RestageOptions{})
		assert.Equal(t, merrors.ERecordNotFound, merrors.ErrorCode(err))
	})
}

func TestStore_RestagePicksMostRecentFailure(t *testing.T) {
	ctx := context.Background()
	s, mock := newStore(t)

	for _, name := range []string{"a", "b", "c"} {
		_, err := s.Stage(ctx, name, "", "")
		require.NoError(t, err)
	}
	for _, name := range []string{"c", "a", "b"} {
		mock.Add(time.Minute)
		_, err := s.ApplyResult(ctx, name, name == "b", "", "")
		require.NoError(t, err)
	}

	rec, err := s.Restage(ctx, consulmigrate.Selector{}, consulmigrate.RestageOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Name)
}

func TestStore_Rollback(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	for _, name := range []string{"1", "2"} {
		_, err := s.Stage(ctx, name, "", "")
		require.NoError(t, err)
		_, err = s.ApplyResult(ctx, name, true, "", "")
		require.NoError(t, err)
	}

	var ran []string
	rec, err := s.Rollback(ctx, consulmigrate.Selector{}, "frank", func(_ context.Context, r *consulmigrate.Record) error {
		ran = append(ran, r.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, consulmigrate.StatusDeleted, rec.Status)
	assert.Equal(t, []string{"2"}, ran)

	rec, err = s.Rollback(ctx, consulmigrate.ByName("1"), "frank", func(context.Context, *consulmigrate.Record) error {
		return merrors.New(merrors.ENotJSON, "bad value")
	})
	assert.Equal(t, merrors.ENotJSON, merrors.ErrorCode(err))
	require.NotNil(t, rec)
	assert.Equal(t, consulmigrate.StatusFailed, rec.Status)

	_, err = s.Rollback(ctx, consulmigrate.ByName("1"), "", func(context.Context, *consulmigrate.Record) error { return nil })
	assert.Equal(t, merrors.EInvalidTransition, merrors.ErrorCode(err))
}

func TestStore_FindAndUnstage(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	stage := func(name, author string, success *bool, changedBy string) {
		_, err := s.Stage(ctx, name, "", author)
		require.NoError(t, err)
		if success != nil {
			_, err = s.ApplyResult(ctx, name, *success, changedBy, "")
			require.NoError(t, err)
		}
	}
	yes, no := true, false
	stage("1", "alice", &yes, "ops")
	stage("2", "alice", &no, "ops")
	stage("3", "bob", &no, "dev")
	stage("4", "alice", nil, "")
	stage("5", "bob", nil, "")

	failed := consulmigrate.StatusFailed
	got, err := s.Find(ctx, consulmigrate.Filter{Status: &failed, ChangedBy: "ops"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].Name)

	got, err = s.Find(ctx, consulmigrate.Filter{Author: "alice"})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	removed, err := s.Unstage(ctx, consulmigrate.UnstageOptions{Author: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "4"}, names(removed))

	removed, err = s.Unstage(ctx, consulmigrate.UnstageOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, names(removed))

	removed, err = s.Unstage(ctx, consulmigrate.UnstageOptions{Failed: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, names(removed))

	_, err = s.Unstage(ctx, consulmigrate.UnstageOptions{Name: "nope"})
	assert.Equal(t, merrors.ERecordNotFound, merrors.ErrorCode(err))

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, names(all))
}

func TestStore_Backups(t *testing.T) {
	ctx := context.Background()
	s, mock := newStore(t)

	first, err := s.Backup(ctx, "app/config", []byte("v1"))
	require.NoError(t, err)
	mock.Add(time.Second)
	_, err = s.Backup(ctx, "app/config", []byte{0xff, 0x00})
	require.NoError(t, err)
	mock.Add(time.Second)
	_, err = s.Backup(ctx, "app/config/nested", []byte("other"))
	require.NoError(t, err)

	backups, err := s.Backups(ctx, "app/config")
	require.NoError(t, err)
	require.Len(t, backups, 2)

	latest, err := s.Restore(ctx, "app/config", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x00}, latest.Value)

	at := first.Date
	b, err := s.Restore(ctx, "app/config", &at)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(b.Value))

	missing := at.Add(time.Hour)
	_, err = s.Restore(ctx, "app/config", &missing)
	assert.Equal(t, merrors.ERecordNotFound, merrors.ErrorCode(err))

	_, err = s.Restore(ctx, "none", nil)
	assert.Equal(t, merrors.ERecordNotFound, merrors.ErrorCode(err))
}

func names(records []*consulmigrate.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Name)
	}
	return out
}

// failingSave wraps a Repository and fails every Save once armed.
type failingSave struct {
	consulmigrate.Repository
	armed bool
}

func (f *failingSave) Save(ctx context.Context, r *consulmigrate.Record) error {
	if f.armed {
		return errors.New("disk full")
	}
	return f.Repository.Save(ctx, r)
}

func TestStore_RollbackReportsLostFailure(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	repo := &failingSave{Repository: consul.NewRepository(kv.NewMemoryStore(), kv.LockConfig{}, log)}
	s := consulmigrate.NewStore(repo, log)

	_, err := s.Stage(ctx, "m", "", "")
	require.NoError(t, err)
	_, err = s.ApplyResult(ctx, "m", true, "", "")
	require.NoError(t, err)

	repo.armed = true
	_, err = s.Rollback(ctx, consulmigrate.ByName("m"), "", func(context.Context, *consulmigrate.Record) error {
		return merrors.New(merrors.ENotJSON, "bad value")
	})
	require.Error(t, err)
	assert.Equal(t, merrors.ENotJSON, merrors.ErrorCode(err))
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, multierr.Errors(err), 2)

	repo.armed = false
	got, err := s.Get(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, consulmigrate.StatusCompleted, got.Status)
}
