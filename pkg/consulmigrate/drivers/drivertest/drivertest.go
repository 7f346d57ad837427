// Package drivertest holds the behaviour every consulmigrate.Repository
// must share. Driver packages run it against their own store.
package drivertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arketec/migrate-consul/pkg/consulmigrate"
	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

// base has millisecond precision, the coarsest any driver keeps.
var base = time.Date(2024, 5, 6, 7, 8, 9, 123000000, time.UTC)

// Run checks the repository returned by open. open is called once per
// subtest and must return an empty repository.
func Run(t *testing.T, open func(t *testing.T) consulmigrate.Repository) {
	t.Run("records", func(t *testing.T) { testRecords(t, open(t)) })
	t.Run("find", func(t *testing.T) { testFind(t, open(t)) })
	t.Run("backups", func(t *testing.T) { testBackups(t, open(t)) })
	t.Run("copy", func(t *testing.T) { testCopy(t, open(t), open(t)) })
}

func record(name string, status consulmigrate.Status, author string) *consulmigrate.Record {
	return &consulmigrate.Record{
		Name:         name,
		Hash:         "hash-" + name,
		Status:       status,
		DateAdded:    base,
		ScriptAuthor: author,
	}
}

func testRecords(t *testing.T, repo consulmigrate.Repository) {
	ctx := context.Background()
	defer repo.Close()

	_, err := repo.Get(ctx, "20240101000000-a.js")
	assert.Equal(t, merrors.ERecordNotFound, merrors.ErrorCode(err))

	rec := record("20240101000000-a.js", consulmigrate.StatusPending, "alice")
	require.NoError(t, repo.Save(ctx, rec))

	got, err := repo.Get(ctx, rec.Name)
	require.NoError(t, err)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.Hash, got.Hash)
	assert.Equal(t, consulmigrate.StatusPending, got.Status)
	assert.True(t, base.Equal(got.DateAdded))
	assert.Nil(t, got.DateApplied)
	assert.Nil(t, got.DateLastChanged)
	assert.Equal(t, "alice", got.ScriptAuthor)

	applied := base.Add(time.Hour)
	rec.Status = consulmigrate.StatusCompleted
	rec.DateApplied = &applied
	rec.DateLastChanged = &applied
	rec.ChangedBy = "bob"
	require.NoError(t, repo.Save(ctx, rec))

	got, err = repo.Get(ctx, rec.Name)
	require.NoError(t, err)
	assert.Equal(t, consulmigrate.StatusCompleted, got.Status)
	require.NotNil(t, got.DateApplied)
	assert.True(t, applied.Equal(*got.DateApplied))
	assert.Equal(t, "bob", got.ChangedBy)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.Delete(ctx, rec.Name))
	err = repo.Delete(ctx, rec.Name)
	assert.Equal(t, merrors.ERecordNotFound, merrors.ErrorCode(err))
}

func testFind(t *testing.T, repo consulmigrate.Repository) {
	ctx := context.Background()
	defer repo.Close()

	for _, rec := range []*consulmigrate.Record{
		record("3", consulmigrate.StatusFailed, "bob"),
		record("1", consulmigrate.StatusCompleted, "alice"),
		record("2", consulmigrate.StatusFailed, "alice"),
		record("4", consulmigrate.StatusPending, "alice"),
	} {
		require.NoError(t, repo.Save(ctx, rec))
	}

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4"}, names(all))

	failed, err := repo.Find(ctx, consulmigrate.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, names(failed))

	deleted, err := repo.Find(ctx, consulmigrate.StatusDeleted)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	byAlice, err := repo.FindByAuthor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "4"}, names(byAlice))
}

func testBackups(t *testing.T, repo consulmigrate.Repository) {
	ctx := context.Background()
	defer repo.Close()

	_, err := repo.Restore(ctx, "app/config", nil)
	assert.Equal(t, merrors.ERecordNotFound, merrors.ErrorCode(err))

	require.NoError(t, repo.Backup(ctx, "app/config", []byte(`{"v":1}`), base))
	require.NoError(t, repo.Backup(ctx, "app/config", []byte{0x00, 0xfe}, base.Add(time.Second)))
	require.NoError(t, repo.Backup(ctx, "app/other", []byte("x"), base.Add(2*time.Second)))

	backups, err := repo.FindBackups(ctx, "app/config")
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, `{"v":1}`, string(backups[0].Value))
	assert.True(t, base.Equal(backups[0].Date))

	latest, err := repo.Restore(ctx, "app/config", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xfe}, latest.Value)

	at := base
	first, err := repo.Restore(ctx, "app/config", &at)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(first.Value))

	never := base.Add(time.Minute)
	_, err = repo.Restore(ctx, "app/config", &never)
	assert.Equal(t, merrors.ERecordNotFound, merrors.ErrorCode(err))
}

func testCopy(t *testing.T, from, to consulmigrate.Repository) {
	ctx := context.Background()
	defer from.Close()
	defer to.Close()

	require.NoError(t, from.Save(ctx, record("1", consulmigrate.StatusCompleted, "")))
	require.NoError(t, from.Save(ctx, record("2", consulmigrate.StatusPending, "")))
	existing := record("1", consulmigrate.StatusFailed, "kept")
	require.NoError(t, to.Save(ctx, existing))

	copied, err := consulmigrate.CopyRecords(ctx, from, to, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, names(copied))

	got, err := to.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, consulmigrate.StatusFailed, got.Status)
	assert.Equal(t, "kept", got.ScriptAuthor)

	copied, err = consulmigrate.CopyRecords(ctx, from, to, nil)
	require.NoError(t, err)
	assert.Empty(t, copied)
}

func names(records []*consulmigrate.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Name)
	}
	return out
}
