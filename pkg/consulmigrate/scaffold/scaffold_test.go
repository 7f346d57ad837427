package scaffold

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arketec/migrate-consul/pkg/consulmigrate"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/engine"
	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/kv"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/script"
)

func newGenerator(t *testing.T) (*Generator, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(zaptest.NewLogger(t), WithClock(mock)), mock
}

// runScript runs the up or down function of the script at path against store.
func runScript(t *testing.T, store *kv.MemoryStore, path string, down bool) {
	t.Helper()
	log := zaptest.NewLogger(t)
	src, err := os.ReadFile(path)
	require.NoError(t, err)
	s, err := script.NewJSLoader(log).Load(filepath.Base(path), src)
	require.NoError(t, err)

	e := engine.New(engine.NewLiveWriter(kv.NewLockedWriter(store, kv.LockConfig{}, log)), log)
	c := engine.NewClient(e, log)
	if down {
		require.NoError(t, s.Down(context.Background(), c, "test"))
	} else {
		require.NoError(t, s.Up(context.Background(), c, "test"))
	}
}

func get(t *testing.T, store *kv.MemoryStore, key string) *kv.Pair {
	t.Helper()
	p, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	return p
}

func TestGenerator_Init(t *testing.T) {
	g, _ := newGenerator(t)
	root := t.TempDir()

	cfg := consulmigrate.DefaultConfig()
	cfg.MigrationsDirectory = "kv-migrations"
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "records.db"

	res, err := g.Init(root, cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "kv-migrations", "20240301120000-example-sample.js"), res.SamplePath)
	assert.Equal(t, filepath.Join(root, ConfigFileName), res.ConfigPath)
	assert.Len(t, res.Written, 2)

	// the sample is never staged
	scripts, samples, err := consulmigrate.ScanScripts(filepath.Join(root, "kv-migrations"), cfg.SampleSuffix)
	require.NoError(t, err)
	assert.Empty(t, scripts)
	assert.Equal(t, []string{"20240301120000-example-sample.js"}, samples)

	// the written config reads back into the same value
	v := viper.New()
	v.SetConfigFile(res.ConfigPath)
	require.NoError(t, v.ReadInConfig())
	var got consulmigrate.Config
	require.NoError(t, v.Unmarshal(&got))
	assert.Equal(t, cfg, got)

	// a second run keeps both files
	res, err = g.Init(root, cfg)
	require.NoError(t, err)
	assert.Empty(t, res.Written)
	assert.Len(t, res.Skipped, 2)
}

func TestGenerator_InitSampleRuns(t *testing.T) {
	g, _ := newGenerator(t)
	res, err := g.Init(t.TempDir(), consulmigrate.DefaultConfig())
	require.NoError(t, err)

	store := kv.NewMemoryStore()
	runScript(t, store, res.SamplePath, false)
	assert.Equal(t, "Hello from migrate-consul", string(get(t, store, "sample").Value))

	runScript(t, store, res.SamplePath, true)
	assert.Nil(t, get(t, store, "sample"))
}

func TestGenerator_Create(t *testing.T) {
	g, mock := newGenerator(t)
	dir := filepath.Join(t.TempDir(), "migrations")

	path, err := g.Create(dir, CreateOptions{
		Description: "Add Feature flags!",
		Key:         "app/flags",
		Value:       `{"beta": true}`,
		Examples:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "20240301120000-add-feature-flags.js"), path)

	store := kv.NewMemoryStore()
	runScript(t, store, path, false)
	assert.JSONEq(t, `{"beta":true}`, string(get(t, store, "app/flags").Value))
	runScript(t, store, path, true)
	assert.Nil(t, get(t, store, "app/flags"))

	// same second, same description
	_, err = g.Create(dir, CreateOptions{Description: "add feature flags"})
	assert.Equal(t, merrors.EInvalidOperation, merrors.ErrorCode(err))

	mock.Add(time.Second)
	path, err = g.Create(dir, CreateOptions{Description: "add feature flags", Value: `it's "quoted"`})
	require.NoError(t, err)
	runScript(t, store, path, false)
	assert.Equal(t, `it's "quoted"`, string(get(t, store, "sample").Value))

	scripts, _, err := consulmigrate.ScanScripts(dir, consulmigrate.DefaultSampleSuffix)
	require.NoError(t, err)
	assert.Len(t, scripts, 2)
}

func TestGenerator_Import(t *testing.T) {
	ctx := context.Background()
	g, _ := newGenerator(t)
	dir := t.TempDir()

	live := kv.NewMemoryStore()
	require.NoError(t, live.Put(ctx, "svc/a", []byte(`{"port":80}`)))
	require.NoError(t, live.Put(ctx, "svc/b", []byte("text")))

	paths, err := g.Import(ctx, live, dir, ImportOptions{Description: "tune", Key: "svc/"})
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "20240301120000-tune-svc-a.js", filepath.Base(paths[0]))

	// down restores the imported value
	target := kv.NewMemoryStore()
	require.NoError(t, target.Put(ctx, "svc/a", []byte(`{"port":8080}`)))
	runScript(t, target, paths[0], true)
	assert.JSONEq(t, `{"port":80}`, string(get(t, target, "svc/a").Value))

	_, err = g.Import(ctx, live, dir, ImportOptions{Key: "missing"})
	assert.Equal(t, merrors.EKeyNotFound, merrors.ErrorCode(err))

	_, err = g.Import(ctx, live, dir, ImportOptions{})
	assert.Equal(t, merrors.EInvalidOperation, merrors.ErrorCode(err))
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "add-feature-flags", Slug(" Add  feature_flags! "))
	assert.Equal(t, "", Slug("!!"))
}

func TestLiteral(t *testing.T) {
	assert.Equal(t, `{"a":[1,2]}`, literal("{ \"a\": [1, 2] }"))
	assert.Equal(t, `"plain"`, literal("plain"))
	assert.Equal(t, `"{broken"`, literal("{broken"))
	assert.Equal(t, `"42"`, literal("42"))
}
