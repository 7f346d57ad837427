package sqlite_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arketec/migrate-consul/pkg/consulmigrate"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/drivers/drivertest"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/drivers/sqlite"
)

func open(t *testing.T) consulmigrate.Repository {
	t.Helper()
	cfg := consulmigrate.DefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "records.db")

	repo, err := sqlite.New().Open(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return repo
}

func TestRepository(t *testing.T) {
	drivertest.Run(t, open)
}

func TestRepository_Reopen(t *testing.T) {
	ctx := context.Background()
	cfg := consulmigrate.DefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "records.db")
	log := zaptest.NewLogger(t)

	repo, err := sqlite.New().Open(ctx, cfg, log)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Save(ctx, &consulmigrate.Record{Name: fmt.Sprintf("m%d", i)}))
	}
	require.NoError(t, repo.Close())

	// the schema statements must be safe to run again
	repo, err = sqlite.New().Open(ctx, cfg, log)
	require.NoError(t, err)
	defer repo.Close()

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDriver_Name(t *testing.T) {
	assert.Equal(t, "sqlite", sqlite.New().Name())
}
