package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

func TestMetrics_ObserveWrite(t *testing.T) {
	m := New(zaptest.NewLogger(t))

	m.ObserveWrite("apply", nil)
	m.ObserveWrite("apply", nil)
	m.ObserveWrite("apply", merrors.New(merrors.ELockUnavailable, "busy"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Writes.WithLabelValues("apply", LabelSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Writes.WithLabelValues("apply", merrors.ELockUnavailable)))
}

func TestMetrics_ObserveMigration(t *testing.T) {
	m := New(zaptest.NewLogger(t))

	m.ObserveMigration("up", "applied", 20*time.Millisecond)
	m.ObserveMigration("up", "failed", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Migrations.WithLabelValues("up", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Migrations.WithLabelValues("up", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Duration))
}

func TestMetrics_Push(t *testing.T) {
	var (
		path string
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(zaptest.NewLogger(t))
	m.ObserveMigration("down", "rolled_back", time.Millisecond)

	require.NoError(t, m.Push(context.Background(), srv.URL, "ci"))
	assert.Equal(t, "/metrics/job/ci", path)
	assert.NotEmpty(t, body)

	// no gateway configured
	require.NoError(t, m.Push(context.Background(), "", ""))
}

func TestMetrics_PushFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := New(zaptest.NewLogger(t))
	err := m.Push(context.Background(), srv.URL, "")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "metrics.Push"), err.Error())
}
