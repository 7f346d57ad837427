package consul

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arketec/migrate-consul/pkg/consulmigrate/kv"
)

// agent fakes the few Consul HTTP endpoints the store uses.
type agent struct {
	mu       sync.Mutex
	values   map[string][]byte
	sessions map[string]map[string]interface{}
}

func (a *agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w.Header().Set("X-Consul-Index", "1")

	switch {
	case r.URL.Path == "/v1/session/create":
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		a.sessions["s-1"] = body
		_, _ = io.WriteString(w, `{"ID":"s-1"}`)

	case strings.HasPrefix(r.URL.Path, "/v1/kv/"):
		key := strings.TrimPrefix(r.URL.Path, "/v1/kv/")
		switch r.Method {
		case http.MethodGet:
			v, ok := a.values[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode([]map[string]interface{}{{
				"Key":         key,
				"Value":       base64.StdEncoding.EncodeToString(v),
				"ModifyIndex": 7,
			}})
		case http.MethodPut:
			if s := r.URL.Query().Get("acquire"); s != "" {
				if _, ok := a.sessions[s]; !ok {
					http.Error(w, "invalid session \""+s+"\"", http.StatusInternalServerError)
					return
				}
			}
			v, _ := io.ReadAll(r.Body)
			a.values[key] = v
			_, _ = io.WriteString(w, "true")
		case http.MethodDelete:
			delete(a.values, key)
			_, _ = io.WriteString(w, "true")
		}

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestStore(t *testing.T) (*Store, *agent) {
	a := &agent{values: map[string][]byte{}, sessions: map[string]map[string]interface{}{}}
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)

	s, err := New(Config{Address: strings.TrimPrefix(srv.URL, "http://"), Scheme: "http"})
	require.NoError(t, err)
	return s, a
}

func TestStore_GetPutDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	p, err := s.Get(ctx, "app/config")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, s.Put(ctx, "app/config", []byte(`{"a":1}`)))
	p, err = s.Get(ctx, "app/config")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, `{"a":1}`, string(p.Value))
	assert.Equal(t, uint64(7), p.ModifyIndex)

	require.NoError(t, s.Delete(ctx, "app/config"))
	p, err = s.Get(ctx, "app/config")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestStore_Sessions(t *testing.T) {
	ctx := context.Background()
	s, a := newTestStore(t)

	id, err := s.CreateSession(ctx, "migrate-consul", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "s-1", id)
	// clamped to the agent minimum
	assert.Equal(t, "10s", a.sessions["s-1"]["TTL"])
	assert.Equal(t, "release", a.sessions["s-1"]["Behavior"])

	ok, err := s.Acquire(ctx, "k", []byte("v"), id)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Acquire(ctx, "k", []byte("v"), "nope")
	assert.ErrorIs(t, err, kv.ErrSessionInvalid)
}
