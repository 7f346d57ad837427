package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arketec/migrate-consul/pkg/consulmigrate/engine"
	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/kv"
)

func newClient(t *testing.T) (*engine.Client, *kv.MemoryStore) {
	store := kv.NewMemoryStore()
	log := zaptest.NewLogger(t)
	lw := kv.NewLockedWriter(store, kv.LockConfig{}, log)
	return engine.NewClient(engine.New(engine.NewLiveWriter(lw), log), log), store
}

func get(t *testing.T, store kv.Store, key string) string {
	t.Helper()
	p, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	if p == nil {
		return "<absent>"
	}
	return string(p.Value)
}

const appScript = `
function up(client, env) {
	client.key("app/config").jsonpath("$.env").val(env).jsonpath("$.replicas").val(3).save();
	client.key("app/config").jsonpath("$.hosts").push("a").save();
	client.key("app/config").jsonpath("$.replicas").val(function (n) { return n + 1; }).save();
	var cur = client.get("app/config");
	client.key("app/summary").val(cur.env + ":" + client.lookup("app/config", "hosts.0")).save();
}

function down(client, env) {
	client.key("app/summary").drop();
	client.key("app/config").drop();
}
`

func TestJSLoader_UpDown(t *testing.T) {
	ctx := context.Background()
	c, store := newClient(t)

	s, err := NewJSLoader(zaptest.NewLogger(t)).Load("20240101000000-app.js", []byte(appScript))
	require.NoError(t, err)

	require.NoError(t, s.Up(ctx, c, "staging"))
	assert.JSONEq(t, `{"env":"staging","replicas":4,"hosts":["a"]}`, get(t, store, "app/config"))
	assert.Equal(t, "staging:a", get(t, store, "app/summary"))

	require.NoError(t, s.Down(ctx, c, "staging"))
	assert.Equal(t, "<absent>", get(t, store, "app/config"))
	assert.Equal(t, "<absent>", get(t, store, "app/summary"))
}

func TestJSLoader_ModuleExports(t *testing.T) {
	ctx := context.Background()
	c, store := newClient(t)

	src := `module.exports = {
		up: function (client) { client.key("k").val({a: [1, 2]}).save(); },
		down: function (client) { client.key("k").jsonpath("a").pop().save(); }
	};`
	s, err := NewJSLoader(nil).Load("x.js", []byte(src))
	require.NoError(t, err)

	require.NoError(t, s.Up(ctx, c, "dev"))
	assert.JSONEq(t, `{"a":[1,2]}`, get(t, store, "k"))
	require.NoError(t, s.Down(ctx, c, "dev"))
	assert.JSONEq(t, `{"a":[1]}`, get(t, store, "k"))
}

func TestJSLoader_Errors(t *testing.T) {
	ctx := context.Background()
	c, store := newClient(t)
	require.NoError(t, store.Put(ctx, "scalar", []byte(`{"a":"text"}`)))

	_, err := NewJSLoader(nil).Load("bad.js", []byte(`function up( {`))
	assert.Equal(t, merrors.EInvalidOperation, merrors.ErrorCode(err))

	s, err := NewJSLoader(nil).Load("only-up.js", []byte(`function up(client) {}`))
	require.NoError(t, err)
	err = s.Down(ctx, c, "dev")
	assert.Equal(t, merrors.EInvalidOperation, merrors.ErrorCode(err))

	// client errors keep their code through the VM
	s, err = NewJSLoader(nil).Load("push.js", []byte(`function up(client) { client.key("scalar").jsonpath("a").push(1).save(); }`))
	require.NoError(t, err)
	err = s.Up(ctx, c, "dev")
	assert.Equal(t, merrors.ENotAnArray, merrors.ErrorCode(err))

	s, err = NewJSLoader(nil).Load("throw.js", []byte(`function up() { throw new Error("boom"); }`))
	require.NoError(t, err)
	err = s.Up(ctx, c, "dev")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestJSLoader_Callback(t *testing.T) {
	ctx := context.Background()
	c, store := newClient(t)

	src := `var seen = [];
	function up(client) {
		client.callback(function (v) { seen.push(v); });
		client.key("k").val("v").save();
		client.callback(function () {});
		client.key("echo").val("seen " + seen.join(",")).save();
	}`
	s, err := NewJSLoader(nil).Load("cb.js", []byte(src))
	require.NoError(t, err)
	require.NoError(t, s.Up(ctx, c, "dev"))
	assert.Equal(t, "v", get(t, store, "k"))
	assert.Equal(t, "seen v", get(t, store, "echo"))
}

func TestRegistryAndMultiLoader(t *testing.T) {
	ctx := context.Background()
	c, store := newClient(t)

	reg := NewRegistry()
	var called []string
	require.NoError(t, reg.Register("20240101000000-go.go", Funcs{
		UpFunc: func(ctx context.Context, c *engine.Client, env string) error {
			called = append(called, "up:"+env)
			return c.Key("go").Val("yes").Save(ctx)
		},
	}))
	err := reg.Register("20240101000000-go.go", Funcs{})
	assert.Equal(t, merrors.EInvalidOperation, merrors.ErrorCode(err))

	loader := NewMultiLoader(reg).Handle(".js", NewJSLoader(nil))

	s, err := loader.Load("20240101000000-go.go", nil)
	require.NoError(t, err)
	require.NoError(t, s.Up(ctx, c, "prod"))
	require.NoError(t, s.Down(ctx, c, "prod"))
	assert.Equal(t, []string{"up:prod"}, called)
	assert.Equal(t, "yes", get(t, store, "go"))

	s, err = loader.Load("20240101000001-js.JS", []byte(`function up(client) { client.key("js").val(1).save(); }`))
	require.NoError(t, err)
	require.NoError(t, s.Up(ctx, c, "prod"))
	assert.Equal(t, "1", get(t, store, "js"))

	_, err = loader.Load("unknown.ts", nil)
	assert.Equal(t, merrors.EInvalidOperation, merrors.ErrorCode(err))
}
