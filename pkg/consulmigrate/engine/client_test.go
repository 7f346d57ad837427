package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/kv"
)

func newClient(t *testing.T) (*Client, *kv.MemoryStore) {
	e, store, _ := newLive(t)
	return NewClient(e, zaptest.NewLogger(t)), store
}

func TestClient_ScalarValue(t *testing.T) {
	ctx := context.Background()
	c, store := newClient(t)

	require.NoError(t, c.Key("plain").Val("hello").Save(ctx))
	assert.Equal(t, "hello", value(t, store, "plain"))

	require.NoError(t, c.Key("obj").Val(map[string]int{"a": 1}).Save(ctx))
	assert.JSONEq(t, `{"a":1}`, value(t, store, "obj"))

	// strings holding JSON are decoded, then re-rendered
	require.NoError(t, c.Key("json").Val(`{"x":[1]}`).Save(ctx))
	assert.Equal(t, "{\n  \"x\": [\n    1\n  ]\n}", value(t, store, "json"))

	require.NoError(t, c.Key("num").Val(42).Save(ctx))
	assert.Equal(t, "42", value(t, store, "num"))
}

func TestClient_PathPairing(t *testing.T) {
	ctx := context.Background()
	c, store := newClient(t)
	require.NoError(t, store.Put(ctx, "app", []byte(`{"a":1}`)))

	err := c.Key("app").
		JSONPath("$.a").Val(2).
		Val("three").JSONPath("$.b").
		JSONPath("$.c.d").
		Save(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2,"b":"three","c":{"d":{}}}`, value(t, store, "app"))
}

func TestClient_ArrayHelpers(t *testing.T) {
	ctx := context.Background()
	c, store := newClient(t)
	require.NoError(t, store.Put(ctx, "app", []byte(`{"list":[1,2,3]}`)))

	require.NoError(t, c.Key("app").JSONPath("$.list").Push(4).Push(5).Save(ctx))
	assert.JSONEq(t, `{"list":[1,2,3,4,5]}`, value(t, store, "app"))

	require.NoError(t, c.Key("app").JSONPath("$.list").Pop().Pop().Save(ctx))
	assert.JSONEq(t, `{"list":[1,2,3]}`, value(t, store, "app"))

	require.NoError(t, c.Key("app").JSONPath("$.list").Splice("v", 1).Save(ctx))
	assert.JSONEq(t, `{"list":[1,"v",2,3]}`, value(t, store, "app"))

	require.NoError(t, c.Key("app").JSONPath("$.list").Remove().Save(ctx))
	assert.JSONEq(t, `{}`, value(t, store, "app"))
}

func TestClient_Transform(t *testing.T) {
	ctx := context.Background()
	c, store := newClient(t)
	require.NoError(t, store.Put(ctx, "app", []byte(`{"n":20}`)))

	inc := func(cur interface{}) interface{} {
		n, _ := cur.(json.Number).Int64()
		return n + 1
	}
	require.NoError(t, c.Key("app").JSONPath("n").Val(inc).Save(ctx))
	assert.JSONEq(t, `{"n":21}`, value(t, store, "app"))

	err := c.Key("app").Val(inc).Save(ctx)
	assert.Equal(t, merrors.EInvalidOperation, merrors.ErrorCode(err))
}

func TestClient_BuilderErrors(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)

	err := c.Key("app").Push(1).Save(ctx)
	assert.Equal(t, merrors.EInvalidOperation, merrors.ErrorCode(err))

	err = c.Key("app").JSONPath("a..b").Val(1).Save(ctx)
	assert.Equal(t, merrors.EInvalidOperation, merrors.ErrorCode(err))

	err = c.Key("app").Val(1).JSONPath("a").Val(2).Save(ctx)
	assert.Equal(t, merrors.EInvalidOperation, merrors.ErrorCode(err))

	// Save resets the builder
	err = c.Save(ctx)
	assert.Equal(t, merrors.EInvalidOperation, merrors.ErrorCode(err))
}

func TestClient_DropAndCallback(t *testing.T) {
	ctx := context.Background()
	c, store := newClient(t)
	require.NoError(t, store.Put(ctx, "app", []byte(`{"a":1,"b":2}`)))
	require.NoError(t, store.Put(ctx, "gone", []byte(`x`)))

	var got []string
	c.Callback(func(v string) { got = append(got, v) })

	require.NoError(t, c.Key("app").JSONPath("b").Drop(ctx))
	assert.JSONEq(t, `{"a":1}`, value(t, store, "app"))

	require.NoError(t, c.Key("gone").Drop(ctx))
	assert.Equal(t, "<absent>", value(t, store, "gone"))

	require.Len(t, got, 2)
	assert.JSONEq(t, `{"a":1}`, got[0])
	assert.Equal(t, "", got[1])
}

func TestClient_Reads(t *testing.T) {
	ctx := context.Background()
	c, store := newClient(t)
	require.NoError(t, store.Put(ctx, "doc", []byte(`{"a":{"b":[10,20]}}`)))
	require.NoError(t, store.Put(ctx, "txt", []byte(`hello`)))

	v, err := c.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": map[string]interface{}{"b": []interface{}{json.Number("10"), json.Number("20")}}}, v)

	v, err = c.Get(ctx, "txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	res, err := c.Lookup(ctx, "doc", "a.b.1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Int())

	_, err = c.Lookup(ctx, "missing", "a")
	assert.Equal(t, merrors.EKeyNotFound, merrors.ErrorCode(err))
}

func TestClient_Many(t *testing.T) {
	ctx := context.Background()
	c, store := newClient(t)

	require.NoError(t, c.SetMany(ctx, map[string]interface{}{"b": "2", "a": map[string]bool{"on": true}}))
	assert.Equal(t, "2", value(t, store, "b"))
	assert.JSONEq(t, `{"on":true}`, value(t, store, "a"))

	require.NoError(t, c.DeleteMany(ctx, []string{"a", "b"}))
	assert.Equal(t, "<absent>", value(t, store, "a"))
	assert.Equal(t, "<absent>", value(t, store, "b"))
	assert.Len(t, c.Engine().Outputs(), 4)
}
