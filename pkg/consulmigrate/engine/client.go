package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/kv"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/patch"
)

type action int

const (
	actNone action = iota
	actSet
	actPush
	actPop
	actSplice
	actRemove
)

// slot pairs one jsonpath with one action. Paths and values are matched in
// the order they are declared, whichever comes first.
type slot struct {
	path    string
	hasPath bool
	act     action
	value   interface{}
	fn      patch.TransformFunc
	index   int
}

// Client is the fluent facade handed to migration scripts:
//
//	c.Key("app/config").JSONPath("$.features").Push("beta").Save(ctx)
//
// Builder errors are collected and returned by Save or Drop.
type Client struct {
	engine *Engine
	log    *zap.Logger

	key      string
	slots    []*slot
	lastPath string
	callback func(value string)
	err      error
}

// NewClient создаёт цепочечный клиент для скриптов.
// Вход: движок, логгер.
// Выход: *Client.
// NewClient returns a client writing through e.
func NewClient(e *Engine, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{engine: e, log: log}
}

// Engine returns the engine behind the client.
func (c *Client) Engine() *Engine { return c.engine }

func (c *Client) fail(format string, args ...interface{}) *Client {
	c.err = multierr.Append(c.err, merrors.New(merrors.EInvalidOperation, format, args...))
	return c
}

// Key starts a new request for key, discarding anything not yet saved.
func (c *Client) Key(key string) *Client {
	c.key = key
	c.slots = nil
	c.lastPath = ""
	c.err = nil
	if key == "" {
		c.fail("key is empty")
	}
	return c
}

// CurrentKey returns the key of the request being built.
func (c *Client) CurrentKey() string { return c.key }

// Val sets a value. With a pending jsonpath it sets that path, otherwise it
// waits for a jsonpath or becomes the whole value of the key. A func value is
// a transform of the current value. Strings holding JSON are decoded.
func (c *Client) Val(v interface{}) *Client {
	s := c.openAction()
	s.act = actSet
	switch fn := v.(type) {
	case patch.TransformFunc:
		s.fn = fn
	case func(interface{}) (interface{}, error):
		s.fn = fn
	case func(interface{}) interface{}:
		s.fn = func(cur interface{}) (interface{}, error) { return fn(cur), nil }
	default:
		s.value = decodeValue(v)
	}
	return c
}

// JSONPath adds a path. It binds to a value declared before it, if any.
func (c *Client) JSONPath(path string) *Client {
	if _, err := patch.ParsePath(path); err != nil {
		c.err = multierr.Append(c.err, err)
		return c
	}
	c.lastPath = path
	for _, s := range c.slots {
		if !s.hasPath {
			s.path, s.hasPath = path, true
			return c
		}
	}
	c.slots = append(c.slots, &slot{path: path, hasPath: true})
	return c
}

// Push appends v to the array at the current jsonpath.
func (c *Client) Push(v interface{}) *Client {
	if s := c.pathAction("push"); s != nil {
		s.act, s.value = actPush, decodeValue(v)
	}
	return c
}

// Pop removes the last element of the array at the current jsonpath.
func (c *Client) Pop() *Client {
	if s := c.pathAction("pop"); s != nil {
		s.act = actPop
	}
	return c
}

// Splice inserts v at index in the array at the current jsonpath.
func (c *Client) Splice(v interface{}, index int) *Client {
	if s := c.pathAction("splice"); s != nil {
		s.act, s.value, s.index = actSplice, decodeValue(v), index
	}
	return c
}

// Remove deletes the value at the current jsonpath.
func (c *Client) Remove() *Client {
	if s := c.pathAction("remove"); s != nil {
		s.act = actRemove
	}
	return c
}

// Callback registers fn to receive the written value after Save or Drop.
func (c *Client) Callback(fn func(value string)) *Client {
	c.callback = fn
	return c
}

// openAction returns the first path slot still waiting for an action, or a
// new pathless slot.
func (c *Client) openAction() *slot {
	for _, s := range c.slots {
		if s.hasPath && s.act == actNone {
			return s
		}
	}
	s := &slot{}
	c.slots = append(c.slots, s)
	return s
}

func (c *Client) pathAction(name string) *slot {
	if c.lastPath == "" {
		c.fail("%s needs a jsonpath", name)
		return nil
	}
	if n := len(c.slots); n > 0 {
		if s := c.slots[n-1]; s.hasPath && s.path == c.lastPath && s.act == actNone {
			return s
		}
	}
	s := &slot{path: c.lastPath, hasPath: true}
	c.slots = append(c.slots, s)
	return s
}

// Request builds the patch request declared so far.
func (c *Client) Request() (*patch.Request, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.key == "" {
		return nil, merrors.New(merrors.EInvalidOperation, "no key set")
	}
	req := patch.NewRequest(c.key)
	for _, s := range c.slots {
		if !s.hasPath {
			if s.act == actSet && s.fn != nil {
				return nil, merrors.New(merrors.EInvalidOperation, "transform on %q needs a jsonpath", c.key)
			}
			req.Add(patch.SetScalar(s.value))
			continue
		}
		switch s.act {
		case actNone:
			req.Add(patch.Insert(s.path, map[string]interface{}{}))
		case actSet:
			if s.fn != nil {
				req.Add(patch.SetFunc(s.path, s.fn))
			} else {
				req.Add(patch.Set(s.path, s.value))
			}
		case actPush:
			req.Add(patch.Push(s.path, s.value))
		case actPop:
			req.Add(patch.Pop(s.path, 1))
		case actSplice:
			req.Add(patch.Splice(s.path, s.value, s.index))
		case actRemove:
			req.Add(patch.Delete(s.path))
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (c *Client) reset() {
	c.key = ""
	c.slots = nil
	c.lastPath = ""
	c.err = nil
}

// Save применяет накопленный запрос.
// Выход: ошибка построения запроса или записи.
// Save applies the request and resets the builder.
func (c *Client) Save(ctx context.Context) error {
	defer c.reset()
	req, err := c.Request()
	if err != nil {
		return err
	}
	out, err := c.engine.Apply(ctx, req)
	if err != nil {
		return err
	}
	c.log.Info("Saved key", zap.String("key", out.Key))
	if c.callback != nil {
		c.callback(out.Value)
	}
	return nil
}

// Drop удаляет ключ или пути накопленного запроса.
// Drop reverses the request: the key is deleted when no jsonpath was given,
// otherwise each path is removed.
func (c *Client) Drop(ctx context.Context) error {
	defer c.reset()
	if c.err != nil {
		return c.err
	}
	if len(c.slots) == 0 && c.key != "" {
		c.slots = []*slot{{act: actSet}}
	}
	req, err := c.Request()
	if err != nil {
		return err
	}
	out, err := c.engine.Remove(ctx, req)
	if err != nil {
		return err
	}
	c.log.Info("Dropped key", zap.String("key", out.Key), zap.Bool("deleted", out.Deleted))
	if c.callback != nil {
		c.callback(out.Value)
	}
	return nil
}

// Get returns the decoded value of key: JSON values are parsed, anything else
// is returned as a string. Absent keys return nil.
func (c *Client) Get(ctx context.Context, key string) (interface{}, error) {
	raw, exists, err := c.engine.Writer().Read(ctx, key)
	if err != nil || !exists {
		return nil, err
	}
	if gjson.ValidBytes(raw) {
		return patch.Parse(raw)
	}
	return string(raw), nil
}

// Lookup evaluates a gjson path against the value of key.
func (c *Client) Lookup(ctx context.Context, key, path string) (gjson.Result, error) {
	raw, exists, err := c.engine.Writer().Read(ctx, key)
	if err != nil {
		return gjson.Result{}, err
	}
	if !exists {
		return gjson.Result{}, &merrors.Error{Code: merrors.EKeyNotFound, Op: "engine.Lookup", Msg: key}
	}
	return gjson.GetBytes(raw, path), nil
}

// SetMany writes several whole values under one lock, in key order.
func (c *Client) SetMany(ctx context.Context, values map[string]interface{}) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	muts := make([]kv.Mutation, 0, len(keys))
	for _, k := range keys {
		s, err := patch.SerializeScalar(decodeValue(values[k]))
		if err != nil {
			return fmt.Errorf("serialize %s: %w", k, err)
		}
		muts = append(muts, kv.Mutation{Key: k, Value: []byte(s)})
	}
	return c.engine.WriteMany(ctx, muts)
}

// DeleteMany deletes keys in order under one lock.
func (c *Client) DeleteMany(ctx context.Context, keys []string) error {
	muts := make([]kv.Mutation, 0, len(keys))
	for _, k := range keys {
		muts = append(muts, kv.Mutation{Key: k, Delete: true})
	}
	return c.engine.WriteMany(ctx, muts)
}

// decodeValue turns strings holding JSON into documents.
func decodeValue(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok || !gjson.Valid(s) {
		return v
	}
	doc, err := patch.Parse([]byte(s))
	if err != nil {
		return v
	}
	return doc
}
