// Package consul implements kv.Store on a Consul agent.
package consul

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/arketec/migrate-consul/pkg/consulmigrate/kv"
)

// Consul rejects session TTLs outside this range.
const (
	minTTL = 10 * time.Second
	maxTTL = 24 * time.Hour
)

var _ kv.Store = (*Store)(nil)

// Config selects the agent to talk to.
type Config struct {
	Address    string
	Scheme     string
	Token      string
	Datacenter string
}

// Store is a kv.Store backed by the Consul KV and session endpoints.
type Store struct {
	client *api.Client
}

// New подключается к агенту Consul.
// Вход: адрес, схема, токен, датацентр; пустые поля берутся из окружения.
// Выход: *Store или error.
// New connects to the agent described by cfg. Empty fields fall back to the
// Consul client defaults (CONSUL_HTTP_ADDR and friends).
func New(cfg Config) (*Store, error) {
	c := api.DefaultConfig()
	if cfg.Address != "" {
		c.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		c.Scheme = cfg.Scheme
	}
	if cfg.Token != "" {
		c.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		c.Datacenter = cfg.Datacenter
	}
	client, err := api.NewClient(c)
	if err != nil {
		return nil, err
	}
	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *api.Client) *Store {
	return &Store{client: client}
}

func query(ctx context.Context) *api.QueryOptions {
	return (&api.QueryOptions{}).WithContext(ctx)
}

func write(ctx context.Context) *api.WriteOptions {
	return (&api.WriteOptions{}).WithContext(ctx)
}

func fromPair(p *api.KVPair) *kv.Pair {
	return &kv.Pair{Key: p.Key, Value: p.Value, Session: p.Session, ModifyIndex: p.ModifyIndex}
}

func (s *Store) Get(ctx context.Context, key string) (*kv.Pair, error) {
	p, _, err := s.client.KV().Get(key, query(ctx))
	if err != nil || p == nil {
		return nil, err
	}
	return fromPair(p), nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]*kv.Pair, error) {
	pairs, _, err := s.client.KV().List(prefix, query(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]*kv.Pair, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, fromPair(p))
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.client.KV().Put(&api.KVPair{Key: key, Value: value}, write(ctx))
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.KV().Delete(key, write(ctx))
	return err
}

func (s *Store) CreateSession(ctx context.Context, name string, ttl time.Duration) (string, error) {
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	id, _, err := s.client.Session().Create(&api.SessionEntry{
		Name:     name,
		TTL:      ttl.String(),
		Behavior: api.SessionBehaviorRelease,
	}, write(ctx))
	return id, err
}

func (s *Store) DestroySession(ctx context.Context, session string) error {
	_, err := s.client.Session().Destroy(session, write(ctx))
	return err
}

func (s *Store) Acquire(ctx context.Context, key string, value []byte, session string) (bool, error) {
	ok, _, err := s.client.KV().Acquire(&api.KVPair{Key: key, Value: value, Session: session}, write(ctx))
	return ok, sessionErr(err)
}

func (s *Store) Release(ctx context.Context, key string, session string) (bool, error) {
	ok, _, err := s.client.KV().Release(&api.KVPair{Key: key, Session: session}, write(ctx))
	return ok, sessionErr(err)
}

// The agent reports an unknown session as a 500 with this text.
func sessionErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "invalid session") {
		return kv.ErrSessionInvalid
	}
	return err
}
