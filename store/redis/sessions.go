/*
Package redis persists edit-session snapshots in Redis.

PURPOSE:
  Live EditProposals and SettlementFlows stay in process memory (they hold
  mutexes and in-flight charge contexts). This store keeps a JSON snapshot
  of each next to them, with a TTL, so that:
    - another instance can show a session's state read-only
    - a restarted instance can restore open proposals, and settlements
      whose charge was captured, through EditService.RestoreProposal

KEYS:
  <prefix>:proposal:<id>  ProposalSnapshot JSON
  <prefix>:flow:<id>      FlowSnapshot JSON

  Both expire after TTL. Every save refreshes the TTL.

FAILURE MODE:
  The store is optional. Callers treat save errors as non-fatal and log
  them; a nil *SessionStore is a valid no-op store.

SEE ALSO:
  - rental/session.go: ProposalSnapshot, EditService.RestoreProposal
  - api/sessions.go: the in-memory registry that writes through here
*/
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/rental"
)

const (
	DefaultPrefix = "rental:edit"
	DefaultTTL    = 30 * time.Minute
)

// kv is the subset of *goredis.Client the store uses.
type kv interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Ping(ctx context.Context) *goredis.StatusCmd
}

type SessionStore struct {
	client kv
	prefix string
	ttl    time.Duration
}

// Options configures a Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Connect dials Redis and pings it with a short timeout.
func Connect(ctx context.Context, opts Options) (*SessionStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", opts.Addr, err)
	}
	return NewSessionStore(client, opts.Prefix, opts.TTL), nil
}

// NewSessionStore wraps an existing client. Empty prefix and zero TTL
// fall back to the defaults.
func NewSessionStore(client kv, prefix string, ttl time.Duration) *SessionStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SessionStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *SessionStore) proposalKey(id string) string { return s.prefix + ":proposal:" + id }
func (s *SessionStore) flowKey(id string) string     { return s.prefix + ":flow:" + id }

// =============================================================================
// PROPOSALS
// =============================================================================

func (s *SessionStore) SaveProposal(ctx context.Context, snap rental.ProposalSnapshot) error {
	if s == nil {
		return nil
	}
	return s.put(ctx, s.proposalKey(snap.ID), snap)
}

// LoadProposal returns generic.ErrNotFound when the key is missing or expired.
func (s *SessionStore) LoadProposal(ctx context.Context, id string) (rental.ProposalSnapshot, error) {
	var snap rental.ProposalSnapshot
	if s == nil {
		return snap, fmt.Errorf("proposal %s: %w", id, generic.ErrNotFound)
	}
	err := s.get(ctx, s.proposalKey(id), &snap)
	return snap, err
}

// =============================================================================
// FLOWS
// =============================================================================

func (s *SessionStore) SaveFlow(ctx context.Context, snap rental.FlowSnapshot) error {
	if s == nil {
		return nil
	}
	return s.put(ctx, s.flowKey(snap.ID), snap)
}

func (s *SessionStore) LoadFlow(ctx context.Context, id string) (rental.FlowSnapshot, error) {
	var snap rental.FlowSnapshot
	if s == nil {
		return snap, fmt.Errorf("flow %s: %w", id, generic.ErrNotFound)
	}
	err := s.get(ctx, s.flowKey(id), &snap)
	return snap, err
}

// Delete removes a proposal and, if given, its flow.
func (s *SessionStore) Delete(ctx context.Context, proposalID, flowID string) error {
	if s == nil {
		return nil
	}
	keys := []string{s.proposalKey(proposalID)}
	if flowID != "" {
		keys = append(keys, s.flowKey(flowID))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *SessionStore) Ping(ctx context.Context) error {
	if s == nil {
		return errors.New("redis: session store not configured")
	}
	return s.client.Ping(ctx).Err()
}

func (s *SessionStore) put(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, body, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *SessionStore) get(ctx context.Context, key string, v any) error {
	body, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return fmt.Errorf("%s: %w", key, generic.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
