package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/optorch/internal/interfaces"
)

const kvColumns = `key, value, description, created_at, updated_at`

// KVStore implements interfaces.KeyValueStorage against the kv_store table,
// the system of record for the Thresholds settings the Scheduler hot-reloads
// (SPEC_FULL.md §6.4). internal/storage/badger's KVStorage mirrors this same
// interface as the local fallback cache: thresholds.Loader reads this store
// first and reads the cache only when this store fails.
type KVStore struct {
	s *Store
}

// NewKVStore wraps an already-open Store's connection for generic key/value access.
func NewKVStore(s *Store) *KVStore {
	return &KVStore{s: s}
}

func (k *KVStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := k.s.db.GetContext(ctx, &value, `SELECT value FROM kv_store WHERE key = $1`, strings.ToLower(key))
	if errors.Is(err, sql.ErrNoRows) {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get kv: %w", err)
	}
	return value, nil
}

func (k *KVStore) GetPair(ctx context.Context, key string) (*interfaces.KeyValuePair, error) {
	var pair interfaces.KeyValuePair
	err := k.s.db.GetContext(ctx, &pair, `SELECT `+kvColumns+` FROM kv_store WHERE key = $1`, strings.ToLower(key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get kv pair: %w", err)
	}
	return &pair, nil
}

func (k *KVStore) Set(ctx context.Context, key, value, description string) error {
	now := time.Now().UTC()
	_, err := k.s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (key) DO UPDATE SET value = $2, description = $3, updated_at = $4`,
		strings.ToLower(key), value, description, now)
	if err != nil {
		return fmt.Errorf("postgres: set kv: %w", err)
	}
	return nil
}

func (k *KVStore) Upsert(ctx context.Context, key, value, description string) (bool, error) {
	_, err := k.Get(ctx, key)
	created := errors.Is(err, interfaces.ErrKeyNotFound)
	if err != nil && !created {
		return false, err
	}
	if err := k.Set(ctx, key, value, description); err != nil {
		return false, err
	}
	return created, nil
}

func (k *KVStore) Delete(ctx context.Context, key string) error {
	res, err := k.s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = $1`, strings.ToLower(key))
	if err != nil {
		return fmt.Errorf("postgres: delete kv: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: delete kv rows affected: %w", err)
	}
	if n == 0 {
		return interfaces.ErrKeyNotFound
	}
	return nil
}

func (k *KVStore) DeleteAll(ctx context.Context) error {
	if _, err := k.s.db.ExecContext(ctx, `DELETE FROM kv_store`); err != nil {
		return fmt.Errorf("postgres: delete all kv: %w", err)
	}
	return nil
}

func (k *KVStore) List(ctx context.Context) ([]interfaces.KeyValuePair, error) {
	var pairs []interfaces.KeyValuePair
	err := k.s.db.SelectContext(ctx, &pairs, `SELECT `+kvColumns+` FROM kv_store ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list kv: %w", err)
	}
	return pairs, nil
}

func (k *KVStore) GetAll(ctx context.Context) (map[string]string, error) {
	pairs, err := k.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.Key] = p.Value
	}
	return out, nil
}

func (k *KVStore) ListByPrefix(ctx context.Context, prefix string) ([]interfaces.KeyValuePair, error) {
	var pairs []interfaces.KeyValuePair
	err := k.s.db.SelectContext(ctx, &pairs, `SELECT `+kvColumns+` FROM kv_store WHERE key LIKE $1 ORDER BY updated_at DESC`,
		strings.ToLower(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("postgres: list kv by prefix: %w", err)
	}
	return pairs, nil
}
