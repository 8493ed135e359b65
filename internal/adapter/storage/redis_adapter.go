package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/medstock/internal/core/domain"
	"github.com/rl1809/medstock/internal/port"
)

const (
	catalogKeyPrefix = "catalog:"
	leaseKeyPrefix   = "lease:"
)

// releaseLeaseScript deletes the lease only while it still holds our token,
// so a holder whose lease already expired cannot release a successor's.
var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisAdapter serves the item catalog cache and the cross-process sweeper
// lease.
type RedisAdapter struct {
	client *redis.Client

	mu     sync.Mutex
	tokens map[string]string
}

var (
	_ port.Catalog = (*RedisAdapter)(nil)
	_ port.Lease   = (*RedisAdapter)(nil)
)

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client, tokens: make(map[string]string)}
}

func (r *RedisAdapter) Lookup(ctx context.Context, itemID string) (*domain.CatalogEntry, error) {
	fields, err := r.client.HGetAll(ctx, catalogKeyPrefix+itemID).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall catalog: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: catalog entry %s", domain.ErrNotFound, itemID)
	}
	return &domain.CatalogEntry{
		ItemID:      itemID,
		Name:        fields["name"],
		GenericName: fields["generic_name"],
		Form:        fields["form"],
		Strength:    fields["strength"],
	}, nil
}

// PutCatalogEntry caches an entry; a zero ttl keeps it until overwritten.
func (r *RedisAdapter) PutCatalogEntry(ctx context.Context, entry domain.CatalogEntry, ttl time.Duration) error {
	key := catalogKeyPrefix + entry.ItemID
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"name", entry.Name,
			"generic_name", entry.GenericName,
			"form", entry.Form,
			"strength", entry.Strength,
		)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put catalog entry: %w", err)
	}
	return nil
}

// Acquire takes the lease with SET NX PX. Re-acquiring a lease this adapter
// already holds extends it.
func (r *RedisAdapter) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	key := leaseKeyPrefix + name

	r.mu.Lock()
	token, held := r.tokens[name]
	r.mu.Unlock()

	if held {
		extended, err := extendLeaseScript.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int()
		if err != nil {
			return false, fmt.Errorf("extend lease: %w", err)
		}
		if extended == 1 {
			return true, nil
		}
	}

	token = uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.tokens[name] = token
	} else {
		delete(r.tokens, name)
	}
	return ok, nil
}

func (r *RedisAdapter) Release(ctx context.Context, name string) error {
	r.mu.Lock()
	token, held := r.tokens[name]
	delete(r.tokens, name)
	r.mu.Unlock()
	if !held {
		return nil
	}

	if err := releaseLeaseScript.Run(ctx, r.client, []string{leaseKeyPrefix + name}, token).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
