// Package distlock coordinates single-flight work across a fleet of
// processes. The Redis backend uses SET NX with a TTL and an ownership
// token; when no Redis client is available it falls back to Postgres
// session-scoped advisory locks, which release on connection loss.
package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is a non-blocking mutual exclusion handle. A Lock instance is
// owned by one goroutine at a time.
type Lock interface {
	// Acquire attempts to take the lock without blocking.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back if this instance still holds it.
	Release(ctx context.Context) error
}

// New returns a lock for the given name, preferring Redis when a client
// is provided and falling back to Postgres advisory locks otherwise.
func New(rdb *redis.Client, db *sql.DB, name string, ttl time.Duration) Lock {
	if rdb != nil {
		return &redisLock{
			rdb:   rdb,
			key:   "lock:" + name,
			token: uuid.NewString(),
			ttl:   ttl,
		}
	}
	return &advisoryLock{db: db, id: advisoryID(name)}
}

// redisLock holds the lock as long as the TTL outlives the work. The
// token guards Release against deleting a lock a slow process lost and
// another has since taken.
type redisLock struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

var releaseLua = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *redisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *redisLock) Release(ctx context.Context) error {
	return releaseLua.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}

// advisoryLock maps the lock name onto a pg_try_advisory_lock id.
type advisoryLock struct {
	db *sql.DB
	id int64
}

func advisoryID(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

func (l *advisoryLock) Acquire(ctx context.Context) (bool, error) {
	var ok bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.id).Scan(&ok)
	return ok, err
}

func (l *advisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.id)
	return err
}
