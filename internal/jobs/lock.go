package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is the single-flight guard behind the job runner. The local
// implementation covers a single process; a distributed deployment swaps
// in the Redis lease without touching callers.
type Locker interface {
	TryAcquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string)
}

// LocalLock is a process-local single-flight flag per job name. A crash
// mid-run clears it on restart because it lives in memory only.
type LocalLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]bool)}
}

func (l *LocalLock) TryAcquire(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return false, nil
	}
	l.held[name] = true
	return true, nil
}

func (l *LocalLock) Release(_ context.Context, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
}

// RedisLock is a lease-based lock for deployments running more than one
// engine process. Acquisition is an atomic SET NX with expiry; the TTL
// bounds how long a crashed holder can block the job.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
	prefix string

	mu     sync.Mutex
	owners map[string]string // job name -> owner token for this process
}

func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client: client,
		ttl:    ttl,
		prefix: "dripline:joblock:",
		owners: make(map[string]string),
	}
}

func (l *RedisLock) TryAcquire(ctx context.Context, name string) (bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+name, owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return false, nil
	}
	l.mu.Lock()
	l.owners[name] = owner
	l.mu.Unlock()
	return true, nil
}

// Release deletes the lease only when this process still owns it, so a
// lease that expired and was re-acquired elsewhere is left alone. The
// get-compare-delete window is tolerable here: job runs are minutes, the
// TTL race is milliseconds, and the queue store's conditional updates
// make double-running safe anyway.
func (l *RedisLock) Release(ctx context.Context, name string) {
	l.mu.Lock()
	owner := l.owners[name]
	delete(l.owners, name)
	l.mu.Unlock()
	if owner == "" {
		return
	}
	val, err := l.client.Get(ctx, l.prefix+name).Result()
	if err != nil || val != owner {
		return
	}
	_ = l.client.Del(ctx, l.prefix+name).Err()
}
