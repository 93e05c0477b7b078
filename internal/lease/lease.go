// Package lease keeps at most one run per target alive across hosts.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by Acquire when another owner holds the target.
var ErrHeld = errors.New("target lease held by another run")

// ErrLost is returned when the lease expired or changed owner.
var ErrLost = errors.New("target lease lost")

// Client is the subset of redis commands the lease needs.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Leaser hands out target leases stored as plain keys with a TTL.
type Leaser struct {
	client Client
	prefix string
	ttl    time.Duration
}

// New builds a Leaser. A zero ttl falls back to ten minutes.
func New(client Client, ttl time.Duration) *Leaser {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Leaser{client: client, prefix: "endorse:lease:", ttl: ttl}
}

func (l *Leaser) key(target string) string {
	return l.prefix + target
}

// Lease is a held claim on one target.
type Lease struct {
	leaser *Leaser
	Target string
	Owner  string
}

// Acquire claims target for owner. It fails with ErrHeld if another run
// already owns it.
func (l *Leaser) Acquire(ctx context.Context, target, owner string) (*Lease, error) {
	ok, err := l.client.SetNX(ctx, l.key(target), owner, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", target, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, l.Holder(ctx, target))
	}
	return &Lease{leaser: l, Target: target, Owner: owner}, nil
}

// Holder returns the current owner of target, or "" if it is free.
func (l *Leaser) Holder(ctx context.Context, target string) string {
	v, err := l.client.Get(ctx, l.key(target)).Result()
	if err != nil {
		return ""
	}
	return v
}

// Extend pushes the lease deadline forward by the leaser's TTL.
func (ls *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, ls.leaser.client, []string{ls.leaser.key(ls.Target)},
		ls.Owner, ls.leaser.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", ls.Target, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// Release drops the lease if this owner still holds it.
func (ls *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, ls.leaser.client, []string{ls.leaser.key(ls.Target)}, ls.Owner).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", ls.Target, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
