package ledger

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces ledger keys.
const DefaultRedisPrefix = "x402:nonce:"

// beginSettlementScript moves an absent or reserved key to settling.
var beginSettlementScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and string.sub(current, 1, 9) ~= 'reserved:' then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PXAT', ARGV[2])
return 1
`)

// releaseScript deletes a key only while its value starts with ARGV[1],
// the "{state}:" prefix the caller expects.
var releaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current or string.sub(current, 1, string.len(ARGV[1])) ~= ARGV[1] then
	return 0
end
return redis.call('DEL', KEYS[1])
`)

// Redis is a ledger shared by every facilitator instance pointing at the
// same Redis. Values are "{state}:{unixSeconds}" and expire natively.
type Redis struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

// RedisOption configures a Redis ledger.
type RedisOption func(*Redis)

// WithRedisPrefix overrides DefaultRedisPrefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis wraps an existing client. The caller owns the client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: DefaultRedisPrefix,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(key Key) string {
	return r.prefix + key.String()
}

func (r *Redis) value(s State) string {
	return s.String() + ":" + strconv.FormatInt(r.clock().Unix(), 10)
}

func (r *Redis) Reserve(ctx context.Context, key Key, expiresAt time.Time) (bool, error) {
	err := r.client.SetArgs(ctx, r.key(key), r.value(Reserved), redis.SetArgs{
		Mode:     "NX",
		ExpireAt: expiresAt,
	}).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("reserve", key, err)
	}
	return true, nil
}

func (r *Redis) BeginSettlement(ctx context.Context, key Key, expiresAt time.Time) (bool, error) {
	n, err := beginSettlementScript.Run(ctx, r.client,
		[]string{r.key(key)}, r.value(Settling), expiresAt.UnixMilli()).Int()
	if err != nil {
		return false, unavailable("begin settlement", key, err)
	}
	return n == 1, nil
}

func (r *Redis) Consume(ctx context.Context, key Key, expiresAt time.Time) error {
	err := r.client.SetArgs(ctx, r.key(key), r.value(Consumed), redis.SetArgs{
		ExpireAt: expiresAt,
	}).Err()
	if err != nil {
		return unavailable("consume", key, err)
	}
	return nil
}

func (r *Redis) ReleaseReservation(ctx context.Context, key Key) error {
	return r.release(ctx, "release reservation", key, Reserved)
}

func (r *Redis) ReleaseSettlement(ctx context.Context, key Key) error {
	return r.release(ctx, "release settlement", key, Settling)
}

func (r *Redis) release(ctx context.Context, op string, key Key, from State) error {
	err := releaseScript.Run(ctx, r.client, []string{r.key(key)}, from.String()+":").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable(op, key, err)
	}
	return nil
}

func (r *Redis) State(ctx context.Context, key Key) (State, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return Absent, nil
	}
	if err != nil {
		return Absent, unavailable("state", key, err)
	}
	name, _, _ := strings.Cut(v, ":")
	s, err := parseState(name)
	if err != nil {
		return Absent, unavailable("state", key, err)
	}
	return s, nil
}

func (r *Redis) IsConsumed(ctx context.Context, key Key) (bool, error) {
	s, err := r.State(ctx, key)
	return s == Consumed, err
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", Key{}, err)
	}
	return nil
}

var _ Ledger = (*Redis)(nil)
