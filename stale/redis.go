package stale

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// clearIfScript removes ARGV[2] from the set KEYS[2] when the generation at
// KEYS[1] equals ARGV[1]. Returns 1 when the key is clean afterwards, 0 otherwise.
var clearIfScript = redis.NewScript(`
local g = redis.call('GET', KEYS[1])
if not g then g = '0' end
if g ~= ARGV[1] and redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 1 then
  return 0
end
redis.call('SREM', KEYS[2], ARGV[2])
return 1
`)

// Redis shares staleness across processes and survives restarts.
// Generations live at "stale:<ns>:gen:<key>", membership in the set "stale:<ns>:keys".
// With a TTL, generation keys of idle collections expire; the set entry does not.
type Redis struct {
	rdb         redis.UniversalClient
	ns          string
	ttl         time.Duration
	closeClient bool
}

var _ Set = (*Redis)(nil)

type RedisConfig struct {
	Client      redis.UniversalClient
	Namespace   string        // should match Options.Namespace
	GenTTL      time.Duration // 0 disables expiry of generation keys
	CloseClient bool          // set true only if the set exclusively owns the client
}

var ErrNilClient = errors.New("stale: nil redis client")

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, ns: cfg.Namespace, ttl: cfg.GenTTL, closeClient: cfg.CloseClient}, nil
}

func (s *Redis) genKey(k string) string { return "stale:" + s.ns + ":gen:" + k }
func (s *Redis) setKey() string         { return "stale:" + s.ns + ":keys" }

// Mark pipelines INCR + SADD (+ EXPIRE) in one MULTI round-trip.
func (s *Redis) Mark(ctx context.Context, key string) (uint64, error) {
	gk := s.genKey(key)
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, gk)
		p.SAdd(ctx, s.setKey(), key)
		if s.ttl > 0 {
			p.Expire(ctx, gk, s.ttl)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

func (s *Redis) Gen(ctx context.Context, key string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.genKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	u, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis stale gen parse: %w", err)
	}
	return u, nil
}

func (s *Redis) IsStale(ctx context.Context, key string) (bool, error) {
	return s.rdb.SIsMember(ctx, s.setKey(), key).Result()
}

func (s *Redis) Clear(ctx context.Context, key string) error {
	return s.rdb.SRem(ctx, s.setKey(), key).Err()
}

func (s *Redis) ClearIf(ctx context.Context, key string, gen uint64) (bool, error) {
	n, err := clearIfScript.Run(ctx, s.rdb,
		[]string{s.genKey(key), s.setKey()},
		strconv.FormatUint(gen, 10), key,
	).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Redis) Keys(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.setKey()).Result()
}

// Close releases the redis client only when this set owns it.
func (s *Redis) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
	}
	return nil
}
