package backend

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// acquireScript sets the lock record unless a fresh one exists.
// Record format matches lock.Encode: "<unix-ms>:<holder>"; a record without a
// time or a holder is corrupt and counts as absent, as in lock.Decode.
var acquireScript = redis.NewScript(`
local key   = KEYS[1]
local owner = ARGV[1]
local now   = tonumber(ARGV[2])
local stale = tonumber(ARGV[3])
local cur = redis.call('GET', key)
if cur then
  local sep = string.find(cur, ':', 1, true)
  if sep and sep > 1 and sep < #cur then
    local at = tonumber(string.sub(cur, 1, sep - 1))
    if at and (now - at) < stale then
      return 0
    end
  end
end
redis.call('SET', key, ARGV[2] .. ':' .. owner)
return 1
`)

// releaseScript deletes the lock record only when it is still owned by the caller.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local cur = redis.call('GET', key)
if not cur then return 0 end
local sep = string.find(cur, ':', 1, true)
if sep and string.sub(cur, sep + 1) == ARGV[1] then
  redis.call('DEL', key)
  return 1
end
return 0
`)

// Redis stores the snapshot and lock record as plain string keys.
type Redis struct {
	rdb redis.UniversalClient
}

// NewRedis wraps an existing client. The caller owns the client lifecycle.
func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Redis) Set(ctx context.Context, key string, val []byte) error {
	return s.rdb.Set(ctx, key, val, 0).Err()
}

func (s *Redis) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// AcquireLock runs the compare-and-set script atomically on the server.
func (s *Redis) AcquireLock(ctx context.Context, key, holder string, nowMs, staleMs int64) (bool, error) {
	n, err := acquireScript.Run(ctx, s.rdb, []string{key},
		holder, strconv.FormatInt(nowMs, 10), strconv.FormatInt(staleMs, 10)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLock deletes the record if holder still owns it.
func (s *Redis) ReleaseLock(ctx context.Context, key, holder string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb, []string{key}, holder).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
