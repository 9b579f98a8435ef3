package usage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Retention keeps Redis counters around after their window closes so
// snapshots of the previous window still resolve.
const Retention = 7 * 24 * time.Hour

// consumeScript checks every window before touching any of them. Each
// counter is a hash of used and limit; limit is only written on creation.
// The expiry is set on every call, so counters created by a denied request
// expire too.
//
// KEYS: window keys. ARGV[1]: amount, ARGV[2i]: limit, ARGV[2i+1]: expiry
// in unix milliseconds. Returns {applied, denied, used1, limit1, ...} with
// denied being the 1-based index of the refusing window.
var consumeScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local res = {1, 0}
local denied = 0
for i, key in ipairs(KEYS) do
  redis.call('HSETNX', key, 'limit', ARGV[2*i])
  redis.call('PEXPIREAT', key, ARGV[2*i+1])
  local used = tonumber(redis.call('HGET', key, 'used') or '0')
  local limit = tonumber(redis.call('HGET', key, 'limit'))
  if denied == 0 and limit >= 0 and used + n > limit then
    denied = i
  end
  res[2*i+1] = used
  res[2*i+2] = limit
end
if denied > 0 then
  res[1] = 0
  res[2] = denied
  return res
end
for i, key in ipairs(KEYS) do
  res[2*i+1] = redis.call('HINCRBY', key, 'used', n)
end
return res
`)

// RedisStore keeps counters in Redis. All keys of an account share a hash
// tag so the script also runs on a cluster.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore with keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if client == nil {
		panic("usage: redis client is required")
	}
	if prefix == "" {
		prefix = "billing"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(accountID uuid.UUID, w Window) string {
	return s.prefix + ":usage:{" + accountID.String() + "}:" + w.Key
}

func (s *RedisStore) Consume(ctx context.Context, accountID uuid.UUID, windows []Window, amount int64) (Outcome, error) {
	keys := make([]string, len(windows))
	args := make([]any, 0, 1+2*len(windows))
	args = append(args, amount)
	for i, w := range windows {
		keys[i] = s.key(accountID, w)
		args = append(args, w.Limit, w.End.Add(Retention).UnixMilli())
	}

	res, err := consumeScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return Outcome{}, errors.Join(ErrFailedToConsume, err)
	}
	if len(res) != 2+2*len(windows) {
		return Outcome{}, errors.Join(ErrFailedToConsume, errors.New("unexpected script reply"))
	}
	if res[0] == 0 {
		return Outcome{Denied: int(res[1]) - 1}, nil
	}
	counts := make([]Count, len(windows))
	for i := range windows {
		counts[i] = Count{Used: res[2+2*i], Limit: res[3+2*i]}
	}
	return Outcome{Applied: true, Denied: -1, Counts: counts}, nil
}

func (s *RedisStore) Read(ctx context.Context, accountID uuid.UUID, windows []Window) ([]Count, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(windows))
	for i, w := range windows {
		cmds[i] = pipe.HMGet(ctx, s.key(accountID, w), "used", "limit")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Join(ErrFailedToRead, err)
	}

	out := make([]Count, len(windows))
	for i, w := range windows {
		out[i] = Count{Limit: w.Limit}
		vals := cmds[i].Val()
		if len(vals) != 2 {
			continue
		}
		if v, ok := vals[0].(string); ok {
			out[i].Used, _ = strconv.ParseInt(v, 10, 64)
		}
		if v, ok := vals[1].(string); ok {
			out[i].Limit, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return out, nil
}

func (s *RedisStore) Reset(ctx context.Context, accountID uuid.UUID, windows []Window) error {
	pipe := s.client.Pipeline()
	for _, w := range windows {
		key := s.key(accountID, w)
		pipe.HSet(ctx, key, "used", 0)
		pipe.HSetNX(ctx, key, "limit", w.Limit)
		pipe.PExpireAt(ctx, key, w.End.Add(Retention))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Join(ErrFailedToReset, err)
	}
	return nil
}
