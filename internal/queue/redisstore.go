package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a shared Redis instance so that workers in
// different processes contend on the same durable state. Claim and release
// are Lua scripts; Redis executes scripts atomically, which gives the
// compare-and-swap semantics the protocol requires.
//
// Times are kept as Unix milliseconds because Lua numbers cannot represent
// nanosecond timestamps exactly.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ Store = (*RedisStore)(nil)

// redisUnit is the wire representation of a delivery unit in Redis
type redisUnit struct {
	MessageID   string      `json:"message_id"`
	Domain      string      `json:"domain"`
	Recipients  []Recipient `json:"recipients"`
	Status      string      `json:"status"`
	RetryCount  int         `json:"retry_count"`
	NextDueMS   int64       `json:"next_due_ms"`
	LastError   string      `json:"last_error"`
	LeaseToken  string      `json:"lease_token"`
	LeaseExpiry int64       `json:"lease_expiry_ms"`
}

var claimScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return false end
local u = cjson.decode(raw)
local now = tonumber(ARGV[2])
local claimable = false
if u.status == 'scheduled' and u.next_due_ms <= now then claimable = true end
if u.status == 'in_progress' and u.lease_expiry_ms <= now then claimable = true end
if not claimable then return false end
u.status = 'in_progress'
u.lease_token = ARGV[1]
u.lease_expiry_ms = tonumber(ARGV[3])
local enc = cjson.encode(u)
redis.call('SET', KEYS[1], enc)
redis.call('ZADD', KEYS[2], u.lease_expiry_ms, KEYS[1])
return enc
`)

var releaseRetryScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local u = cjson.decode(raw)
if u.status ~= 'in_progress' or u.lease_token ~= ARGV[1] then return 0 end
u.status = 'scheduled'
u.recipients = cjson.decode(ARGV[2])
u.retry_count = tonumber(ARGV[3])
u.next_due_ms = tonumber(ARGV[4])
u.last_error = ARGV[5]
u.lease_token = ''
u.lease_expiry_ms = 0
redis.call('SET', KEYS[1], cjson.encode(u))
redis.call('ZADD', KEYS[2], u.next_due_ms, KEYS[1])
return 1
`)

var releaseDoneScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local u = cjson.decode(raw)
if u.status ~= 'in_progress' or u.lease_token ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], KEYS[1])
local left = redis.call('DECR', KEYS[3])
if left <= 0 then
  redis.call('DEL', KEYS[3])
  redis.call('DEL', KEYS[4])
  return 2
end
return 1
`)

var reapScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local reaped = 0
for _, key in ipairs(due) do
  local raw = redis.call('GET', key)
  if raw then
    local u = cjson.decode(raw)
    if u.status == 'in_progress' and u.lease_expiry_ms <= tonumber(ARGV[1]) then
      u.status = 'scheduled'
      u.lease_token = ''
      u.lease_expiry_ms = 0
      redis.call('SET', key, cjson.encode(u))
      redis.call('ZADD', KEYS[1], u.next_due_ms, key)
      reaped = reaped + 1
    end
  else
    redis.call('ZREM', KEYS[1], key)
  end
end
return reaped
`)

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if prefix == "" {
		prefix = "outpost"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: slog.Default().With("component", "queue-store", "backend", "redis"),
	}, nil
}

func (s *RedisStore) msgKey(id string) string      { return s.prefix + ":msg:" + id }
func (s *RedisStore) msgUnitsKey(id string) string { return s.prefix + ":msgunits:" + id }
func (s *RedisStore) dueKey() string               { return s.prefix + ":due" }
func (s *RedisStore) unitKey(id UnitID) string {
	return s.prefix + ":unit:" + id.MessageID + "/" + id.Domain
}

func (s *RedisStore) unitIDFromKey(key string) (UnitID, bool) {
	rest := strings.TrimPrefix(key, s.prefix+":unit:")
	msgID, domain, ok := strings.Cut(rest, "/")
	if !ok {
		return UnitID{}, false
	}
	return UnitID{MessageID: msgID, Domain: domain}, true
}

func toRedisUnit(u *DeliveryUnit) redisUnit {
	ru := redisUnit{
		MessageID:  u.MessageID,
		Domain:     u.Domain,
		Recipients: u.Recipients,
		Status:     string(u.Status),
		RetryCount: u.RetryCount,
		NextDueMS:  u.NextDue.UnixMilli(),
		LastError:  u.LastError,
		LeaseToken: u.LeaseToken,
	}
	if !u.LeaseExpiry.IsZero() {
		ru.LeaseExpiry = u.LeaseExpiry.UnixMilli()
	}
	return ru
}

func (ru redisUnit) toUnit() *DeliveryUnit {
	u := &DeliveryUnit{
		MessageID:  ru.MessageID,
		Domain:     ru.Domain,
		Recipients: ru.Recipients,
		Status:     Status(ru.Status),
		RetryCount: ru.RetryCount,
		NextDue:    time.UnixMilli(ru.NextDueMS),
		LastError:  ru.LastError,
		LeaseToken: ru.LeaseToken,
	}
	if ru.LeaseExpiry != 0 {
		u.LeaseExpiry = time.UnixMilli(ru.LeaseExpiry)
	}
	return u
}

// Enqueue writes the message, its units and the due index in one MULTI/EXEC
func (s *RedisStore) Enqueue(ctx context.Context, msg *Message, units []*DeliveryUnit) error {
	msgData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.msgKey(msg.ID), msgData, 0)
	pipe.Set(ctx, s.msgUnitsKey(msg.ID), len(units), 0)
	for _, u := range units {
		data, err := json.Marshal(toRedisUnit(u))
		if err != nil {
			return fmt.Errorf("failed to marshal unit: %w", err)
		}
		key := s.unitKey(u.ID())
		pipe.Set(ctx, key, data, 0)
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: float64(u.NextDue.UnixMilli()), Member: key})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("enqueue", err)
	}
	return nil
}

// Message returns the message record by ID
func (s *RedisStore) Message(ctx context.Context, id string) (*Message, error) {
	raw, err := s.client.Get(ctx, s.msgKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get message", err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

// Unit returns a snapshot of the unit
func (s *RedisStore) Unit(ctx context.Context, id UnitID) (*DeliveryUnit, error) {
	raw, err := s.client.Get(ctx, s.unitKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get unit", err)
	}
	var ru redisUnit
	if err := json.Unmarshal([]byte(raw), &ru); err != nil {
		return nil, fmt.Errorf("failed to unmarshal unit: %w", err)
	}
	return ru.toUnit(), nil
}

// ListDue returns claimable units ordered earliest due first
func (s *RedisStore) ListDue(ctx context.Context, now time.Time) ([]UnitID, error) {
	keys, err := s.client.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, storeErr("list due", err)
	}

	ids := make([]UnitID, 0, len(keys))
	for _, key := range keys {
		if id, ok := s.unitIDFromKey(key); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// TryClaim runs the atomic claim script
func (s *RedisStore) TryClaim(ctx context.Context, id UnitID, workerToken string, leaseFor time.Duration) (*DeliveryUnit, bool, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.unitKey(id), s.dueKey()},
		workerToken, now.UnixMilli(), now.Add(leaseFor).UnixMilli()).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeErr("claim", err)
	}

	raw, ok := res.(string)
	if !ok {
		return nil, false, nil
	}
	var ru redisUnit
	if err := json.Unmarshal([]byte(raw), &ru); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal unit: %w", err)
	}
	return ru.toUnit(), true, nil
}

// Release runs the atomic release script matching the lease token
func (s *RedisStore) Release(ctx context.Context, id UnitID, workerToken string, upd UnitUpdate) (ReleaseResult, error) {
	if upd.Retry != nil {
		rcpts, err := json.Marshal(upd.Retry.Recipients)
		if err != nil {
			return ReleaseResult{}, fmt.Errorf("failed to marshal recipients: %w", err)
		}
		n, err := releaseRetryScript.Run(ctx, s.client,
			[]string{s.unitKey(id), s.dueKey()},
			workerToken, string(rcpts), upd.Retry.RetryCount,
			upd.Retry.NextDue.UnixMilli(), upd.Retry.LastError).Int()
		if err != nil {
			return ReleaseResult{}, storeErr("release", err)
		}
		return ReleaseResult{Applied: n == 1}, nil
	}

	n, err := releaseDoneScript.Run(ctx, s.client,
		[]string{s.unitKey(id), s.dueKey(), s.msgUnitsKey(id.MessageID), s.msgKey(id.MessageID)},
		workerToken).Int()
	if err != nil {
		return ReleaseResult{}, storeErr("release", err)
	}
	return ReleaseResult{Applied: n > 0, MessageDone: n == 2}, nil
}

// ReapExpiredLeases runs the atomic reap script
func (s *RedisStore) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	n, err := reapScript.Run(ctx, s.client, []string{s.dueKey()}, now.UnixMilli()).Int()
	if err != nil {
		return 0, storeErr("reap", err)
	}
	return n, nil
}

// NextDue returns the earliest wake-up time recorded in the due index
func (s *RedisStore) NextDue(ctx context.Context) (time.Time, bool, error) {
	entries, err := s.client.ZRangeWithScores(ctx, s.dueKey(), 0, 0).Result()
	if err != nil {
		return time.Time{}, false, storeErr("next due", err)
	}
	if len(entries) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(entries[0].Score)), true, nil
}

// Stats returns current queue depth counters
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	keys, err := s.client.ZRange(ctx, s.dueKey(), 0, -1).Result()
	if err != nil {
		return stats, storeErr("stats", err)
	}
	if len(keys) == 0 {
		return stats, nil
	}

	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return stats, storeErr("stats", err)
	}

	msgs := make(map[string]struct{})
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var ru redisUnit
		if err := json.Unmarshal([]byte(str), &ru); err != nil {
			continue
		}
		msgs[ru.MessageID] = struct{}{}
		switch Status(ru.Status) {
		case StatusScheduled:
			stats.Scheduled++
		case StatusInProgress:
			stats.InProgress++
		}
	}
	stats.Messages = len(msgs)
	return stats, nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
