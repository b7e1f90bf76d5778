package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sync-control-plane/internal/telemetry"
)

const purgeAttempts = 5

// RedisBackend keeps each queue in three keys: a waiting list, a reserved sorted set
// scored by lease expiry and a delayed sorted set scored by availability time, both in
// epoch seconds.
type RedisBackend struct {
	client    redis.UniversalClient
	matchers  MatcherChain
	failedKey string
	lease     time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

type RedisOption func(*RedisBackend)

func WithRedisMatchers(m MatcherChain) RedisOption {
	return func(b *RedisBackend) { b.matchers = m }
}

func WithRedisLogger(l zerolog.Logger) RedisOption {
	return func(b *RedisBackend) { b.log = l }
}

func WithRedisClock(now func() time.Time) RedisOption {
	return func(b *RedisBackend) { b.now = now }
}

// WithRedisLease sets how long a reservation is honoured before ReclaimExpired hands it back.
func WithRedisLease(d time.Duration) RedisOption {
	return func(b *RedisBackend) {
		if d > 0 {
			b.lease = d
		}
	}
}

func NewRedisBackend(client redis.UniversalClient, opts ...RedisOption) *RedisBackend {
	b := &RedisBackend{
		client:    client,
		matchers:  DefaultMatchers(),
		failedKey: "queues:failed",
		lease:     DefaultRetryAfter,
		log:       zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBackend) Name() string    { return "redis" }
func (b *RedisBackend) Supported() bool { return true }

func waitingKey(queue string) string  { return "queues:" + queue }
func reservedKey(queue string) string { return "queues:" + queue + ":reserved" }
func delayedKey(queue string) string  { return "queues:" + queue + ":delayed" }
func attemptsKey(queue string) string { return "queues:" + queue + ":attempts" }

// Dispatch pushes a new payload onto the waiting list, or the delayed set when delay > 0.
func (b *RedisBackend) Dispatch(ctx context.Context, queue, jobType string, args any, delay time.Duration) (string, error) {
	payload, err := NewPayload(jobType, args)
	if err != nil {
		return "", err
	}
	if err := b.push(ctx, b.client, queue, string(payload), delay); err != nil {
		return "", fmt.Errorf("dispatch %s: %w", jobType, err)
	}
	return payloadUUID(payload), nil
}

func (b *RedisBackend) push(ctx context.Context, c redis.Cmdable, queue, payload string, delay time.Duration) error {
	if delay > 0 {
		at := b.now().Add(delay).Unix()
		return c.ZAdd(ctx, delayedKey(queue), redis.Z{Score: float64(at), Member: payload}).Err()
	}
	return c.RPush(ctx, waitingKey(queue), payload).Err()
}

// Reserve moves the head of the waiting list into the reserved set under a lease.
// It returns nil when empty.
func (b *RedisBackend) Reserve(ctx context.Context, queue string) (*Entry, error) {
	expires := b.now().Add(b.lease).Unix()
	res, err := reserveScript.Run(ctx, b.client, []string{waitingKey(queue), reservedKey(queue)}, expires).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	payload, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from reserve script: %T", res)
	}
	id := payloadUUID([]byte(payload))
	attempts, err := b.client.HIncrBy(ctx, attemptsKey(queue), id, 1).Result()
	if err != nil {
		return nil, err
	}
	return &Entry{ID: id, Queue: queue, Payload: []byte(payload), Attempts: int(attempts)}, nil
}

// Ack drops a finished entry.
func (b *RedisBackend) Ack(ctx context.Context, e *Entry) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, reservedKey(e.Queue), string(e.Payload))
	pipe.HDel(ctx, attemptsKey(e.Queue), e.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Release hands a reserved entry back, eligible again after delay. An entry that is
// no longer reserved (purged by an operator, or reclaimed) is left gone.
func (b *RedisBackend) Release(ctx context.Context, e *Entry, delay time.Duration) error {
	var at int64
	if delay > 0 {
		at = b.now().Add(delay).Unix()
	}
	keys := []string{reservedKey(e.Queue), waitingKey(e.Queue), delayedKey(e.Queue)}
	moved, err := releaseScript.Run(ctx, b.client, keys, string(e.Payload), at).Int()
	if err != nil {
		return err
	}
	if moved == 0 {
		b.log.Debug().Str("queue", e.Queue).Str("uuid", e.ID).Msg("release of an entry no longer reserved, dropping")
	}
	return nil
}

// Fail moves a reserved entry to the failed list. An entry that is no longer
// reserved is not recorded.
func (b *RedisBackend) Fail(ctx context.Context, e *Entry, cause error) error {
	rec, err := json.Marshal(FailedRecord{
		UUID:       e.ID,
		Connection: b.Name(),
		Queue:      e.Queue,
		Payload:    string(e.Payload),
		Exception:  errorText(cause),
		FailedAt:   b.now().UTC(),
	})
	if err != nil {
		return err
	}
	keys := []string{reservedKey(e.Queue), attemptsKey(e.Queue), b.failedKey}
	moved, err := failScript.Run(ctx, b.client, keys, string(e.Payload), e.ID, string(rec)).Int()
	if err != nil {
		return err
	}
	if moved == 0 {
		b.log.Debug().Str("queue", e.Queue).Str("uuid", e.ID).Msg("fail of an entry no longer reserved, dropping")
	}
	return nil
}

// PromoteDelayed moves due delayed entries onto the waiting list. It returns how many moved.
func (b *RedisBackend) PromoteDelayed(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	n, err := promoteScript.Run(ctx, b.client, []string{delayedKey(queue), waitingKey(queue)}, now.Unix(), limit).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ReclaimExpired moves reservations whose lease ran out back onto the waiting list.
// The attempt counter is kept, so a unit that keeps killing its worker still dead-letters.
func (b *RedisBackend) ReclaimExpired(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	n, err := promoteScript.Run(ctx, b.client, []string{reservedKey(queue), waitingKey(queue)}, now.Unix(), limit).Int()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.log.Warn().Str("queue", queue).Int("count", n).Msg("reclaimed expired reservations")
	}
	return n, nil
}

// Counts scans all three structures of queue for entries of jobType.
func (b *RedisBackend) Counts(ctx context.Context, queue, jobType string) (Counts, error) {
	var counts Counts
	pipe := b.client.Pipeline()
	waiting := pipe.LRange(ctx, waitingKey(queue), 0, -1)
	reserved := pipe.ZRange(ctx, reservedKey(queue), 0, -1)
	delayed := pipe.ZRange(ctx, delayedKey(queue), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("scan queue %s: %w", queue, err)
	}
	counts.Waiting = b.countMatches(waiting.Val(), jobType)
	counts.Reserved = b.countMatches(reserved.Val(), jobType)
	counts.Delayed = b.countMatches(delayed.Val(), jobType)
	return counts, nil
}

func (b *RedisBackend) countMatches(items []string, jobType string) int {
	n := 0
	for _, item := range items {
		if b.matchers.Matches([]byte(item), jobType) {
			n++
		}
	}
	return n
}

// Purge removes every entry of jobType from queue and reports what was removed per state.
func (b *RedisBackend) Purge(ctx context.Context, queue, jobType string) (Counts, error) {
	var removed Counts
	match := func(item string) bool { return b.matchers.Matches([]byte(item), jobType) }

	waiting, err := b.rewriteList(ctx, waitingKey(queue), match)
	if err != nil {
		return removed, err
	}
	removed.Waiting = len(waiting)

	reserved, err := b.purgeSorted(ctx, reservedKey(queue), match)
	if err != nil {
		return removed, err
	}
	removed.Reserved = len(reserved)

	delayed, err := b.purgeSorted(ctx, delayedKey(queue), match)
	if err != nil {
		return removed, err
	}
	removed.Delayed = len(delayed)

	var ids []string
	for _, group := range [][]string{waiting, reserved, delayed} {
		for _, item := range group {
			ids = append(ids, payloadUUID([]byte(item)))
		}
	}
	if len(ids) > 0 {
		if err := b.client.HDel(ctx, attemptsKey(queue), ids...).Err(); err != nil {
			b.log.Warn().Err(err).Str("queue", queue).Msg("clear attempt counters")
		}
	}

	telemetry.QueuePurged.WithLabelValues(queue, string(StateWaiting)).Add(float64(removed.Waiting))
	telemetry.QueuePurged.WithLabelValues(queue, string(StateReserved)).Add(float64(removed.Reserved))
	telemetry.QueuePurged.WithLabelValues(queue, string(StateDelayed)).Add(float64(removed.Delayed))
	return removed, nil
}

// rewriteList replaces key with its items that do not match, keeping their order.
// The read and the replace happen under WATCH so a concurrent push aborts and retries.
func (b *RedisBackend) rewriteList(ctx context.Context, key string, match func(string) bool) ([]string, error) {
	var removed []string
	txf := func(tx *redis.Tx) error {
		removed = nil
		items, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		kept := make([]any, 0, len(items))
		for _, item := range items {
			if match(item) {
				removed = append(removed, item)
				continue
			}
			kept = append(kept, item)
		}
		if len(removed) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(kept) > 0 {
				pipe.RPush(ctx, key, kept...)
			}
			return nil
		})
		return err
	}
	for i := 0; i < purgeAttempts; i++ {
		err := b.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			b.log.Debug().Str("key", key).Int("attempt", i+1).Msg("list changed during purge, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("purge %s: %w", key, err)
		}
		return removed, nil
	}
	return nil, fmt.Errorf("purge %s: %w", key, redis.TxFailedErr)
}

func (b *RedisBackend) purgeSorted(ctx context.Context, key string, match func(string) bool) ([]string, error) {
	members, err := b.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("scan %s: %w", key, err)
	}
	var removed []string
	for _, m := range members {
		if !match(m) {
			continue
		}
		n, err := b.client.ZRem(ctx, key, m).Result()
		if err != nil {
			return removed, fmt.Errorf("purge %s: %w", key, err)
		}
		if n > 0 {
			removed = append(removed, m)
		}
	}
	return removed, nil
}

func (b *RedisBackend) failedRecords(ctx context.Context) ([]string, error) {
	items, err := b.client.LRange(ctx, b.failedKey, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return items, nil
}

func (b *RedisBackend) failedMatcher(queue, jobType string) func(string) bool {
	return func(item string) bool {
		var rec FailedRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return false
		}
		if queue != "" && rec.Queue != queue {
			return false
		}
		return b.matchers.Matches([]byte(rec.Payload), jobType)
	}
}

func (b *RedisBackend) CountFailed(ctx context.Context, queue, jobType string) (int, error) {
	items, err := b.failedRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan failed entries: %w", err)
	}
	match := b.failedMatcher(queue, jobType)
	n := 0
	for _, item := range items {
		if match(item) {
			n++
		}
	}
	return n, nil
}

// RetryFailed pushes matching failed entries back onto their waiting lists.
func (b *RedisBackend) RetryFailed(ctx context.Context, queue, jobType string) (int, error) {
	removed, err := b.rewriteList(ctx, b.failedKey, b.failedMatcher(queue, jobType))
	if err != nil {
		return 0, err
	}
	pipe := b.client.TxPipeline()
	for _, item := range removed {
		var rec FailedRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		pipe.RPush(ctx, waitingKey(rec.Queue), rec.Payload)
	}
	if len(removed) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("requeue failed entries: %w", err)
		}
	}
	return len(removed), nil
}

func (b *RedisBackend) ClearFailed(ctx context.Context, queue, jobType string) (int, error) {
	removed, err := b.rewriteList(ctx, b.failedKey, b.failedMatcher(queue, jobType))
	if err != nil {
		return 0, err
	}
	return len(removed), nil
}

var reserveScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var releaseScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if tonumber(ARGV[2]) > 0 then
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

var failScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[2])
redis.call('RPUSH', KEYS[3], ARGV[3])
return 1
`)

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i=1,#due do
  redis.call('ZREM', KEYS[1], due[i])
  redis.call('RPUSH', KEYS[2], due[i])
end
return #due
`)
