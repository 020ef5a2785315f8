// Package queue implements a durable Redis task queue with delayed
// delivery and at-least-once processing.
//
// Ready tasks live in a list. Pop atomically moves a task to a processing
// list where it stays until acknowledged, so tasks held by a crashed
// consumer can be recovered. Delayed tasks wait in a sorted set scored by
// their due time until a promoter moves them to the ready list.
package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const promoteBatch = 100

// Keys are the Redis keys backing a queue.
type Keys struct {
	Ready      string
	Processing string
	Delayed    string
}

// KeysFor returns the keys of the named queue.
func KeysFor(name string) Keys {
	return Keys{
		Ready:      name + ":ready",
		Processing: name + ":processing",
		Delayed:    name + ":delayed",
	}
}

// Queue is a Redis-backed task queue.
type Queue struct {
	rdb  redis.UniversalClient
	keys Keys
	now  func() time.Time
}

// New creates a queue named name.
func New(rdb redis.UniversalClient, name string) *Queue {
	return &Queue{rdb: rdb, keys: KeysFor(name), now: time.Now}
}

// Push makes payload ready for consumers.
func (q *Queue) Push(ctx context.Context, payload []byte) error {
	if err := q.rdb.LPush(ctx, q.keys.Ready, payload).Err(); err != nil {
		return errors.Wrap(err, "lpush")
	}
	return nil
}

// PushAt schedules payload to become ready at the given time.
func (q *Queue) PushAt(ctx context.Context, payload []byte, at time.Time) error {
	if !at.After(q.now()) {
		return q.Push(ctx, payload)
	}
	if err := q.rdb.ZAdd(ctx, q.keys.Delayed, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: payload,
	}).Err(); err != nil {
		return errors.Wrap(err, "zadd")
	}
	return nil
}

// Pop waits up to timeout for a ready task and reserves it. It returns a nil
// payload if none became ready.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	payload, err := q.rdb.BLMove(ctx, q.keys.Ready, q.keys.Processing, "RIGHT", "LEFT", timeout).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "blmove")
	}
	return payload, nil
}

// Ack releases a reserved task.
func (q *Queue) Ack(ctx context.Context, payload []byte) error {
	if err := q.rdb.LRem(ctx, q.keys.Processing, 1, payload).Err(); err != nil {
		return errors.Wrap(err, "lrem")
	}
	return nil
}

// promoteScript moves due delayed tasks to the ready list.
//
// KEYS[1] delayed set, KEYS[2] ready list; ARGV[1] now in ms, ARGV[2] limit.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call("ZREM", KEYS[1], member)
	redis.call("LPUSH", KEYS[2], member)
end
return #due
`)

// Promote moves every delayed task due by now to the ready list and
// returns how many it moved.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	total := 0
	for {
		n, err := promoteScript.Run(ctx, q.rdb,
			[]string{q.keys.Delayed, q.keys.Ready},
			now, promoteBatch,
		).Int()
		if err != nil {
			return total, errors.Wrap(err, "promote")
		}
		total += n
		if n < promoteBatch {
			return total, nil
		}
	}
}

// Recover returns reserved tasks to the ready list. It must only run while
// no consumer of this queue is active, typically at startup.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.rdb.LMove(ctx, q.keys.Processing, q.keys.Ready, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrap(err, "lmove")
		}
		n++
	}
}

// Stats is a snapshot of queue depth.
type Stats struct {
	Ready      int64
	Processing int64
	Delayed    int64
}

// Stats returns the current queue depth.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, q.keys.Ready)
	processing := pipe.LLen(ctx, q.keys.Processing)
	delayed := pipe.ZCard(ctx, q.keys.Delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, errors.Wrap(err, "stats")
	}
	return Stats{
		Ready:      ready.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
	}, nil
}

// RunPromoter promotes due tasks every interval until ctx is canceled.
func (q *Queue) RunPromoter(ctx context.Context, interval time.Duration, lg *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		n, err := q.Promote(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lg.Error("Promote delayed tasks", zap.Error(err))
			continue
		}
		if n > 0 {
			lg.Debug("Delayed tasks promoted", zap.Int("count", n))
		}
	}
}
