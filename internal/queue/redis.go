package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings of a RedisQueue
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Name      string
}

// priorityWeight keeps the priority term of a ready score above any
// millisecond timestamp
const priorityWeight = 1e13

// popReadyScript promotes due items from the delayed set into the ready set
// and pops up to ARGV[2] of them, returning id, priority, readyAt triples.
//
// KEYS[1] delayed zset (score readyAt ms), KEYS[2] ready zset, KEYS[3] priority hash
var popReadyScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
	local p = tonumber(redis.call('HGET', KEYS[3], id) or '0')
	local readyAt = tonumber(redis.call('ZSCORE', KEYS[1], id))
	redis.call('ZADD', KEYS[2], -p * ` + strconv.FormatFloat(priorityWeight, 'f', 0, 64) + ` + readyAt, id)
	redis.call('ZREM', KEYS[1], id)
end
local popped = redis.call('ZPOPMIN', KEYS[2], ARGV[2])
local out = {}
for i = 1, #popped, 2 do
	local id = popped[i]
	local p = tonumber(redis.call('HGET', KEYS[3], id) or '0')
	redis.call('HDEL', KEYS[3], id)
	table.insert(out, id)
	table.insert(out, p)
	table.insert(out, tonumber(popped[i + 1]) + p * ` + strconv.FormatFloat(priorityWeight, 'f', 0, 64) + `)
end
return out
`)

// RedisQueue is a Queue shared through Redis. Promotion and popping happen in
// one script, so concurrent workers never receive the same item.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue connects to Redis and verifies the connection
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "stocksync"
	}
	return &RedisQueue{
		client: client,
		prefix: prefix + ":" + cfg.Name,
	}, nil
}

func (q *RedisQueue) key(suffix string) string {
	return q.prefix + ":" + suffix
}

func (q *RedisQueue) Push(ctx context.Context, item Item) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("priority"), item.JobID, item.Priority)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(item.ReadyAt.UnixMilli()),
			Member: item.JobID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("push job %s: %w", item.JobID, err)
	}
	return nil
}

func (q *RedisQueue) PopReady(ctx context.Context, now time.Time, max int) ([]Item, error) {
	if max <= 0 {
		return nil, nil
	}

	keys := []string{q.key("delayed"), q.key("ready"), q.key("priority")}
	raw, err := popReadyScript.Run(ctx, q.client, keys, now.UnixMilli(), max).Slice()
	if err != nil {
		return nil, fmt.Errorf("pop ready jobs: %w", err)
	}

	items := make([]Item, 0, len(raw)/3)
	for i := 0; i+2 < len(raw); i += 3 {
		id, _ := raw[i].(string)
		priority, _ := raw[i+1].(int64)
		readyAt, _ := raw[i+2].(int64)
		items = append(items, Item{
			JobID:    id,
			Priority: int(priority),
			ReadyAt:  time.UnixMilli(readyAt),
		})
	}
	return items, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	var delayed, ready *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		delayed = pipe.ZCard(ctx, q.key("delayed"))
		ready = pipe.ZCard(ctx, q.key("ready"))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(delayed.Val() + ready.Val()), nil
}

func (q *RedisQueue) Retain(ctx context.Context, jobID string, success bool, keep int) ([]string, error) {
	key := q.key("failed")
	if success {
		key = q.key("completed")
	}

	if keep < 0 {
		if err := q.client.LPush(ctx, key, jobID).Err(); err != nil {
			return nil, fmt.Errorf("retain job %s: %w", jobID, err)
		}
		return nil, nil
	}

	// Newest first; everything from index keep onwards is evicted
	var evicted *redis.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, jobID)
		evicted = pipe.LRange(ctx, key, int64(keep), -1)
		if keep == 0 {
			pipe.Del(ctx, key)
		} else {
			pipe.LTrim(ctx, key, 0, int64(keep)-1)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retain job %s: %w", jobID, err)
	}
	return evicted.Val(), nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
