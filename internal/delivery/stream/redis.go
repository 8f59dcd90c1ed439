package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abhisek/focuscoach/internal/delivery"
)

const (
	keyPrefix = "focuscoach:stream:"
	group     = "consumers"
	readCount = 32
)

// RedisConfig tunes the Redis queue.
type RedisConfig struct {
	// MaxLen caps each user's stream, approximately. Zero keeps everything.
	MaxLen int64
}

// DefaultRedisConfig returns the Redis queue defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{MaxLen: 1000}
}

// Redis is a Queue over one Redis stream per user with a single consumer
// group. A hash per user maps firing ids to entry ids for idempotent
// appends and acks; a script writes the entry and its index together.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
	groups sync.Map // stream key -> struct{}
}

var _ Queue = (*Redis)(nil)

// NewRedis creates a Queue from a Redis client.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	return &Redis{client: client, cfg: cfg}
}

// ConnectRedis creates a Redis client from a URL.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Both keys of a user share a hash tag so the append script may touch them
// together on a cluster.
func streamKey(userID string) string { return keyPrefix + "{" + userID + "}" }
func idsKey(userID string) string    { return keyPrefix + "{" + userID + "}:ids" }

// ensureGroup creates the user's stream and consumer group if missing.
func (q *Redis) ensureGroup(ctx context.Context, key string) error {
	if _, ok := q.groups.Load(key); ok {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group on %s: %w", key, err)
	}
	q.groups.Store(key, struct{}{})
	return nil
}

// appendScript adds a firing to the stream and indexes its entry id in one
// atomic step. A firing already indexed returns its existing entry id.
// KEYS: stream, ids hash. ARGV: firing id, payload, max length.
var appendScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[2], ARGV[1])
if id and id ~= '' then
	return id
end
local maxlen = tonumber(ARGV[3])
if maxlen > 0 then
	id = redis.call('XADD', KEYS[1], 'MAXLEN', '~', maxlen, '*', 'firing_id', ARGV[1], 'payload', ARGV[2])
else
	id = redis.call('XADD', KEYS[1], '*', 'firing_id', ARGV[1], 'payload', ARGV[2])
end
redis.call('HSET', KEYS[2], ARGV[1], id)
return id
`)

func (q *Redis) Append(ctx context.Context, userID string, p delivery.Payload) (string, error) {
	key := streamKey(userID)
	if err := q.ensureGroup(ctx, key); err != nil {
		return "", err
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode firing %s: %w", p.ID, err)
	}
	id, err := appendScript.Run(ctx, q.client, []string{key, idsKey(userID)},
		p.ID, string(payload), q.cfg.MaxLen).Text()
	if err != nil {
		return "", fmt.Errorf("append firing %s: %w", p.ID, err)
	}
	return id, nil
}

func (q *Redis) Pending(ctx context.Context, userID, consumer string) ([]Entry, error) {
	key := streamKey(userID)
	if err := q.ensureGroup(ctx, key); err != nil {
		return nil, err
	}
	// Reading from id 0 replays this consumer's unacknowledged entries.
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, "0"},
		Block:    -1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read pending: %w", err)
	}
	return decode(streams)
}

func (q *Redis) Read(ctx context.Context, userID, consumer string, block time.Duration) ([]Entry, error) {
	key := streamKey(userID)
	if err := q.ensureGroup(ctx, key); err != nil {
		return nil, err
	}
	if block <= 0 {
		block = time.Millisecond
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    readCount,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return decode(streams)
}

func (q *Redis) Ack(ctx context.Context, userID, firingID string) (bool, error) {
	id, err := q.client.HGet(ctx, idsKey(userID), firingID).Result()
	if errors.Is(err, redis.Nil) || (err == nil && id == "") {
		return false, fmt.Errorf("%w: %s", ErrUnknownFiring, firingID)
	}
	if err != nil {
		return false, fmt.Errorf("lookup firing %s: %w", firingID, err)
	}
	n, err := q.client.XAck(ctx, streamKey(userID), group, id).Result()
	if err != nil {
		return false, fmt.Errorf("ack firing %s: %w", firingID, err)
	}
	return n > 0, nil
}

func decode(streams []redis.XStream) ([]Entry, error) {
	var out []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			raw := getString(msg.Values, "payload")
			if raw == "" {
				// Trimmed while still pending.
				continue
			}
			var p delivery.Payload
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				return out, fmt.Errorf("decode entry %s: %w", msg.ID, err)
			}
			out = append(out, Entry{ID: msg.ID, Payload: p})
		}
	}
	return out, nil
}

func getString(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
