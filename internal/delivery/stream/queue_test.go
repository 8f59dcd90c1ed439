package stream

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/abhisek/focuscoach/internal/delivery"
	"github.com/abhisek/focuscoach/internal/ledger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func payload(id string) delivery.Payload {
	return delivery.Payload{ID: id, UserID: "u1", TriggerID: "pomodoro.morning_nudge", Title: id}
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Payload.ID)
	}
	return out
}

// exerciseQueue runs the shared queue contract against q.
func exerciseQueue(t *testing.T, q Queue, user string) {
	t.Helper()
	ctx := context.Background()

	first, err := q.Append(ctx, user, payload("f1"))
	require.NoError(t, err)
	again, err := q.Append(ctx, user, payload("f1"))
	require.NoError(t, err)
	assert.Equal(t, first, again, "append is idempotent per firing")
	_, err = q.Append(ctx, user, payload("f2"))
	require.NoError(t, err)

	got, err := q.Read(ctx, user, "phone", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, ids(got))

	got, err = q.Read(ctx, user, "phone", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got, "entries are handed out once")

	acked, err := q.Ack(ctx, user, "f1")
	require.NoError(t, err)
	assert.True(t, acked)
	acked, err = q.Ack(ctx, user, "f1")
	require.NoError(t, err)
	assert.False(t, acked, "second ack is a no-op")

	pending, err := q.Pending(ctx, user, "phone")
	require.NoError(t, err)
	assert.Equal(t, []string{"f2"}, ids(pending))

	_, err = q.Ack(ctx, user, "missing")
	assert.ErrorIs(t, err, ErrUnknownFiring)
}

func TestMemory_Contract(t *testing.T) {
	exerciseQueue(t, NewMemory(), "u1")
}

func TestRedis_Contract(t *testing.T) {
	client := redisClient(t)
	user := "test-" + uuid.NewString()
	defer client.Del(context.Background(), streamKey(user), idsKey(user))
	exerciseQueue(t, NewRedis(client, DefaultRedisConfig()), user)
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("COACH_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COACH_TEST_REDIS_URL not set")
	}
	client, err := ConnectRedis(url)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// An index slot left empty by an interrupted append must not count as
// appended: the firing is written to the stream and can be acked.
func TestRedis_AppendIgnoresEmptyIndex(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	user := "test-" + uuid.NewString()
	defer client.Del(ctx, streamKey(user), idsKey(user))

	require.NoError(t, client.HSet(ctx, idsKey(user), "f1", "").Err())

	q := NewRedis(client, DefaultRedisConfig())
	id, err := q.Append(ctx, user, payload("f1"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	stored, err := client.HGet(ctx, idsKey(user), "f1").Result()
	require.NoError(t, err)
	assert.Equal(t, id, stored)

	got, err := q.Read(ctx, user, "phone", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, ids(got))

	acked, err := q.Ack(ctx, user, "f1")
	require.NoError(t, err)
	assert.True(t, acked)
}

func TestRedis_ConcurrentAppendWritesOnce(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	user := "test-" + uuid.NewString()
	defer client.Del(ctx, streamKey(user), idsKey(user))

	q := NewRedis(client, DefaultRedisConfig())
	const n = 8
	results := make(chan string, n)
	for range n {
		go func() {
			id, err := q.Append(ctx, user, payload("f1"))
			assert.NoError(t, err)
			results <- id
		}()
	}
	first := <-results
	assert.NotEmpty(t, first)
	for range n - 1 {
		assert.Equal(t, first, <-results)
	}

	length, err := client.XLen(ctx, streamKey(user)).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)
}

func TestMemory_ReadWakesOnAppend(t *testing.T) {
	q := NewMemory()
	done := make(chan []Entry)
	go func() {
		got, _ := q.Read(context.Background(), "u1", "phone", 2*time.Second)
		done <- got
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := q.Append(context.Background(), "u1", payload("f1"))
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, []string{"f1"}, ids(got))
	case <-time.After(time.Second):
		t.Fatal("read did not wake up")
	}
}

func TestMemory_ReadHonorsContext(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Read(ctx, "u1", "phone", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannel_DeliverAppends(t *testing.T) {
	q := NewMemory()
	ch := NewChannel(q)

	res, err := ch.Deliver(context.Background(), ledger.Firing{ID: "f1", UserID: "u1", TriggerID: "cross.comeback"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSent, res.Status)

	got, err := q.Read(context.Background(), "u1", "phone", 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cross.comeback", got[0].Payload.TriggerID)
}
