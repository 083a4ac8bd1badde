package redismq_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/sokovan/pkg/mq/redismq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*redismq.Queue, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := redismq.New(client, "sokovan-managers", "manager-1")
	return q, func() { mr.Close() }
}

func TestPublishAndConsume(t *testing.T) {
	q, cleanup := newTestQueue(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := q.Subscribe(ctx, "sessions.scheduled")
	require.NoError(t, err)

	require.NoError(t, q.Publish(context.Background(), "sessions.scheduled", []byte("session-1")))

	select {
	case msg := <-ch:
		assert.Equal(t, "session-1", string(msg.Payload))
		require.NoError(t, q.Ack(context.Background(), "sessions.scheduled", msg.ID))
	case <-time.After(4 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
