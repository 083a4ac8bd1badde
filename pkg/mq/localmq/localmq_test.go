package localmq_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/sokovan/pkg/mq/localmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := localmq.New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "sessions.scheduled")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "sessions.scheduled", []byte("s1")))

	select {
	case msg := <-ch:
		assert.Equal(t, "s1", string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSubscribeCountAndUnsubscribeOnCancel(t *testing.T) {
	b := localmq.New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := b.Subscribe(ctx, "topic")
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount("topic"))

	cancel()
	assert.Eventually(t, func() bool {
		return b.SubscriberCount("topic") == 0
	}, time.Second, 10*time.Millisecond)
}
