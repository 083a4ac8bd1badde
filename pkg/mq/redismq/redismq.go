// Package redismq is the production pkg/mq.Queue backend, built on
// Redis Streams consumer groups (XADD/XREADGROUP/XACK/XAUTOCLAIM/
// XTRIM) so multiple manager replicas can share one consumer group
// without double-processing a message.
package redismq

import (
	"context"
	"time"

	"github.com/cuemby/sokovan/pkg/mq"
	"github.com/cuemby/sokovan/pkg/schederr"
	"github.com/redis/go-redis/v9"
)

const (
	payloadField   = "payload"
	maxStreamLen   = 10_000
	claimIdleAfter = 30 * time.Second
)

// Queue adapts a go-redis client to pkg/mq.Queue.
type Queue struct {
	client       *redis.Client
	consumerGroup string
	consumerName  string
}

// New creates a Queue bound to consumerGroup/consumerName; Subscribe
// creates the group (MKSTREAM) lazily per topic on first use.
func New(client *redis.Client, consumerGroup, consumerName string) *Queue {
	return &Queue{client: client, consumerGroup: consumerGroup, consumerName: consumerName}
}

func (q *Queue) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Err(); err != nil {
		return schederr.Wrap(schederr.CodeRPCUnavailable, "XADD failed for "+topic, err)
	}
	return nil
}

func (q *Queue) ensureGroup(ctx context.Context, topic string) {
	_ = q.client.XGroupCreateMkStream(ctx, topic, q.consumerGroup, "$").Err()
}

func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan mq.Message, error) {
	q.ensureGroup(ctx, topic)
	out := make(chan mq.Message, 64)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			q.reclaimStale(ctx, topic, out)

			streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    q.consumerGroup,
				Consumer: q.consumerName,
				Streams:  []string{topic, ">"},
				Count:    32,
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				if err == redis.Nil || ctx.Err() != nil {
					continue
				}
				continue // transient read error: retry on next loop iteration
			}
			for _, stream := range streams {
				for _, entry := range stream.Messages {
					payload, _ := entry.Values[payloadField].(string)
					select {
					case out <- mq.Message{ID: entry.ID, Topic: topic, Payload: []byte(payload)}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// reclaimStale uses XAUTOCLAIM to pick up messages whose original
// consumer died mid-processing without ack'ing, so a crashed replica
// doesn't strand in-flight scheduling events.
func (q *Queue) reclaimStale(ctx context.Context, topic string, out chan<- mq.Message) {
	_, entries, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    q.consumerGroup,
		Consumer: q.consumerName,
		MinIdle:  claimIdleAfter,
		Start:    "0-0",
		Count:    32,
	}).Result()
	if err != nil {
		return
	}
	for _, entry := range entries {
		payload, _ := entry.Values[payloadField].(string)
		select {
		case out <- mq.Message{ID: entry.ID, Topic: topic, Payload: []byte(payload)}:
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) Ack(ctx context.Context, topic string, messageID string) error {
	return q.client.XAck(ctx, topic, q.consumerGroup, messageID).Err()
}

func (q *Queue) Close() error { return q.client.Close() }
