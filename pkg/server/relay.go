package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/aeolun/pairchat/pkg/room"
	"github.com/redis/go-redis/v9"
)

// RedisRelay shares room events between gateway nodes. Every event is
// published to <prefix><room key>; each node pattern-subscribes to the prefix
// and hands what it receives to its local registry, so the two participants
// of a room may be connected to different nodes.
type RedisRelay struct {
	client   *redis.Client
	prefix   string
	registry *Registry
	metrics  *Metrics
	pubsub   *redis.PubSub
	done     chan struct{}
}

// NewRedisRelay creates a relay that delivers into registry
func NewRedisRelay(client *redis.Client, prefix string, registry *Registry, metrics *Metrics) *RedisRelay {
	return &RedisRelay{
		client:   client,
		prefix:   prefix,
		registry: registry,
		metrics:  metrics,
		done:     make(chan struct{}),
	}
}

// Start subscribes to every room channel and begins fanning received
// events out locally. It returns once the subscription is confirmed.
func (r *RedisRelay) Start(ctx context.Context) error {
	r.pubsub = r.client.PSubscribe(ctx, r.prefix+"*")
	if _, err := r.pubsub.Receive(ctx); err != nil {
		r.pubsub.Close()
		r.pubsub = nil
		return fmt.Errorf("failed to subscribe to %s*: %w", r.prefix, err)
	}

	go r.receiveLoop(r.pubsub.Channel())
	return nil
}

func (r *RedisRelay) receiveLoop(messages <-chan *redis.Message) {
	defer close(r.done)

	for msg := range messages {
		key, ok := strings.CutPrefix(msg.Channel, r.prefix)
		if !ok {
			continue
		}
		r.registry.Send(room.Key(key), []byte(msg.Payload))
	}
}

// Broadcast publishes payload for every node. If Redis is unreachable the
// event is still delivered to the connections on this node.
func (r *RedisRelay) Broadcast(ctx context.Context, key room.Key, payload []byte) error {
	if err := r.client.Publish(ctx, r.prefix+string(key), payload).Err(); err != nil {
		errorLog.Printf("Relay publish to %s failed, delivering locally: %v", key, err)
		r.metrics.RecordRelayFallback()
		r.registry.Send(key, payload)
	}
	return nil
}

// Close stops the subscription and waits for the receive loop to exit
func (r *RedisRelay) Close() error {
	if r.pubsub == nil {
		return r.client.Close()
	}
	err := r.pubsub.Close()
	<-r.done
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}
