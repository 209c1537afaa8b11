package streaming

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/zhilfond/domo/backend/observability"
	"github.com/zhilfond/domo/backend/store"
)

// channelPublisher is the pub/sub slice of the redis store.
type channelPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher fans events out on a redis pub/sub channel so sibling
// services (notifications, analytics) can consume them.
type RedisPublisher struct {
	redis channelPublisher
	topic string
}

func NewRedisPublisher(redis channelPublisher, topic string) *RedisPublisher {
	return &RedisPublisher{redis: redis, topic: topic}
}

// Publish is best-effort: a down bus is counted, never propagated to the
// write path that produced the event.
func (p *RedisPublisher) Publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(event.Type, "marshal").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.redis.Publish(ctx, store.EventChannel(p.topic), data); err != nil {
		log.Printf("[EVENTS] publish %s failed: %v", event.Type, err)
		observability.EventPublishFailures.WithLabelValues(event.Type, "publish").Inc()
	}
}

func (p *RedisPublisher) Close() error { return nil }
