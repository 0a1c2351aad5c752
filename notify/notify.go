// Package notify broadcasts download progress to every connected page.
// Delivery is best effort: nothing waits for an acknowledgement.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bariiss/hls-offline/model"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type Notifier interface {
	Broadcast(event model.ProgressEvent)
}

// Func adapts a function to Notifier.
type Func func(event model.ProgressEvent)

func (f Func) Broadcast(event model.ProgressEvent) { f(event) }

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Broadcast(event model.ProgressEvent) {
	for _, n := range m {
		if n != nil {
			n.Broadcast(event)
		}
	}
}

// RedisPublisher mirrors progress events to a redis channel so pages
// connected to other instances can be told too.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, timeout: 2 * time.Second}
}

func (p *RedisPublisher) Broadcast(event model.ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Errorf("encode progress event: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		log.WithField("channel", p.channel).Warnf("redis PUBLISH failed: %v", err)
	}
}
