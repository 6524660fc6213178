package realtime

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// SubscribeEvents listens on the Redis event channel and hands every decoded
// event to the hub. It resubscribes after channel closure until ctx is done.
func SubscribeEvents(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, hub *Hub) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	for {
		if ctx.Err() != nil {
			return
		}
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
		if !consume(ctx, logger, ch, hub) {
			_ = sub.Close()
			return
		}
		_ = sub.Close()
		logger.Warnf("subscription to %s lost, reconnecting", channel)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// consume drains the channel until closure. It returns false when ctx ended.
func consume(ctx context.Context, logger *log.Logger, ch <-chan *redis.Message, hub *Hub) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-ch:
			if !ok {
				return true
			}
			var ev domain.Event
			if err := sonic.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Errorf("unable to parse event: %v", err)
				continue
			}
			hub.Dispatch(ev)
		}
	}
}
