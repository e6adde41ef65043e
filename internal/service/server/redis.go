package server

import (
	"context"
	"encoding/json"

	"github.com/Legatia/Tai/internal/service/redis"
	"github.com/Legatia/Tai/internal/utils/log"
	"go.uber.org/zap"
)

// RedisBackplane shares room events between relay instances over redis
// pub/sub, one channel per room. Nothing is stored.
type RedisBackplane struct {
	redisService *redis.RedisService
	prefix       string
	out          chan *BackplaneEvent
}

func NewRedisBackplane(redisSvc *redis.RedisService, prefix string, queue int) *RedisBackplane {
	return &RedisBackplane{
		redisService: redisSvc,
		prefix:       prefix,
		out:          make(chan *BackplaneEvent, queue),
	}
}

func (b *RedisBackplane) Publish(ev *BackplaneEvent) {
	select {
	case b.out <- ev:
	default:
		log.Warn("backplane queue full, event dropped", zap.String("kind", string(ev.Kind)), zap.String("room", ev.RoomID))
	}
}

func (b *RedisBackplane) channel(room string) string {
	return b.prefix + room
}

// Run subscribes to every room channel and feeds remote events into
// registry until ctx is done.
func (b *RedisBackplane) Run(ctx context.Context, registry *Registry) error {
	sub := b.redisService.PSubscribe(ctx, b.prefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	go b.publishLoop(ctx)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev BackplaneEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Error("Unmarshal backplane event failed", zap.Error(err), zap.String("channel", msg.Channel))
				continue
			}
			registry.HandleBackplaneEvent(&ev)
		}
	}
}

func (b *RedisBackplane) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.out:
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error("Marshal backplane event failed", zap.Error(err))
				continue
			}
			if err := b.redisService.Publish(ctx, b.channel(ev.RoomID), data); err != nil {
				log.Error("backplane publish failed", zap.Error(err), zap.String("room", ev.RoomID))
			}
		}
	}
}
