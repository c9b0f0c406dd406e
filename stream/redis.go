package stream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSource reads change payloads from a Redis pub/sub channel.
type RedisSource struct {
	Client  *redis.Client
	Channel string
}

// Subscribe implements Source.
func (s *RedisSource) Subscribe(ctx context.Context, deliver func([]byte)) error {
	sub := s.Client.Subscribe(ctx, s.Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", s.Channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscribe %s: %w", s.Channel, ErrStreamClosed)
			}
			deliver([]byte(msg.Payload))
		}
	}
}
