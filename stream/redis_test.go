package stream

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestRedisSourceDeliversMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	logger, _ := test.NewNullLogger()
	sink := &recordingSink{}
	s := New(&RedisSource{Client: rdb, Channel: "note-changes"}, sink, logger)
	s.Start(context.Background())

	waitFor(t, "subscription", func() bool {
		return mr.PubSubNumSub("note-changes")["note-changes"] == 1
	})

	mr.Publish("note-changes", createdPayload)
	mr.Publish("note-changes", "not json")
	mr.Publish("note-changes", updatedPayload)

	waitFor(t, "published changes", func() bool {
		c, u := sink.counts()
		return c == 1 && u == 1
	})
	s.Cancel()

	if _, dropped := s.Stats(); dropped != 1 {
		t.Fatalf("expected one dropped payload, got %d", dropped)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
