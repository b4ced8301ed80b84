package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livefeed/internal/domain/model"
)

// Runs against a live server: LIVEFEED_TEST_REDIS_ADDR=127.0.0.1:6379
func TestSaveLatestStoresAndPublishes(t *testing.T) {
	addr := os.Getenv("LIVEFEED_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LIVEFEED_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(ctx).Err())

	prefix := "livefeed-test-" + time.Now().Format("150405.000000")
	repo := New(rdb, prefix, time.Minute, "")
	t.Cleanup(func() {
		_ = rdb.Del(ctx, prefix+":latest").Err()
		_ = repo.Close()
	})

	sub := rdb.Subscribe(ctx, prefix+":updates")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	ts := time.UnixMilli(1704205800000).UTC()
	u := model.Update{
		Symbol:    "AAPL",
		Channel:   model.ChannelQuotes,
		Quote:     model.Quote{Symbol: "AAPL", Last: 190.5, Timestamp: ts},
		Timestamp: ts,
		Source:    model.SourceWebsocket,
	}
	require.NoError(t, repo.SaveLatest(ctx, u))

	raw, err := rdb.HGet(ctx, prefix+":latest", "quotes:AAPL").Result()
	require.NoError(t, err)
	var got model.Update
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, 190.5, got.Quote.Last)
	assert.Equal(t, model.SourceWebsocket, got.Source)

	ttl, err := rdb.TTL(ctx, prefix+":latest").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"AAPL"`)
	case <-time.After(2 * time.Second):
		t.Fatal("update not published")
	}
}
