package redis

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"livefeed/internal/application/port"
	"livefeed/internal/domain/model"
)

type Repo struct {
	rdb        *redis.Client
	prefix     string
	ttl        time.Duration
	keyLatest  string // prefix + ":latest"
	updateChan string
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, updateChan string) *Repo {
	if strings.TrimSpace(updateChan) == "" {
		updateChan = prefix + ":updates"
	}
	return &Repo{
		rdb:        rdb,
		prefix:     prefix,
		ttl:        ttl,
		keyLatest:  prefix + ":latest",
		updateChan: updateChan,
	}
}

// SaveLatest stores the update in the latest hash and publishes it
func (r *Repo) SaveLatest(ctx context.Context, u model.Update) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}

	// Hash: field = "quotes:AAPL" -> json
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyLatest, u.Key().String(), string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyLatest, r.ttl)
	}
	pipe.Publish(ctx, r.updateChan, string(b))
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Repo) Close() error { return r.rdb.Close() }

var _ port.UpdateRepository = (*Repo)(nil)
