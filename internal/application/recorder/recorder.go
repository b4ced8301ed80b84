package recorder

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"livefeed/internal/application/port"
	"livefeed/internal/domain/model"
)

// Stats counts recorder activity
type Stats struct {
	Written int64
	Dropped int64
	Failed  int64
}

// Recorder persists delivered updates off the delivery path. Record never
// blocks: when the buffer is full the update is dropped and counted.
type Recorder struct {
	repo         port.UpdateRepository
	ch           chan model.Update
	writeTimeout time.Duration

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// New creates a recorder with a buffer of size updates
func New(repo port.UpdateRepository, size int, writeTimeout time.Duration) *Recorder {
	if size <= 0 {
		size = 1024
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Recorder{
		repo:         repo,
		ch:           make(chan model.Update, size),
		writeTimeout: writeTimeout,
	}
}

// Record queues u for persistence
func (r *Recorder) Record(u model.Update) {
	select {
	case r.ch <- u:
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			log.Warn().Int64("dropped", n).Str("key", u.Key().String()).Msg("recorder buffer full, update dropped")
		}
	}
}

// Run writes queued updates until ctx is done, then drains what is left
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		case u := <-r.ch:
			r.write(context.WithoutCancel(ctx), u)
		}
	}
}

func (r *Recorder) drain() {
	n := 0
	for {
		select {
		case u := <-r.ch:
			r.write(context.Background(), u)
			n++
		default:
			if n > 0 {
				log.Info().Int("updates", n).Msg("recorder drained")
			}
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, u model.Update) {
	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	if err := r.repo.SaveLatest(ctx, u); err != nil {
		r.failed.Add(1)
		log.Error().Err(err).Str("key", u.Key().String()).Msg("persist update failed")
		return
	}
	r.written.Add(1)
}

// Stats returns the counters
func (r *Recorder) Stats() Stats {
	return Stats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
	}
}
