package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"livefeed/internal/application/port"
	"livefeed/internal/domain/model"
)

type ServiceDeps struct {
	Mux           Subscriber
	Watchlist     []WatchItem
	PrintEveryMin int
	StaleAfter    time.Duration
	Sink          port.Sink
	Recorder      Recorder
	Buffer        int // pending updates between callbacks and the render loop
}

type Service struct {
	deps ServiceDeps
	st   *State
	fmt  *Formatter

	dropped atomic.Int64
}

func NewService(deps ServiceDeps) *Service {
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	if deps.PrintEveryMin <= 0 {
		deps.PrintEveryMin = 1
	}
	if deps.Buffer <= 0 {
		deps.Buffer = 1024
	}
	return &Service{
		deps: deps,
		st:   NewState(deps.Watchlist),
		fmt:  NewFormatter(deps.StaleAfter),
	}
}

// Run subscribes every watchlist item and renders updates until ctx is done
func (s *Service) Run(ctx context.Context) error {
	if len(s.st.Keys()) == 0 {
		return errors.New("empty watchlist")
	}

	merged := make(chan model.Update, s.deps.Buffer)

	unsubs := make([]func(), 0, len(s.deps.Watchlist))
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	for _, it := range s.deps.Watchlist {
		chs, opts := it.Options()
		// callbacks run on the engine goroutine and must never block
		unsub := s.deps.Mux.Subscribe(it.Symbol, chs, func(u model.Update) {
			select {
			case merged <- u:
			default:
				s.dropped.Add(1)
			}
		}, opts)
		unsubs = append(unsubs, unsub)
		log.Info().Str("key", it.Key().String()).Msg("watching")
	}

	snapTicker := time.NewTicker(time.Duration(s.deps.PrintEveryMin) * time.Minute)
	defer snapTicker.Stop()

	// initial live line
	_ = s.deps.Sink.WriteLive(s.fmt.Render(s.st, RenderLive))

	for {
		select {
		case <-ctx.Done():
			_ = s.deps.Sink.NewLine()
			if n := s.dropped.Load(); n > 0 {
				log.Warn().Int64("dropped", n).Msg("monitor fell behind, updates dropped")
			}
			return ctx.Err()

		case now := <-snapTicker.C:
			_ = s.deps.Sink.WriteSnapshot(now, s.fmt.Render(s.st, RenderSnapshot))

		case u := <-merged:
			if s.st.Apply(u) {
				_ = s.deps.Sink.WriteLive(s.fmt.Render(s.st, RenderLive))
			}
			s.deps.Recorder.Record(u)
		}
	}
}

// Dropped reports updates discarded because the render loop fell behind
func (s *Service) Dropped() int64 { return s.dropped.Load() }
