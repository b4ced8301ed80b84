package transport

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"livefeed/internal/application/port"
	"livefeed/internal/domain/model"
)

// Config tunes one engine instance
type Config struct {
	HealthCheckInterval  time.Duration // how often streaming health is checked
	StalenessThreshold   time.Duration // no update for this long while streaming => poll
	PollInterval         time.Duration
	BatchWindow          time.Duration // pushes within the window collapse to the latest
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // after this many attempts the engine polls forever
	FetchTimeout         time.Duration

	// MarketOpen, when set, limits the staleness check to trading hours so a
	// quiet stream outside the session is not treated as failed.
	MarketOpen func(now time.Time) bool
}

// DefaultConfig is the single set of thresholds used across channels
var DefaultConfig = Config{
	HealthCheckInterval:  2 * time.Second,
	StalenessThreshold:   5 * time.Second,
	PollInterval:         5 * time.Second,
	BatchWindow:          100 * time.Millisecond,
	ReconnectBaseDelay:   1 * time.Second,
	ReconnectMaxDelay:    30 * time.Second,
	MaxReconnectAttempts: 10,
	FetchTimeout:         10 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultConfig.HealthCheckInterval
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = DefaultConfig.StalenessThreshold
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultConfig.PollInterval
	}
	if c.BatchWindow < 0 {
		c.BatchWindow = 0
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultConfig.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultConfig.ReconnectMaxDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultConfig.MaxReconnectAttempts
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultConfig.FetchTimeout
	}
	return c
}

// FetchFunc fetches the current value for one vendor symbol.
// ok is false when the vendor returned nothing for it.
type FetchFunc func(ctx context.Context, vendorSymbol string) (q model.Quote, ok bool, err error)

// FetcherFor binds a batch client method to a channel
func FetcherFor(client port.BatchFetchClient, ch model.Channel) FetchFunc {
	get := client.GetQuotes
	switch ch {
	case model.ChannelAggregates:
		get = client.GetAggregates
	case model.ChannelOptions:
		get = client.GetOptionsSnapshot
	case model.ChannelIndices:
		get = client.GetIndices
	}
	return func(ctx context.Context, sym string) (model.Quote, bool, error) {
		quotes, err := get(ctx, []string{sym})
		if err != nil {
			return model.Quote{}, false, err
		}
		for _, q := range quotes {
			if strings.EqualFold(q.Symbol, sym) {
				return q, true, nil
			}
		}
		return model.Quote{}, false, nil
	}
}

// Deps are the collaborators of one engine
type Deps struct {
	Conn  port.StreamingConnection // nil means polling only
	Fetch FetchFunc
	Emit  func(model.Update)
}

// Snapshot is a read-only copy of the engine state
type Snapshot struct {
	Key                model.Key
	Mode               Mode
	Polling            bool
	LastUpdateAt       time.Time
	LastDeliveredAt    time.Time
	HealthFailures     int
	ReconnectAttempts  int
	ReconnectExhausted bool
}

type pollResult struct {
	gen   uint64
	quote model.Quote
	ok    bool
	err   error
}

// Engine selects streaming or polling delivery for one symbol+channel and
// emits a unified update stream. All state and timers are owned by the run
// goroutine; Emit is always invoked from that goroutine.
type Engine struct {
	key   model.Key
	topic string
	cfg   Config
	conn  port.StreamingConnection
	fetch FetchFunc
	emit  func(model.Update)

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool

	pushCh  chan port.StreamMessage
	results chan pollResult

	// owned by run
	state          State
	pending        *model.Update
	batchTimer     *time.Timer
	batchC         <-chan time.Time
	pollTicker     *time.Ticker
	pollC          <-chan time.Time
	pollGen        uint64
	inFlight       bool
	fetchCancel    context.CancelFunc
	cooldownUntil  time.Time
	reconnectTimer *time.Timer
	reconnectC     <-chan time.Time

	mu   sync.Mutex
	snap Snapshot
}

// New creates an engine; call Start to begin delivery
func New(key model.Key, cfg Config, deps Deps) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		key:     key,
		topic:   VendorSymbol(key.Channel, key.Symbol),
		cfg:     cfg.withDefaults(),
		conn:    deps.Conn,
		fetch:   deps.Fetch,
		emit:    deps.Emit,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pushCh:  make(chan port.StreamMessage, 64),
		results: make(chan pollResult, 1),
	}
	e.snap.Key = key
	return e
}

// Key returns the subscription key served by the engine
func (e *Engine) Key() model.Key { return e.key }

// Start launches the run goroutine. It is a no-op after Stop.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		go e.run()
	})
}

// Stop tears the instance down: timers, streaming subscription and in-flight
// fetches are released by the run goroutine on its way out. Stop never
// blocks and may be called from inside Emit; use Done to wait.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		e.cancel()
		// never started: nobody else will close done
		e.startOnce.Do(func() { close(e.done) })
	})
}

// Done is closed once the run goroutine has released every resource
func (e *Engine) Done() <-chan struct{} { return e.done }

// Snapshot returns the state as of the last processed event
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap
}

func (e *Engine) run() {
	defer close(e.done)

	health := time.NewTicker(e.cfg.HealthCheckInterval)
	defer health.Stop()

	var unsubscribe func()
	if e.conn != nil {
		unsubscribe = e.conn.Subscribe([]string{e.topic}, e.onMessage)
	} else {
		e.state.ReconnectExhausted = true
	}
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		e.stopPolling()
		e.stopBatch()
		e.cancelReconnect()
		log.Debug().Str("key", e.key.String()).Msg("transport engine stopped")
	}()

	e.step(func() Effect { return e.state.Init(e.connState(), time.Now()) })
	e.publish()
	log.Debug().
		Str("key", e.key.String()).
		Str("topic", e.topic).
		Str("mode", e.state.Mode.String()).
		Msg("transport engine started")

	for {
		select {
		case <-e.ctx.Done():
			return

		case msg := <-e.pushCh:
			e.handlePush(msg)

		case <-e.batchC:
			e.batchTimer, e.batchC = nil, nil
			e.flushBatch()

		case <-e.pollC:
			e.pollOnce()

		case res := <-e.results:
			e.handleResult(res)

		case now := <-health.C:
			e.step(func() Effect {
				return e.state.OnHealthCheck(e.connState(), now, e.staleAfter(now))
			})

		case <-e.reconnectC:
			e.reconnectTimer, e.reconnectC = nil, nil
			e.step(func() Effect {
				return e.state.OnReconnectTimer(e.connState(), e.cfg.MaxReconnectAttempts)
			})
		}
		e.publish()
	}
}

func (e *Engine) staleAfter(now time.Time) time.Duration {
	if e.cfg.MarketOpen != nil && !e.cfg.MarketOpen(now) {
		return 0
	}
	return e.cfg.StalenessThreshold
}

// onMessage runs on the connection's goroutine
func (e *Engine) onMessage(msg port.StreamMessage) {
	if e.stopped.Load() {
		return
	}
	if msg.Topic != "" && !strings.EqualFold(msg.Topic, e.topic) {
		return
	}
	select {
	case e.pushCh <- msg:
	case <-e.ctx.Done():
	}
}

func (e *Engine) connState() port.ConnState {
	if e.conn == nil {
		return port.ConnClosed
	}
	return e.conn.State()
}

// step runs one transition and performs its effects
func (e *Engine) step(transition func() Effect) {
	prev := e.state.Mode
	eff := transition()
	if e.state.Mode != prev {
		log.Info().
			Str("key", e.key.String()).
			Str("from", prev.String()).
			Str("to", e.state.Mode.String()).
			Int("health_failures", e.state.HealthFailures).
			Int("reconnect_attempts", e.state.ReconnectAttempts).
			Msg("transport mode changed")
	}
	e.apply(eff)
}

func (e *Engine) apply(eff Effect) {
	if eff.Has(EffectStopPolling) {
		e.stopPolling()
	}
	if eff.Has(EffectCancelReconnect) {
		e.cancelReconnect()
	}
	if eff.Has(EffectReconnect) && e.conn != nil {
		log.Info().
			Str("key", e.key.String()).
			Int("attempt", e.state.ReconnectAttempts).
			Bool("last", e.state.ReconnectExhausted).
			Msg("requesting stream reconnect")
		e.conn.Reconnect()
		if e.state.ReconnectExhausted {
			log.Warn().
				Str("key", e.key.String()).
				Int("attempts", e.state.ReconnectAttempts).
				Msg("reconnect attempts exhausted, staying on polling")
		}
	}
	if eff.Has(EffectScheduleReconnect) {
		e.scheduleReconnect()
	}
	if eff.Has(EffectStartPolling) {
		e.startPolling()
	}
}

func (e *Engine) handlePush(msg port.StreamMessage) {
	now := time.Now()
	e.step(func() Effect { return e.state.OnPush(now) })

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = msg.Data.Timestamp
	}
	if ts.IsZero() {
		ts = now
	}
	q := msg.Data
	q.Symbol = e.key.Symbol
	e.pending = &model.Update{
		Symbol:    e.key.Symbol,
		Channel:   e.key.Channel,
		Quote:     q,
		Timestamp: ts,
		Source:    model.SourceWebsocket,
	}

	if e.cfg.BatchWindow <= 0 {
		e.flushBatch()
		return
	}
	if e.batchTimer == nil {
		e.batchTimer = time.NewTimer(e.cfg.BatchWindow)
		e.batchC = e.batchTimer.C
	}
}

func (e *Engine) flushBatch() {
	if e.pending == nil {
		return
	}
	u := *e.pending
	e.pending = nil
	e.deliver(u)
}

func (e *Engine) stopBatch() {
	if e.batchTimer != nil {
		e.batchTimer.Stop()
		e.batchTimer, e.batchC = nil, nil
	}
	e.pending = nil
}

func (e *Engine) deliver(u model.Update) {
	if !e.state.Accept(u.Timestamp, time.Now()) {
		log.Debug().
			Str("key", e.key.String()).
			Str("source", string(u.Source)).
			Time("ts", u.Timestamp).
			Time("last_delivered", e.state.LastDeliveredAt).
			Msg("discarding out-of-date update")
		return
	}
	if e.stopped.Load() || e.emit == nil {
		return
	}
	e.emit(u)
}

func (e *Engine) startPolling() {
	if e.pollTicker != nil {
		return
	}
	e.pollGen++
	e.pollTicker = time.NewTicker(e.cfg.PollInterval)
	e.pollC = e.pollTicker.C
	// first fetch fires now so the subscriber never waits a full interval
	e.pollOnce()
}

func (e *Engine) stopPolling() {
	if e.pollTicker == nil {
		return
	}
	e.pollTicker.Stop()
	e.pollTicker, e.pollC = nil, nil
	e.pollGen++
	if e.fetchCancel != nil {
		e.fetchCancel()
		e.fetchCancel = nil
	}
	e.inFlight = false
}

func (e *Engine) pollOnce() {
	if e.inFlight || e.fetch == nil {
		return
	}
	if time.Now().Before(e.cooldownUntil) {
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.FetchTimeout)
	e.inFlight = true
	e.fetchCancel = cancel
	gen := e.pollGen

	go func() {
		defer cancel()
		q, ok, err := e.fetch(ctx, e.topic)
		select {
		case e.results <- pollResult{gen: gen, quote: q, ok: ok, err: err}:
		case <-e.ctx.Done():
		}
	}()
}

func (e *Engine) handleResult(res pollResult) {
	if res.gen != e.pollGen {
		// polling stopped or restarted since this fetch was issued
		return
	}
	e.inFlight = false
	e.fetchCancel = nil

	now := time.Now()
	if res.err != nil {
		if retryAfter, ok := port.RetryAfter(res.err); ok {
			if retryAfter < e.cfg.PollInterval {
				retryAfter = e.cfg.PollInterval
			}
			e.cooldownUntil = now.Add(retryAfter)
			log.Warn().
				Str("key", e.key.String()).
				Dur("cooldown", retryAfter).
				Msg("poll rate limited")
			return
		}
		log.Warn().Err(res.err).Str("key", e.key.String()).Msg("poll failed, no update this cycle")
		return
	}
	if !res.ok {
		log.Debug().Str("key", e.key.String()).Msg("poll returned no data")
		return
	}
	if e.state.Mode == ModeStreaming {
		return
	}

	q := res.quote
	q.Symbol = e.key.Symbol
	ts := q.Timestamp
	if ts.IsZero() {
		ts = now
	}
	e.deliver(model.Update{
		Symbol:    e.key.Symbol,
		Channel:   e.key.Channel,
		Quote:     q,
		Timestamp: ts,
		Source:    model.SourceREST,
	})
}

func (e *Engine) scheduleReconnect() {
	if e.reconnectTimer != nil || e.conn == nil {
		return
	}
	delay := ReconnectDelay(e.cfg.ReconnectBaseDelay, e.cfg.ReconnectMaxDelay, e.state.ReconnectAttempts)
	e.reconnectTimer = time.NewTimer(delay)
	e.reconnectC = e.reconnectTimer.C
	log.Debug().
		Str("key", e.key.String()).
		Int("attempt", e.state.ReconnectAttempts+1).
		Int64("delay_ms", delay.Milliseconds()).
		Msg("reconnect scheduled")
}

func (e *Engine) cancelReconnect() {
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer, e.reconnectC = nil, nil
	}
}

func (e *Engine) publish() {
	e.mu.Lock()
	e.snap = Snapshot{
		Key:                e.key,
		Mode:               e.state.Mode,
		Polling:            e.pollTicker != nil,
		LastUpdateAt:       e.state.LastUpdateAt,
		LastDeliveredAt:    e.state.LastDeliveredAt,
		HealthFailures:     e.state.HealthFailures,
		ReconnectAttempts:  e.state.ReconnectAttempts,
		ReconnectExhausted: e.state.ReconnectExhausted,
	}
	e.mu.Unlock()
}
