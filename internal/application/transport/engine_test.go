package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livefeed/internal/application/port"
	"livefeed/internal/domain/model"
)

// fastConfig keeps every timer short so tests run in milliseconds
func fastConfig() Config {
	return Config{
		HealthCheckInterval:  10 * time.Millisecond,
		StalenessThreshold:   50 * time.Millisecond,
		PollInterval:         30 * time.Millisecond,
		BatchWindow:          10 * time.Millisecond,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 3,
		FetchTimeout:         time.Second,
	}
}

func startEngine(t *testing.T, key model.Key, cfg Config, conn port.StreamingConnection, f *fakeFetcher, rec *recorder) *Engine {
	t.Helper()
	deps := Deps{Fetch: f.fetch, Emit: rec.emit}
	if conn != nil {
		deps.Conn = conn
	}
	e := New(key, cfg, deps)
	e.Start()
	t.Cleanup(func() {
		e.Stop()
		<-e.Done()
	})
	return e
}

func waitSubscribed(t *testing.T, conn *fakeConn) {
	t.Helper()
	require.Eventually(t, func() bool { return len(conn.topics()) > 0 }, time.Second, time.Millisecond)
}

func TestEngineBatchesPushesOnOpenConnection(t *testing.T) {
	conn := newFakeConn(port.ConnOpen)
	f := &fakeFetcher{}
	rec := &recorder{}
	cfg := DefaultConfig

	startEngine(t, model.NewKey("AAPL", model.ChannelQuotes), cfg, conn, f, rec)
	waitSubscribed(t, conn)

	conn.push("AAPL", model.Quote{Last: 100})
	time.Sleep(10 * time.Millisecond)
	conn.push("AAPL", model.Quote{Last: 101})

	time.Sleep(150 * time.Millisecond)

	updates := rec.all()
	require.Len(t, updates, 1)
	assert.Equal(t, 101.0, updates[0].Quote.Last)
	assert.Equal(t, model.SourceWebsocket, updates[0].Source)
	assert.Equal(t, "AAPL", updates[0].Symbol)
	assert.Zero(t, f.count(), "no REST fetch while streaming is healthy")
}

func TestEngineFirstUpdateIsWebsocketWhenOpen(t *testing.T) {
	conn := newFakeConn(port.ConnOpen)
	f := &fakeFetcher{quote: model.Quote{Last: 1}}
	rec := &recorder{}

	startEngine(t, model.NewKey("MSFT", model.ChannelQuotes), fastConfig(), conn, f, rec)
	waitSubscribed(t, conn)

	conn.push("MSFT", model.Quote{Last: 420})
	require.Eventually(t, func() bool { return rec.count() > 0 }, time.Second, time.Millisecond)

	first := rec.all()[0]
	assert.Equal(t, model.SourceWebsocket, first.Source)
	assert.Equal(t, 420.0, first.Quote.Last)
}

func TestEngineClosedConnectionPollsImmediately(t *testing.T) {
	conn := newFakeConn(port.ConnClosed)
	f := &fakeFetcher{quote: model.Quote{Last: 55}}
	rec := &recorder{}
	cfg := fastConfig()
	cfg.PollInterval = 10 * time.Second

	start := time.Now()
	startEngine(t, model.NewKey("TSLA", model.ChannelQuotes), cfg, conn, f, rec)

	require.Eventually(t, func() bool { return rec.count() > 0 }, time.Second, time.Millisecond)
	assert.Less(t, time.Since(start), cfg.PollInterval)

	u := rec.last()
	assert.Equal(t, model.SourceREST, u.Source)
	assert.Equal(t, 55.0, u.Quote.Last)
	assert.Equal(t, "TSLA", u.Symbol)
}

func TestEngineRecoveryStopsPolling(t *testing.T) {
	conn := newFakeConn(port.ConnClosed)
	f := &fakeFetcher{quote: model.Quote{Last: 10}}
	rec := &recorder{}
	cfg := fastConfig()
	cfg.MaxReconnectAttempts = 100
	cfg.StalenessThreshold = time.Minute

	e := startEngine(t, model.NewKey("NVDA", model.ChannelQuotes), cfg, conn, f, rec)
	waitSubscribed(t, conn)
	require.Eventually(t, func() bool { return f.count() >= 2 }, time.Second, time.Millisecond)

	conn.setState(port.ConnOpen)
	conn.push("NVDA", model.Quote{Last: 11})
	require.Eventually(t, func() bool { return rec.hasSource(model.SourceWebsocket) }, time.Second, time.Millisecond)

	calls := f.count()
	time.Sleep(3 * cfg.PollInterval)
	assert.Equal(t, calls, f.count(), "polling must stop once streaming resumes")

	snap := e.Snapshot()
	assert.Equal(t, ModeStreaming, snap.Mode)
	assert.False(t, snap.Polling)
}

func TestEngineStalenessFallsBackToPolling(t *testing.T) {
	conn := newFakeConn(port.ConnOpen)
	f := &fakeFetcher{quote: model.Quote{Last: 3}}
	rec := &recorder{}
	cfg := fastConfig()

	e := startEngine(t, model.NewKey("AMD", model.ChannelQuotes), cfg, conn, f, rec)

	time.Sleep(cfg.StalenessThreshold / 2)
	assert.Zero(t, f.count(), "no fetch before the staleness threshold")

	require.Eventually(t, func() bool { return f.count() >= 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return rec.hasSource(model.SourceREST) }, time.Second, time.Millisecond)
	assert.Equal(t, ModePolling, e.Snapshot().Mode)
	assert.GreaterOrEqual(t, e.Snapshot().HealthFailures, 1)
}

func TestEngineQuietStreamOutsideMarketHours(t *testing.T) {
	conn := newFakeConn(port.ConnOpen)
	f := &fakeFetcher{quote: model.Quote{Last: 3}}
	rec := &recorder{}
	cfg := fastConfig()
	cfg.MarketOpen = func(time.Time) bool { return false }

	e := startEngine(t, model.NewKey("AMD", model.ChannelQuotes), cfg, conn, f, rec)

	time.Sleep(4 * cfg.StalenessThreshold)
	assert.Zero(t, f.count(), "a quiet stream is not stale while the market is closed")
	assert.Equal(t, ModeStreaming, e.Snapshot().Mode)
}

func TestEngineDisconnectWhileStreaming(t *testing.T) {
	conn := newFakeConn(port.ConnOpen)
	f := &fakeFetcher{quote: model.Quote{Last: 3}}
	rec := &recorder{}
	cfg := fastConfig()
	cfg.StalenessThreshold = time.Minute

	e := startEngine(t, model.NewKey("META", model.ChannelQuotes), cfg, conn, f, rec)
	waitSubscribed(t, conn)
	conn.push("META", model.Quote{Last: 500})
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)

	conn.setState(port.ConnClosed)
	require.Eventually(t, func() bool { return rec.hasSource(model.SourceREST) }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return conn.reconnectCount() >= 1 }, time.Second, time.Millisecond)
	assert.NotEqual(t, ModeStreaming, e.Snapshot().Mode)
}

func TestEngineReconnectGivesUpButKeepsPolling(t *testing.T) {
	conn := newFakeConn(port.ConnClosed)
	f := &fakeFetcher{quote: model.Quote{Last: 1}}
	rec := &recorder{}
	cfg := fastConfig()

	e := startEngine(t, model.NewKey("IBM", model.ChannelQuotes), cfg, conn, f, rec)

	require.Eventually(t, func() bool { return e.Snapshot().ReconnectExhausted }, time.Second, time.Millisecond)
	assert.Equal(t, cfg.MaxReconnectAttempts, conn.reconnectCount())
	assert.Equal(t, ModePolling, e.Snapshot().Mode)

	calls := f.count()
	time.Sleep(3 * cfg.PollInterval)
	assert.Greater(t, f.count(), calls, "polling continues after reconnects are exhausted")
	assert.Equal(t, cfg.MaxReconnectAttempts, conn.reconnectCount())
}

func TestEngineStopReleasesEverything(t *testing.T) {
	conn := newFakeConn(port.ConnClosed)
	f := &fakeFetcher{quote: model.Quote{Last: 1}}
	rec := &recorder{}
	cfg := fastConfig()

	e := New(model.NewKey("ORCL", model.ChannelQuotes), cfg, Deps{Conn: conn, Fetch: f.fetch, Emit: rec.emit})
	e.Start()
	waitSubscribed(t, conn)
	require.Eventually(t, func() bool { return rec.count() > 0 }, time.Second, time.Millisecond)

	e.Stop()
	e.Stop()
	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}

	assert.Empty(t, conn.topics(), "streaming subscription released")

	delivered := rec.count()
	calls := f.count()
	conn.setState(port.ConnOpen)
	conn.push("ORCL", model.Quote{Last: 2})
	time.Sleep(3 * cfg.PollInterval)

	assert.Equal(t, delivered, rec.count(), "no callback after stop")
	assert.Equal(t, calls, f.count(), "no fetch after stop")
}

func TestEngineStopDiscardsInFlightFetch(t *testing.T) {
	conn := newFakeConn(port.ConnClosed)
	f := newBlockingFetcher(model.Quote{Last: 7, Timestamp: time.Now()})
	rec := &recorder{}

	e := New(model.NewKey("ADBE", model.ChannelQuotes), fastConfig(), Deps{Conn: conn, Fetch: f.fetch, Emit: rec.emit})
	e.Start()

	select {
	case <-f.started:
	case <-time.After(time.Second):
		t.Fatal("initial poll never started")
	}

	e.Stop()
	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("engine did not stop with a fetch in flight")
	}

	close(f.release)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.count(), "result of an abandoned fetch is never delivered")
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestEngineLateFetchNeverOverwritesPush(t *testing.T) {
	conn := newFakeConn(port.ConnClosed)
	stale := time.Now().Add(-time.Second)
	f := newBlockingFetcher(model.Quote{Last: 5, Timestamp: stale})
	rec := &recorder{}
	cfg := fastConfig()
	cfg.MaxReconnectAttempts = 100

	e := New(model.NewKey("CRM", model.ChannelQuotes), cfg, Deps{Conn: conn, Fetch: f.fetch, Emit: rec.emit})
	e.Start()
	t.Cleanup(func() {
		e.Stop()
		<-e.Done()
	})
	waitSubscribed(t, conn)

	select {
	case <-f.started:
	case <-time.After(time.Second):
		t.Fatal("initial poll never started")
	}

	conn.setState(port.ConnOpen)
	conn.push("CRM", model.Quote{Last: 8})
	require.Eventually(t, func() bool { return rec.hasSource(model.SourceWebsocket) }, time.Second, time.Millisecond)

	// the superseded fetch completes now, and any later staleness poll
	// returns the same older value
	close(f.release)
	time.Sleep(3 * cfg.StalenessThreshold)

	updates := rec.all()
	require.NotEmpty(t, updates)
	assert.Equal(t, model.SourceWebsocket, updates[0].Source)
	assert.Equal(t, 8.0, updates[0].Quote.Last)
	for _, u := range updates[1:] {
		assert.NotEqual(t, model.SourceREST, u.Source, "older REST value delivered after a push")
	}
}

func TestEngineStopBeforeStart(t *testing.T) {
	e := New(model.NewKey("X", model.ChannelQuotes), fastConfig(), Deps{})
	e.Stop()
	select {
	case <-e.Done():
	default:
		t.Fatal("done should be closed")
	}
	e.Start() // no-op
}

func TestEngineIndexSymbolNormalization(t *testing.T) {
	conn := newFakeConn(port.ConnClosed)
	f := &fakeFetcher{quote: model.Quote{Last: 5000}}
	rec := &recorder{}

	startEngine(t, model.NewKey("SPX", model.ChannelIndices), fastConfig(), conn, f, rec)
	waitSubscribed(t, conn)

	assert.Equal(t, []string{"I:SPX"}, conn.topics())
	require.Eventually(t, func() bool { return rec.count() > 0 }, time.Second, time.Millisecond)

	f.mu.Lock()
	assert.Equal(t, "I:SPX", f.symbols[0])
	f.mu.Unlock()

	u := rec.last()
	assert.Equal(t, "SPX", u.Symbol)
	assert.Equal(t, "SPX", u.Quote.Symbol)
	assert.Equal(t, model.ChannelIndices, u.Channel)

	conn.setState(port.ConnOpen)
	conn.push("I:SPX", model.Quote{Last: 5001})
	require.Eventually(t, func() bool { return rec.hasSource(model.SourceWebsocket) }, time.Second, time.Millisecond)
	assert.Equal(t, "SPX", rec.last().Symbol)
}

func TestEngineRateLimitCooldown(t *testing.T) {
	f := &fakeFetcher{err: &port.RateLimitError{RetryAfter: 500 * time.Millisecond, Status: 429}}
	rec := &recorder{}
	cfg := fastConfig()
	cfg.PollInterval = 10 * time.Millisecond

	startEngine(t, model.NewKey("GOOG", model.ChannelQuotes), cfg, nil, f, rec)

	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.count(), "cooldown honors retry-after")
	assert.Zero(t, rec.count())
}

func TestEngineFetchErrorKeepsPolling(t *testing.T) {
	f := &fakeFetcher{err: errors.New("upstream down")}
	rec := &recorder{}
	cfg := fastConfig()
	cfg.PollInterval = 10 * time.Millisecond

	e := startEngine(t, model.NewKey("AMZN", model.ChannelQuotes), cfg, nil, f, rec)

	require.Eventually(t, func() bool { return f.count() >= 3 }, time.Second, time.Millisecond)
	assert.Zero(t, rec.count())
	assert.Equal(t, ModePolling, e.Snapshot().Mode)
	assert.True(t, e.Snapshot().Polling)
}
