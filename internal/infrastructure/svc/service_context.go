package svc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"livefeed/internal/application/multiplexer"
	"livefeed/internal/application/port"
	"livefeed/internal/application/recorder"
	"livefeed/internal/application/transport"
	"livefeed/internal/application/usecase/monitor"
	"livefeed/internal/domain/model"
	"livefeed/internal/infrastructure/cache"
	"livefeed/internal/infrastructure/config"
	"livefeed/internal/infrastructure/marketclock"
	"livefeed/internal/infrastructure/requestqueue"
	"livefeed/internal/infrastructure/storage"
	"livefeed/internal/infrastructure/storage/composite"
	postgresrepo "livefeed/internal/infrastructure/storage/postgres"
	redisrepo "livefeed/internal/infrastructure/storage/redis"
	sqliterepo "livefeed/internal/infrastructure/storage/sqlite"
	"livefeed/internal/infrastructure/token"
	"livefeed/internal/infrastructure/vendor/polygon"
	"livefeed/internal/interfaces/console"
	"livefeed/internal/interfaces/httpapi"
)

func ms(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func sec(n int) time.Duration { return time.Duration(n) * time.Second }

// ServiceContext owns every process-wide singleton: token provider, request
// queue, caches, vendor streams and client, the multiplexer and storage.
type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// vendor access
	tokens    *token.Provider
	queue     *requestqueue.Queue
	details   *cache.Cache[polygon.TickerDetails]
	prevClose *cache.Cache[float64]
	client    *polygon.Client
	streams   map[string]*polygon.Stream
	conns     map[model.Channel]port.StreamingConnection

	// delivery
	Mux *multiplexer.Multiplexer

	// persistence
	memory     *storage.MemoryRepository
	sqliteRepo *sqliterepo.Repo
	repo       *composite.Repo
	recorder   *recorder.Recorder

	// output
	Sink port.Sink

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closerChain []func() error
	closeOnce   sync.Once
}

// New builds and starts every component. On error the components already
// built are closed.
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	ctx, cancel := context.WithCancel(ctx)
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		Sink:        console.NewSink(),
		streams:     make(map[string]*polygon.Stream),
		conns:       make(map[model.Channel]port.StreamingConnection),
		cancel:      cancel,
		closerChain: make([]func() error, 0),
	}

	if err := sc.initializeComponents(); err != nil {
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents runs in dependency order
func (sc *ServiceContext) initializeComponents() error {
	if err := sc.initTokens(); err != nil {
		return err
	}
	sc.initRESTClient()
	sc.initStreams()

	sc.Mux = multiplexer.New(multiplexer.TransportFactory(sc.transportConfig(), sc.conns, sc.client))

	if err := sc.initStorage(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageInitFailed, err)
	}
	sc.initRecorder()
	sc.initHTTP()

	sc.goRun("stats", func(ctx context.Context) error {
		sc.logStats(ctx, time.Duration(sc.Config.App.PrintEveryMin)*time.Minute)
		return nil
	})

	log.Info().
		Int("streams", len(sc.streams)).
		Int("storage_backends", sc.repo.Len()-1).
		Bool("recorder", sc.recorder != nil).
		Msg("✓ All components initialized")
	return nil
}

func (sc *ServiceContext) initTokens() error {
	sc.tokens = token.New(token.Config{
		APIKey:   sc.Config.Polygon.APIKey,
		Endpoint: sc.Config.Polygon.TokenEndpoint,
	}, nil)

	ctx, cancel := context.WithTimeout(sc.Ctx, 10*time.Second)
	defer cancel()
	if _, err := sc.tokens.Token(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
	}
	return nil
}

func (sc *ServiceContext) initRESTClient() {
	qc := sc.Config.RequestQueue
	sc.queue = requestqueue.New(requestqueue.Config{
		MaxConcurrent:  qc.MaxConcurrent,
		MinDelay:       ms(qc.MinDelayMs),
		DedupeWindow:   ms(qc.DedupeWindowMs),
		RequestTimeout: ms(qc.RequestTimeoutMs),
	}, &http.Client{})
	sc.closerChain = append(sc.closerChain, sc.queue.Close)

	cc := sc.Config.Cache
	sc.details = cache.New[polygon.TickerDetails](cache.Config{
		Name:          "ticker_details",
		SweepInterval: sec(cc.SweepIntervalSec),
		MaxEntries:    cc.MaxEntries,
	})
	sc.prevClose = cache.New[float64](cache.Config{
		Name:          "prev_close",
		SweepInterval: sec(cc.SweepIntervalSec),
		MaxEntries:    cc.MaxEntries,
	})
	sc.details.Start(sc.Ctx)
	sc.prevClose.Start(sc.Ctx)
	sc.closerChain = append(sc.closerChain, sc.details.Close, sc.prevClose.Close)

	pc := sc.Config.Polygon
	sc.client = polygon.NewClient(polygon.ClientConfig{
		BaseURL:      pc.RestURL,
		PrevCloseTTL: sec(cc.PrevCloseTTLSec),
		Retry: polygon.RetryConfig{
			MaxRetries: pc.MaxRetries,
			InitialDel: ms(pc.RetryInitialMs),
			MaxDelay:   ms(pc.RetryMaxMs),
		},
	}, sc.queue, sc.tokens, sc.details, sc.prevClose)

	log.Info().
		Str("rest_url", pc.RestURL).
		Int("max_concurrent", qc.MaxConcurrent).
		Int("min_delay_ms", qc.MinDelayMs).
		Msg("✓ REST client initialized")
}

// initStreams opens one socket per enabled cluster. Quotes and aggregates
// share the stocks socket.
func (sc *ServiceContext) initStreams() {
	pc := sc.Config.Polygon

	if pc.Stocks.Enabled {
		s := sc.startStream("stocks", pc.Stocks.WsURL)
		sc.conns[model.ChannelQuotes] = s.View(polygon.EvTrade, polygon.EvQuote)
		sc.conns[model.ChannelAggregates] = s.View(polygon.EvMinuteAgg)
	}
	if pc.Options.Enabled {
		s := sc.startStream("options", pc.Options.WsURL)
		sc.conns[model.ChannelOptions] = s.View(polygon.EvTrade, polygon.EvQuote)
	}
	if pc.Indices.Enabled {
		s := sc.startStream("indices", pc.Indices.WsURL)
		sc.conns[model.ChannelIndices] = s.View(polygon.EvValue)
	}

	if len(sc.streams) == 0 {
		log.Warn().Msg("no stream clusters enabled, every key will poll")
	}
}

func (sc *ServiceContext) startStream(name, url string) *polygon.Stream {
	s := polygon.NewStream(polygon.StreamConfig{Name: name, URL: url}, sc.tokens)
	sc.streams[name] = s
	sc.goRun("stream:"+name, s.Run)
	log.Info().Str("stream", name).Str("url", url).Msg("✓ Stream started")
	return s
}

func (sc *ServiceContext) transportConfig() transport.Config {
	t := sc.Config.Transport
	cfg := transport.Config{
		HealthCheckInterval:  ms(t.HealthCheckMs),
		StalenessThreshold:   ms(t.StalenessMs),
		PollInterval:         ms(t.PollIntervalMs),
		BatchWindow:          ms(t.BatchWindowMs),
		ReconnectBaseDelay:   ms(t.ReconnectBaseMs),
		ReconnectMaxDelay:    ms(t.ReconnectMaxMs),
		MaxReconnectAttempts: t.MaxReconnectAttempts,
		FetchTimeout:         ms(t.FetchTimeoutMs),
	}
	if t.MarketHoursOnly {
		clock := marketclock.New(t.MarketMIC)
		cfg.MarketOpen = clock.IsOpen
		log.Info().Str("mic", clock.MIC()).Msg("staleness checks limited to market hours")
	}
	return cfg
}

// initStorage opens every enabled backend and combines them behind the
// in-memory latest-value store.
func (sc *ServiceContext) initStorage() error {
	sc.memory = storage.NewMemoryRepository()
	repos := []port.UpdateRepository{sc.memory}

	if sc.Config.Redis.Enabled {
		r, err := sc.initRedis()
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		repos = append(repos, r)
	}
	if sc.Config.SQLite.Enabled {
		r, err := sc.initSQLite()
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		repos = append(repos, r)
	}
	if sc.Config.Postgres.Enabled {
		r, err := sc.initPostgres()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		repos = append(repos, r)
	}

	sc.repo = composite.New(repos...)
	return nil
}

func (sc *ServiceContext) initRedis() (*redisrepo.Repo, error) {
	rc := sc.Config.Redis
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	repo := redisrepo.New(rdb, rc.Prefix, sec(rc.TTLSeconds), rc.UpdateChannel)
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return repo.Close()
	})

	log.Info().Str("addr", rc.Addr).Int("db", rc.DB).Msg("✓ Redis initialized")
	return repo, nil
}

func (sc *ServiceContext) initSQLite() (*sqliterepo.Repo, error) {
	repo, err := sqliterepo.New(sc.Config.SQLite.Path)
	if err != nil {
		return nil, err
	}
	sc.sqliteRepo = repo
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing sqlite connection")
		return repo.Close()
	})

	retention := time.Duration(sc.Config.SQLite.RetentionHours) * time.Hour
	sc.goRun("sqlite:prune", func(ctx context.Context) error {
		sc.pruneHistory(ctx, retention, time.Hour)
		return nil
	})

	log.Info().Str("path", sc.Config.SQLite.Path).Msg("✓ SQLite initialized")
	return repo, nil
}

func (sc *ServiceContext) initPostgres() (*postgresrepo.Repo, error) {
	repo, err := postgresrepo.New(sc.Config.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing postgres connection")
		return repo.Close()
	})
	log.Info().Msg("✓ Postgres initialized")
	return repo, nil
}

func (sc *ServiceContext) initRecorder() {
	rc := sc.Config.Recorder
	if !rc.Enabled {
		return
	}
	if sc.repo.Len() == 1 {
		log.Warn().Msg("no storage backend enabled, recorder keeps latest values in memory only")
	}
	sc.recorder = recorder.New(sc.repo, rc.Buffer, ms(rc.WriteTimeoutMs))
	sc.goRun("recorder", sc.recorder.Run)
}

func (sc *ServiceContext) initHTTP() {
	hc := sc.Config.HTTP
	if !hc.Enabled {
		return
	}
	srv := httpapi.New(hc.Addr, httpapi.Deps{
		Mux:    sc.Mux,
		Latest: sc.memory.Latest,
		Status: func() any { return sc.Status() },
	})
	sc.goRun("http", srv.Run)
}

func (sc *ServiceContext) pruneHistory(ctx context.Context, retention, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sc.sqliteRepo.DeleteHistoryBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Error().Err(err).Msg("prune update history failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("rows", n).Msg("update history pruned")
			}
		}
	}
}

func (sc *ServiceContext) logStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mx := sc.Mux.Stats()
			qs := sc.queue.Stats()
			ds := sc.details.Stats()
			ev := log.Info().
				Int("keys", mx.Keys).
				Int("subscribers", mx.Subscribers).
				Int("rest_queued", qs.Queued).
				Int("rest_active", qs.Active).
				Int64("rest_dispatched", qs.Dispatched).
				Int64("rest_deduped", qs.Deduped).
				Float64("details_hit_rate", ds.HitRate)
			if sc.recorder != nil {
				rs := sc.recorder.Stats()
				ev = ev.Int64("recorded", rs.Written).Int64("record_dropped", rs.Dropped)
			}
			ev.Msg("stats")
		}
	}
}

// goRun runs fn until the context is cancelled by Close
func (sc *ServiceContext) goRun(name string, fn func(ctx context.Context) error) {
	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		if err := fn(sc.Ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("worker", name).Msg("worker exited")
		}
	}()
}

// BuildMonitorServiceDeps assembles the watchlist monitor
func (sc *ServiceContext) BuildMonitorServiceDeps() monitor.ServiceDeps {
	items := make([]monitor.WatchItem, 0, len(sc.Config.Watchlist))
	for _, w := range sc.Config.Watchlist {
		items = append(items, monitor.WatchItem{Symbol: w.Symbol, Channel: model.Channel(w.Channel)})
	}

	deps := monitor.ServiceDeps{
		Mux:           sc.Mux,
		Watchlist:     items,
		PrintEveryMin: sc.Config.App.PrintEveryMin,
		StaleAfter:    sec(sc.Config.App.StaleAfterSec),
		Sink:          sc.Sink,
	}
	if sc.recorder != nil {
		deps.Recorder = sc.recorder
	} else {
		deps.Recorder = memoryRecorder{sc.memory}
	}
	return deps
}

// memoryRecorder keeps latest values current when the recorder is disabled
type memoryRecorder struct {
	repo *storage.MemoryRepository
}

func (m memoryRecorder) Record(u model.Update) {
	_ = m.repo.SaveLatest(context.Background(), u)
}

// DescribeWatchlist logs reference data for every stock in the watchlist.
// Lookups go through the reference cache, so repeated calls are free.
func (sc *ServiceContext) DescribeWatchlist(ctx context.Context) {
	for _, w := range sc.Config.Watchlist {
		ch := model.Channel(w.Channel)
		if ch != model.ChannelQuotes && ch != model.ChannelAggregates {
			continue
		}
		d, err := sc.client.TickerDetails(ctx, w.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", w.Symbol).Msg("ticker details unavailable")
			continue
		}
		log.Info().
			Str("symbol", d.Ticker).
			Str("name", d.Name).
			Str("exchange", d.PrimaryExchange).
			Str("currency", d.Currency).
			Msg("watching ticker")
	}
}

// LogLatest logs the last recorded update of every watchlist key
func (sc *ServiceContext) LogLatest() {
	for _, w := range sc.Config.Watchlist {
		key := model.NewKey(w.Symbol, model.Channel(w.Channel))
		u, ok := sc.memory.Latest(key)
		if !ok {
			log.Info().Str("key", key.String()).Msg("no update recorded")
			continue
		}
		log.Info().
			Str("key", key.String()).
			Float64("last", u.Quote.Last).
			Str("source", string(u.Source)).
			Time("at", u.Timestamp).
			Msg("last recorded update")
	}
	if sc.recorder == nil {
		return
	}
	st := sc.recorder.Stats()
	log.Info().Int64("written", st.Written).Int64("dropped", st.Dropped).Int64("failed", st.Failed).Msg("recorder totals")
}

// Client exposes the vendor REST client
func (sc *ServiceContext) Client() *polygon.Client { return sc.client }

// Close stops delivery first, then the background workers (the recorder
// drains into storage), then releases resources in reverse order.
func (sc *ServiceContext) Close() error {
	var errs []error
	sc.closeOnce.Do(func() {
		if sc.Mux != nil {
			sc.Mux.Close()
		}
		sc.cancel()
		sc.wg.Wait()

		for i := len(sc.closerChain) - 1; i >= 0; i-- {
			if err := sc.closerChain[i](); err != nil {
				log.Error().Err(err).Msg("error closing resource")
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
