package requestqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned for requests still queued when the queue closes
var ErrClosed = errors.New("request queue closed")

// Config bounds outbound concurrency and rate
type Config struct {
	MaxConcurrent  int           // active dispatches ceiling
	MinDelay       time.Duration // minimum gap between two dispatches
	DedupeWindow   time.Duration // completed 2xx responses are reused this long
	RequestTimeout time.Duration // per dispatch, independent of the caller
	MaxBodyBytes   int64
}

// DefaultConfig yields roughly 6-7 requests per second under burst
var DefaultConfig = Config{
	MaxConcurrent:  5,
	MinDelay:       150 * time.Millisecond,
	DedupeWindow:   1500 * time.Millisecond,
	RequestTimeout: 10 * time.Second,
	MaxBodyBytes:   8 << 20,
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultConfig.MaxConcurrent
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.DedupeWindow < 0 {
		c.DedupeWindow = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultConfig.MaxBodyBytes
	}
	return c
}

// Response is a fully read HTTP response that can be handed to several callers
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	CompletedAt time.Time
}

// Clone returns a deep copy
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		StatusCode:  r.StatusCode,
		Header:      r.Header.Clone(),
		Body:        append([]byte(nil), r.Body...),
		CompletedAt: r.CompletedAt,
	}
}

// OK reports a 2xx status
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Stats reports queue activity
type Stats struct {
	Queued     int
	Active     int
	Dispatched int64
	Deduped    int64
}

type job struct {
	key    string
	req    *http.Request
	result chan jobResult
	queued time.Time
}

type jobResult struct {
	resp *Response
	err  error
}

// Queue dispatches HTTP requests in FIFO order under a concurrency ceiling
// and a minimum inter-dispatch delay, collapsing duplicates by METHOD URL.
type Queue struct {
	cfg    Config
	client *http.Client
	group  singleflight.Group

	mu           sync.Mutex
	pending      []*job
	active       int
	lastDispatch time.Time
	completed    map[string]*Response
	closed       bool

	dispatched atomic.Int64
	deduped    atomic.Int64

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the dispatcher; Close stops it
func New(cfg Config, client *http.Client) *Queue {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:       cfg.withDefaults(),
		client:    client,
		completed: make(map[string]*Response),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go q.dispatchLoop()
	return q
}

// Key identifies duplicate requests
func Key(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

// Do returns the response for req. A 2xx response for the same key completed
// within the dedupe window is served as a clone; an identical request in
// flight is shared. The caller's ctx bounds only its own wait.
func (q *Queue) Do(ctx context.Context, req *http.Request) (*Response, error) {
	key := Key(req)

	if resp := q.recent(key); resp != nil {
		q.deduped.Add(1)
		log.Debug().Str("req", key).Msg("served from dedupe window")
		return resp, nil
	}

	leader := false
	ch := q.group.DoChan(key, func() (any, error) {
		leader = true
		return q.enqueue(key, req)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if !leader {
			q.deduped.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Response).Clone(), nil
	}
}

// recent returns a clone of a fresh completed response and evicts stale ones
func (q *Queue) recent(key string) *Response {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for k, r := range q.completed {
		if now.Sub(r.CompletedAt) >= q.cfg.DedupeWindow {
			delete(q.completed, k)
		}
	}
	if r, ok := q.completed[key]; ok {
		return r.Clone()
	}
	return nil
}

func (q *Queue) enqueue(key string, req *http.Request) (*Response, error) {
	j := &job{
		key:    key,
		req:    req.WithContext(context.WithoutCancel(req.Context())),
		result: make(chan jobResult, 1),
		queued: time.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.pending = append(q.pending, j)
	q.mu.Unlock()
	q.signal()

	res := <-j.result
	return res.resp, res.err
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatchLoop() {
	defer close(q.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		wait := q.dispatchReady()

		var timerC <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-q.ctx.Done():
			q.failPending()
			return
		case <-q.wake:
		case <-timerC:
		}
		if wait > 0 && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// dispatchReady starts as many jobs as the limits allow and returns how long
// to wait before the next one becomes eligible, 0 meaning wait for a signal.
func (q *Queue) dispatchReady() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) > 0 && q.active < q.cfg.MaxConcurrent {
		if !q.lastDispatch.IsZero() {
			if gap := time.Since(q.lastDispatch); gap < q.cfg.MinDelay {
				return q.cfg.MinDelay - gap
			}
		}
		j := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.active++
		q.lastDispatch = time.Now()
		q.dispatched.Add(1)
		go q.execute(j)
	}
	return 0
}

func (q *Queue) execute(j *job) {
	resp, err := q.roundTrip(j)

	q.mu.Lock()
	q.active--
	if err == nil && resp.OK() && q.cfg.DedupeWindow > 0 {
		q.completed[j.key] = resp
	}
	q.mu.Unlock()
	q.signal()

	if err != nil {
		log.Debug().Err(err).Str("req", j.key).Msg("request failed")
	}
	j.result <- jobResult{resp: resp, err: err}
}

func (q *Queue) roundTrip(j *job) (*Response, error) {
	ctx, cancel := context.WithTimeout(j.req.Context(), q.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	httpResp, err := q.client.Do(j.req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", j.key, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, q.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", j.key, err)
	}

	log.Debug().
		Str("req", j.key).
		Int("status", httpResp.StatusCode).
		Dur("queued", start.Sub(j.queued)).
		Dur("took", time.Since(start)).
		Msg("request dispatched")

	return &Response{
		StatusCode:  httpResp.StatusCode,
		Header:      httpResp.Header.Clone(),
		Body:        body,
		CompletedAt: time.Now(),
	}, nil
}

func (q *Queue) failPending() {
	q.mu.Lock()
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, j := range pending {
		j.result <- jobResult{err: ErrClosed}
	}
}

// Stats returns a point-in-time view of the queue
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:     len(q.pending),
		Active:     q.active,
		Dispatched: q.dispatched.Load(),
		Deduped:    q.deduped.Load(),
	}
}

// Close fails queued requests with ErrClosed and stops the dispatcher.
// Requests already dispatched run to completion.
func (q *Queue) Close() error {
	q.cancel()
	<-q.done
	return nil
}
