package transport

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"livefeed/internal/application/port"
	"livefeed/internal/domain/model"
)

type fakeSub struct {
	topics []string
	fn     func(port.StreamMessage)
}

type fakeConn struct {
	mu         sync.Mutex
	state      port.ConnState
	subs       map[int]*fakeSub
	nextID     int
	subscribes int
	reconnects int
}

func newFakeConn(state port.ConnState) *fakeConn {
	return &fakeConn{state: state, subs: make(map[int]*fakeSub)}
}

func (c *fakeConn) State() port.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) setState(s port.ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *fakeConn) Subscribe(topics []string, fn func(port.StreamMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs[id] = &fakeSub{topics: topics, fn: fn}
	c.subscribes++
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *fakeConn) Reconnect() {
	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
}

func (c *fakeConn) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.subs {
		out = append(out, s.topics...)
	}
	return out
}

func (c *fakeConn) reconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// push delivers a message to every subscriber of topic
func (c *fakeConn) push(topic string, q model.Quote) {
	c.mu.Lock()
	var fns []func(port.StreamMessage)
	for _, s := range c.subs {
		for _, t := range s.topics {
			if strings.EqualFold(t, topic) {
				fns = append(fns, s.fn)
			}
		}
	}
	c.mu.Unlock()

	msg := port.StreamMessage{Type: "Q", Topic: topic, Data: q, Timestamp: time.Now()}
	for _, fn := range fns {
		fn(msg)
	}
}

type fakeFetcher struct {
	calls   atomic.Int32
	mu      sync.Mutex
	symbols []string
	quote   model.Quote
	err     error
}

func (f *fakeFetcher) fetch(ctx context.Context, sym string) (model.Quote, bool, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.symbols = append(f.symbols, sym)
	q, err := f.quote, f.err
	f.mu.Unlock()
	if err != nil {
		return model.Quote{}, false, err
	}
	q.Symbol = sym
	q.Timestamp = time.Now()
	return q, true, nil
}

func (f *fakeFetcher) count() int { return int(f.calls.Load()) }

type recorder struct {
	mu      sync.Mutex
	updates []model.Update
}

func (r *recorder) emit(u model.Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) all() []model.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Update(nil), r.updates...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) last() model.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func (r *recorder) hasSource(src model.Source) bool {
	for _, u := range r.all() {
		if u.Source == src {
			return true
		}
	}
	return false
}

// blockingFetcher holds every fetch until release is closed, ignoring
// cancellation like a client that has already sent the request
type blockingFetcher struct {
	calls   atomic.Int32
	once    sync.Once
	started chan struct{}
	release chan struct{}
	quote   model.Quote
}

func newBlockingFetcher(q model.Quote) *blockingFetcher {
	return &blockingFetcher{started: make(chan struct{}), release: make(chan struct{}), quote: q}
}

func (f *blockingFetcher) fetch(_ context.Context, sym string) (model.Quote, bool, error) {
	f.calls.Add(1)
	f.once.Do(func() { close(f.started) })
	<-f.release
	q := f.quote
	q.Symbol = sym
	return q, true, nil
}
