package multiplexer

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"livefeed/internal/domain/model"
)

// Options override the channel derived from the requested channels
type Options struct {
	Option bool // symbol is an option contract
	Index  bool // symbol is an index
}

// Engine is the per-key delivery instance managed by the multiplexer
type Engine interface {
	Start()
	Stop()
	Done() <-chan struct{}
}

// EngineFactory builds an engine for key that delivers through emit
type EngineFactory func(key model.Key, emit func(model.Update)) Engine

type subscriber struct {
	id     uint64
	cb     func(model.Update)
	active atomic.Bool
}

type entry struct {
	key    model.Key
	engine Engine
	subs   []*subscriber // insertion order
}

// Multiplexer keeps exactly one engine per subscription key and fans its
// updates out to every registered callback.
type Multiplexer struct {
	mu      sync.Mutex
	entries map[model.Key]*entry
	factory EngineFactory
	nextID  uint64
	closed  bool
}

// New creates a multiplexer that builds engines with factory
func New(factory EngineFactory) *Multiplexer {
	return &Multiplexer{
		entries: make(map[model.Key]*entry),
		factory: factory,
	}
}

// DeriveChannel picks the key channel: explicit option/index flags win,
// then an aggregates request, otherwise quotes.
func DeriveChannel(channels []model.Channel, opts Options) model.Channel {
	switch {
	case opts.Option:
		return model.ChannelOptions
	case opts.Index:
		return model.ChannelIndices
	case slices.Contains(channels, model.ChannelAggregates):
		return model.ChannelAggregates
	}
	return model.ChannelQuotes
}

// Subscribe registers cb for symbol and returns its unsubscribe func.
// Unsubscribe is idempotent; the last one for a key tears the engine down.
func (m *Multiplexer) Subscribe(symbol string, channels []model.Channel, cb func(model.Update), opts Options) (unsubscribe func()) {
	key := model.NewKey(symbol, DeriveChannel(channels, opts))
	if key.Symbol == "" || cb == nil {
		log.Warn().Str("key", key.String()).Msg("ignoring invalid subscription")
		return func() {}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		log.Warn().Str("key", key.String()).Msg("subscribe after close")
		return func() {}
	}

	m.nextID++
	sub := &subscriber{id: m.nextID, cb: cb}
	sub.active.Store(true)

	en, ok := m.entries[key]
	if ok {
		en.subs = append(en.subs, sub)
	} else {
		en = &entry{key: key, subs: []*subscriber{sub}}
		en.engine = m.factory(key, m.fanout(en))
		m.entries[key] = en
		en.engine.Start()
	}
	refs := len(en.subs)
	m.mu.Unlock()

	log.Debug().
		Str("key", key.String()).
		Uint64("subscriber", sub.id).
		Int("refs", refs).
		Bool("new_engine", !ok).
		Msg("subscribed")

	var once sync.Once
	return func() {
		once.Do(func() { m.remove(en, sub) })
	}
}

func (m *Multiplexer) remove(en *entry, sub *subscriber) {
	sub.active.Store(false)

	m.mu.Lock()
	en.subs = slices.DeleteFunc(slices.Clone(en.subs), func(s *subscriber) bool { return s == sub })
	last := len(en.subs) == 0
	if last && m.entries[en.key] == en {
		delete(m.entries, en.key)
	}
	refs := len(en.subs)
	m.mu.Unlock()

	log.Debug().
		Str("key", en.key.String()).
		Uint64("subscriber", sub.id).
		Int("refs", refs).
		Msg("unsubscribed")

	if last {
		en.engine.Stop()
		log.Debug().Str("key", en.key.String()).Msg("last subscriber left, engine stopped")
	}
}

// fanout delivers one update to every subscriber registered when the pass
// starts, in insertion order. A subscriber removed mid-pass is skipped; a
// panicking callback is logged and does not affect the others.
func (m *Multiplexer) fanout(en *entry) func(model.Update) {
	return func(u model.Update) {
		m.mu.Lock()
		subs := en.subs
		m.mu.Unlock()

		for _, s := range subs {
			if !s.active.Load() {
				continue
			}
			m.invoke(en.key, s, u)
		}
	}
}

func (m *Multiplexer) invoke(key model.Key, s *subscriber, u model.Update) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("key", key.String()).
				Uint64("subscriber", s.id).
				Err(fmt.Errorf("%v", r)).
				Msg("subscriber callback panicked")
		}
	}()
	s.cb(u)
}

// Stats describes the registry
type Stats struct {
	Keys        int
	Subscribers int
	PerKey      map[string]int
}

// Stats returns the number of live keys and subscribers
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{Keys: len(m.entries), PerKey: make(map[string]int, len(m.entries))}
	for k, en := range m.entries {
		st.Subscribers += len(en.subs)
		st.PerKey[k.String()] = len(en.subs)
	}
	return st
}

// Close stops every engine and waits for them to release their resources
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	engines := make([]Engine, 0, len(m.entries))
	for k, en := range m.entries {
		for _, s := range en.subs {
			s.active.Store(false)
		}
		engines = append(engines, en.engine)
		delete(m.entries, k)
	}
	m.mu.Unlock()

	for _, e := range engines {
		e.Stop()
	}
	for _, e := range engines {
		<-e.Done()
	}
	log.Info().Int("engines", len(engines)).Msg("multiplexer closed")
}
