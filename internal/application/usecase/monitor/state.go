package monitor

import (
	"sync"
	"time"

	"livefeed/internal/domain/model"
)

type Dir int

const (
	DirSame Dir = 0
	DirUp   Dir = +1
	DirDown Dir = -1
)

type keyState struct {
	price  float64
	has    bool
	dir    Dir
	source model.Source
	at     time.Time
	count  int
}

type State struct {
	mu sync.Mutex

	order []model.Key
	keys  map[model.Key]*keyState
}

func NewState(items []WatchItem) *State {
	order := make([]model.Key, 0, len(items))
	keys := make(map[model.Key]*keyState, len(items))
	for _, it := range items {
		k := it.Key()
		if k.Symbol == "" {
			continue
		}
		if _, dup := keys[k]; dup {
			continue
		}
		order = append(order, k)
		keys[k] = &keyState{}
	}
	return &State{order: order, keys: keys}
}

func (s *State) Keys() []model.Key {
	return s.order
}

// Apply records an update and reports whether the displayed line changes
func (s *State) Apply(u model.Update) bool {
	px := u.Quote.Price()
	if px <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.keys[u.Key()]
	if st == nil {
		return false
	}
	st.count++
	st.at = u.Timestamp

	sourceChanged := st.source != u.Source
	st.source = u.Source

	if !st.has {
		st.has = true
		st.price = px
		st.dir = DirSame
		return true
	}

	switch {
	case px > st.price:
		st.dir = DirUp
	case px < st.price:
		st.dir = DirDown
	default:
		return sourceChanged
	}
	st.price = px
	return true
}

func (s *State) Snapshot() map[model.Key]keyState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[model.Key]keyState, len(s.keys))
	for k, v := range s.keys {
		out[k] = *v
	}
	return out
}
