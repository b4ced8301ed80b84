package monitor

import (
	"livefeed/internal/application/multiplexer"
	"livefeed/internal/domain/model"
)

// Subscriber is the multiplexer surface the monitor needs
type Subscriber interface {
	Subscribe(symbol string, channels []model.Channel, cb func(model.Update), opts multiplexer.Options) (unsubscribe func())
}

// Recorder receives every delivered update for persistence
type Recorder interface {
	Record(u model.Update)
}

type noopRecorder struct{}

func (noopRecorder) Record(model.Update) {}

// WatchItem is one watchlist entry
type WatchItem struct {
	Symbol  string
	Channel model.Channel
}

// Options maps the item channel onto multiplexer flags
func (w WatchItem) Options() ([]model.Channel, multiplexer.Options) {
	switch w.Channel {
	case model.ChannelOptions:
		return nil, multiplexer.Options{Option: true}
	case model.ChannelIndices:
		return nil, multiplexer.Options{Index: true}
	case model.ChannelAggregates:
		return []model.Channel{model.ChannelAggregates}, multiplexer.Options{}
	}
	return []model.Channel{model.ChannelQuotes}, multiplexer.Options{}
}

// Key returns the normalized subscription key of the item
func (w WatchItem) Key() model.Key {
	chs, opts := w.Options()
	return model.NewKey(w.Symbol, multiplexer.DeriveChannel(chs, opts))
}
