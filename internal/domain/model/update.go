package model

import (
	"strings"
	"time"
)

// Channel identifies the kind of feed a subscription belongs to
type Channel string

const (
	ChannelQuotes     Channel = "quotes"
	ChannelAggregates Channel = "aggregates"
	ChannelOptions    Channel = "options"
	ChannelIndices    Channel = "indices"
)

// Valid reports whether c is one of the known channels
func (c Channel) Valid() bool {
	switch c {
	case ChannelQuotes, ChannelAggregates, ChannelOptions, ChannelIndices:
		return true
	}
	return false
}

// Source is the delivery path that produced an update
type Source string

const (
	SourceWebsocket Source = "websocket"
	SourceREST      Source = "rest"
)

// Key uniquely identifies one logical feed
type Key struct {
	Symbol  string
	Channel Channel
}

// NewKey normalizes the symbol (trim + upper)
func NewKey(symbol string, ch Channel) Key {
	return Key{Symbol: strings.ToUpper(strings.TrimSpace(symbol)), Channel: ch}
}

func (k Key) String() string {
	return string(k.Channel) + ":" + k.Symbol
}

// Quote is the normalized payload shared by every channel.
// Fields a channel does not produce are left zero.
type Quote struct {
	Symbol string `json:"symbol"`

	Last    float64 `json:"last,omitempty"`
	Bid     float64 `json:"bid,omitempty"`
	Ask     float64 `json:"ask,omitempty"`
	BidSize int64   `json:"bid_size,omitempty"`
	AskSize int64   `json:"ask_size,omitempty"`

	Open      float64 `json:"open,omitempty"`
	High      float64 `json:"high,omitempty"`
	Low       float64 `json:"low,omitempty"`
	Close     float64 `json:"close,omitempty"`
	Volume    float64 `json:"volume,omitempty"`
	VWAP      float64 `json:"vwap,omitempty"`
	PrevClose float64 `json:"prev_close,omitempty"`

	// options only
	ImpliedVol   float64 `json:"iv,omitempty"`
	Delta        float64 `json:"delta,omitempty"`
	OpenInterest int64   `json:"open_interest,omitempty"`

	Timestamp time.Time `json:"ts"`
}

// Price returns the best single price the quote carries
func (q Quote) Price() float64 {
	switch {
	case q.Last > 0:
		return q.Last
	case q.Close > 0:
		return q.Close
	case q.Bid > 0 && q.Ask > 0:
		return (q.Bid + q.Ask) / 2
	}
	return 0
}

// Update is what every subscriber receives, regardless of which path produced it
type Update struct {
	Symbol    string    `json:"symbol"`
	Channel   Channel   `json:"channel"`
	Quote     Quote     `json:"quote"`
	Timestamp time.Time `json:"ts"`
	Source    Source    `json:"source"`
}

// Key returns the subscription key the update belongs to
func (u Update) Key() Key {
	return Key{Symbol: u.Symbol, Channel: u.Channel}
}
