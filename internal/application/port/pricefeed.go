package port

import (
	"context"
	"time"

	"livefeed/internal/domain/model"
)

// ConnState is the lifecycle state reported by a streaming connection
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClosed     ConnState = "closed"
)

// StreamMessage is one push message, already decoded by the connection
type StreamMessage struct {
	Type      string      // vendor event type, e.g. "Q", "AM", "V"
	Topic     string      // vendor topic symbol (prefixed for indices)
	Data      model.Quote // normalized payload
	Timestamp time.Time
}

// StreamingConnection is a persistent duplex connection for one logical channel
type StreamingConnection interface {
	State() ConnState
	// Subscribe registers onMessage for the given topics; the returned func
	// removes the registration and is safe to call more than once.
	Subscribe(topics []string, onMessage func(StreamMessage)) (unsubscribe func())
	// Reconnect asks the connection to attempt a dial now; it never blocks.
	Reconnect()
}

// BatchFetchClient fetches current values for a batch of symbols.
// Implementations retry transient failures on their own and return
// *RateLimitError when the vendor throttles.
type BatchFetchClient interface {
	GetQuotes(ctx context.Context, symbols []string) ([]model.Quote, error)
	GetAggregates(ctx context.Context, symbols []string) ([]model.Quote, error)
	GetOptionsSnapshot(ctx context.Context, contracts []string) ([]model.Quote, error)
	GetIndices(ctx context.Context, tickers []string) ([]model.Quote, error)
}
