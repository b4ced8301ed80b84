package transport

import (
	"time"

	"livefeed/internal/application/port"
	"livefeed/internal/domain/model"
)

// Mode is the delivery mode of one engine instance
type Mode int

const (
	ModePolling      Mode = iota // fetching on a fixed interval
	ModeStreaming                // healthy, receiving pushes
	ModeReconnecting             // polling while the connection is restored
)

func (m Mode) String() string {
	switch m {
	case ModeStreaming:
		return "streaming"
	case ModeReconnecting:
		return "reconnecting"
	default:
		return "polling"
	}
}

// Source maps the mode to the source reported on updates
func (m Mode) Source() model.Source {
	if m == ModeStreaming {
		return model.SourceWebsocket
	}
	return model.SourceREST
}

// Effect is a bit set of side effects the engine must perform after a transition
type Effect uint8

const (
	EffectStartPolling Effect = 1 << iota
	EffectStopPolling
	EffectScheduleReconnect
	EffectCancelReconnect
	EffectReconnect
)

func (e Effect) Has(f Effect) bool { return e&f != 0 }

// State is the explicit per-instance state. It holds no timers; the engine
// translates returned Effects into timer and subscription changes.
type State struct {
	Mode               Mode
	LastUpdateAt       time.Time // last push or accepted delivery, drives staleness
	LastDeliveredAt    time.Time // timestamp of the last update handed to the subscriber
	HealthFailures     int       // consecutive failed health checks
	ReconnectAttempts  int
	ReconnectExhausted bool
}

// Init picks the initial mode from the connection state at subscribe time
func (s *State) Init(conn port.ConnState, now time.Time) Effect {
	s.LastUpdateAt = now
	switch conn {
	case port.ConnOpen:
		s.Mode = ModeStreaming
		return 0
	case port.ConnClosed:
		if s.ReconnectExhausted {
			s.Mode = ModePolling
			return EffectStartPolling
		}
		s.Mode = ModeReconnecting
		return EffectStartPolling | EffectScheduleReconnect
	default:
		s.Mode = ModePolling
		return EffectStartPolling
	}
}

// OnPush handles a push message for the symbol: any mode switches to streaming
func (s *State) OnPush(now time.Time) Effect {
	prev := s.Mode
	s.Mode = ModeStreaming
	s.LastUpdateAt = now
	s.HealthFailures = 0
	s.ReconnectAttempts = 0
	s.ReconnectExhausted = false

	switch prev {
	case ModePolling:
		return EffectStopPolling
	case ModeReconnecting:
		return EffectStopPolling | EffectCancelReconnect
	}
	return 0
}

// OnHealthCheck runs on the health-check interval. staleAfter <= 0 disables
// the staleness check.
func (s *State) OnHealthCheck(conn port.ConnState, now time.Time, staleAfter time.Duration) Effect {
	switch s.Mode {
	case ModeStreaming:
		if conn != port.ConnOpen {
			s.HealthFailures++
			if conn == port.ConnClosed && !s.ReconnectExhausted {
				s.Mode = ModeReconnecting
				return EffectStartPolling | EffectScheduleReconnect
			}
			s.Mode = ModePolling
			return EffectStartPolling
		}
		if staleAfter > 0 && now.Sub(s.LastUpdateAt) > staleAfter {
			s.HealthFailures++
			s.Mode = ModePolling
			return EffectStartPolling
		}
		s.HealthFailures = 0
		return 0

	case ModePolling:
		if conn == port.ConnClosed && !s.ReconnectExhausted {
			s.Mode = ModeReconnecting
			return EffectScheduleReconnect
		}
		return 0

	case ModeReconnecting:
		if conn == port.ConnOpen {
			// connection restored; keep polling until the first push arrives
			s.Mode = ModePolling
			s.ReconnectAttempts = 0
			return EffectCancelReconnect
		}
		return 0
	}
	return 0
}

// OnReconnectTimer runs when the reconnect backoff timer fires
func (s *State) OnReconnectTimer(conn port.ConnState, maxAttempts int) Effect {
	if s.Mode != ModeReconnecting {
		return 0
	}
	if conn == port.ConnOpen {
		s.Mode = ModePolling
		s.ReconnectAttempts = 0
		return 0
	}

	s.ReconnectAttempts++
	if maxAttempts > 0 && s.ReconnectAttempts >= maxAttempts {
		s.ReconnectExhausted = true
		s.Mode = ModePolling
		return EffectReconnect
	}
	return EffectReconnect | EffectScheduleReconnect
}

// Accept applies the freshness gate: updates older than the last delivered
// one are rejected so a slow REST response never overwrites a newer push.
func (s *State) Accept(ts time.Time, now time.Time) bool {
	if ts.Before(s.LastDeliveredAt) {
		return false
	}
	s.LastDeliveredAt = ts
	s.LastUpdateAt = now
	return true
}

// ReconnectDelay returns base*2^attempt capped at max
func ReconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
