package svc

import (
	"sort"
	"time"

	"livefeed/internal/application/multiplexer"
	"livefeed/internal/application/port"
	"livefeed/internal/application/recorder"
	"livefeed/internal/infrastructure/cache"
	"livefeed/internal/infrastructure/requestqueue"
)

type StreamStatus struct {
	Name   string         `json:"name"`
	State  port.ConnState `json:"state"`
	Topics []string       `json:"topics"`
}

// Status is a point-in-time view of every running component
type Status struct {
	At           time.Time              `json:"at"`
	Streams      []StreamStatus         `json:"streams"`
	Multiplexer  multiplexer.Stats      `json:"multiplexer"`
	RequestQueue requestqueue.Stats     `json:"request_queue"`
	Caches       map[string]cache.Stats `json:"caches"`
	Recorder     *recorder.Stats        `json:"recorder,omitempty"`
	Latest       int                    `json:"latest_values"`
}

func (sc *ServiceContext) Status() Status {
	st := Status{
		At:           time.Now().UTC(),
		Multiplexer:  sc.Mux.Stats(),
		RequestQueue: sc.queue.Stats(),
		Caches: map[string]cache.Stats{
			"ticker_details": sc.details.Stats(),
			"prev_close":     sc.prevClose.Stats(),
		},
		Latest: sc.memory.Len(),
	}

	names := make([]string, 0, len(sc.streams))
	for name := range sc.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := sc.streams[name]
		st.Streams = append(st.Streams, StreamStatus{Name: name, State: s.State(), Topics: s.Topics()})
	}

	if sc.recorder != nil {
		rs := sc.recorder.Stats()
		st.Recorder = &rs
	}
	return st
}
