package multiplexer

import (
	"livefeed/internal/application/port"
	"livefeed/internal/application/transport"
	"livefeed/internal/domain/model"
)

// TransportFactory builds transport engines wired to the shared streaming
// connections (one per channel) and the shared batch fetch client.
func TransportFactory(cfg transport.Config, conns map[model.Channel]port.StreamingConnection, client port.BatchFetchClient) EngineFactory {
	return func(key model.Key, emit func(model.Update)) Engine {
		deps := transport.Deps{Emit: emit}
		if conn, ok := conns[key.Channel]; ok && conn != nil {
			deps.Conn = conn
		}
		if client != nil {
			deps.Fetch = transport.FetcherFor(client, key.Channel)
		}
		return transport.New(key, cfg, deps)
	}
}
