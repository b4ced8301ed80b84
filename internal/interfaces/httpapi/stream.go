package httpapi

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"livefeed/internal/domain/model"
)

const (
	writeWait  = 2 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one websocket consumer of a single key
type client struct {
	id      string
	conn    *websocket.Conn
	send    chan model.Update
	dropped atomic.Int64
}

func (s *Server) handleWebSocket(c *gin.Context) {
	symbol, channels, opts, ok := subscription(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol and a known channel are required"})
		return
	}
	if s.deps.Mux == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "streaming unavailable"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	cl := &client{id: uuid.NewString(), conn: conn, send: make(chan model.Update, sendBuffer)}
	// callbacks run on the engine goroutine and must never block
	unsubscribe := s.deps.Mux.Subscribe(symbol, channels, func(u model.Update) {
		select {
		case cl.send <- u:
		default:
			cl.dropped.Add(1)
		}
	}, opts)

	log.Debug().Str("client", cl.id).Str("symbol", symbol).Msg("websocket client connected")

	done := make(chan struct{})
	go cl.writePump(done)
	cl.readPump()

	unsubscribe()
	close(done)
	log.Debug().Str("client", cl.id).Str("symbol", symbol).Int64("dropped", cl.dropped.Load()).Msg("websocket client disconnected")
}

// readPump discards client messages and returns when the connection ends
func (cl *client) readPump() {
	cl.conn.SetReadLimit(4096)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

func (cl *client) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()

	for {
		select {
		case <-done:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case u := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteJSON(u); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
