package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"livefeed/internal/application/multiplexer"
	"livefeed/internal/domain/model"
)

// Subscriber is the multiplexer surface the websocket endpoint needs
type Subscriber interface {
	Subscribe(symbol string, channels []model.Channel, cb func(model.Update), opts multiplexer.Options) (unsubscribe func())
}

type Deps struct {
	Mux    Subscriber
	Latest func(key model.Key) (model.Update, bool)
	Status func() any
}

// Server exposes status, latest values and a websocket update stream
type Server struct {
	addr   string
	deps   Deps
	engine *gin.Engine
}

func New(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{addr: addr, deps: deps, engine: gin.New()}
	s.engine.Use(gin.Recovery(), requestLog())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/api/health", s.getHealth)
	s.engine.GET("/api/status", s.getStatus)
	s.engine.GET("/api/latest/:channel/:symbol", s.getLatest)
	s.engine.GET("/ws", s.handleWebSocket)
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", s.addr).Msg("http api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) getStatus(c *gin.Context) {
	if s.deps.Status == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Status())
}

func (s *Server) getLatest(c *gin.Context) {
	ch := model.Channel(strings.ToLower(c.Param("channel")))
	if !ch.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel"})
		return
	}
	key := model.NewKey(c.Param("symbol"), ch)
	if s.deps.Latest == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no update for " + key.String()})
		return
	}
	u, ok := s.deps.Latest(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no update for " + key.String()})
		return
	}
	c.JSON(http.StatusOK, u)
}

// subscription maps query parameters onto multiplexer arguments
func subscription(c *gin.Context) (string, []model.Channel, multiplexer.Options, bool) {
	symbol := strings.TrimSpace(c.Query("symbol"))
	if symbol == "" {
		return "", nil, multiplexer.Options{}, false
	}
	switch model.Channel(strings.ToLower(c.DefaultQuery("channel", string(model.ChannelQuotes)))) {
	case model.ChannelQuotes:
		return symbol, []model.Channel{model.ChannelQuotes}, multiplexer.Options{}, true
	case model.ChannelAggregates:
		return symbol, []model.Channel{model.ChannelAggregates}, multiplexer.Options{}, true
	case model.ChannelOptions:
		return symbol, nil, multiplexer.Options{Option: true}, true
	case model.ChannelIndices:
		return symbol, nil, multiplexer.Options{Index: true}, true
	}
	return "", nil, multiplexer.Options{}, false
}
