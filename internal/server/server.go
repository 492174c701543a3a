// Package server exposes the playback controller over HTTP. State changes
// are streamed to websocket clients as snapshots.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dgnsrekt/glow-tts/internal/orchestrator"
	"github.com/dgnsrekt/glow-tts/internal/playback"
)

const (
	writeWait       = 5 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
	shutdownTimeout = 5 * time.Second
)

// Reader is the document reader being controlled.
type Reader interface {
	Snapshot() orchestrator.Snapshot
	Controller() *playback.Controller
	Skip(unit playback.Unit, dir playback.Direction) error
	SetPlaybackRate(rate float64)
}

// Server is the HTTP control surface.
type Server struct {
	reader   Reader
	metrics  http.Handler
	logger   *log.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

type playRequest struct {
	Token *int `json:"token"`
}

type seekRequest struct {
	// Seconds, negative seeks backwards
	Delta float64 `json:"delta"`
}

type rateRequest struct {
	Rate float64 `json:"rate" binding:"required,gt=0,lte=4"`
}

// New creates the server and its routes.
func New(r Reader, opts ...Option) *Server {
	s := &Server{reader: r}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	// Local control only: any page on the machine may drive the reader
	s.upgrader.CheckOrigin = func(*http.Request) bool { return true }

	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Output:    s.logger.StandardLog(log.StandardLogOptions{ForceLevel: log.DebugLevel}).Writer(),
		SkipPaths: []string{"/state", "/metrics"},
	}))

	e.GET("/state", s.handleState)
	e.GET("/events", s.handleEvents)
	e.POST("/play", s.handlePlay)
	e.POST("/pause", s.handlePause)
	e.POST("/seek", s.handleSeek)
	e.POST("/seek/token/:index", s.handleSeekToken)
	e.POST("/skip/:unit/:direction", s.handleSkip)
	e.POST("/rate", s.handleRate)
	if s.metrics != nil {
		e.GET("/metrics", gin.WrapH(s.metrics))
	}

	s.engine = e
	return s
}

// Handler returns the routes as an http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("Control server listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.reader.Snapshot())
}

// loaded aborts with 409 when no document is loaded.
func (s *Server) loaded(c *gin.Context) bool {
	if s.reader.Controller().State() == playback.StateIdle {
		c.JSON(http.StatusConflict, gin.H{"error": orchestrator.ErrNoDocument.Error()})
		return false
	}
	return true
}

// respond writes the new state, or the error of the action.
func (s *Server) respond(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNoDocument):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		s.logger.Error("Control action failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, s.reader.Snapshot())
	}
}

func (s *Server) handlePlay(c *gin.Context) {
	var req playRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if !s.loaded(c) {
		return
	}

	ctrl := s.reader.Controller()
	if req.Token != nil {
		s.respond(c, ctrl.PlayFrom(*req.Token))
		return
	}
	s.respond(c, ctrl.Play())
}

func (s *Server) handlePause(c *gin.Context) {
	if !s.loaded(c) {
		return
	}
	s.reader.Controller().Pause()
	s.respond(c, nil)
}

func (s *Server) handleSeek(c *gin.Context) {
	var req seekRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.loaded(c) {
		return
	}
	delta := time.Duration(req.Delta * float64(time.Second))
	s.respond(c, s.reader.Controller().Seek(delta))
}

func (s *Server) handleSeekToken(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token index must be a non-negative integer"})
		return
	}
	if !s.loaded(c) {
		return
	}
	s.respond(c, s.reader.Controller().SeekByToken(index))
}

func (s *Server) handleSkip(c *gin.Context) {
	unit, err := playback.ParseUnit(c.Param("unit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dir, err := playback.ParseDirection(c.Param("direction"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.respond(c, s.reader.Skip(unit, dir))
}

func (s *Server) handleRate(c *gin.Context) {
	var req rateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.reader.SetPlaybackRate(req.Rate)
	s.respond(c, nil)
}

// handleEvents streams a snapshot on connect and after controller events.
// Events arriving while a write is pending collapse into one snapshot.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	changed := make(chan struct{}, 1)
	unsubscribe := s.reader.Controller().Subscribe(func(ev playback.Event) {
		if ev.Kind == playback.EventBufferRequest {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go s.readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err := s.writeSnapshot(conn); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-changed:
			if err := s.writeSnapshot(conn); err != nil {
				s.logger.Debug("Websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeSnapshot(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return conn.WriteJSON(s.reader.Snapshot())
}

// readPump discards client messages and closes done when the peer leaves.
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
