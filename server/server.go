// Package server relays live race state to websocket clients.
//
// Every connection speaks JSON envelopes {"type": ..., "data": ...}. Commands
// go to the race registry; registry events come back through the Hub, which
// fans them out to the connections subscribed to each race. A small read-only
// HTTP API exposes the same state for dashboards and health checks.
package server

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carrera.app/config"
	"carrera.app/race"
)

// Server owns the websocket endpoint and the HTTP API.
type Server struct {
	reg   race.Registry
	hub   *Hub
	stats *Stats
	cfg   config.Config
	dec   *Decoder
	log   *zap.Logger

	claims   *claims
	upgrader websocket.Upgrader
}

// New returns a server for reg. The hub must be the publisher reg was built with.
func New(reg race.Registry, hub *Hub, stats *Stats, cfg config.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if stats == nil {
		stats = hub.stats
	}

	s := &Server{
		reg:   reg,
		hub:   hub,
		stats: stats,
		cfg:   cfg,
		dec:   NewDecoder(),
		log:   log,

		claims: newClaims(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.Server.AllowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	cc := cors.DefaultConfig()
	cc.AllowMethods = []string{"GET", "OPTIONS"}
	if allowAll(s.cfg.Server.AllowOrigins) {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = s.cfg.Server.AllowOrigins
	}
	r.Use(cors.New(cc))

	if s.cfg.Server.Pprof {
		pprof.Register(r)
	}

	r.GET("/ws", s.ServeWS)
	r.GET("/health", s.health)

	api := r.Group("/api")
	{
		api.GET("/stats", s.getStats)

		races := api.Group("/races")
		races.GET("", s.listRaces)
		races.GET("/:id", s.getRace)
		races.GET("/:id/participants", s.getParticipants)
		races.GET("/:id/positions", s.getPositions)
	}

	return r
}

func allowAll(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return len(origins) == 0
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.Debug("http",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()))
	}
}

// ServeWS upgrades the request and serves the connection until it closes.
func (s *Server) ServeWS(gc *gin.Context) {
	if !IsWebSocket(gc.Request) {
		gc.JSON(http.StatusBadRequest, gin.H{"error": "websocket upgrade required"})
		return
	}

	ws, err := s.upgrader.Upgrade(gc.Writer, gc.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade", zap.Error(err))
		return
	}

	c := newConn(ws, s.cfg.Socket, s.log)
	s.stats.RecordConnect()
	c.log.Debug("connected", zap.String("remote", gc.Request.RemoteAddr))

	defer func() {
		s.disconnect(c)
		s.stats.RecordDisconnect()
		c.log.Debug("disconnected")
	}()

	c.run(gc.Request.Context(), func(msg []byte) { s.handle(c, msg) })
}
