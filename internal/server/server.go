// Package server exposes the engine's request/response operations over HTTP
// and the event stream over websocket.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tradeclass/simex/internal/broadcast"
	"github.com/tradeclass/simex/internal/config"
	"github.com/tradeclass/simex/internal/model"
	"github.com/tradeclass/simex/internal/session"
)

// Server wires the gin router, the session manager, and the broadcast hub.
type Server struct {
	cfg      config.HTTPConfig
	sessions *session.Manager
	hub      *broadcast.Hub
	logger   *zap.Logger
	http     *http.Server
}

// New creates the API server.
func New(cfg config.HTTPConfig, sessions *session.Manager, hub *broadcast.Hub, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		hub:      hub,
		logger:   logger,
	}
	s.http = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))
	r.Use(cors.New(cors.Config{
		AllowOrigins: s.cfg.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Content-Type", "X-User-ID"},
	}))

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("tif", func(fl validator.FieldLevel) bool {
			switch fl.Field().String() {
			case "", model.TimeInForceGTC, model.TimeInForceDay, model.TimeInForceIOC, model.TimeInForceFOK:
				return true
			}
			return false
		})
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/sessions", s.createSession)
	api.GET("/sessions", s.listSessions)

	sess := api.Group("/sessions/:sessionID")
	sess.POST("/join", s.join)
	sess.GET("/ws", s.serveWS)

	sess.POST("/start", s.lifecycle((*session.Session).Start))
	sess.POST("/pause", s.lifecycle((*session.Session).Pause))
	sess.POST("/resume", s.lifecycle((*session.Session).Resume))
	sess.POST("/end", s.lifecycle((*session.Session).End))

	sess.POST("/orders", s.submitOrder)
	sess.DELETE("/orders/:orderID", s.cancelOrder)
	sess.GET("/orderbook/:symbol", s.getOrderBook)
	sess.GET("/positions/:userID/:symbol", s.getPosition)
	sess.GET("/portfolio/:userID", s.getPortfolio)
	sess.GET("/leaderboard", s.leaderboard)

	sess.POST("/auctions", s.createAuction)
	sess.GET("/auctions/:auctionID", s.getAuction)
	sess.POST("/auctions/:auctionID/bids", s.placeBid)

	sess.POST("/commands", s.executeCommand)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr()))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
