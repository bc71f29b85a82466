package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trncs/relayerd/log"
	"github.com/trncs/relayerd/relay"
)

const shutdownTimeout = 5 * time.Second

// Server exposes the daemon's liveness probe and Prometheus metrics. The
// probe reports healthy only while the watched checkpoint keeps advancing;
// services without a checkpoint pass an empty key and always report healthy.
type Server struct {
	addr   string
	store  relay.CheckpointStore
	key    string
	logger *log.RelayLogger

	mu      sync.Mutex
	checker *relay.HealthChecker
}

func New(addr string, store relay.CheckpointStore, key string, logger *log.RelayLogger) *Server {
	return &Server{addr: addr, store: store, key: key, logger: logger}
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: s.addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("serving health and metrics", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// healthChecker builds the checker on first use. The checkpoint appears only
// after the service's first commit, so probes served before that fail.
func (s *Server) healthChecker(ctx context.Context) (*relay.HealthChecker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checker != nil {
		return s.checker, nil
	}
	checker, err := relay.NewHealthChecker(ctx, s.store, s.key)
	if err != nil {
		return nil, err
	}
	s.checker = checker
	return checker, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.key == "" {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	checker, err := s.healthChecker(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	height, progressed, err := checker.Check(c.Request.Context())
	if err != nil {
		s.logger.ErrorWithStack("health probe failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	if !progressed {
		c.JSON(http.StatusBadRequest, gin.H{
			"height": height,
			"error":  gin.H{"message": "height has not increased since last check"},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"height": height})
}
