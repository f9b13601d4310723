// Package dashboard serves the local status page: health, session status,
// call actions, a live alert stream and Prometheus metrics.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zulandar/waypost/internal/alert"
	"github.com/zulandar/waypost/internal/models"
	"github.com/zulandar/waypost/internal/session"
)

// DefaultHeartbeat is the SSE keep-alive interval.
const DefaultHeartbeat = 15 * time.Second

// Backend is the running session the dashboard reports on.
type Backend interface {
	Status() session.Status
	AcceptCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	RecentCalls(ctx context.Context, limit int) ([]models.CallLog, error)
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Backend   Backend
	Alerts    *alert.Broadcaster  // optional; /events only sends heartbeats without it
	Gatherer  prometheus.Gatherer // optional; defaults to prometheus.DefaultGatherer
	Port      int
	Heartbeat time.Duration // defaults to DefaultHeartbeat
	Out       io.Writer
}

// NewRouter builds the Gin engine with every dashboard route.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("dashboard: backend is required")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
