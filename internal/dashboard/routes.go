package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/waypost/internal/call"
	"github.com/zulandar/waypost/internal/session"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth())
	router.GET("/status", handleStatus(opts.Backend))
	router.GET("/calls", handleCalls(opts.Backend))
	router.POST("/call/accept", handleCallAction(opts.Backend.AcceptCall))
	router.POST("/call/reject", handleCallAction(opts.Backend.RejectCall))
	router.GET("/events", handleSSE(opts.Alerts, opts.Heartbeat))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleStatus(b Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, b.Status())
	}
}

func handleCalls(b Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		calls, err := b.RecentCalls(c.Request.Context(), limit)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"calls": calls})
	}
}

// handleCallAction answers the ringing call with accept or reject.
func handleCallAction(action func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := action(c.Request.Context()); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// statusFor maps session and signaling errors to HTTP status codes.
func statusFor(err error) int {
	var sig *call.SignalingError
	switch {
	case errors.Is(err, session.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, call.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &sig):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
