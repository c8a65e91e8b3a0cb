package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/rangectl/internal/distance"
	"github.com/danmuck/rangectl/internal/hci"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartRequest is the body of POST /sessions.
type StartRequest struct {
	Remote     string `json:"remote"`
	Handle     uint16 `json:"handle"`
	Role       string `json:"role"`
	IntervalMs uint16 `json:"interval_ms"`
	Method     string `json:"method"`
}

func (a *Admin) RegisterRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Appeared).String(),
			"service": a.ID,
			"version": "0.0.1",
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		ready := a.ctl.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"uptime":  time.Since(a.Appeared).String(),
			"service": a.ID,
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/sessions", func(c *gin.Context) {
		sessions, err := a.ctl.Sessions(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if sessions == nil {
			sessions = []distance.SessionInfo{}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	a.router.POST("/sessions", func(c *gin.Context) {
		var req StartRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		remote, err := hci.ParseAddress(req.Remote)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		role, err := hci.ParseRole(req.Role)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		method, err := distance.ParseMethod(req.Method)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.IntervalMs == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "interval_ms is required"})
			return
		}
		if err := a.ctl.Start(remote, req.Handle, role, req.IntervalMs, method); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"status": "starting",
			"remote": remote.String(),
			"handle": req.Handle,
			"method": method.String(),
		})
	})

	a.router.DELETE("/sessions/:handle", func(c *gin.Context) {
		handle, err := strconv.ParseUint(c.Param("handle"), 0, 16)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid handle"})
			return
		}
		if err := a.ctl.Stop(uint16(handle)); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "stopping", "handle": handle})
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
