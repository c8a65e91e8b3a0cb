// Package server is the admin HTTP surface of a rangectl daemon.
//
// Ownership boundary:
// - session start/stop request validation
// - bearer-token gating of mutating routes
// - health, readiness and metrics endpoints
//
// Session state lives behind SessionController; handlers never touch it directly.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/rangectl/internal/auth"
	"github.com/danmuck/rangectl/internal/distance"
	"github.com/danmuck/rangectl/internal/hci"
	"github.com/danmuck/rangectl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSession = errors.New("server: unknown session")
	ErrNotReady       = errors.New("server: backend not ready")
)

// SessionController drives distance measurement on behalf of admin requests.
type SessionController interface {
	Sessions(ctx context.Context) ([]distance.SessionInfo, error)
	Start(remote hci.Address, handle uint16, role hci.Role, intervalMs uint16, method distance.Method) error
	Stop(handle uint16) error
	Ready() bool
}

type Admin struct {
	ID       string
	Appeared time.Time

	ctl    SessionController
	router *gin.Engine
}

// New builds the admin router. A nil validator leaves mutating routes open.
func New(id string, corsOrigins []string, ctl SessionController, validator auth.Validator) *Admin {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	if validator != nil {
		r.Use(auth.RequireToken(validator))
	}

	a := &Admin{
		ID:       id,
		Appeared: time.Now(),
		ctl:      ctl,
		router:   r,
	}
	a.RegisterRoutes()
	return a
}

func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

// Serve listens on addr until ctx ends.
func (a *Admin) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("id", a.ID).Str("addr", ln.Addr().String()).Msg("server.Admin.serve listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
