// Package httpapi is the administrative HTTP surface of the server: account
// registration and deletion, read-only roster and statistics views, health,
// and Prometheus metrics. It runs on its own TCP port, separate from the
// chat protocol listener.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jimchat/internal/auth"
	"jimchat/internal/store"
)

// Broadcaster lets the API tell the processor that rosters changed so every
// bound session receives a 205 reset.
type Broadcaster interface {
	InvalidateRosters()
}

// Server serves the admin API.
type Server struct {
	db   *store.Storage
	proc Broadcaster
	echo *echo.Echo
}

// New constructs the API server and registers all routes.
func New(db *store.Storage, proc Broadcaster) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("admin api request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &Server{db: db, proc: proc, echo: e}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/api/users", s.handleListUsers)
	s.echo.POST("/api/users", s.handleRegister)
	s.echo.DELETE("/api/users/:name", s.handleDelete)
	s.echo.GET("/api/users/active", s.handleActiveUsers)
	s.echo.GET("/api/history", s.handleLoginHistory)
	s.echo.GET("/api/stats", s.handleStats)
}

// Run starts the HTTP server on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin api server error", "err", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		slog.Error("admin api shutdown", "err", err)
	}
}

// Handler exposes the underlying HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// RegisterRequest is the body for POST /api/users.
type RegisterRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and password are required")
	}

	hash := auth.PasswordHash(name, req.Password)
	if err := s.db.Register(c.Request().Context(), name, hash); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return echo.NewHTTPError(http.StatusConflict, "account already exists")
		}
		return err
	}
	slog.Info("account registered", "account", name)
	s.proc.InvalidateRosters()
	return c.JSON(http.StatusCreated, map[string]string{"name": name})
}

func (s *Server) handleDelete(c echo.Context) error {
	name := c.Param("name")
	if err := s.db.Delete(c.Request().Context(), name); err != nil {
		if errors.Is(err, store.ErrNotRegistered) {
			return echo.NewHTTPError(http.StatusNotFound, "account not found")
		}
		return err
	}
	slog.Info("account deleted", "account", name)
	s.proc.InvalidateRosters()
	return c.NoContent(http.StatusNoContent)
}

// UserInfo is one entry in the GET /api/users response.
type UserInfo struct {
	Name      string    `json:"name"`
	LastLogin time.Time `json:"last_login"`
}

func (s *Server) handleListUsers(c echo.Context) error {
	users, err := s.db.AllUsers(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]UserInfo, 0, len(users))
	for _, u := range users {
		out = append(out, UserInfo{Name: u.Name, LastLogin: u.LastLogin})
	}
	return c.JSON(http.StatusOK, out)
}

// ActiveUserInfo is one entry in the GET /api/users/active response.
type ActiveUserInfo struct {
	Name      string    `json:"name"`
	IPAddress string    `json:"ip_address"`
	Port      int       `json:"port"`
	LoginTime time.Time `json:"login_time"`
}

func (s *Server) handleActiveUsers(c echo.Context) error {
	sessions, err := s.db.ActiveUsers(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]ActiveUserInfo, 0, len(sessions))
	for _, r := range sessions {
		out = append(out, ActiveUserInfo{Name: r.Name, IPAddress: r.IPAddress, Port: r.Port, LoginTime: r.LoginTime})
	}
	return c.JSON(http.StatusOK, out)
}

// LoginInfo is one entry in the GET /api/history response.
type LoginInfo struct {
	Name      string    `json:"name"`
	IPAddress string    `json:"ip_address"`
	Port      int       `json:"port"`
	DateTime  time.Time `json:"date_time"`
}

func (s *Server) handleLoginHistory(c echo.Context) error {
	records, err := s.db.LoginHistory(c.Request().Context(), c.QueryParam("name"))
	if err != nil {
		return err
	}
	out := make([]LoginInfo, 0, len(records))
	for _, r := range records {
		out = append(out, LoginInfo{Name: r.Name, IPAddress: r.IPAddress, Port: r.Port, DateTime: r.DateTime})
	}
	return c.JSON(http.StatusOK, out)
}

// StatsInfo is one entry in the GET /api/stats response.
type StatsInfo struct {
	Name      string    `json:"name"`
	LastLogin time.Time `json:"last_login"`
	Sent      int       `json:"sent"`
	Accepted  int       `json:"accepted"`
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.db.MessageHistory(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]StatsInfo, 0, len(stats))
	for _, r := range stats {
		out = append(out, StatsInfo{Name: r.Name, LastLogin: r.LastLogin, Sent: r.Sent, Accepted: r.Accepted})
	}
	return c.JSON(http.StatusOK, out)
}
