// Package admin serves the host's local HTTP endpoints: health, prometheus
// metrics and read-only views of the inventory, links and claims.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/reglet-dev/latticed/internal/application/dto"
)

// Source is the read side of the control service.
type Source interface {
	Inventory(ctx context.Context) (*dto.Inventory, error)
	Links() dto.LinksResponse
	Claims(ctx context.Context) (dto.ClaimsResponse, error)
	Uptime() dto.UptimeResponse
}

// Server is the admin HTTP server.
type Server struct {
	source   Source
	gatherer prometheus.Gatherer
	engine   *gin.Engine
	http     *http.Server
}

// NewServer builds the router. A nil gatherer serves the default registry.
func NewServer(source Source, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(slog.Default()))

	s := &Server{
		source:   source,
		gatherer: gatherer,
		engine:   r,
		http:     &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second},
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		up := s.source.Uptime()
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"host_id": up.HostID,
			"uptime":  up.UptimeHuman,
		})
	})

	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	s.engine.GET("/inventory", func(c *gin.Context) {
		inv, err := s.source.Inventory(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, inv)
	})

	s.engine.GET("/links", func(c *gin.Context) {
		resp := s.source.Links()
		if actorID := c.Query("actor_id"); actorID != "" {
			filtered := resp.Links[:0:0]
			for _, def := range resp.Links {
				if def.ActorID == actorID {
					filtered = append(filtered, def)
				}
			}
			resp.Links = filtered
		}
		c.JSON(http.StatusOK, resp)
	})

	s.engine.GET("/claims", func(c *gin.Context) {
		claims, err := s.source.Claims(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, claims)
	})
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	slog.Info("admin server listening", "addr", l.Addr().String())
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		level := slog.LevelDebug
		if status := c.Writer.Status(); status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}
		logger.LogAttrs(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
