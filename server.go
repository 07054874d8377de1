package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Uranury/OpmGo/app"
	"github.com/Uranury/OpmGo/metrics"
	"github.com/Uranury/OpmGo/outlet"
)

type server struct {
	http *http.Server
}

func newServer(addr string, debug bool, hub *outlet.Hub, status *app.Status, registry *prometheus.Registry) *server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", hub.Handle)
	r.GET("/status", status.Handle)
	r.GET("/metrics", gin.WrapH(metrics.HTTPHandler(registry)))

	return &server{http: &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}}
}

func (s *server) serve(logger *slog.Logger) {
	logger.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server failed", "error", err)
	}
}

func (s *server) shutdown(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown", "error", err)
	}
}
