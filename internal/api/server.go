// Package api — HTTP-интерфейс к платёжному процессору для внутренних
// сервисов (генераторы изображений и видео списывают и возвращают звёзды).
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/starsbot/internal/features/payments"
	"serotonyl.ru/starsbot/internal/metrics"
)

// Server — HTTP-сервер API.
type Server struct {
	http *http.Server
}

// Deps — зависимости роутера.
type Deps struct {
	Processor *payments.Processor
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer // nil — prometheus.DefaultGatherer
	Token     string              // пусто — /v1 закрыт
}

// NewRouter собирает gin-роутер.
func NewRouter(d Deps) *gin.Engine {
	if d.Metrics == nil {
		d.Metrics = metrics.NewNop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), observe(d.Metrics))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "tenant": d.Processor.Tenant()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	h := &handlers{processor: d.Processor}
	v1 := r.Group("/v1", bearerAuth(d.Token))
	v1.GET("/users/:id/balance", h.balance)
	v1.GET("/users/:id/records", h.records)
	v1.POST("/payments", h.process)
	v1.POST("/refunds", h.refund)
	v1.POST("/renewals", h.renew)

	return r
}

// NewServer создаёт сервер на addr.
func NewServer(addr string, d Deps) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(d),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start слушает порт. Блокирует до Shutdown.
func (s *Server) Start() error {
	log.WithField("addr", s.http.Addr).Info("HTTP API запущен")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown дожидается текущих запросов.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
