package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/cinevault/shield/pkg/config"
	"github.com/cinevault/shield/pkg/threat"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Server is the common behavior for all servers.
type Server interface {
	Run() error
	Shutdown() error
}

// HealthSource reports the engine's aggregate health for the health
// endpoint.
type HealthSource interface {
	ThreatAssessment() threat.Assessment
}

type BaseServer struct {
	Config *config.Config
	Logger *logrus.Logger
	Router *fiber.App

	metricsStarted bool
}

func NewBaseServer(cfg *config.Config, logger *logrus.Logger) *BaseServer {
	r := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReduceMemoryUsage:     true,
		Network:               fiber.NetworkTCP,
		EnablePrintRoutes:     false,
		BodyLimit:             1 * 1024 * 1024,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
	})

	r.Server().NoDefaultServerHeader = true
	r.Server().NoDefaultDate = true
	r.Server().NoDefaultContentType = true

	r.Use(recover.New())

	return &BaseServer{
		Config: cfg,
		Logger: logger,
		Router: r,
	}
}

// setupHealthCheck exposes health derived from the threat aggregator: a
// critical threat posture surfaces as 503 so load balancers can shed.
func (s *BaseServer) setupHealthCheck(health HealthSource) {
	s.Router.Get("/health", func(ctx *fiber.Ctx) error {
		assessment := health.ThreatAssessment()
		status := fiber.StatusOK
		if assessment.Health == threat.HealthCritical {
			status = fiber.StatusServiceUnavailable
		}
		return ctx.Status(status).JSON(fiber.Map{
			"status":       string(assessment.Health),
			"threat_level": string(assessment.Level),
			"time":         time.Now().Format(time.RFC3339),
		})
	})
}

// setupMetricsEndpoint serves the custom registry on its own port.
func (s *BaseServer) setupMetricsEndpoint(registry *prometheus.Registry) {
	if registry == nil || s.metricsStarted {
		return
	}
	s.metricsStarted = true

	metricsApp := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	metricsApp.Use(recover.New())

	metricsApp.Get("/metrics", func(c *fiber.Ctx) error {
		handler := fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		)
		handler(c.Context())
		return nil
	})

	go func() {
		addr := fmt.Sprintf(":%d", s.Config.Server.MetricsPort)
		if err := metricsApp.Listen(addr); err != nil {
			if !strings.Contains(err.Error(), "address already in use") {
				s.Logger.WithError(err).Error("failed to start metrics server")
			}
		}
	}()
}
