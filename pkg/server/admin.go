package server

import (
	"fmt"
	"time"

	"github.com/cinevault/shield/pkg/common"
	"github.com/cinevault/shield/pkg/config"
	"github.com/cinevault/shield/pkg/detector"
	"github.com/cinevault/shield/pkg/engine"
	"github.com/cinevault/shield/pkg/fingerprint"
	"github.com/cinevault/shield/pkg/incident"
	"github.com/cinevault/shield/pkg/policy"
	"github.com/cinevault/shield/pkg/rules"
	"github.com/cinevault/shield/pkg/server/middleware"
	"github.com/cinevault/shield/pkg/types"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type (
	AdminServerDI struct {
		Config         *config.Config
		Logger         *logrus.Logger
		Engine         *engine.Engine
		AuthMiddleware middleware.Middleware
		Registry       *prometheus.Registry
	}
	AdminServer struct {
		*BaseServer
		engine         *engine.Engine
		authMiddleware middleware.Middleware
		registry       *prometheus.Registry
	}
)

func NewAdminServer(di AdminServerDI) *AdminServer {
	return &AdminServer{
		BaseServer:     NewBaseServer(di.Config, di.Logger),
		engine:         di.Engine,
		authMiddleware: di.AuthMiddleware,
		registry:       di.Registry,
	}
}

func (s *AdminServer) Run() error {
	s.setupRoutes()
	s.setupHealthCheck(s.engine)
	s.setupMetricsEndpoint(s.registry)

	addr := fmt.Sprintf(":%d", s.Config.Server.AdminPort)
	s.Logger.WithField("addr", addr).Info("starting admin server")
	return s.Router.Listen(addr)
}

func (s *AdminServer) Shutdown() error {
	return s.Router.Shutdown()
}

func (s *AdminServer) setupRoutes() {
	v1 := s.Router.Group("/api/v1", s.authMiddleware.Middleware())
	{
		v1.Post("/attempts", s.reportAttempt)
		v1.Post("/requests", s.reportRequest)

		protectionRules := v1.Group("/rules")
		{
			protectionRules.Post("/protection", s.registerProtectionRule)
			protectionRules.Post("/ratelimit", s.registerRateRule)
		}

		v1.Get("/patterns", s.listPatterns)
		v1.Post("/patterns", s.registerPattern)

		v1.Get("/policies", s.listPolicies)
		v1.Post("/policies", s.registerPolicy)

		v1.Get("/alerts", s.listAlerts)

		incidents := v1.Group("/incidents")
		{
			incidents.Get("", s.listIncidents)
			incidents.Post("/:incident_id/resolve", s.resolveIncident)
			incidents.Post("/:incident_id/transition", s.transitionIncident)
		}

		blocks := v1.Group("/blocks")
		{
			blocks.Post("", s.createBlock)
			blocks.Delete("/:identifier", s.deleteBlock)
			blocks.Get("/:identifier", s.getBlock)
		}

		v1.Post("/reset", s.reset)

		challenges := v1.Group("/challenges")
		{
			challenges.Post("", s.issueChallenge)
			challenges.Post("/:identifier/verify", s.verifyChallenge)
		}

		v1.Post("/classify", s.classify)
		v1.Get("/threat", s.threatAssessment)
	}
}

type attemptRequest struct {
	Identifier      string `json:"identifier"`
	Endpoint        string `json:"endpoint"`
	Success         bool   `json:"success"`
	NetworkAddress  string `json:"network_address,omitempty"`
	ClientSignature string `json:"client_signature,omitempty"`
	UserID          string `json:"user_id,omitempty"`
}

func (s *AdminServer) reportAttempt(c *fiber.Ctx) error {
	var req attemptRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Identifier == "" {
		req.Identifier = c.Get(common.IdentifierHeader)
	}
	if req.UserID == "" {
		req.UserID = c.Get(common.UserIDHeader)
	}
	if req.Identifier == "" || req.Endpoint == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "identifier and endpoint are required"})
	}

	signature := req.ClientSignature
	meta := types.Metadata{
		NetworkAddress: req.NetworkAddress,
		UserID:         req.UserID,
	}
	if ua := c.Get(fiber.HeaderUserAgent); signature == "" && ua != "" {
		signature = fingerprint.Signature(ua)
		if fingerprint.IsBot(ua) {
			meta.Extra = map[string]string{"bot": "true"}
		}
	}
	meta.ClientSignature = signature

	decision := s.engine.ReportAttempt(c.Context(), req.Identifier, req.Endpoint, req.Success, meta)
	status := fiber.StatusOK
	if decision.Blocked {
		status = fiber.StatusTooManyRequests
	}
	return c.Status(status).JSON(decision)
}

type rateRequest struct {
	Identifier string `json:"identifier"`
	Endpoint   string `json:"endpoint"`
	Success    bool   `json:"success"`
}

func (s *AdminServer) reportRequest(c *fiber.Ctx) error {
	var req rateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Identifier == "" {
		req.Identifier = c.Get(common.IdentifierHeader)
	}
	if req.Identifier == "" || req.Endpoint == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "identifier and endpoint are required"})
	}

	decision := s.engine.ReportRequest(c.Context(), req.Identifier, req.Endpoint, req.Success)
	status := fiber.StatusOK
	if decision.Blocked {
		status = fiber.StatusTooManyRequests
	}
	return c.Status(status).JSON(decision)
}

type protectionRuleRequest struct {
	Endpoint string `json:"endpoint"`
	Pattern  string `json:"pattern"`

	MaxAttempts             int      `json:"max_attempts"`
	TimeWindow              string   `json:"time_window"`
	LockoutDuration         string   `json:"lockout_duration"`
	ProgressiveDelayEnabled bool     `json:"progressive_delay_enabled"`
	CaptchaThreshold        int      `json:"captcha_threshold"`
	AlertThreshold          int      `json:"alert_threshold"`
	WhitelistedAddresses    []string `json:"whitelisted_addresses"`
}

func (s *AdminServer) registerProtectionRule(c *fiber.Ctx) error {
	var req protectionRuleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	matcher, err := matcherFrom(req.Pattern, req.Endpoint)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	window, err := time.ParseDuration(req.TimeWindow)
	if err != nil || window <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid time_window"})
	}
	lockout, err := time.ParseDuration(req.LockoutDuration)
	if err != nil || lockout <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid lockout_duration"})
	}
	if req.MaxAttempts <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "max_attempts must be positive"})
	}

	s.engine.RegisterProtectionRule(matcher, rules.ProtectionConfig{
		MaxAttempts:             req.MaxAttempts,
		TimeWindow:              window,
		LockoutDuration:         lockout,
		ProgressiveDelayEnabled: req.ProgressiveDelayEnabled,
		CaptchaThreshold:        req.CaptchaThreshold,
		AlertThreshold:          req.AlertThreshold,
		WhitelistedAddresses:    req.WhitelistedAddresses,
	})
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "registered"})
}

type rateRuleRequest struct {
	Endpoint string `json:"endpoint"`
	Pattern  string `json:"pattern"`

	Window            string `json:"window"`
	MaxRequests       int    `json:"max_requests"`
	SkipSuccessful    bool   `json:"skip_successful"`
	SkipFailed        bool   `json:"skip_failed"`
	AdaptiveEnabled   bool   `json:"adaptive_enabled"`
	AdaptiveThreshold int    `json:"adaptive_threshold"`
}

func (s *AdminServer) registerRateRule(c *fiber.Ctx) error {
	var req rateRuleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	matcher, err := matcherFrom(req.Pattern, req.Endpoint)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	window, err := time.ParseDuration(req.Window)
	if err != nil || window <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid window"})
	}
	if req.MaxRequests <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "max_requests must be positive"})
	}

	s.engine.RegisterRateRule(matcher, rules.RateLimitConfig{
		Window:            window,
		MaxRequests:       req.MaxRequests,
		SkipSuccessful:    req.SkipSuccessful,
		SkipFailed:        req.SkipFailed,
		AdaptiveEnabled:   req.AdaptiveEnabled,
		AdaptiveThreshold: req.AdaptiveThreshold,
	})
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "registered"})
}

func matcherFrom(pattern, endpoint string) (rules.EndpointMatcher, error) {
	if pattern != "" {
		return rules.Pattern(pattern)
	}
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint or pattern is required")
	}
	return rules.Exact(endpoint), nil
}

type patternRequest struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Threshold int    `json:"threshold"`
	Window    string `json:"window"`
	Action    string `json:"action"`
}

func (s *AdminServer) registerPattern(c *fiber.Ctx) error {
	var req patternRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	window, err := time.ParseDuration(req.Window)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid window"})
	}

	if err := s.engine.RegisterPattern(detector.Pattern{
		Name:      req.Name,
		Type:      req.Type,
		Threshold: req.Threshold,
		Window:    window,
		Action:    req.Action,
	}); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "registered"})
}

func (s *AdminServer) listPatterns(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(s.engine.Patterns())
}

func (s *AdminServer) registerPolicy(c *fiber.Ctx) error {
	var p policy.Policy
	if err := c.BodyParser(&p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if p.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "policy name is required"})
	}
	s.engine.RegisterPolicy(p)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "registered"})
}

func (s *AdminServer) listPolicies(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(s.engine.Policies())
}

func (s *AdminServer) listAlerts(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	return c.Status(fiber.StatusOK).JSON(s.engine.RecentAlerts(limit))
}

func (s *AdminServer) listIncidents(c *fiber.Ctx) error {
	status := incident.Status(c.Query("status"))
	return c.Status(fiber.StatusOK).JSON(s.engine.Incidents(status))
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (s *AdminServer) resolveIncident(c *fiber.Ctx) error {
	var req resolveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if !s.engine.ResolveIncident(c.Params("incident_id"), req.Resolution) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "incident not found or already closed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "resolved"})
}

type transitionRequest struct {
	Status string `json:"status"`
}

func (s *AdminServer) transitionIncident(c *fiber.Ctx) error {
	var req transitionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if !s.engine.TransitionIncident(c.Params("incident_id"), incident.Status(req.Status)) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invalid transition"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": req.Status})
}

type blockRequest struct {
	Identifier string `json:"identifier"`
	Duration   string `json:"duration"`
	Reason     string `json:"reason"`
}

func (s *AdminServer) createBlock(c *fiber.Ctx) error {
	var req blockRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Identifier == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "identifier is required"})
	}
	duration, err := time.ParseDuration(req.Duration)
	if err != nil || duration <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid duration"})
	}

	if err := s.engine.ManualBlock(c.Context(), req.Identifier, duration, req.Reason); err != nil {
		s.Logger.WithError(err).Error("manual block failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "block failed"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "blocked"})
}

func (s *AdminServer) deleteBlock(c *fiber.Ctx) error {
	if err := s.engine.Unblock(c.Context(), c.Params("identifier")); err != nil {
		s.Logger.WithError(err).Error("unblock failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "unblock failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "unblocked"})
}

func (s *AdminServer) getBlock(c *fiber.Ctx) error {
	remaining, blocked := s.engine.IsBlocked(c.Context(), c.Params("identifier"))
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"blocked":           blocked,
		"remaining_seconds": int64(remaining.Seconds()),
	})
}

type resetRequest struct {
	Identifier string `json:"identifier"`
	Endpoint   string `json:"endpoint"`
}

func (s *AdminServer) reset(c *fiber.Ctx) error {
	var req resetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Identifier == "" || req.Endpoint == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "identifier and endpoint are required"})
	}
	s.engine.Reset(req.Identifier, req.Endpoint)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "reset"})
}

type challengeRequest struct {
	Identifier string `json:"identifier"`
	Type       string `json:"type"`
}

func (s *AdminServer) issueChallenge(c *fiber.Ctx) error {
	var req challengeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Identifier == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "identifier is required"})
	}
	if req.Type == "" {
		req.Type = "standard"
	}
	return c.Status(fiber.StatusCreated).JSON(s.engine.IssueChallenge(req.Identifier, req.Type))
}

type verifyRequest struct {
	Response string `json:"response"`
}

func (s *AdminServer) verifyChallenge(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	ok := s.engine.VerifyChallenge(c.Params("identifier"), req.Response)
	if !ok {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"verified": false})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"verified": true})
}

type classifyRequest struct {
	Input string `json:"input"`
}

func (s *AdminServer) classify(c *fiber.Ctx) error {
	var req classifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	return c.Status(fiber.StatusOK).JSON(s.engine.Classify(req.Input))
}

func (s *AdminServer) threatAssessment(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(s.engine.ThreatAssessment())
}
