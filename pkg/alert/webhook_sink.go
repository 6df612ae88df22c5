package alert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cinevault/shield/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/valyala/fasthttp"
)

const webhookTimeout = 5 * time.Second

// WebhookSink forwards alerts to an external HTTP endpoint. A circuit
// breaker keeps a misbehaving receiver from burning a goroutine per alert:
// while the breaker is open, alerts are dropped and counted.
type WebhookSink struct {
	url     string
	headers map[string]string
	timeout time.Duration
	client  *fasthttp.Client
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
}

type WebhookOpts struct {
	Timeout time.Duration
	Headers map[string]string
}

func NewWebhookSink(url string, logger *logrus.Logger, opts *WebhookOpts) *WebhookSink {
	timeout := webhookTimeout
	var headers map[string]string
	if opts != nil {
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		headers = opts.Headers
	}
	settings := gobreaker.Settings{
		Name:        "alert-webhook",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("alert webhook breaker state changed")
		},
	}
	return &WebhookSink{
		url:     url,
		headers: headers,
		timeout: timeout,
		client:  &fasthttp.Client{ReadTimeout: timeout, WriteTimeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// Handle implements the bus Handler contract.
func (s *WebhookSink) Handle(a types.SecurityAlert) {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(a)
	})
	if err != nil {
		s.logger.WithError(err).WithField("alert_type", a.Type).
			Warn("failed to deliver alert webhook")
	}
}

func (s *WebhookSink) post(a types.SecurityAlert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	req.SetBody(body)

	if err := s.client.DoTimeout(req, resp, s.timeout); err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
