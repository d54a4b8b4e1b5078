// Package analysis turns a call transcript into a summary, a follow-up date
// and the caller's notification preferences.
package analysis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/troikatech/callbridge/pkg/circuitbreaker"
	"github.com/troikatech/callbridge/pkg/metrics"
	"go.uber.org/zap"
)

// Result is the fixed-shape analysis outcome. The zero value means "no analysis".
type Result struct {
	Summary        string `json:"summary"`
	FollowUpDate   string `json:"follow_up_date,omitempty"`
	NotifyEmail    bool   `json:"notify_email"`
	NotifyWhatsApp bool   `json:"notify_whatsapp"`
	EmailAddress   string `json:"email_address,omitempty"`
	WhatsAppNumber string `json:"whatsapp_number,omitempty"`
}

// Model is the external language model. It returns the raw response text.
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Config struct {
	Timeout time.Duration
	Breaker circuitbreaker.Config
}

// Gateway never fails: every model error, timeout or unparseable response
// yields the zero Result.
type Gateway struct {
	model   Model
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	now     func() time.Time
	logger  *zap.Logger
}

func NewGateway(model Model, cfg Config, logger *zap.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = circuitbreaker.DefaultConfig()
	}
	return &Gateway{
		model:   model,
		timeout: cfg.Timeout,
		breaker: circuitbreaker.New(cfg.Breaker),
		now:     time.Now,
		logger:  logger,
	}
}

// Analyze extracts the result for transcript. When WhatsApp delivery is
// requested without a number, the call's own number is used.
func (g *Gateway) Analyze(ctx context.Context, transcript, defaultPhone string) Result {
	if strings.TrimSpace(transcript) == "" || g.model == nil {
		return Result{}
	}

	var raw string
	start := time.Now()
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		var err error
		raw, err = g.model.Generate(callCtx, buildPrompt(transcript, g.now()))
		return err
	})
	metrics.UpdateCircuitBreaker("gemini", int(g.breaker.GetState()))
	if err != nil {
		if !errors.Is(err, circuitbreaker.ErrOpen) {
			metrics.RecordServiceCall("gemini", false, time.Since(start))
		}
		g.logger.Warn("Transcript analysis failed, continuing without analysis", zap.Error(err))
		return Result{}
	}
	metrics.RecordServiceCall("gemini", true, time.Since(start))

	result, err := parseResponse(raw)
	if err != nil {
		g.logger.Warn("Unparseable analysis response", zap.Error(err), zap.Int("length", len(raw)))
		return Result{}
	}
	if result.NotifyWhatsApp && result.WhatsAppNumber == "" {
		result.WhatsAppNumber = defaultPhone
	}
	return result
}
