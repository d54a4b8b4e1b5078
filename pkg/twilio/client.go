package twilio

import (
	"context"
	"fmt"
	"time"

	"github.com/troikatech/callbridge/pkg/metrics"
	"github.com/troikatech/callbridge/pkg/otel"
	"github.com/troikatech/callbridge/pkg/utils"
	twiliosdk "github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// restAPI is the subset of the Twilio 2010 API the client uses.
type restAPI interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

type Config struct {
	AccountSID     string
	AuthToken      string
	PhoneNumber    string
	WhatsAppNumber string
	// CallsPerSecond paces outbound call creation. Zero disables pacing.
	CallsPerSecond float64
}

type Client struct {
	api            restAPI
	phoneNumber    string
	whatsAppNumber string
	limiter        *rate.Limiter
	logger         *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	rest := twiliosdk.NewRestClientWithParams(twiliosdk.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newClient(rest.Api, cfg, logger)
}

func newClient(rest restAPI, cfg Config, logger *zap.Logger) *Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.CallsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), 1)
	}
	return &Client{
		api:            rest,
		phoneNumber:    cfg.PhoneNumber,
		whatsAppNumber: cfg.WhatsAppNumber,
		limiter:        limiter,
		logger:         logger,
	}
}

type InitiateCallRequest struct {
	To string
	// TwiMLURL is fetched by Twilio once the callee answers.
	TwiMLURL string
}

// InitiateCall places an outbound call and returns its call SID.
func (c *Client) InitiateCall(ctx context.Context, req InitiateCallRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("call pacing: %w", err)
	}

	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(c.phoneNumber)
	params.SetUrl(req.TwiMLURL)

	call, err := invoke(ctx, "create_call", func() (*api.ApiV2010Call, error) {
		return c.api.CreateCall(params)
	})
	if err != nil {
		return "", fmt.Errorf("twilio create call: %w", err)
	}
	if call.Sid == nil || *call.Sid == "" {
		return "", fmt.Errorf("twilio create call: response carries no sid")
	}

	c.logger.Info("Outbound call created",
		zap.String("call_sid", *call.Sid),
		zap.String("to", utils.MaskPhoneNumber(req.To)),
	)
	return *call.Sid, nil
}

// EndCall hangs up a live call.
func (c *Client) EndCall(ctx context.Context, callSID string) error {
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")

	_, err := invoke(ctx, "end_call", func() (*api.ApiV2010Call, error) {
		return c.api.UpdateCall(callSID, params)
	})
	if err != nil {
		return fmt.Errorf("twilio end call %s: %w", callSID, err)
	}
	return nil
}

// SendWhatsApp sends a WhatsApp message and returns the message SID.
// mediaURL must be publicly fetchable; empty sends text only.
func (c *Client) SendWhatsApp(ctx context.Context, to, body, mediaURL string) (string, error) {
	if c.whatsAppNumber == "" {
		return "", fmt.Errorf("whatsapp sender number is not configured")
	}

	params := &api.CreateMessageParams{}
	params.SetFrom(utils.WhatsAppAddress(c.whatsAppNumber))
	params.SetTo(utils.WhatsAppAddress(to))
	params.SetBody(body)
	if mediaURL != "" {
		params.SetMediaUrl([]string{mediaURL})
	}

	msg, err := invoke(ctx, "send_whatsapp", func() (*api.ApiV2010Message, error) {
		return c.api.CreateMessage(params)
	})
	if err != nil {
		return "", fmt.Errorf("twilio send whatsapp: %w", err)
	}
	if msg.Sid == nil || *msg.Sid == "" {
		return "", fmt.Errorf("twilio send whatsapp: response carries no sid")
	}
	return *msg.Sid, nil
}

// invoke runs a blocking SDK call and gives up when ctx ends first. The SDK
// has its own HTTP timeout, so an abandoned call still finishes.
func invoke[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	var out T
	err := otel.WithProviderSpan(ctx, "twilio", op, func(ctx context.Context) error {
		start := time.Now()
		done := make(chan result, 1)
		go func() {
			v, err := fn()
			done <- result{value: v, err: err}
		}()

		select {
		case r := <-done:
			metrics.RecordServiceCall("twilio_"+op, r.err == nil, time.Since(start))
			out = r.value
			return r.err
		case <-ctx.Done():
			metrics.RecordServiceCall("twilio_"+op, false, time.Since(start))
			return ctx.Err()
		}
	})
	return out, err
}
