package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troikatech/callbridge/internal/ingress"
	apierrors "github.com/troikatech/callbridge/pkg/errors"
	"github.com/troikatech/callbridge/pkg/logger"
	"github.com/troikatech/callbridge/pkg/twilio"
)

const (
	HeaderSignature = "ElevenLabs-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderTwilioSig = "X-Twilio-Signature"
)

// CallComplete receives the post-call webhook. The raw body is kept intact
// because the signature covers its exact bytes.
func (h *Handler) CallComplete(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		apierrors.PayloadTooLarge(c, "request body could not be read")
		return
	}

	outcome, err := h.ingress.HandleCallComplete(c.Request.Context(), body,
		c.GetHeader(HeaderSignature), c.GetHeader(HeaderTimestamp))
	switch {
	case errors.Is(err, ingress.ErrAuthentication):
		apierrors.Unauthorized(c, "invalid webhook signature")
		return
	case errors.Is(err, ingress.ErrMalformedPayload):
		apierrors.BadRequest(c, err.Error())
		return
	case err != nil:
		apierrors.InternalError(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// WhatsAppResponse handles inbound WhatsApp replies. Twilio retries on any
// non-2xx answer, so failures are reported to the sender in TwiML instead.
func (h *Handler) WhatsAppResponse(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		h.logger.Warn("Unreadable WhatsApp webhook form", zap.Error(err))
		h.replyTwiML(c, ingress.ReplyPrompt)
		return
	}
	form := c.Request.PostForm

	if h.twilioValidator != nil && h.twilioValidator.Enabled() {
		fullURL := h.cfg.PublicBaseURL + c.Request.URL.RequestURI()
		if !h.twilioValidator.Validate(fullURL, form, c.GetHeader(HeaderTwilioSig)) {
			h.logger.Warn("Rejected WhatsApp webhook with invalid signature")
			apierrors.Forbidden(c, "invalid twilio signature")
			return
		}
	}

	from := form.Get("From")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	reply, err := h.ingress.HandleInboundReply(ctx, from, form.Get("Body"))
	if err != nil {
		h.logger.Error("Failed to apply WhatsApp reply", logger.MaskPhone("from", from), zap.Error(err))
		reply = ingress.ReplyPrompt
	}
	h.replyTwiML(c, reply)
}

func (h *Handler) replyTwiML(c *gin.Context, reply string) {
	doc, err := twilio.MessageTwiML(reply)
	if err != nil {
		apierrors.InternalError(c, err, h.logger)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(doc))
}
