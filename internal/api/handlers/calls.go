package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troikatech/callbridge/internal/callindex"
	"github.com/troikatech/callbridge/internal/session"
	"github.com/troikatech/callbridge/pkg/audit"
	apierrors "github.com/troikatech/callbridge/pkg/errors"
	"github.com/troikatech/callbridge/pkg/logger"
	"github.com/troikatech/callbridge/pkg/twilio"
	"github.com/troikatech/callbridge/pkg/utils"
)

// Custom parameters carried from TwiML into the media stream start event.
const (
	paramClientName  = "client_name"
	paramPhoneNumber = "phone_number"
)

type InitiateCallRequest struct {
	Number     string `json:"number" binding:"required"`
	ClientName string `json:"client_name"`
}

type InitiateCallResponse struct {
	Success bool   `json:"success"`
	CallSID string `json:"call_sid"`
	Message string `json:"message"`
}

// InitiateCall places an outbound call that connects to the voice agent once
// answered.
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.BadRequest(c, err.Error())
		return
	}

	number := utils.NormalizePhone(req.Number)
	if !utils.ValidateE164(number) {
		apierrors.BadRequest(c, "number must be in E.164 format")
		return
	}
	name := req.ClientName
	if name == "" {
		name = "Unknown"
	}

	query := url.Values{}
	query.Set(paramClientName, name)
	query.Set(paramPhoneNumber, number)
	twimlURL := h.cfg.PublicBaseURL + "/outbound-call-twiml?" + query.Encode()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	callSID, err := h.calls.InitiateCall(ctx, twilio.InitiateCallRequest{To: number, TwiMLURL: twimlURL})
	if err != nil {
		apierrors.UpstreamError(c, err, h.logger, "twilio")
		return
	}

	if err := h.index.Put(ctx, callindex.Metadata{CallSID: callSID, ClientName: name, PhoneNumber: number}); err != nil {
		// The stream start event carries the same values, so a missing
		// entry only degrades the post-call lookup.
		h.logger.Warn("Failed to index call metadata", logger.CallSID(callSID), zap.Error(err))
	}

	h.recordAction(c, audit.ActionInitiateCall, "call", callSID, nil)
	h.logger.Info("Outbound call initiated",
		logger.CallSID(callSID),
		logger.MaskPhone("to", number),
	)
	c.JSON(http.StatusOK, InitiateCallResponse{Success: true, CallSID: callSID, Message: "Call initiated"})
}

// OutboundCallTwiML answers Twilio's fetch for the call instructions.
func (h *Handler) OutboundCallTwiML(c *gin.Context) {
	params := map[string]string{
		paramClientName:  c.Query(paramClientName),
		paramPhoneNumber: c.Query(paramPhoneNumber),
	}
	if c.Request.Method == http.MethodPost {
		if v := c.PostForm(paramClientName); v != "" {
			params[paramClientName] = v
		}
		if v := c.PostForm(paramPhoneNumber); v != "" {
			params[paramPhoneNumber] = v
		}
	}

	doc, err := twilio.ConnectStreamTwiML(h.cfg.MediaStreamURL(), params)
	if err != nil {
		apierrors.InternalError(c, err, h.logger)
		return
	}
	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(doc))
}

// OutboundMediaStream bridges one Twilio media stream to a new agent
// conversation and blocks until the session ends.
func (h *Handler) OutboundMediaStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade media stream", zap.Error(err))
		return
	}

	stream := twilio.NewMediaStream(conn, twilio.StreamOptions{})
	start, err := stream.AwaitStart()
	if err != nil {
		h.logger.Warn("Media stream closed before start", zap.Error(err))
		_ = stream.Close()
		return
	}

	params := session.StartParams{
		CallSID:     start.CallSID,
		StreamSID:   start.StreamSID,
		ClientName:  start.CustomParameters[paramClientName],
		PhoneNumber: start.CustomParameters[paramPhoneNumber],
	}
	if params.ClientName == "" || params.PhoneNumber == "" {
		lookupCtx, cancel := context.WithTimeout(h.baseCtx, 2*time.Second)
		meta, ok, err := h.index.ByCallSID(lookupCtx, start.CallSID)
		cancel()
		if err != nil {
			h.logger.Warn("Call index lookup failed", logger.CallSID(start.CallSID), zap.Error(err))
		}
		if ok {
			if params.ClientName == "" {
				params.ClientName = meta.ClientName
			}
			if params.PhoneNumber == "" {
				params.PhoneNumber = meta.PhoneNumber
			}
		}
	}

	// Hijacked connections do not see shutdown through the request context.
	outcome, err := h.coordinator.Run(h.baseCtx, session.TwilioLeg(stream), params)
	if err != nil && !errors.Is(err, session.ErrStartFailed) {
		h.logger.Warn("Session ended with error", logger.CallSID(start.CallSID), zap.Error(err))
	}
	h.logger.Debug("Media stream handler finished",
		logger.CallSID(outcome.CallSID),
		zap.Stringer("state", outcome.State),
	)
}
