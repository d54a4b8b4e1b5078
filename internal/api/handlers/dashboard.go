package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troikatech/callbridge/internal/notify"
	"github.com/troikatech/callbridge/internal/records"
	"github.com/troikatech/callbridge/pkg/audit"
	apierrors "github.com/troikatech/callbridge/pkg/errors"
	"github.com/troikatech/callbridge/pkg/logger"
	"github.com/troikatech/callbridge/pkg/utils"
)

func (h *Handler) ListCalls(c *gin.Context) {
	pg, err := utils.ParsePagination(c)
	if err != nil {
		apierrors.BadRequest(c, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	page, err := h.store.List(ctx, pg.Page, pg.PageSize)
	if err != nil {
		apierrors.InternalError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) CallsSummary(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	summary, err := h.store.Summary(ctx)
	if err != nil {
		apierrors.InternalError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) GetCall(c *gin.Context) {
	rec, ok := h.loadCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DispatchCall re-runs notification delivery for channels that are still
// pending or failed. Channels already sent are skipped.
func (h *Handler) DispatchCall(c *gin.Context) {
	callID := c.Param("call_id")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()

	result, err := h.ingress.Redispatch(ctx, callID)
	if errors.Is(err, records.ErrNotFound) {
		apierrors.NotFound(c, "call not found")
		return
	}
	if err != nil {
		apierrors.InternalError(c, err, h.logger)
		return
	}
	h.recordAction(c, audit.ActionRedispatch, "call", callID, map[string]any{"attempts": len(result.Attempts)})
	h.logger.Info("Notifications re-dispatched", logger.CallID(callID), zap.Int("attempts", len(result.Attempts)))
	c.JSON(http.StatusOK, result)
}

func (h *Handler) CallSummaryPDF(c *gin.Context) {
	rec, ok := h.loadCall(c)
	if !ok {
		return
	}
	data, err := notify.RenderSummaryPDF(rec)
	if err != nil {
		apierrors.InternalError(c, err, h.logger)
		return
	}
	c.Header("Content-Disposition", `inline; filename="summary.pdf"`)
	c.Data(http.StatusOK, "application/pdf", data)
}

func (h *Handler) Brochure(c *gin.Context) {
	if h.cfg.BrochureFilePath == "" {
		apierrors.NotFound(c, "no brochure configured")
		return
	}
	c.File(h.cfg.BrochureFilePath)
}

// DashboardStream upgrades to a websocket that receives live call events.
func (h *Handler) DashboardStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade dashboard connection", zap.Error(err))
		return
	}
	h.hub.Serve(conn)
}

func (h *Handler) loadCall(c *gin.Context) (*records.CallRecord, bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rec, err := h.store.Get(ctx, c.Param("call_id"))
	if errors.Is(err, records.ErrNotFound) {
		apierrors.NotFound(c, "call not found")
		return nil, false
	}
	if err != nil {
		apierrors.InternalError(c, err, h.logger)
		return nil, false
	}
	return rec, true
}
