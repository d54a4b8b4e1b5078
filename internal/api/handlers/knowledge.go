package handlers

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troikatech/callbridge/internal/broadcast"
	"github.com/troikatech/callbridge/pkg/audit"
	apierrors "github.com/troikatech/callbridge/pkg/errors"
)

// MaxKnowledgeFileBytes caps a single knowledge base upload.
const MaxKnowledgeFileBytes = 50 << 20

var allowedKnowledgeExts = map[string]bool{
	".pdf":  true,
	".txt":  true,
	".docx": true,
	".html": true,
	".epub": true,
	".md":   true,
}

type KnowledgeUploadResponse struct {
	Success    bool   `json:"success"`
	DocumentID string `json:"document_id"`
	Name       string `json:"name"`
	RAGStatus  string `json:"rag_status,omitempty"`
}

// UploadKnowledge adds a document to the agent's knowledge base, indexes it
// for retrieval and attaches it to the agent.
func (h *Handler) UploadKnowledge(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		apierrors.BadRequest(c, "file is required")
		return
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowedKnowledgeExts[ext] {
		apierrors.BadRequest(c, "unsupported file type "+ext)
		return
	}
	if file.Size > MaxKnowledgeFileBytes {
		apierrors.PayloadTooLarge(c, "file exceeds 50MB")
		return
	}

	src, err := file.Open()
	if err != nil {
		apierrors.InternalError(c, err, h.logger)
		return
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()

	doc, err := h.knowledge.UploadDocument(ctx, file.Filename, src)
	if err != nil {
		apierrors.UpstreamError(c, err, h.logger, "elevenlabs")
		return
	}

	if doc.Name == "" {
		doc.Name = file.Filename
	}

	status, err := h.knowledge.ComputeRAGIndex(ctx, doc.ID)
	if err != nil {
		// Indexing can be retried from the provider console; the document
		// itself is already stored.
		h.logger.Warn("RAG indexing failed", zap.String("document_id", doc.ID), zap.Error(err))
	}

	if err := h.knowledge.AttachDocument(ctx, doc); err != nil {
		apierrors.UpstreamError(c, err, h.logger, "elevenlabs")
		return
	}

	h.recordAction(c, audit.ActionKnowledgeUpload, "document", doc.ID, map[string]any{"name": doc.Name, "size": file.Size})
	h.logger.Info("Knowledge base document uploaded",
		zap.String("document_id", doc.ID),
		zap.String("name", doc.Name),
		zap.Int64("size", file.Size),
	)
	if h.hub != nil {
		h.hub.Publish(broadcast.EventKnowledgeBaseUpload, gin.H{"document_id": doc.ID, "name": doc.Name})
	}

	c.JSON(http.StatusOK, KnowledgeUploadResponse{
		Success:    true,
		DocumentID: doc.ID,
		Name:       doc.Name,
		RAGStatus:  status.Status,
	})
}
