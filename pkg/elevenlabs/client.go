// Package elevenlabs talks to the ElevenLabs Conversational AI API: signed
// conversation URLs, the conversation websocket and the agent knowledge base.
package elevenlabs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/troikatech/callbridge/pkg/metrics"
	"github.com/troikatech/callbridge/pkg/otel"
	"go.uber.org/zap"
)

// ErrSignedURL marks a failure to obtain a signed conversation URL.
var ErrSignedURL = errors.New("elevenlabs signed url unavailable")

// RAGEmbeddingModel is used when indexing knowledge base documents.
const RAGEmbeddingModel = "e5_mistral_7b_instruct"

type Config struct {
	APIKey  string
	AgentID string
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	http    *resty.Client
	agentID string
	logger  *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	http := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("xi-api-key", cfg.APIKey).
		SetTimeout(cfg.Timeout)
	return &Client{http: http, agentID: cfg.AgentID, logger: logger}
}

// APIError is a non-2xx response.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("elevenlabs %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (c *Client) do(req *resty.Request, method, path, op string) (*resty.Response, error) {
	var resp *resty.Response
	err := otel.WithProviderSpan(req.Context(), "elevenlabs", op, func(ctx context.Context) error {
		start := time.Now()
		var err error
		resp, err = req.SetContext(ctx).Execute(method, path)
		metrics.RecordServiceCall("elevenlabs_"+op, err == nil && !resp.IsError(), time.Since(start))
		if err != nil {
			return fmt.Errorf("elevenlabs %s: %w", op, err)
		}
		if resp.IsError() {
			return &APIError{Op: op, Status: resp.StatusCode(), Body: truncate(resp.String(), 300)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetSignedURL returns a time-limited websocket URL for one conversation
// with the configured agent.
func (c *Client) GetSignedURL(ctx context.Context) (string, error) {
	var out struct {
		SignedURL string `json:"signed_url"`
	}
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("agent_id", c.agentID).
		SetResult(&out)
	if _, err := c.do(req, resty.MethodGet, "/v1/convai/conversation/get_signed_url", "signed_url"); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSignedURL, err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("%w: empty signed_url in response", ErrSignedURL)
	}
	return out.SignedURL, nil
}

type Document struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type RAGIndexStatus struct {
	Status             string  `json:"status"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

// UploadDocument adds a file to the workspace knowledge base.
func (c *Client) UploadDocument(ctx context.Context, filename string, content io.Reader) (Document, error) {
	var doc Document
	req := c.http.R().
		SetContext(ctx).
		SetFileReader("file", filename, content).
		SetResult(&doc)
	if _, err := c.do(req, resty.MethodPost, "/v1/convai/knowledge-base/file", "kb_upload"); err != nil {
		return Document{}, err
	}
	if doc.Name == "" {
		doc.Name = filename
	}
	return doc, nil
}

// ComputeRAGIndex starts, or reports the progress of, RAG indexing for a document.
func (c *Client) ComputeRAGIndex(ctx context.Context, documentID string) (RAGIndexStatus, error) {
	var status RAGIndexStatus
	req := c.http.R().
		SetContext(ctx).
		SetPathParam("id", documentID).
		SetBody(map[string]string{"model": RAGEmbeddingModel}).
		SetResult(&status)
	if _, err := c.do(req, resty.MethodPost, "/v1/convai/knowledge-base/{id}/rag-index", "kb_rag_index"); err != nil {
		return RAGIndexStatus{}, err
	}
	return status, nil
}

// AttachDocument adds doc to the agent's knowledge base. The agent's prompt
// config is sent back whole so other prompt fields are preserved.
func (c *Client) AttachDocument(ctx context.Context, doc Document) error {
	var agent struct {
		ConversationConfig struct {
			Agent struct {
				Prompt map[string]any `json:"prompt"`
			} `json:"agent"`
		} `json:"conversation_config"`
	}
	req := c.http.R().SetContext(ctx).SetPathParam("agent", c.agentID).SetResult(&agent)
	if _, err := c.do(req, resty.MethodGet, "/v1/convai/agents/{agent}", "get_agent"); err != nil {
		return err
	}

	prompt := agent.ConversationConfig.Agent.Prompt
	if prompt == nil {
		prompt = map[string]any{}
	}
	existing, _ := prompt["knowledge_base"].([]any)
	for _, entry := range existing {
		if m, ok := entry.(map[string]any); ok && m["id"] == doc.ID {
			return nil
		}
	}
	prompt["knowledge_base"] = append(existing, map[string]any{
		"type": "file",
		"name": doc.Name,
		"id":   doc.ID,
	})

	body := map[string]any{
		"conversation_config": map[string]any{
			"agent": map[string]any{"prompt": prompt},
		},
	}
	req = c.http.R().SetContext(ctx).SetPathParam("agent", c.agentID).SetBody(body)
	if _, err := c.do(req, resty.MethodPatch, "/v1/convai/agents/{agent}", "update_agent"); err != nil {
		return err
	}
	c.logger.Info("Knowledge base document attached to agent",
		zap.String("document_id", doc.ID),
		zap.Int("documents", len(existing)+1),
	)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
