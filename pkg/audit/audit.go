package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/callbridge/pkg/mongo"
	"github.com/troikatech/callbridge/pkg/otel"
)

const collectionName = "audit_log"

// Action represents an operator action
type Action string

const (
	ActionInitiateCall    Action = "initiate_call"
	ActionRedispatch      Action = "redispatch"
	ActionKnowledgeUpload Action = "knowledge_upload"
)

type Entry struct {
	Operator     string         `bson:"operator"`
	Action       Action         `bson:"action"`
	ResourceType string         `bson:"resource_type"`
	ResourceID   string         `bson:"resource_id"`
	Metadata     map[string]any `bson:"metadata,omitempty"`
	CreatedAt    time.Time      `bson:"created_at"`
}

// Logger writes operator actions to the audit_log collection. Without a
// MongoDB client entries only go to the application log.
type Logger struct {
	client *mongo.Client
	logger *zap.Logger
	now    func() time.Time
}

func New(client *mongo.Client, logger *zap.Logger) *Logger {
	return &Logger{client: client, logger: logger, now: time.Now}
}

// Log records one action. Failures are logged and returned but callers
// treat the audit trail as best effort.
func (l *Logger) Log(ctx context.Context, operator string, action Action, resourceType, resourceID string, metadata map[string]any) error {
	if l == nil {
		return nil
	}
	entry := Entry{
		Operator:     operator,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     metadata,
		CreatedAt:    l.now().UTC(),
	}

	l.logger.Info("Audit",
		zap.String("operator", operator),
		zap.String("action", string(action)),
		zap.String("resource_type", resourceType),
		zap.String("resource_id", resourceID),
	)
	if l.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := otel.WithDBSpan(ctx, collectionName, "insert", func(ctx context.Context) error {
		_, err := l.client.Collection(collectionName).InsertOne(ctx, entry)
		return err
	})
	if err != nil {
		l.logger.Error("Failed to log audit event",
			zap.Error(err),
			zap.String("action", string(action)),
			zap.String("resource_type", resourceType),
		)
		return err
	}
	return nil
}
