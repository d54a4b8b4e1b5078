package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/troikatech/callbridge/pkg/mongo"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("call record not found")
	// ErrConflict is returned when a record kept changing under an update.
	ErrConflict = errors.New("call record update conflict")
)

// Mutation edits a record in place. Returning an error aborts the update.
type Mutation func(r *CallRecord) error

// Store is the persistence contract for call records. Every mutation of a
// single record is atomic with respect to the others.
type Store interface {
	// CreateOrReplace writes rec. An existing record with the same call_id
	// keeps its notification delivery state, conversion_status and
	// follow_up_date, which only replies and dispatches change.
	CreateOrReplace(ctx context.Context, rec *CallRecord) (*CallRecord, error)
	Get(ctx context.Context, callID string) (*CallRecord, error)
	// List returns records newest first.
	List(ctx context.Context, page, pageSize int) (*Page, error)
	Summary(ctx context.Context) (Summary, error)
	// FindLatestByPhone matches phone_number or the WhatsApp number.
	FindLatestByPhone(ctx context.Context, phone string) (*CallRecord, error)
	// Update applies fn with compare-and-swap semantics. fn may only touch
	// conversion_status and follow_up_date.
	Update(ctx context.Context, callID string, fn Mutation) (*CallRecord, error)

	// ClaimNotification atomically moves a requested, unsent channel whose
	// status scope allows into the sending state. It returns false when
	// another dispatcher holds it, it was already delivered, or its last
	// attempt failed and scope is ClaimFirstAttempt.
	ClaimNotification(ctx context.Context, callID string, ch Channel, scope ClaimScope) (bool, error)
	// CompleteNotification sets the sent flag after the provider accepted the message.
	CompleteNotification(ctx context.Context, callID string, ch Channel, providerRef string) error
	// FailNotification records a terminal failure; the sent flag stays false.
	FailNotification(ctx context.Context, callID string, ch Channel, reason string) error
	// ListPendingNotifications returns records created before createdBefore
	// with a requested channel that was never attempted, oldest first.
	ListPendingNotifications(ctx context.Context, createdBefore time.Time, limit int) ([]*CallRecord, error)

	Ping(ctx context.Context) error
}

// NewStore picks the store implementation by driver name.
func NewStore(ctx context.Context, driver string, client *mongo.Client, logger *zap.Logger) (Store, error) {
	switch driver {
	case "mongo":
		if client == nil {
			return nil, fmt.Errorf("mongo store requires a client")
		}
		return NewMongoStore(ctx, client, logger)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
