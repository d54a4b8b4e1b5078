package records

import (
	"context"
	"fmt"
	"time"

	"github.com/troikatech/callbridge/pkg/mongo"
	"github.com/troikatech/callbridge/pkg/otel"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	callsCollection  = "calls"
	maxUpdateRetries = 5
)

// MongoStore persists records in the "calls" collection. Per-record
// atomicity comes from conditional single-document updates and a version
// counter used for compare-and-swap.
type MongoStore struct {
	client *mongo.Client
	coll   *mongodriver.Collection
	logger *zap.Logger
}

func NewMongoStore(ctx context.Context, client *mongo.Client, logger *zap.Logger) (*MongoStore, error) {
	s := &MongoStore{
		client: client,
		coll:   client.Collection(callsCollection),
		logger: logger,
	}

	err := client.EnsureIndexes(ctx, callsCollection, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "call_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("call_id_unique")},
		{Keys: bson.D{{Key: "timestamp", Value: -1}}, Options: options.Index().SetName("timestamp_desc")},
		{Keys: bson.D{{Key: "phone_number", Value: 1}, {Key: "timestamp", Value: -1}}, Options: options.Index().SetName("phone_recent")},
		{Keys: bson.D{{Key: "notification_preferences.whatsapp_number", Value: 1}, {Key: "timestamp", Value: -1}}, Options: options.Index().SetName("whatsapp_recent")},
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Call record store ready", zap.String("collection", callsCollection))
	return s, nil
}

func prefsField(name string) string {
	return "notification_preferences." + name
}

func channelField(ch Channel, suffix string) string {
	return prefsField(string(ch) + "_" + suffix)
}

func notifyField(ch Channel) string {
	return prefsField("notify_" + string(ch))
}

func (s *MongoStore) CreateOrReplace(ctx context.Context, rec *CallRecord) (*CallRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	timestamp := rec.Timestamp
	if timestamp.IsZero() {
		timestamp = now
	}
	topics := rec.Insights.Topics
	if topics == nil {
		topics = []string{}
	}
	prefs := rec.NotificationPreferences

	update := bson.M{
		"$set": bson.M{
			"client_name":                 rec.ClientName,
			"phone_number":                rec.PhoneNumber,
			"transcript":                  rec.Transcript,
			"insights.topics":             topics,
			"insights.duration_sec":       rec.Insights.DurationSec,
			"insights.sentiment":          rec.Insights.Sentiment,
			"summary":                     rec.Summary,
			"timestamp":                   timestamp,
			"updated_at":                  now,
			prefsField("notify_email"):    prefs.NotifyEmail,
			prefsField("notify_whatsapp"): prefs.NotifyWhatsApp,
			prefsField("email_address"):   prefs.EmailAddress,
			prefsField("whatsapp_number"): prefs.WhatsAppNumber,
		},
		"$setOnInsert": bson.M{
			"created_at":                            now,
			"follow_up_date":                        rec.FollowUpDate,
			"conversion_status":                     rec.ConversionStatus,
			channelField(ChannelEmail, "sent"):      false,
			channelField(ChannelWhatsApp, "sent"):   false,
			channelField(ChannelEmail, "status"):    DeliveryPending,
			channelField(ChannelWhatsApp, "status"): DeliveryPending,
		},
		"$inc": bson.M{"version": 1},
	}

	err := otel.WithDBSpan(ctx, callsCollection, "upsert", func(ctx context.Context) error {
		opts := options.Update().SetUpsert(true)
		_, err := s.coll.UpdateOne(ctx, bson.M{"call_id": rec.CallID}, update, opts)
		if mongodriver.IsDuplicateKeyError(err) {
			// Lost an upsert race; the document now exists so this matches it.
			_, err = s.coll.UpdateOne(ctx, bson.M{"call_id": rec.CallID}, update, opts)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist call record %s: %w", rec.CallID, err)
	}

	return s.Get(ctx, rec.CallID)
}

func (s *MongoStore) Get(ctx context.Context, callID string) (*CallRecord, error) {
	var rec CallRecord
	var found bool
	err := otel.WithDBSpan(ctx, callsCollection, "find_one", func(ctx context.Context) error {
		var err error
		found, err = mongo.NewQuery(s.coll).Eq("call_id", callID).One(ctx, &rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MongoStore) List(ctx context.Context, page, pageSize int) (*Page, error) {
	out := &Page{Page: page, PageSize: pageSize, Records: []*CallRecord{}}

	err := otel.WithDBSpan(ctx, callsCollection, "find", func(ctx context.Context) error {
		total, err := mongo.NewQuery(s.coll).Count(ctx)
		if err != nil {
			return err
		}
		out.Total = total

		return mongo.NewQuery(s.coll).
			Sort("timestamp", false).
			Sort("call_id", false).
			Skip(int64((page-1)*pageSize)).
			Limit(int64(pageSize)).
			All(ctx, &out.Records)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) Summary(ctx context.Context) (Summary, error) {
	var total, conversions int64
	err := otel.WithDBSpan(ctx, callsCollection, "count", func(ctx context.Context) error {
		var err error
		if total, err = mongo.NewQuery(s.coll).Count(ctx); err != nil {
			return err
		}
		conversions, err = mongo.NewQuery(s.coll).Eq("conversion_status", true).Count(ctx)
		return err
	})
	if err != nil {
		return Summary{}, err
	}
	return NewSummary(total, conversions), nil
}

func (s *MongoStore) FindLatestByPhone(ctx context.Context, phone string) (*CallRecord, error) {
	var rec CallRecord
	var found bool
	err := otel.WithDBSpan(ctx, callsCollection, "find_one", func(ctx context.Context) error {
		var err error
		found, err = mongo.NewQuery(s.coll).
			AnyEq(phone, "phone_number", prefsField("whatsapp_number")).
			Sort("timestamp", false).
			One(ctx, &rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MongoStore) Update(ctx context.Context, callID string, fn Mutation) (*CallRecord, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		current, err := s.Get(ctx, callID)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		if err := next.Validate(); err != nil {
			return nil, err
		}

		set := bson.M{
			"conversion_status": next.ConversionStatus,
			"updated_at":        time.Now().UTC(),
		}
		update := bson.M{"$set": set, "$inc": bson.M{"version": 1}}
		if next.FollowUpDate == "" {
			update["$unset"] = bson.M{"follow_up_date": ""}
		} else {
			set["follow_up_date"] = next.FollowUpDate
		}

		var matched int64
		err = otel.WithDBSpan(ctx, callsCollection, "update", func(ctx context.Context) error {
			res, err := s.coll.UpdateOne(ctx, bson.M{"call_id": callID, "version": current.Version}, update)
			if err != nil {
				return err
			}
			matched = res.MatchedCount
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update call record %s: %w", callID, err)
		}
		if matched == 1 {
			return s.Get(ctx, callID)
		}

		s.logger.Debug("Call record changed during update, retrying",
			zap.String("call_id", callID), zap.Int("attempt", attempt+1))
	}
	return nil, ErrConflict
}

// claimableStatuses lists the stored statuses scope may take over. A nil
// entry matches documents written before the status field existed.
func claimableStatuses(scope ClaimScope) bson.A {
	statuses := bson.A{DeliveryPending, nil}
	if scope == ClaimRetry {
		statuses = append(statuses, DeliveryFailed)
	}
	return statuses
}

func (s *MongoStore) ClaimNotification(ctx context.Context, callID string, ch Channel, scope ClaimScope) (bool, error) {
	filter := bson.M{
		"call_id":                  callID,
		notifyField(ch):            true,
		channelField(ch, "sent"):   false,
		channelField(ch, "status"): bson.M{"$in": claimableStatuses(scope)},
	}
	update := bson.M{
		"$set": bson.M{channelField(ch, "status"): DeliverySending, "updated_at": time.Now().UTC()},
		"$inc": bson.M{"version": 1},
	}

	var modified int64
	err := otel.WithDBSpan(ctx, callsCollection, "claim_notification", func(ctx context.Context) error {
		res, err := s.coll.UpdateOne(ctx, filter, update)
		if err != nil {
			return err
		}
		modified = res.ModifiedCount
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim %s for %s: %w", ch, callID, err)
	}
	if modified == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, callID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *MongoStore) CompleteNotification(ctx context.Context, callID string, ch Channel, providerRef string) error {
	return s.finishNotification(ctx, callID, ch, "complete_notification", bson.M{
		channelField(ch, "sent"):         true,
		channelField(ch, "status"):       DeliverySent,
		channelField(ch, "provider_ref"): providerRef,
		channelField(ch, "error"):        "",
	})
}

func (s *MongoStore) FailNotification(ctx context.Context, callID string, ch Channel, reason string) error {
	return s.finishNotification(ctx, callID, ch, "fail_notification", bson.M{
		channelField(ch, "status"): DeliveryFailed,
		channelField(ch, "error"):  reason,
	})
}

// finishNotification only touches channels that are not yet sent, so a
// delivered flag is never overwritten.
func (s *MongoStore) finishNotification(ctx context.Context, callID string, ch Channel, op string, set bson.M) error {
	set["updated_at"] = time.Now().UTC()
	filter := bson.M{"call_id": callID, channelField(ch, "sent"): false}
	update := bson.M{"$set": set, "$inc": bson.M{"version": 1}}

	var matched int64
	err := otel.WithDBSpan(ctx, callsCollection, op, func(ctx context.Context) error {
		res, err := s.coll.UpdateOne(ctx, filter, update)
		if err != nil {
			return err
		}
		matched = res.MatchedCount
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record %s result for %s: %w", ch, callID, err)
	}
	if matched == 0 {
		if _, err := s.Get(ctx, callID); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) ListPendingNotifications(ctx context.Context, createdBefore time.Time, limit int) ([]*CallRecord, error) {
	unattempted := func(ch Channel) bson.M {
		return bson.M{
			notifyField(ch):            true,
			channelField(ch, "sent"):   false,
			channelField(ch, "status"): bson.M{"$in": claimableStatuses(ClaimFirstAttempt)},
		}
	}

	out := []*CallRecord{}
	err := otel.WithDBSpan(ctx, callsCollection, "find", func(ctx context.Context) error {
		return mongo.NewQuery(s.coll).
			Where(bson.E{Key: "$or", Value: bson.A{unattempted(ChannelEmail), unattempted(ChannelWhatsApp)}}).
			Lt("created_at", createdBefore).
			Sort("created_at", true).
			Limit(int64(limit)).
			All(ctx, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

var _ Store = (*MongoStore)(nil)
var _ Store = (*MemoryStore)(nil)
