package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// QueryBuilder provides a fluent interface for MongoDB queries that decode
// straight into typed documents.
type QueryBuilder struct {
	collection *mongo.Collection
	filter     bson.D
	sort       bson.D
	limit      *int64
	skip       *int64
}

func (c *Client) NewQuery(collectionName string) *QueryBuilder {
	return NewQuery(c.Collection(collectionName))
}

func NewQuery(collection *mongo.Collection) *QueryBuilder {
	return &QueryBuilder{collection: collection, filter: bson.D{}}
}

// Eq adds an equality filter
func (q *QueryBuilder) Eq(field string, value interface{}) *QueryBuilder {
	q.filter = append(q.filter, bson.E{Key: field, Value: value})
	return q
}

// Lt adds a less-than filter
func (q *QueryBuilder) Lt(field string, value interface{}) *QueryBuilder {
	q.filter = append(q.filter, bson.E{Key: field, Value: bson.M{"$lt": value}})
	return q
}

// AnyEq matches documents where at least one of fields equals value.
func (q *QueryBuilder) AnyEq(value interface{}, fields ...string) *QueryBuilder {
	alternatives := make(bson.A, 0, len(fields))
	for _, field := range fields {
		alternatives = append(alternatives, bson.M{field: value})
	}
	q.filter = append(q.filter, bson.E{Key: "$or", Value: alternatives})
	return q
}

// Where adds a raw filter clause.
func (q *QueryBuilder) Where(clause bson.E) *QueryBuilder {
	q.filter = append(q.filter, clause)
	return q
}

func (q *QueryBuilder) Limit(limit int64) *QueryBuilder {
	q.limit = &limit
	return q
}

func (q *QueryBuilder) Skip(skip int64) *QueryBuilder {
	q.skip = &skip
	return q
}

// Sort appends a sort key
func (q *QueryBuilder) Sort(field string, ascending bool) *QueryBuilder {
	direction := 1
	if !ascending {
		direction = -1
	}
	q.sort = append(q.sort, bson.E{Key: field, Value: direction})
	return q
}

// Filter returns the accumulated filter document.
func (q *QueryBuilder) Filter() bson.D {
	return q.filter
}

// All decodes every matching document into out, which must be a pointer to a slice.
func (q *QueryBuilder) All(ctx context.Context, out interface{}) error {
	opts := options.Find()
	if q.limit != nil {
		opts.SetLimit(*q.limit)
	}
	if q.skip != nil {
		opts.SetSkip(*q.skip)
	}
	if len(q.sort) > 0 {
		opts.SetSort(q.sort)
	}

	cursor, err := q.collection.Find(ctx, q.filter, opts)
	if err != nil {
		return fmt.Errorf("find failed: %w", err)
	}
	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("failed to decode results: %w", err)
	}
	return nil
}

// One decodes the first matching document into out. found is false when
// nothing matched.
func (q *QueryBuilder) One(ctx context.Context, out interface{}) (bool, error) {
	opts := options.FindOne()
	if len(q.sort) > 0 {
		opts.SetSort(q.sort)
	}
	if q.skip != nil {
		opts.SetSkip(*q.skip)
	}

	err := q.collection.FindOne(ctx, q.filter, opts).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find one failed: %w", err)
	}
	return true, nil
}

func (q *QueryBuilder) Count(ctx context.Context) (int64, error) {
	count, err := q.collection.CountDocuments(ctx, q.filter)
	if err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	return count, nil
}
