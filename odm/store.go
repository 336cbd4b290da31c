package odm

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DocumentStore is the narrow storage contract the mapping runtime consumes.
// Implementations exist for MongoDB (package mongostore) and for an in-memory
// backend (package memstore).
//
// Filters and updates use MongoDB operator semantics; the runtime only issues
// equality, $in, $set, $unset and $pull.
type DocumentStore interface {
	// FindByIDs streams the documents in collection whose _id is in ids.
	// Order is unspecified; absent ids are simply not returned.
	FindByIDs(ctx context.Context, collection string, ids []any) (DocumentIter, error)

	// Find streams documents matching filter, honoring opts.
	Find(ctx context.Context, collection string, filter bson.M, opts FindOptions) (DocumentIter, error)

	// InsertOne stores doc and returns its _id, generating one if doc has none.
	InsertOne(ctx context.Context, collection string, doc bson.M) (any, error)

	// ReplaceOne replaces the document with the given _id, inserting when
	// upsert is true and no document matches.
	ReplaceOne(ctx context.Context, collection string, id any, doc bson.M, upsert bool) error

	// UpdateMany applies update to every document matching filter and returns
	// the number modified. A nil collation means the store's default string
	// comparison.
	UpdateMany(ctx context.Context, collection string, filter, update bson.M, collation *options.Collation) (int64, error)

	// DeleteMany removes every document matching filter and returns the number
	// removed.
	DeleteMany(ctx context.Context, collection string, filter bson.M, collation *options.Collation) (int64, error)

	// Count returns the number of documents matching filter.
	Count(ctx context.Context, collection string, filter bson.M, collation *options.Collation) (int64, error)
}

// DocumentIter is a sequential stream of raw documents. Next returns
// ErrStopIteration when the stream is exhausted; any other error is a storage
// failure. Implementations are not safe for concurrent use.
type DocumentIter interface {
	Next(ctx context.Context) (bson.M, error)
	Close(ctx context.Context) error
}

// FindOptions carries the query options the runtime passes through to the
// store. Zero values mean "not set".
type FindOptions struct {
	Skip       int64
	Limit      int64
	Sort       bson.D
	Projection bson.M
	Collation  *options.Collation
}
