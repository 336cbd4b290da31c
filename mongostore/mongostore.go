// Package mongostore implements the mapping runtime's DocumentStore over a
// MongoDB database.
package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ilex/docmap/odm"
)

// Store adapts a *mongo.Database to the odm.DocumentStore contract.
type Store struct {
	db *mongo.Database
}

// New wraps an already connected database handle.
func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

// Connect dials MongoDB per cfg and returns a Store together with a
// disconnect function.
func Connect(ctx context.Context, cfg Config) (*Store, func(context.Context) error, error) {
	cfg.validate()

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.URI).
		SetTimeout(cfg.Timeout))
	if err != nil {
		return nil, nil, fmt.Errorf("mongostore: connect %s: %w", cfg.URI, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	return New(client.Database(cfg.Database)), client.Disconnect, nil
}

var _ odm.DocumentStore = (*Store)(nil)

// FindByIDs implements odm.DocumentStore.
func (s *Store) FindByIDs(ctx context.Context, collection string, ids []any) (odm.DocumentIter, error) {
	cur, err := s.db.Collection(collection).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	return &cursorIter{cur: cur}, nil
}

// Find implements odm.DocumentStore.
func (s *Store) Find(ctx context.Context, collection string, filter bson.M, opts odm.FindOptions) (odm.DocumentIter, error) {
	findOpts := options.Find()
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if opts.Sort != nil {
		findOpts.SetSort(opts.Sort)
	}
	if opts.Projection != nil {
		findOpts.SetProjection(opts.Projection)
	}
	if opts.Collation != nil {
		findOpts.SetCollation(opts.Collation)
	}

	cur, err := s.db.Collection(collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	return &cursorIter{cur: cur}, nil
}

// InsertOne implements odm.DocumentStore. Duplicate key errors propagate
// unchanged from the driver.
func (s *Store) InsertOne(ctx context.Context, collection string, doc bson.M) (any, error) {
	res, err := s.db.Collection(collection).InsertOne(ctx, doc)
	if err != nil {
		return nil, err
	}
	return res.InsertedID, nil
}

// ReplaceOne implements odm.DocumentStore.
func (s *Store) ReplaceOne(ctx context.Context, collection string, id any, doc bson.M, upsert bool) error {
	_, err := s.db.Collection(collection).ReplaceOne(ctx,
		bson.M{"_id": id}, doc, options.Replace().SetUpsert(upsert))
	return err
}

// UpdateMany implements odm.DocumentStore.
func (s *Store) UpdateMany(ctx context.Context, collection string, filter, update bson.M, collation *options.Collation) (int64, error) {
	updateOpts := options.Update()
	if collation != nil {
		updateOpts.SetCollation(collation)
	}
	res, err := s.db.Collection(collection).UpdateMany(ctx, filter, update, updateOpts)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// DeleteMany implements odm.DocumentStore.
func (s *Store) DeleteMany(ctx context.Context, collection string, filter bson.M, collation *options.Collation) (int64, error) {
	deleteOpts := options.Delete()
	if collation != nil {
		deleteOpts.SetCollation(collation)
	}
	res, err := s.db.Collection(collection).DeleteMany(ctx, filter, deleteOpts)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// Count implements odm.DocumentStore.
func (s *Store) Count(ctx context.Context, collection string, filter bson.M, collation *options.Collation) (int64, error) {
	countOpts := options.Count()
	if collation != nil {
		countOpts.SetCollation(collation)
	}
	return s.db.Collection(collection).CountDocuments(ctx, filter, countOpts)
}

// cursorIter adapts a driver cursor to the DocumentIter contract.
type cursorIter struct {
	cur *mongo.Cursor
}

func (it *cursorIter) Next(ctx context.Context) (bson.M, error) {
	if it.cur.Next(ctx) {
		var doc bson.M
		if err := it.cur.Decode(&doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err := it.cur.Err(); err != nil {
		return nil, err
	}
	return nil, odm.ErrStopIteration
}

func (it *cursorIter) Close(ctx context.Context) error {
	return it.cur.Close(ctx)
}
