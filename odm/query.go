package odm

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Query describes a find over one model's collection. Chaining methods clone
// the query, so a partially built Query can be reused and extended without
// affecting earlier derivations.
type Query struct {
	db   *DB
	meta *modelMeta
	err  error // deferred lookup error, surfaced on execution

	filter        bson.M
	skip          int64
	limit         int64
	sort          bson.D
	projection    bson.M
	collation     *options.Collation
	selectRelated []string
	values        bool // yield raw documents instead of model instances
}

// Query starts a query over model's collection. The model value itself only
// selects the type; results are fresh instances.
func (db *DB) Query(model Model) *Query {
	meta, err := db.registry.metaFor(model)
	return &Query{db: db, meta: meta, err: err}
}

func (q *Query) clone() *Query {
	c := *q
	if q.filter != nil {
		c.filter = make(bson.M, len(q.filter))
		for k, v := range q.filter {
			c.filter[k] = v
		}
	}
	c.selectRelated = append([]string(nil), q.selectRelated...)
	return &c
}

// Filter adds raw filter criteria, merged with any existing criteria.
func (q *Query) Filter(filter bson.M) *Query {
	c := q.clone()
	if c.filter == nil {
		c.filter = make(bson.M, len(filter))
	}
	for k, v := range filter {
		c.filter[k] = v
	}
	return c
}

// Skip sets the number of matching documents to skip.
func (q *Query) Skip(n int64) *Query {
	c := q.clone()
	c.skip = n
	return c
}

// Limit caps the number of documents returned.
func (q *Query) Limit(n int64) *Query {
	c := q.clone()
	c.limit = n
	return c
}

// Sort sets the result order.
func (q *Query) Sort(sort bson.D) *Query {
	c := q.clone()
	c.sort = sort
	return c
}

// Project restricts the document fields returned by the store.
func (q *Query) Project(projection bson.M) *Query {
	c := q.clone()
	c.projection = projection
	return c
}

// Collation sets the collation used for string comparison in the store.
func (q *Query) Collation(collation *options.Collation) *Query {
	c := q.clone()
	c.collation = collation
	return c
}

// SelectRelated makes the cursor dereference each yielded instance, scoped to
// the given field paths (all reference fields when none are given).
func (q *Query) SelectRelated(fields ...string) *Query {
	c := q.clone()
	if len(fields) == 0 {
		// Non-nil marks select-related with no path restriction.
		fields = []string{}
	}
	c.selectRelated = fields
	return c
}

// Values makes the cursor yield raw documents (bson.M) instead of model
// instances, skipping construction entirely.
func (q *Query) Values() *Query {
	c := q.clone()
	c.values = true
	return c
}

// Iter executes the query and returns a lazy cursor over its results.
func (q *Query) Iter(ctx context.Context) (*Cursor, error) {
	if q.err != nil {
		return nil, q.err
	}
	stream, err := q.db.store.Find(ctx, q.meta.collection, q.rawFilter(), FindOptions{
		Skip:       q.skip,
		Limit:      q.limit,
		Sort:       q.sort,
		Projection: q.projection,
		Collation:  q.collation,
	})
	if err != nil {
		return nil, err
	}
	return newCursor(stream, q.transform()), nil
}

func (q *Query) rawFilter() bson.M {
	if q.filter == nil {
		return bson.M{}
	}
	return q.filter
}

func (q *Query) transform() transformFunc {
	if q.values {
		return func(ctx context.Context, doc bson.M) (any, error) {
			return doc, nil
		}
	}
	if q.selectRelated != nil {
		fields := q.selectRelated
		return func(ctx context.Context, doc bson.M) (any, error) {
			instance, err := q.meta.instantiate(doc)
			if err != nil {
				return nil, err
			}
			if err := q.db.Dereference(ctx, instance, fields...); err != nil {
				return nil, err
			}
			return instance, nil
		}
	}
	return func(ctx context.Context, doc bson.M) (any, error) {
		return q.meta.instantiate(doc)
	}
}

// First returns the first matching item, or ErrDoesNotExist when nothing
// matches.
func (q *Query) First(ctx context.Context) (any, error) {
	cur, err := q.Limit(1).Iter(ctx)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	return cur.First(ctx)
}

// One returns the single matching item. It fails with ErrDoesNotExist on zero
// matches and ErrMultipleObjectsReturned on more than one.
func (q *Query) One(ctx context.Context) (any, error) {
	cur, err := q.Limit(2).Iter(ctx)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	return cur.One(ctx)
}

// All returns every matching item in arrival order.
func (q *Query) All(ctx context.Context) ([]any, error) {
	cur, err := q.Iter(ctx)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	return cur.All(ctx)
}

// Count returns the number of matching documents.
func (q *Query) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	return q.db.store.Count(ctx, q.meta.collection, q.rawFilter(), q.collation)
}

// Update applies a raw update to every matching document and returns the
// number modified.
func (q *Query) Update(ctx context.Context, update bson.M) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	return q.db.store.UpdateMany(ctx, q.meta.collection, q.rawFilter(), update, q.collation)
}

// Delete removes every matching document, applying the delete rules
// registered against the model. The query's collation applies to the victim
// selection. It returns the number of documents removed from this query's
// collection; cascaded deletions are not included.
func (q *Query) Delete(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	return q.db.deleteMatching(ctx, q.meta, q.rawFilter(), q.collation, 0)
}

// ids collects the primary keys of the matching documents without
// materializing full instances.
func (q *Query) ids(ctx context.Context) ([]any, error) {
	cur, err := q.Project(bson.M{"_id": 1}).Values().Iter(ctx)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var ids []any
	for {
		item, err := cur.Next(ctx)
		if errors.Is(err, ErrStopIteration) {
			return ids, nil
		}
		if err != nil {
			return nil, err
		}
		if id, ok := item.(bson.M)["_id"]; ok {
			ids = append(ids, id)
		}
	}
}
