package odm

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// maxCascadeDepth bounds cascade recursion. Termination is already guaranteed
// by the finite document count (each level consumes the documents it deletes),
// so the bound only catches a store that keeps reporting matches.
const maxCascadeDepth = 64

// deleteMatching deletes the documents matching filter and applies the delete
// rules registered against meta's model, in three passes:
//
//  1. Every Deny rule is checked; a violation aborts with no mutation.
//  2. The matching documents are bulk-deleted.
//  3. The remaining rules run in registration order. Cascade recurses into
//     the owning model before the next rule entry runs.
//
// The victim id set is fixed before any mutation. Recursion is driven by the
// ids that actually match, never by the shape of the rule graph, so mutually
// cascading models terminate once their documents are gone.
//
// The collation applies only to the victim selection; rule filters match on
// ids and use default comparison.
func (db *DB) deleteMatching(ctx context.Context, meta *modelMeta, filter bson.M, collation *options.Collation, depth int) (int64, error) {
	if depth > maxCascadeDepth {
		return 0, ErrCascadeDepthExceeded
	}

	rules := db.registry.rulesFor(meta.typ)
	if len(rules) == 0 {
		return db.store.DeleteMany(ctx, meta.collection, filter, collation)
	}

	// Don't apply any delete rules when no documents match.
	count, err := db.store.Count(ctx, meta.collection, filter, collation)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	victims, err := db.victimIDs(ctx, meta, filter, collation)
	if err != nil {
		return 0, err
	}
	if len(victims) == 0 {
		return 0, nil
	}

	// Deny pass: all Deny rules are checked before anything is mutated.
	for _, rule := range rules {
		if rule.Rule != Deny {
			continue
		}
		n, err := db.store.Count(ctx, rule.OwningCollection, matchFilter(rule.FieldPath, victims), nil)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return 0, &ReferentialIntegrityError{
				Referenced: meta.collection,
				Owning:     rule.OwningCollection,
				Field:      rule.FieldPath,
			}
		}
	}

	deleted, err := db.store.DeleteMany(ctx, meta.collection, filter, collation)
	if err != nil {
		return 0, err
	}

	db.logger.Debug("applying delete rules",
		zap.String("collection", meta.collection),
		zap.Int("victims", len(victims)),
		zap.Int("rules", len(rules)),
		zap.Int("depth", depth))

	for _, rule := range rules {
		owningFilter := matchFilter(rule.FieldPath, victims)
		switch rule.Rule {
		case DoNothing, Deny:
			continue
		case Nullify:
			if _, err := db.store.UpdateMany(ctx, rule.OwningCollection, owningFilter,
				bson.M{"$unset": bson.M{rule.FieldPath: ""}}, nil); err != nil {
				return deleted, err
			}
		case Pull:
			if _, err := db.store.UpdateMany(ctx, rule.OwningCollection, owningFilter,
				bson.M{"$pull": bson.M{rule.FieldPath: bson.M{"$in": victims}}}, nil); err != nil {
				return deleted, err
			}
		case Cascade:
			if _, err := db.deleteMatching(ctx, rule.owning, owningFilter, nil, depth+1); err != nil {
				return deleted, err
			}
		}
	}

	return deleted, nil
}

// victimIDs collects the point-in-time set of ids the delete will remove,
// using a values-only cursor so no model instances are constructed.
func (db *DB) victimIDs(ctx context.Context, meta *modelMeta, filter bson.M, collation *options.Collation) ([]any, error) {
	q := &Query{db: db, meta: meta, filter: filter, collation: collation}
	return q.ids(ctx)
}

// matchFilter matches owning documents whose field holds any victim id. For
// list-valued fields the store's $in semantics match any element.
func matchFilter(field string, victims []any) bson.M {
	return bson.M{field: bson.M{"$in": victims}}
}
