package odm

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ilex/docmap/internal/fieldpath"
)

// documentMap is the per-call identity cache: target type to id to the one
// constructed instance for that id. It is private to a single Dereference
// call and never shared or reused.
type documentMap map[reflect.Type]map[any]Model

// Dereference resolves the unresolved reference fields reachable from root,
// restricted to the given dot-notation field paths (all fields when none are
// given). Root may be a single instance or a slice of instances and is
// mutated in place.
//
// Each distinct target collection costs one multi-key lookup, regardless of
// how many references point into it. Every reference to the same id receives
// the same object instance. References whose targets are absent become
// Missing; a dangling reference is a representable state, not an error.
func (db *DB) Dereference(ctx context.Context, root any, fields ...string) error {
	paths := fieldpath.NewSet(fields...)

	refMap, err := db.scanReferences(root, paths)
	if err != nil {
		return err
	}

	docMap, err := db.resolveReferences(ctx, refMap)
	if err != nil {
		return err
	}

	return db.attachObjects(root, paths, docMap)
}

// DereferenceID fetches a single document of model's type by id and
// constructs a typed instance. It returns ErrDoesNotExist when no document
// has that id.
func (db *DB) DereferenceID(ctx context.Context, model Model, id any) (Model, error) {
	meta, err := db.registry.metaFor(model)
	if err != nil {
		return nil, err
	}

	iter, err := db.store.FindByIDs(ctx, meta.collection, []any{id})
	if err != nil {
		return nil, err
	}
	defer iter.Close(ctx)

	doc, err := iter.Next(ctx)
	if errors.Is(err, ErrStopIteration) {
		return nil, ErrDoesNotExist
	}
	if err != nil {
		return nil, err
	}
	return meta.instantiate(doc)
}

// resolveReferences issues one FindByIDs per target collection and builds the
// identity cache. Lookups are independent reads, so they fan out concurrently
// and all join before the attach pass begins.
func (db *DB) resolveReferences(ctx context.Context, refMap map[reflect.Type]*referenceGroup) (documentMap, error) {
	docMap := make(documentMap, len(refMap))
	if len(refMap) == 0 {
		return docMap, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(refMap))

	for target, group := range refMap {
		// Each goroutine writes only the map created for it here.
		resolved := make(map[any]Model, len(group.ids))
		docMap[target] = resolved

		wg.Add(1)
		go func(group *referenceGroup, resolved map[any]Model) {
			defer wg.Done()

			iter, err := db.store.FindByIDs(ctx, group.meta.collection, group.ids)
			if err != nil {
				errs <- fmt.Errorf("resolve %s: %w", group.meta.collection, err)
				return
			}
			defer iter.Close(ctx)

			for {
				doc, err := iter.Next(ctx)
				if errors.Is(err, ErrStopIteration) {
					return
				}
				if err != nil {
					errs <- fmt.Errorf("resolve %s: %w", group.meta.collection, err)
					return
				}
				id, ok := doc["_id"]
				if !ok {
					continue
				}
				instance, err := group.meta.instantiate(doc)
				if err != nil {
					errs <- err
					return
				}
				resolved[id] = instance
			}
		}(group, resolved)
	}

	wg.Wait()
	close(errs)

	var err error
	for e := range errs {
		err = multierr.Append(err, e)
	}
	if err != nil {
		return nil, err
	}

	db.logger.Debug("resolved references",
		zap.Int("collections", len(refMap)))
	return docMap, nil
}

// attachObjects re-walks root with the same path filter and substitutes
// resolved objects for raw ids. Ids that were requested but not returned
// attach as Missing.
func (db *DB) attachObjects(root any, paths *fieldpath.Set, docMap documentMap) error {
	return walkRefs(root, paths, func(rf refField) error {
		if rf.refState() != RefUnresolved || rf.refID() == nil {
			return nil
		}
		resolved := docMap[rf.targetType()]
		if obj, ok := resolved[rf.refID()]; ok {
			rf.setResolved(obj)
		} else {
			rf.setMissing()
		}
		return nil
	})
}
