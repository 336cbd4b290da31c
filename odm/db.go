package odm

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// DB ties a DocumentStore to a Registry and exposes the mapping runtime's
// operations. A DB is cheap and safe to share; all per-call state (identity
// caches, victim sets, cursors) is private to each call.
type DB struct {
	store    DocumentStore
	registry *Registry
	logger   *zap.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithLogger attaches a logger. Without it the DB is silent.
func WithLogger(logger *zap.Logger) Option {
	return func(db *DB) {
		db.logger = logger
	}
}

// NewDB creates a DB over the given store and registry.
func NewDB(store DocumentStore, registry *Registry, opts ...Option) *DB {
	db := &DB{
		store:    store,
		registry: registry,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Registry returns the registry this DB reads model metadata and delete rules
// from.
func (db *DB) Registry() *Registry {
	return db.registry
}

// Save persists instance: an insert when the primary key is unset (the
// generated id is written back), otherwise a full replace with upsert.
//
// If the instance implements Validator, validation runs first and a failure
// aborts the save with a *ValidationError wrapping the original error.
func (db *DB) Save(ctx context.Context, instance Model) error {
	meta, err := db.registry.metaFor(instance)
	if err != nil {
		return err
	}

	if v, ok := instance.(Validator); ok {
		if err := v.Validate(); err != nil {
			return &ValidationError{Collection: meta.collection, Err: err}
		}
	}

	doc, err := db.registry.ToDocument(instance)
	if err != nil {
		return err
	}

	pk, ok := meta.pkValue(instance)
	if !ok {
		delete(doc, "_id")
		id, err := db.store.InsertOne(ctx, meta.collection, doc)
		if err != nil {
			return err
		}
		return meta.setPK(instance, id)
	}
	return db.store.ReplaceOne(ctx, meta.collection, pk, doc, true)
}

// SaveCascade saves every resolved referenced instance reachable from
// instance before saving the instance itself. Each instance is saved at most
// once per call, so mutually referencing objects do not recurse.
func (db *DB) SaveCascade(ctx context.Context, instance Model) error {
	return db.saveCascade(ctx, instance, make(map[any]struct{}))
}

func (db *DB) saveCascade(ctx context.Context, instance Model, seen map[any]struct{}) error {
	if _, dup := seen[instance]; dup {
		return nil
	}
	seen[instance] = struct{}{}

	err := walkRefs(instance, nil, func(rf refField) error {
		if rf.refState() != RefResolved {
			return nil
		}
		target, ok := rf.resolvedTarget().(Model)
		if !ok {
			return nil
		}
		return db.saveCascade(ctx, target, seen)
	})
	if err != nil {
		return err
	}
	return db.Save(ctx, instance)
}

// Delete removes the stored document for instance and applies the delete
// rules registered against its model.
func (db *DB) Delete(ctx context.Context, instance Model) error {
	meta, err := db.registry.metaFor(instance)
	if err != nil {
		return err
	}
	pk, ok := meta.pkValue(instance)
	if !ok {
		return ErrNotPersisted
	}
	_, err = db.deleteMatching(ctx, meta, bson.M{"_id": pk}, nil, 0)
	return err
}

// Refresh reloads instance from storage, replacing every field, which resets
// all references to the unresolved state. It returns ErrDoesNotExist when the
// stored document is gone.
func (db *DB) Refresh(ctx context.Context, instance Model) error {
	meta, err := db.registry.metaFor(instance)
	if err != nil {
		return err
	}
	pk, ok := meta.pkValue(instance)
	if !ok {
		return ErrNotPersisted
	}

	iter, err := db.store.FindByIDs(ctx, meta.collection, []any{pk})
	if err != nil {
		return err
	}
	defer iter.Close(ctx)

	doc, err := iter.Next(ctx)
	if errors.Is(err, ErrStopIteration) {
		return ErrDoesNotExist
	}
	if err != nil {
		return err
	}

	fresh, err := meta.instantiate(doc)
	if err != nil {
		return err
	}
	dst := reflect.ValueOf(instance)
	if dst.Kind() != reflect.Ptr {
		return fmt.Errorf("docmap: cannot refresh non-pointer %T", instance)
	}
	dst.Elem().Set(reflect.ValueOf(fresh).Elem())
	return nil
}

// InsertMany saves instances in bulk and returns their ids in order. Models
// with unset primary keys receive generated ids, written back in place.
func (db *DB) InsertMany(ctx context.Context, instances []Model) ([]any, error) {
	ids := make([]any, 0, len(instances))
	for _, instance := range instances {
		if err := db.Save(ctx, instance); err != nil {
			return ids, err
		}
		meta, err := db.registry.metaFor(instance)
		if err != nil {
			return ids, err
		}
		pk, _ := meta.pkValue(instance)
		ids = append(ids, pk)
	}
	return ids, nil
}
