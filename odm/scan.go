package odm

import (
	"fmt"
	"reflect"

	"github.com/ilex/docmap/internal/fieldpath"
)

var refFieldType = reflect.TypeOf((*refField)(nil)).Elem()

// refVisitor is called once per in-scope reference field location.
type refVisitor func(rf refField) error

// walkRefs traverses the object graph rooted at root and visits every Ref
// field whose position is allowed by paths. Root must be a pointer to a model
// instance, or a slice of pointers; the same walk is used by the scanner and
// the attacher so both see identical locations.
//
// Resolved targets are never traversed, so reference cycles in the data do
// not recurse. Plain pointers are visited at most once per call.
func walkRefs(root any, paths *fieldpath.Set, visit refVisitor) error {
	if root == nil {
		return nil
	}
	w := &refWalker{visit: visit, seen: make(map[any]struct{})}
	return w.walk(reflect.ValueOf(root), paths)
}

type refWalker struct {
	visit refVisitor
	seen  map[any]struct{}
}

func (w *refWalker) walk(v reflect.Value, paths *fieldpath.Set) error {
	if !v.IsValid() {
		return nil
	}

	// Ref fields terminate the walk: their targets are separate documents.
	if rf, ok := asRefField(v); ok {
		if paths.AllowsAll() {
			return w.visit(rf)
		}
		return nil
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		p := v.Interface()
		if _, dup := w.seen[p]; dup {
			return nil
		}
		w.seen[p] = struct{}{}
		return w.walk(v.Elem(), paths)

	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return w.walk(v.Elem(), paths)

	case reflect.Slice, reflect.Array:
		// List indices are wildcarded: elements inherit the path set.
		for i := 0; i < v.Len(); i++ {
			if err := w.walk(v.Index(i), paths); err != nil {
				return err
			}
		}

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			name := bsonFieldName(t.Field(i))
			if name == "" {
				continue
			}
			sub, ok := paths.Match(name)
			if !ok {
				continue
			}
			if err := w.walk(v.Field(i), sub); err != nil {
				return err
			}
		}
	}
	return nil
}

// asRefField reports whether v is a Ref field and exposes it through the
// type-erased refField interface. Unaddressable Ref values cannot be mutated
// and are not visited.
func asRefField(v reflect.Value) (refField, bool) {
	t := v.Type()
	if t.Kind() == reflect.Ptr {
		if t.Implements(refFieldType) && !v.IsNil() {
			return v.Interface().(refField), true
		}
		return nil, false
	}
	if t.Kind() != reflect.Struct || !reflect.PtrTo(t).Implements(refFieldType) {
		return nil, false
	}
	if !v.CanAddr() {
		return nil, false
	}
	return v.Addr().Interface().(refField), true
}

// referenceGroup accumulates the distinct unresolved ids pointing at one
// target model type.
type referenceGroup struct {
	meta *modelMeta
	ids  []any
	seen map[any]struct{}
}

// scanReferences walks root and groups the distinct unresolved reference ids
// by target model type, restricted to paths.
func (db *DB) scanReferences(root any, paths *fieldpath.Set) (map[reflect.Type]*referenceGroup, error) {
	refMap := make(map[reflect.Type]*referenceGroup)
	err := walkRefs(root, paths, func(rf refField) error {
		if rf.refState() != RefUnresolved {
			return nil
		}
		id := rf.refID()
		if id == nil {
			return nil
		}
		if !reflect.TypeOf(id).Comparable() {
			return fmt.Errorf("docmap: reference id of type %T is not comparable", id)
		}

		target := rf.targetType()
		group := refMap[target]
		if group == nil {
			meta, err := db.registry.metaForType(target)
			if err != nil {
				return err
			}
			group = &referenceGroup{meta: meta, seen: make(map[any]struct{})}
			refMap[target] = group
		}
		if _, dup := group.seen[id]; dup {
			return nil
		}
		group.seen[id] = struct{}{}
		group.ids = append(group.ids, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refMap, nil
}
