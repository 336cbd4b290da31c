// Package memstore provides an in-memory DocumentStore for tests and
// embedded use. It supports the filter and update operators the mapping
// runtime issues: equality, $in, $set, $unset and $pull. Collations with
// strength 1 or 2 fold case when matching strings; anything stronger falls
// back to exact comparison.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ilex/docmap/odm"
)

// Store is an in-memory document store. Collections spring into existence on
// first write. Documents are deep-copied on the way in and out, so callers
// never share memory with the store.
type Store struct {
	mu          sync.RWMutex
	collections map[string][]bson.M // insertion order preserved
}

// New creates an empty Store.
func New() *Store {
	return &Store{collections: make(map[string][]bson.M)}
}

var _ odm.DocumentStore = (*Store)(nil)

// FindByIDs implements odm.DocumentStore.
func (s *Store) FindByIDs(ctx context.Context, collection string, ids []any) (odm.DocumentIter, error) {
	return s.Find(ctx, collection, bson.M{"_id": bson.M{"$in": ids}}, odm.FindOptions{})
}

// Find implements odm.DocumentStore.
func (s *Store) Find(_ context.Context, collection string, filter bson.M, opts odm.FindOptions) (odm.DocumentIter, error) {
	fold := foldsCase(opts.Collation)

	s.mu.RLock()
	var matched []bson.M
	for _, doc := range s.collections[collection] {
		if matchFilter(doc, filter, fold) {
			matched = append(matched, cloneDoc(doc))
		}
	}
	s.mu.RUnlock()

	if len(opts.Sort) > 0 {
		sortDocs(matched, opts.Sort)
	}
	if opts.Skip > 0 {
		if opts.Skip >= int64(len(matched)) {
			matched = nil
		} else {
			matched = matched[opts.Skip:]
		}
	}
	if opts.Limit > 0 && int64(len(matched)) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	if len(opts.Projection) > 0 {
		for i, doc := range matched {
			matched[i] = project(doc, opts.Projection)
		}
	}
	return &sliceIter{docs: matched}, nil
}

// InsertOne implements odm.DocumentStore. Documents without an _id receive a
// generated UUID string.
func (s *Store) InsertOne(_ context.Context, collection string, doc bson.M) (any, error) {
	stored := cloneDoc(doc)
	id, ok := stored["_id"]
	if !ok || id == nil {
		id = uuid.NewString()
		stored["_id"] = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.collections[collection] {
		if valueEq(existing["_id"], id) {
			return nil, fmt.Errorf("memstore: duplicate key %v in %s", id, collection)
		}
	}
	s.collections[collection] = append(s.collections[collection], stored)
	return id, nil
}

// ReplaceOne implements odm.DocumentStore.
func (s *Store) ReplaceOne(_ context.Context, collection string, id any, doc bson.M, upsert bool) error {
	stored := cloneDoc(doc)
	stored["_id"] = id

	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.collections[collection]
	for i, existing := range docs {
		if valueEq(existing["_id"], id) {
			docs[i] = stored
			return nil
		}
	}
	if !upsert {
		return fmt.Errorf("memstore: no document with _id %v in %s", id, collection)
	}
	s.collections[collection] = append(docs, stored)
	return nil
}

// UpdateMany implements odm.DocumentStore. Supported operators: $set, $unset
// and $pull (with equality or $in conditions).
func (s *Store) UpdateMany(_ context.Context, collection string, filter, update bson.M, collation *options.Collation) (int64, error) {
	fold := foldsCase(collation)

	s.mu.Lock()
	defer s.mu.Unlock()

	var modified int64
	for _, doc := range s.collections[collection] {
		if !matchFilter(doc, filter, fold) {
			continue
		}
		if err := applyUpdate(doc, update); err != nil {
			return modified, err
		}
		modified++
	}
	return modified, nil
}

// DeleteMany implements odm.DocumentStore.
func (s *Store) DeleteMany(_ context.Context, collection string, filter bson.M, collation *options.Collation) (int64, error) {
	fold := foldsCase(collation)

	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collections[collection]
	kept := docs[:0]
	var deleted int64
	for _, doc := range docs {
		if matchFilter(doc, filter, fold) {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	s.collections[collection] = kept
	return deleted, nil
}

// Count implements odm.DocumentStore.
func (s *Store) Count(_ context.Context, collection string, filter bson.M, collation *options.Collation) (int64, error) {
	fold := foldsCase(collation)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, doc := range s.collections[collection] {
		if matchFilter(doc, filter, fold) {
			n++
		}
	}
	return n, nil
}

// sliceIter streams a pre-computed result slice.
type sliceIter struct {
	docs   []bson.M
	next   int
	closed bool
}

func (it *sliceIter) Next(context.Context) (bson.M, error) {
	if it.closed || it.next >= len(it.docs) {
		return nil, odm.ErrStopIteration
	}
	doc := it.docs[it.next]
	it.next++
	return doc, nil
}

func (it *sliceIter) Close(context.Context) error {
	it.closed = true
	return nil
}

// --- filter evaluation ---

// foldsCase reports whether the collation asks for case-insensitive string
// comparison. Strength 1 ignores case and diacritics, strength 2 ignores
// case; the store approximates both with simple case folding.
func foldsCase(collation *options.Collation) bool {
	return collation != nil && collation.Strength > 0 && collation.Strength <= 2
}

// matchFilter reports whether doc satisfies filter. Conditions combine with
// AND; each condition is an equality or an operator document.
func matchFilter(doc bson.M, filter bson.M, fold bool) bool {
	for field, cond := range filter {
		val, present := lookupPath(doc, field)
		if ops, ok := operatorDoc(cond); ok {
			if !matchOperators(val, present, ops, fold) {
				return false
			}
			continue
		}
		if !present || !fieldEq(val, cond, fold) {
			return false
		}
	}
	return true
}

func matchOperators(val any, present bool, ops bson.M, fold bool) bool {
	for op, arg := range ops {
		switch op {
		case "$in":
			if !present {
				return false
			}
			found := false
			for _, candidate := range asList(arg) {
				if fieldEq(val, candidate, fold) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if present != want {
				return false
			}
		default:
			// Unsupported operators never match; the runtime does not issue them.
			return false
		}
	}
	return true
}

// operatorDoc reports whether cond is an operator document like {"$in": ...}.
func operatorDoc(cond any) (bson.M, bool) {
	m, ok := cond.(bson.M)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

// fieldEq applies document-database equality: a scalar matches itself, and an
// array field matches when any element does.
func fieldEq(val, target any, fold bool) bool {
	if valueEqFold(val, target, fold) {
		return true
	}
	for _, elem := range asList(val) {
		if valueEqFold(elem, target, fold) {
			return true
		}
	}
	return false
}

// lookupPath resolves a dot-notation path against nested documents.
func lookupPath(doc bson.M, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = doc
	for _, seg := range segments {
		m, ok := current.(bson.M)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// --- update evaluation ---

func applyUpdate(doc bson.M, update bson.M) error {
	for op, arg := range update {
		fields, ok := arg.(bson.M)
		if !ok {
			return fmt.Errorf("memstore: malformed %s update", op)
		}
		switch op {
		case "$set":
			for field, v := range fields {
				parent, key, ok := parentDoc(doc, field, true)
				if !ok {
					return fmt.Errorf("memstore: cannot set %s through non-document value", field)
				}
				parent[key] = cloneValue(v)
			}
		case "$unset":
			for field := range fields {
				if parent, key, ok := parentDoc(doc, field, false); ok {
					delete(parent, key)
				}
			}
		case "$pull":
			for field, cond := range fields {
				if parent, key, ok := parentDoc(doc, field, false); ok {
					pullField(parent, key, cond)
				}
			}
		default:
			return fmt.Errorf("memstore: unsupported update operator %s", op)
		}
	}
	return nil
}

// parentDoc walks all but the last segment of a dot-notation path and returns
// the enclosing document together with the final key. With create set, missing
// intermediate documents are materialized; otherwise a missing or non-document
// step reports false.
func parentDoc(doc bson.M, path string, create bool) (bson.M, string, bool) {
	segments := strings.Split(path, ".")
	current := doc
	for _, seg := range segments[:len(segments)-1] {
		next, present := current[seg]
		if !present {
			if !create {
				return nil, "", false
			}
			child := bson.M{}
			current[seg] = child
			current = child
			continue
		}
		switch m := next.(type) {
		case bson.M:
			current = m
		case map[string]any:
			current = bson.M(m)
		default:
			return nil, "", false
		}
	}
	return current, segments[len(segments)-1], true
}

// pullField removes matching elements from a list-valued field. The condition
// is either an $in document or a plain value.
func pullField(doc bson.M, field string, cond any) {
	list := asList(doc[field])
	if list == nil {
		return
	}

	matches := func(elem any) bool { return valueEq(elem, cond) }
	if ops, ok := operatorDoc(cond); ok {
		candidates := asList(ops["$in"])
		matches = func(elem any) bool {
			for _, c := range candidates {
				if valueEq(elem, c) {
					return true
				}
			}
			return false
		}
	}

	var kept primitive.A
	for _, elem := range list {
		if !matches(elem) {
			kept = append(kept, elem)
		}
	}
	doc[field] = kept
}

// --- value helpers ---

// asList returns v's elements when v is array-valued, nil otherwise.
func asList(v any) []any {
	switch list := v.(type) {
	case primitive.A:
		return list
	case []any:
		return list
	}
	return nil
}

// valueEq compares two bson values, treating all integer widths alike.
func valueEq(a, b any) bool {
	return valueEqFold(a, b, false)
}

// valueEqFold is valueEq with optional case folding for strings.
func valueEqFold(a, b any, fold bool) bool {
	an, aok := asInt64(a)
	bn, bok := asInt64(b)
	if aok && bok {
		return an == bn
	}
	if aok != bok {
		return false
	}
	la, lb := asList(a), asList(b)
	if la != nil || lb != nil {
		if len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !valueEqFold(la[i], lb[i], fold) {
				return false
			}
		}
		return true
	}
	ma, maok := a.(bson.M)
	mb, mbok := b.(bson.M)
	if maok || mbok {
		if !maok || !mbok || len(ma) != len(mb) {
			return false
		}
		for k, av := range ma {
			bv, ok := mb[k]
			if !ok || !valueEqFold(av, bv, fold) {
				return false
			}
		}
		return true
	}
	if fold {
		as, aok := a.(string)
		bs, bok := b.(string)
		if aok && bok {
			return strings.EqualFold(as, bs)
		}
	}
	return a == b
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// sortDocs orders docs by the sort specification, comparing numbers and
// strings; other types keep their relative order.
func sortDocs(docs []bson.M, spec bson.D) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range spec {
			cmp := compareValues(docs[i][s.Key], docs[j][s.Key])
			if cmp == 0 {
				continue
			}
			if dir, ok := asInt64(s.Value); ok && dir < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func compareValues(a, b any) int {
	if an, ok := asInt64(a); ok {
		if bn, ok := asInt64(b); ok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			}
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return 0
}

// project applies an inclusion projection. _id is kept unless explicitly
// excluded.
func project(doc bson.M, projection bson.M) bson.M {
	out := bson.M{}
	for field, v := range projection {
		include := true
		if n, ok := asInt64(v); ok {
			include = n != 0
		} else if b, ok := v.(bool); ok {
			include = b
		}
		if !include {
			continue
		}
		if val, present := doc[field]; present {
			out[field] = val
		}
	}
	if _, specified := projection["_id"]; !specified {
		if id, present := doc["_id"]; present {
			out["_id"] = id
		}
	}
	return out
}

func cloneDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case bson.M:
		return cloneDoc(val)
	case map[string]any:
		return cloneDoc(bson.M(val))
	case primitive.A:
		out := make(primitive.A, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	case []any:
		out := make(primitive.A, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	}
	return v
}
