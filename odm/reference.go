package odm

import (
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// RefState is the resolution state of a reference field.
type RefState int

const (
	// RefUnresolved means the field holds only the target's primary key.
	RefUnresolved RefState = iota

	// RefResolved means the target object has been loaded and attached.
	RefResolved

	// RefMissing means a lookup was attempted and the target does not exist.
	RefMissing
)

func (s RefState) String() string {
	switch s {
	case RefUnresolved:
		return "unresolved"
	case RefResolved:
		return "resolved"
	case RefMissing:
		return "missing"
	}
	return fmt.Sprintf("RefState(%d)", int(s))
}

// Ref is a reference field: it stores another document's primary key and is
// exactly one of unresolved, resolved or missing. It marshals to the raw id,
// so reloading an instance from storage always resets it to unresolved.
//
// The zero Ref is an unset reference; with the omitempty bson option it is
// not written to the document at all.
type Ref[T any] struct {
	id    any
	state RefState
	value *T
}

// NewRef creates an unresolved reference to the document with the given id.
func NewRef[T any](id any) Ref[T] {
	return Ref[T]{id: id}
}

// ResolvedRef creates a reference that already carries its target. It still
// marshals to the id only.
func ResolvedRef[T any](id any, target *T) Ref[T] {
	return Ref[T]{id: id, state: RefResolved, value: target}
}

// ID returns the referenced primary key, or nil for an unset reference.
func (r Ref[T]) ID() any {
	return r.id
}

// State returns the reference's resolution state.
func (r Ref[T]) State() RefState {
	return r.state
}

// Value returns the resolved target object. It is non-nil only in the
// resolved state.
func (r Ref[T]) Value() *T {
	return r.value
}

// IsZero reports whether the reference is unset. It makes the bson omitempty
// option skip empty references.
func (r Ref[T]) IsZero() bool {
	return r.id == nil && r.state == RefUnresolved
}

// MarshalBSONValue writes the reference as its raw id, or null when unset.
// The null must be explicit: the encoder cannot derive a codec from a nil
// interface.
func (r Ref[T]) MarshalBSONValue() (bsontype.Type, []byte, error) {
	if r.id == nil {
		return bson.MarshalValue(primitive.Null{})
	}
	return bson.MarshalValue(r.id)
}

// UnmarshalBSONValue reads a raw id. The reference always comes back
// unresolved: raw documents carry ids, never objects.
func (r *Ref[T]) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	if t == bsontype.Null {
		*r = Ref[T]{}
		return nil
	}
	raw := bson.RawValue{Type: t, Value: data}
	var id any
	if err := raw.Unmarshal(&id); err != nil {
		return fmt.Errorf("docmap: unmarshal reference id: %w", err)
	}
	*r = Ref[T]{id: id}
	return nil
}

// refField is how the reflection walker manipulates Ref fields without
// knowing their type parameter.
type refField interface {
	refID() any
	refState() RefState
	resolvedTarget() any
	setResolved(target any)
	setMissing()
	targetType() reflect.Type
}

func (r *Ref[T]) refID() any { return r.id }

func (r *Ref[T]) refState() RefState { return r.state }

func (r *Ref[T]) resolvedTarget() any {
	if r.value == nil {
		return nil
	}
	return r.value
}

func (r *Ref[T]) setResolved(target any) {
	r.value = target.(*T)
	r.state = RefResolved
}

func (r *Ref[T]) setMissing() {
	r.value = nil
	r.state = RefMissing
}

func (r *Ref[T]) targetType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
