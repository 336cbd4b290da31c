package odm

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// Model is the base interface for all storable types. Implementations are
// structs whose fields carry bson tags; the field tagged "_id" is the primary
// key.
type Model interface {
	// CollectionName returns the collection this model type is stored in.
	CollectionName() string
}

// Validator is implemented by models that validate themselves before being
// saved. Errors returned by Validate propagate unchanged out of Save, wrapped
// in a *ValidationError.
type Validator interface {
	Validate() error
}

// DeleteRule is the policy applied to owning documents when a document they
// refer to is deleted.
type DeleteRule int

const (
	// DoNothing leaves owning documents untouched.
	DoNothing DeleteRule = iota

	// Nullify unsets the referring field on owning documents.
	Nullify

	// Cascade deletes owning documents, recursively applying their own rules.
	Cascade

	// Deny aborts the delete while any owning document still refers to a victim.
	Deny

	// Pull removes victim ids from a list-valued referring field.
	Pull
)

func (r DeleteRule) String() string {
	switch r {
	case DoNothing:
		return "DO_NOTHING"
	case Nullify:
		return "NULLIFY"
	case Cascade:
		return "CASCADE"
	case Deny:
		return "DENY"
	case Pull:
		return "PULL"
	}
	return fmt.Sprintf("DeleteRule(%d)", int(r))
}

// RuleEntry is one registered delete rule: when a document of the referenced
// model is deleted, Rule is applied to documents in OwningCollection whose
// FieldPath refers to it.
type RuleEntry struct {
	OwningCollection string
	FieldPath        string
	Rule             DeleteRule

	owning *modelMeta
}

// modelMeta is the reflected metadata for one registered model type.
type modelMeta struct {
	typ        reflect.Type // struct type, not pointer
	collection string
	pkIndex    int // struct field index of the "_id" field
}

// Registry maps model types to their collection names, primary-key fields and
// delete-rule tables. A Registry is built at startup and shared by reference
// with every DB; it is never a hidden singleton.
type Registry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]*modelMeta
	rules  map[reflect.Type][]RuleEntry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[reflect.Type]*modelMeta),
		rules:  make(map[reflect.Type][]RuleEntry),
	}
}

// Register adds model types to the registry. Each model must be a struct (or
// pointer to struct) with a field whose bson tag is "_id".
func (r *Registry) Register(models ...Model) error {
	for _, m := range models {
		if err := r.register(m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) register(m Model) error {
	t := structType(m)
	if t == nil {
		return fmt.Errorf("docmap: model %T is not a struct", m)
	}

	pkIndex := -1
	for i := 0; i < t.NumField(); i++ {
		if bsonFieldName(t.Field(i)) == "_id" {
			pkIndex = i
			break
		}
	}
	if pkIndex < 0 {
		return fmt.Errorf("%w: %s", ErrNoPrimaryKey, t.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[t] = &modelMeta{
		typ:        t,
		collection: m.CollectionName(),
		pkIndex:    pkIndex,
	}
	return nil
}

// RegisterDeleteRule registers a delete rule on the referenced model: when a
// referenced document is deleted, rule is applied to owning documents whose
// fieldPath refers to it. Rules run in registration order, except that Deny
// rules are always checked before any mutation.
func (r *Registry) RegisterDeleteRule(referenced, owning Model, fieldPath string, rule DeleteRule) error {
	refMeta, err := r.metaFor(referenced)
	if err != nil {
		return err
	}
	ownMeta, err := r.metaFor(owning)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[refMeta.typ] = append(r.rules[refMeta.typ], RuleEntry{
		OwningCollection: ownMeta.collection,
		FieldPath:        fieldPath,
		Rule:             rule,
		owning:           ownMeta,
	})
	return nil
}

// DeleteRules returns the delete rules registered against model, in
// registration order. The returned slice is a snapshot: rules registered
// after the call do not appear in it.
func (r *Registry) DeleteRules(model Model) ([]RuleEntry, error) {
	meta, err := r.metaFor(model)
	if err != nil {
		return nil, err
	}
	return r.rulesFor(meta.typ), nil
}

// ClearDeleteRules removes every delete rule registered against model.
func (r *Registry) ClearDeleteRules(model Model) error {
	meta, err := r.metaFor(model)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, meta.typ)
	return nil
}

func (r *Registry) rulesFor(t reflect.Type) []RuleEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rules := r.rules[t]
	if len(rules) == 0 {
		return nil
	}
	snapshot := make([]RuleEntry, len(rules))
	copy(snapshot, rules)
	return snapshot
}

// CollectionName returns the collection the model type is stored in.
func (r *Registry) CollectionName(model Model) (string, error) {
	meta, err := r.metaFor(model)
	if err != nil {
		return "", err
	}
	return meta.collection, nil
}

// PrimaryKeyField returns the document key of the model's primary key, which
// is always "_id".
func (r *Registry) PrimaryKeyField(model Model) (string, error) {
	if _, err := r.metaFor(model); err != nil {
		return "", err
	}
	return "_id", nil
}

// FromDocument constructs a new instance of model's type from a raw document.
func (r *Registry) FromDocument(model Model, doc bson.M) (Model, error) {
	meta, err := r.metaFor(model)
	if err != nil {
		return nil, err
	}
	return meta.instantiate(doc)
}

// ToDocument serializes an instance to a raw document.
func (r *Registry) ToDocument(instance Model) (bson.M, error) {
	if _, err := r.metaFor(instance); err != nil {
		return nil, err
	}
	raw, err := bson.Marshal(instance)
	if err != nil {
		return nil, fmt.Errorf("docmap: marshal %T: %w", instance, err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("docmap: unmarshal %T: %w", instance, err)
	}
	return doc, nil
}

func (r *Registry) metaFor(m Model) (*modelMeta, error) {
	t := structType(m)
	if t == nil {
		return nil, fmt.Errorf("docmap: model %T is not a struct", m)
	}
	return r.metaForType(t)
}

func (r *Registry) metaForType(t reflect.Type) (*modelMeta, error) {
	r.mu.RLock()
	meta, ok := r.byType[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, t.Name())
	}
	return meta, nil
}

// instantiate builds a new pointer-to-struct instance from a raw document.
func (m *modelMeta) instantiate(doc bson.M) (Model, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("docmap: marshal document for %s: %w", m.collection, err)
	}
	ptr := reflect.New(m.typ)
	if err := bson.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("docmap: unmarshal document for %s: %w", m.collection, err)
	}
	return ptr.Interface().(Model), nil
}

// pkValue returns the instance's primary key and whether it is set.
func (m *modelMeta) pkValue(instance Model) (any, bool) {
	v := reflect.ValueOf(instance)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	fv := v.Field(m.pkIndex)
	if fv.IsZero() {
		return nil, false
	}
	return fv.Interface(), true
}

// setPK writes a store-generated id back onto the instance.
func (m *modelMeta) setPK(instance Model, id any) error {
	v := reflect.ValueOf(instance)
	if v.Kind() != reflect.Ptr {
		return fmt.Errorf("docmap: cannot set primary key on non-pointer %T", instance)
	}
	fv := v.Elem().Field(m.pkIndex)
	idv := reflect.ValueOf(id)
	if !idv.Type().AssignableTo(fv.Type()) {
		return fmt.Errorf("docmap: generated id %T is not assignable to %s.%s",
			id, m.typ.Name(), m.typ.Field(m.pkIndex).Name)
	}
	fv.Set(idv)
	return nil
}

// structType resolves a model value to its underlying struct type.
func structType(m any) reflect.Type {
	t := reflect.TypeOf(m)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

// bsonFieldName returns the document key a struct field maps to, following
// the mongo driver's rules: the bson tag name when present, otherwise the
// lowercased field name. Fields tagged "-" or unexported map to "".
func bsonFieldName(sf reflect.StructField) string {
	if sf.PkgPath != "" {
		return ""
	}
	tag, ok := sf.Tag.Lookup("bson")
	if !ok {
		return strings.ToLower(sf.Name)
	}
	name := tag
	if i := strings.Index(tag, ","); i >= 0 {
		name = tag[:i]
	}
	if name == "-" {
		return ""
	}
	if name == "" {
		return strings.ToLower(sf.Name)
	}
	return name
}
