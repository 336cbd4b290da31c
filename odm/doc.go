// Package odm maps typed Go model instances to documents in a document
// database, resolves references between documents in batches, and enforces
// referential-integrity policies on delete.
//
// # Models
//
// A model is a struct implementing [Model], with one field tagged as the
// primary key:
//
//	type Post struct {
//	    ID    primitive.ObjectID `bson:"_id,omitempty"`
//	    Title string             `bson:"title,omitempty"`
//	}
//
//	func (Post) CollectionName() string { return "posts" }
//
// Models are registered once, at startup, with a [Registry]:
//
//	reg := odm.NewRegistry()
//	reg.Register(&Post{}, &Comment{})
//
// # References
//
// A [Ref] field stores another document's primary key and tracks whether the
// target has been loaded:
//
//	type Comment struct {
//	    ID   primitive.ObjectID `bson:"_id,omitempty"`
//	    Post odm.Ref[Post]      `bson:"post,omitempty"`
//	}
//
// [DB.Dereference] scans an instance for unresolved references, fetches each
// target collection with a single multi-key lookup, and attaches the resolved
// objects in place. References to deleted documents resolve to the Missing
// state, never an error.
//
// # Delete rules
//
// Delete rules registered with [Registry.RegisterDeleteRule] run when a
// referenced document is deleted: Deny aborts the delete, Cascade deletes the
// owning documents, Nullify unsets the referring field and Pull removes the
// ids from list-valued fields. Cascades across mutually referencing models
// terminate because recursion is driven by the matching document ids, not by
// the rule graph.
//
// # Queries
//
// [DB.Query] builds a query whose results stream through a forward-only
// [Cursor] with at most one fetch in flight:
//
//	cur, err := db.Query(&Comment{}).Filter(bson.M{"post": postID}).Iter(ctx)
//
// [Query.First], [Query.One] and [Query.All] cover the common single and
// multi-result shapes, with [ErrDoesNotExist] and [ErrMultipleObjectsReturned]
// as the typed failure modes.
package odm
