package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ilex/docmap/odm"
)

func drain(t *testing.T, it odm.DocumentIter) []bson.M {
	t.Helper()
	ctx := context.Background()
	defer it.Close(ctx)

	var docs []bson.M
	for {
		doc, err := it.Next(ctx)
		if errors.Is(err, odm.ErrStopIteration) {
			return docs
		}
		require.NoError(t, err)
		docs = append(docs, doc)
	}
}

func TestInsertOne_GeneratesID(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.InsertOne(ctx, "c", bson.M{"name": "x"})
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.IsType(t, "", id)

	docs := drain(t, mustFind(t, s, "c", bson.M{}))
	require.Len(t, docs, 1)
	assert.Equal(t, id, docs[0]["_id"])
}

func TestInsertOne_DuplicateKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.InsertOne(ctx, "c", bson.M{"_id": "a"})
	require.NoError(t, err)
	_, err = s.InsertOne(ctx, "c", bson.M{"_id": "a"})
	assert.Error(t, err)
}

func TestInsertOne_CopiesDocument(t *testing.T) {
	s := New()
	ctx := context.Background()

	doc := bson.M{"_id": "a", "tags": list("x", "y")}
	_, err := s.InsertOne(ctx, "c", doc)
	require.NoError(t, err)

	// Mutating the caller's document must not reach the store.
	doc["mutated"] = true
	docs := drain(t, mustFind(t, s, "c", bson.M{}))
	require.Len(t, docs, 1)
	assert.NotContains(t, docs[0], "mutated")
}

func TestReplaceOne(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.ReplaceOne(ctx, "c", "a", bson.M{"v": 1}, false)
	assert.Error(t, err, "replace without upsert should fail on a missing document")

	err = s.ReplaceOne(ctx, "c", "a", bson.M{"v": 1}, true)
	require.NoError(t, err)
	err = s.ReplaceOne(ctx, "c", "a", bson.M{"v": 2}, false)
	require.NoError(t, err)

	docs := drain(t, mustFind(t, s, "c", bson.M{}))
	require.Len(t, docs, 1)
	assert.Equal(t, 2, docs[0]["v"])
}

func TestFind_FilterOperators(t *testing.T) {
	s := New()
	seed(t, s, "c",
		bson.M{"_id": "a", "n": 1, "tags": list("red", "blue")},
		bson.M{"_id": "b", "n": 2},
		bson.M{"_id": "c", "n": 3, "tags": list("red")},
	)

	t.Run("equality", func(t *testing.T) {
		docs := drain(t, mustFind(t, s, "c", bson.M{"n": 2}))
		require.Len(t, docs, 1)
		assert.Equal(t, "b", docs[0]["_id"])
	})

	t.Run("integer widths compare equal", func(t *testing.T) {
		docs := drain(t, mustFind(t, s, "c", bson.M{"n": int64(2)}))
		assert.Len(t, docs, 1)
	})

	t.Run("array contains", func(t *testing.T) {
		docs := drain(t, mustFind(t, s, "c", bson.M{"tags": "red"}))
		assert.Len(t, docs, 2)
	})

	t.Run("$in", func(t *testing.T) {
		docs := drain(t, mustFind(t, s, "c", bson.M{"_id": bson.M{"$in": []any{"a", "c", "zzz"}}}))
		assert.Len(t, docs, 2)
	})

	t.Run("$exists", func(t *testing.T) {
		docs := drain(t, mustFind(t, s, "c", bson.M{"tags": bson.M{"$exists": false}}))
		require.Len(t, docs, 1)
		assert.Equal(t, "b", docs[0]["_id"])
	})

	t.Run("missing field never matches equality", func(t *testing.T) {
		docs := drain(t, mustFind(t, s, "c", bson.M{"absent": "x"}))
		assert.Empty(t, docs)
	})
}

func TestFind_DottedPath(t *testing.T) {
	s := New()
	seed(t, s, "c", bson.M{"_id": "a", "meta": bson.M{"author": "ann"}})

	docs := drain(t, mustFind(t, s, "c", bson.M{"meta.author": "ann"}))
	assert.Len(t, docs, 1)
}

func TestFind_SortSkipLimitProjection(t *testing.T) {
	s := New()
	seed(t, s, "c",
		bson.M{"_id": "b", "n": 2},
		bson.M{"_id": "a", "n": 1},
		bson.M{"_id": "d", "n": 4},
		bson.M{"_id": "c", "n": 3},
	)

	it, err := s.Find(context.Background(), "c", bson.M{}, odm.FindOptions{
		Sort:       bson.D{{Key: "n", Value: 1}},
		Skip:       1,
		Limit:      2,
		Projection: bson.M{"n": 1},
	})
	require.NoError(t, err)

	docs := drain(t, it)
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[0]["_id"], "projection keeps _id implicitly")
	assert.Equal(t, 2, docs[0]["n"])
	assert.Equal(t, "c", docs[1]["_id"])
}

func TestFind_SortDescending(t *testing.T) {
	s := New()
	seed(t, s,
		"c",
		bson.M{"_id": "a", "n": 1},
		bson.M{"_id": "b", "n": 2},
	)

	it, err := s.Find(context.Background(), "c", bson.M{}, odm.FindOptions{
		Sort: bson.D{{Key: "n", Value: -1}},
	})
	require.NoError(t, err)
	docs := drain(t, it)
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[0]["_id"])
}

func TestFindByIDs(t *testing.T) {
	s := New()
	seed(t, s, "c",
		bson.M{"_id": "a"},
		bson.M{"_id": "b"},
		bson.M{"_id": "c"},
	)

	it, err := s.FindByIDs(context.Background(), "c", []any{"a", "c"})
	require.NoError(t, err)
	docs := drain(t, it)
	assert.Len(t, docs, 2)
}

func TestUpdateMany(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, "c",
		bson.M{"_id": "a", "n": 1, "tmp": "x"},
		bson.M{"_id": "b", "n": 1},
		bson.M{"_id": "c", "n": 2},
	)

	modified, err := s.UpdateMany(ctx, "c", bson.M{"n": 1}, bson.M{
		"$set":   bson.M{"n": 9},
		"$unset": bson.M{"tmp": ""},
	}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, modified)

	docs := drain(t, mustFind(t, s, "c", bson.M{"n": 9}))
	assert.Len(t, docs, 2)
	for _, doc := range docs {
		assert.NotContains(t, doc, "tmp")
	}
}

func TestUpdateMany_PullWithIn(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, "c", bson.M{"_id": "a", "refs": list("x", "y", "z")})

	modified, err := s.UpdateMany(ctx, "c",
		bson.M{"refs": bson.M{"$in": []any{"x"}}},
		bson.M{"$pull": bson.M{"refs": bson.M{"$in": []any{"x", "z"}}}}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, modified)

	docs := drain(t, mustFind(t, s, "c", bson.M{}))
	require.Len(t, docs, 1)
	refs := docs[0]["refs"]
	require.Len(t, refs, 1)
	assert.Contains(t, refs, "y")
}

func TestUpdateMany_DottedPaths(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, "c", bson.M{
		"_id": "a",
		"meta": bson.M{
			"owner": "x",
			"tags":  list("red", "blue"),
		},
	})

	modified, err := s.UpdateMany(ctx, "c", bson.M{"meta.owner": "x"}, bson.M{
		"$unset": bson.M{"meta.owner": ""},
		"$pull":  bson.M{"meta.tags": "red"},
		"$set":   bson.M{"meta.rank": 3, "audit.by": "y"},
	}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, modified)

	docs := drain(t, mustFind(t, s, "c", bson.M{}))
	require.Len(t, docs, 1)
	meta, ok := docs[0]["meta"].(bson.M)
	require.True(t, ok)
	assert.NotContains(t, meta, "owner")
	assert.NotContains(t, meta["tags"], "red")
	assert.Contains(t, meta["tags"], "blue")
	assert.EqualValues(t, 3, meta["rank"])

	audit, ok := docs[0]["audit"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, "y", audit["by"])
}

func TestUpdateMany_DottedPathThroughScalar(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, "c", bson.M{"_id": "a", "meta": "scalar"})

	// $unset and $pull through a non-document step are no-ops.
	modified, err := s.UpdateMany(ctx, "c", bson.M{},
		bson.M{"$unset": bson.M{"meta.owner": ""}}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, modified)

	// $set cannot materialize a document inside a scalar.
	_, err = s.UpdateMany(ctx, "c", bson.M{},
		bson.M{"$set": bson.M{"meta.owner": "x"}}, nil)
	assert.Error(t, err)

	docs := drain(t, mustFind(t, s, "c", bson.M{}))
	require.Len(t, docs, 1)
	assert.Equal(t, "scalar", docs[0]["meta"])
}

func TestDeleteMany(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, "c",
		bson.M{"_id": "a", "n": 1},
		bson.M{"_id": "b", "n": 2},
		bson.M{"_id": "c", "n": 1},
	)

	deleted, err := s.DeleteMany(ctx, "c", bson.M{"n": 1}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	n, err := s.Count(ctx, "c", bson.M{}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCount(t *testing.T) {
	s := New()
	ctx := context.Background()

	n, err := s.Count(ctx, "missing", bson.M{}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	seed(t, s, "c", bson.M{"_id": "a", "n": 1}, bson.M{"_id": "b", "n": 2})
	n, err = s.Count(ctx, "c", bson.M{"n": 1}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCaseInsensitiveCollation(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, "c",
		bson.M{"_id": "a", "name": "Ada"},
		bson.M{"_id": "b", "name": "ada"},
		bson.M{"_id": "c", "name": "grace"},
	)
	insensitive := &options.Collation{Locale: "en", Strength: 2}

	n, err := s.Count(ctx, "c", bson.M{"name": "ADA"}, insensitive)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = s.Count(ctx, "c", bson.M{"name": "ADA"}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	it, err := s.Find(ctx, "c", bson.M{"name": bson.M{"$in": []any{"ADA"}}},
		odm.FindOptions{Collation: insensitive})
	require.NoError(t, err)
	assert.Len(t, drain(t, it), 2)

	modified, err := s.UpdateMany(ctx, "c", bson.M{"name": "ADA"},
		bson.M{"$set": bson.M{"seen": true}}, insensitive)
	require.NoError(t, err)
	assert.EqualValues(t, 2, modified)

	deleted, err := s.DeleteMany(ctx, "c", bson.M{"name": "ADA"}, insensitive)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	n, err = s.Count(ctx, "c", bson.M{}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestIterClose(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, "c", bson.M{"_id": "a"})

	it := mustFind(t, s, "c", bson.M{})
	require.NoError(t, it.Close(ctx))
	_, err := it.Next(ctx)
	assert.ErrorIs(t, err, odm.ErrStopIteration)
}

// --- helpers ---

func seed(t *testing.T, s *Store, collection string, docs ...bson.M) {
	t.Helper()
	for _, doc := range docs {
		_, err := s.InsertOne(context.Background(), collection, doc)
		require.NoError(t, err)
	}
}

func mustFind(t *testing.T, s *Store, collection string, filter bson.M) odm.DocumentIter {
	t.Helper()
	it, err := s.Find(context.Background(), collection, filter, odm.FindOptions{})
	require.NoError(t, err)
	return it
}

func list(elems ...any) []any { return elems }
