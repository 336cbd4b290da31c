//go:build e2e

// Package e2e contains end-to-end integration tests against a real MongoDB.
// Run with: go test -tags=e2e -v ./e2e/...
//
// The target server is taken from DOCMAP_E2E_URI, defaulting to a local
// mongod. Each run uses a uniquely named database and drops it afterwards.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ilex/docmap/mongostore"
	"github.com/ilex/docmap/odm"
)

var (
	testDB     *odm.DB
	mongoDB    *mongo.Database
	disconnect func(context.Context) error
)

// --- Test Models ---

type Author struct {
	ID   primitive.ObjectID `bson:"_id,omitempty"`
	Name string             `bson:"name,omitempty"`
}

func (Author) CollectionName() string { return "authors" }

type Post struct {
	ID     primitive.ObjectID `bson:"_id,omitempty"`
	Title  string             `bson:"title,omitempty"`
	Author odm.Ref[Author]    `bson:"author,omitempty"`
	Tags   []string           `bson:"tags,omitempty"`
}

func (Post) CollectionName() string { return "posts" }

type Comment struct {
	ID   primitive.ObjectID `bson:"_id,omitempty"`
	Body string             `bson:"body,omitempty"`
	Post odm.Ref[Post]      `bson:"post,omitempty"`
}

func (Comment) CollectionName() string { return "comments" }

// --- Setup & Teardown ---

func TestMain(m *testing.M) {
	uri := os.Getenv("DOCMAP_E2E_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	dbName := fmt.Sprintf("docmap-e2e-%s", uuid.New().String()[:8])
	fmt.Printf("Database: %s\n", dbName)

	cfg := mongostore.Config{
		URI:            uri,
		Database:       dbName,
		ConnectTimeout: 10 * time.Second,
		Timeout:        30 * time.Second,
	}

	store, disc, err := mongostore.Connect(context.Background(), cfg)
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		os.Exit(1)
	}
	disconnect = disc

	client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to open cleanup client: %v\n", err)
		os.Exit(1)
	}
	mongoDB = client.Database(dbName)

	registry := odm.NewRegistry()
	if err := registry.Register(&Author{}, &Post{}, &Comment{}); err != nil {
		fmt.Printf("Failed to register models: %v\n", err)
		os.Exit(1)
	}
	if err := registry.RegisterDeleteRule(&Author{}, &Post{}, "author", odm.Cascade); err != nil {
		fmt.Printf("Failed to register delete rule: %v\n", err)
		os.Exit(1)
	}
	if err := registry.RegisterDeleteRule(&Post{}, &Comment{}, "post", odm.Nullify); err != nil {
		fmt.Printf("Failed to register delete rule: %v\n", err)
		os.Exit(1)
	}
	testDB = odm.NewDB(store, registry)

	code := m.Run()

	ctx := context.Background()
	if err := mongoDB.Drop(ctx); err != nil {
		fmt.Printf("Warning: failed to drop database %s: %v\n", dbName, err)
	}
	_ = client.Disconnect(ctx)
	_ = disconnect(ctx)

	os.Exit(code)
}

// clearCollections empties the collections used by a test.
func clearCollections(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := mongoDB.Collection(name).DeleteMany(context.Background(), bson.M{}); err != nil {
			t.Fatalf("clear %s: %v", name, err)
		}
	}
}

// --- Lifecycle Tests ---

func TestSaveAndQuery(t *testing.T) {
	clearCollections(t, "authors", "posts")
	ctx := context.Background()

	author := &Author{Name: "ann"}
	if err := testDB.Save(ctx, author); err != nil {
		t.Fatalf("Save author failed: %v", err)
	}
	if author.ID.IsZero() {
		t.Fatal("expected generated id")
	}

	post := &Post{Title: "hello", Author: odm.NewRef[Author](author.ID), Tags: []string{"go", "db"}}
	if err := testDB.Save(ctx, post); err != nil {
		t.Fatalf("Save post failed: %v", err)
	}

	item, err := testDB.Query(&Post{}).Filter(bson.M{"tags": "go"}).One(ctx)
	if err != nil {
		t.Fatalf("One failed: %v", err)
	}
	got := item.(*Post)
	if got.Title != "hello" {
		t.Errorf("expected title 'hello', got %q", got.Title)
	}
	if got.Author.State() != odm.RefUnresolved {
		t.Errorf("expected lazy reference, got %v", got.Author.State())
	}
}

func TestDereferenceAgainstServer(t *testing.T) {
	clearCollections(t, "authors", "posts")
	ctx := context.Background()

	author := &Author{Name: "ben"}
	if err := testDB.Save(ctx, author); err != nil {
		t.Fatalf("Save author failed: %v", err)
	}
	post := &Post{Title: "p", Author: odm.NewRef[Author](author.ID)}
	if err := testDB.Save(ctx, post); err != nil {
		t.Fatalf("Save post failed: %v", err)
	}

	item, err := testDB.Query(&Post{}).SelectRelated().One(ctx)
	if err != nil {
		t.Fatalf("One failed: %v", err)
	}
	got := item.(*Post)
	if got.Author.State() != odm.RefResolved {
		t.Fatalf("expected resolved reference, got %v", got.Author.State())
	}
	if got.Author.Value().Name != "ben" {
		t.Errorf("expected author 'ben', got %q", got.Author.Value().Name)
	}
}

func TestCascadeAndNullifyAgainstServer(t *testing.T) {
	clearCollections(t, "authors", "posts", "comments")
	ctx := context.Background()

	author := &Author{Name: "cay"}
	if err := testDB.Save(ctx, author); err != nil {
		t.Fatalf("Save author failed: %v", err)
	}
	post := &Post{Title: "p", Author: odm.NewRef[Author](author.ID)}
	if err := testDB.Save(ctx, post); err != nil {
		t.Fatalf("Save post failed: %v", err)
	}
	comment := &Comment{Body: "c", Post: odm.NewRef[Post](post.ID)}
	if err := testDB.Save(ctx, comment); err != nil {
		t.Fatalf("Save comment failed: %v", err)
	}

	// Deleting the author cascades into posts, which nullifies comments.
	if err := testDB.Delete(ctx, author); err != nil {
		t.Fatalf("Delete author failed: %v", err)
	}

	n, err := testDB.Query(&Post{}).Count(ctx)
	if err != nil {
		t.Fatalf("Count posts failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected posts cascaded away, got %d", n)
	}

	if err := testDB.Refresh(ctx, comment); err != nil {
		t.Fatalf("Refresh comment failed: %v", err)
	}
	if comment.Post.ID() != nil {
		t.Errorf("expected nullified reference, got %v", comment.Post.ID())
	}
}

func TestRefreshAgainstServer(t *testing.T) {
	clearCollections(t, "authors")
	ctx := context.Background()

	author := &Author{Name: "dee"}
	if err := testDB.Save(ctx, author); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Out-of-band edit, as another writer would do.
	_, err := mongoDB.Collection("authors").UpdateOne(ctx,
		bson.M{"_id": author.ID},
		bson.M{"$set": bson.M{"name": "dee (edited)"}})
	if err != nil {
		t.Fatalf("out-of-band update failed: %v", err)
	}

	if err := testDB.Refresh(ctx, author); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if author.Name != "dee (edited)" {
		t.Errorf("expected refreshed name, got %q", author.Name)
	}
}

func TestQueryFirstEmpty(t *testing.T) {
	clearCollections(t, "comments")

	_, err := testDB.Query(&Comment{}).First(context.Background())
	if !errors.Is(err, odm.ErrDoesNotExist) {
		t.Errorf("expected ErrDoesNotExist, got %v", err)
	}
}
