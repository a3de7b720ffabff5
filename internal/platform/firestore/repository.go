package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Decoder hydrates the strongly typed document model from a snapshot.
type Decoder[T any] func(snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection provides typed helpers around a single top-level collection.
type Collection[T any] struct {
	provider *Provider
	name     string
	decode   Decoder[T]
}

// NewCollection binds a typed helper to a collection name.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{
		provider: provider,
		name:     strings.TrimSpace(name),
		decode:   StructDecoder[T](),
	}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

// Get fetches the document by ID.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	doc, err := c.DocumentRef(ctx, id)
	if err != nil {
		return zero, err
	}
	snap, err := doc.Get(ctx)
	if err != nil {
		return zero, WrapError(c.op("get"), err)
	}
	return c.decode(snap)
}

// GetTx fetches the document by ID inside a transaction.
func (c *Collection[T]) GetTx(tx *firestore.Transaction, ref *firestore.DocumentRef) (T, error) {
	var zero T
	snap, err := tx.Get(ref)
	if err != nil {
		return zero, WrapError(c.op("get"), err)
	}
	return c.decode(snap)
}

// First runs the query and returns the first matching document with its ID.
func (c *Collection[T]) First(ctx context.Context, build QueryBuilder) (string, T, error) {
	var zero T
	coll, err := c.ref(ctx)
	if err != nil {
		return "", zero, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}
	iter := query.Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return "", zero, NotFound(c.op("first"), "no %s document matches query", c.name)
	}
	if err != nil {
		return "", zero, WrapError(c.op("first"), err)
	}
	value, err := c.decode(snap)
	if err != nil {
		return "", zero, fmt.Errorf("firestore: decode document %s: %w", snap.Ref.ID, err)
	}
	return snap.Ref.ID, value, nil
}

// DocumentRef exposes the underlying document reference for transactions.
func (c *Collection[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("document"), errors.New("firestore: document id is required"))
	}
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (c *Collection[T]) ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, errors.New("firestore: provider is nil")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) op(action string) string {
	return fmt.Sprintf("%s.%s", c.name, action)
}

// StructDecoder populates the target struct using Firestore's native decoding.
func StructDecoder[T any]() Decoder[T] {
	return func(snap *firestore.DocumentSnapshot) (T, error) {
		var target T
		err := snap.DataTo(&target)
		return target, err
	}
}
