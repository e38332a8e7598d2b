package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

var (
	errNilProvider  = errors.New("firestore: provider is nil")
	errNoCollection = errors.New("firestore: collection name is required")
	errNoDocumentID = errors.New("firestore: document id is required")
)

// Document pairs a decoded entity with the snap metadata Firestore
// returned alongside it.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
	ReadTime   time.Time
}

// MutationResult carries the server-assigned update timestamp of a write.
type MutationResult struct {
	UpdateTime time.Time
}

// Encoder converts an entity into the value handed to Firestore on writes.
type Encoder[T any] func(ctx context.Context, value T) (any, error)

// Decoder builds an entity from a document snap.
type Decoder[T any] func(ctx context.Context, snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder shapes a collection query before it runs.
type QueryBuilder func(query firestore.Query) firestore.Query

// BaseRepository wraps a single collection with typed reads and writes. The
// return, order and violation repositories embed one per document type.
type BaseRepository[T any] struct {
	provider   *Provider
	collection string
	encode     Encoder[T]
	decode     Decoder[T]
}

// NewBaseRepository binds a repository to a collection. Nil encode or decode
// fall back to IdentityEncoder and StructDecoder, which cover every document
// type this service stores.
func NewBaseRepository[T any](provider *Provider, collection string, encode Encoder[T], decode Decoder[T]) *BaseRepository[T] {
	repo := &BaseRepository[T]{
		provider:   provider,
		collection: strings.TrimSpace(collection),
		encode:     encode,
		decode:     decode,
	}
	if repo.encode == nil {
		repo.encode = IdentityEncoder[T]()
	}
	if repo.decode == nil {
		repo.decode = StructDecoder[T]()
	}
	return repo
}

// Set upserts value under the given document id.
func (r *BaseRepository[T]) Set(ctx context.Context, id string, value T, opts ...firestore.SetOption) (MutationResult, error) {
	payload, err := r.encode(ctx, value)
	if err != nil {
		return MutationResult{}, fmt.Errorf("firestore: encode document %s: %w", id, err)
	}

	doc, err := r.doc(ctx, id)
	if err != nil {
		return MutationResult{}, err
	}

	result, err := doc.Set(ctx, payload, opts...)
	if err != nil {
		return MutationResult{}, WrapError(r.opName("set"), err)
	}
	return MutationResult{UpdateTime: result.UpdateTime}, nil
}

// Update applies field-level updates to the document.
func (r *BaseRepository[T]) Update(ctx context.Context, id string, updates []firestore.Update, opts ...firestore.Precondition) (MutationResult, error) {
	doc, err := r.doc(ctx, id)
	if err != nil {
		return MutationResult{}, err
	}

	result, err := doc.Update(ctx, updates, opts...)
	if err != nil {
		return MutationResult{}, WrapError(r.opName("update"), err)
	}
	return MutationResult{UpdateTime: result.UpdateTime}, nil
}

// Get loads and decodes a single document.
func (r *BaseRepository[T]) Get(ctx context.Context, id string) (Document[T], error) {
	doc, err := r.doc(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}

	snap, err := doc.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(r.opName("get"), err)
	}
	return r.wrapSnap(ctx, snap)
}

// Query runs a collection query and decodes every matching document.
func (r *BaseRepository[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := r.coll(ctx)
	if err != nil {
		return nil, err
	}

	query := coll.Query
	if build != nil {
		query = build(query)
	}
	return r.collectAll(ctx, query.Documents(ctx))
}

func (r *BaseRepository[T]) collectAll(ctx context.Context, iter *firestore.DocumentIterator) ([]Document[T], error) {
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(r.opName("query"), err)
		}

		decoded, err := r.wrapSnap(ctx, snap)
		if err != nil {
			return nil, fmt.Errorf("firestore: decode document %s: %w", snap.Ref.ID, err)
		}
		docs = append(docs, decoded)
	}
}

// DocumentRef hands out the raw reference so callers can stage transactional
// reads and writes, as the violation slot insert does.
func (r *BaseRepository[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	return r.doc(ctx, id)
}

func (r *BaseRepository[T]) wrapSnap(ctx context.Context, snap *firestore.DocumentSnapshot) (Document[T], error) {
	entity, err := r.decode(ctx, snap)
	if err != nil {
		return Document[T]{}, err
	}

	doc := Document[T]{ID: snap.Ref.ID, Data: entity}
	doc.CreateTime, doc.UpdateTime, doc.ReadTime = snap.CreateTime, snap.UpdateTime, snap.ReadTime
	return doc, nil
}

func (r *BaseRepository[T]) coll(ctx context.Context) (*firestore.CollectionRef, error) {
	switch {
	case r == nil || r.provider == nil:
		return nil, WrapError(r.opName("collection"), errNilProvider)
	case r.collection == "":
		return nil, WrapError(r.opName("collection"), errNoCollection)
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.collection), nil
}

func (r *BaseRepository[T]) doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(r.opName("document"), errNoDocumentID)
	}

	coll, err := r.coll(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (r *BaseRepository[T]) opName(action string) string {
	name := "firestore"
	if r != nil && strings.TrimSpace(r.collection) != "" {
		name = strings.TrimSpace(r.collection)
	}
	return name + "." + strings.ToLower(action)
}

// IdentityEncoder writes the value as-is. The repositories store plain
// document structs with firestore tags, so no translation is needed.
func IdentityEncoder[T any]() Encoder[T] {
	return func(_ context.Context, value T) (any, error) { return value, nil }
}

// StructDecoder hydrates the document struct via Firestore's native decoding.
func StructDecoder[T any]() Decoder[T] {
	return func(_ context.Context, snap *firestore.DocumentSnapshot) (T, error) {
		var out T
		err := snap.DataTo(&out)
		return out, err
	}
}
