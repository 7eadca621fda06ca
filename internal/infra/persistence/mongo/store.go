// Package mongo provides the MongoDB record store. Its change feed is a
// collection change stream.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"register/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.RecordStore = (*Store)(nil)

const (
	DefaultDatabase     = "encelade"
	DefaultCollection   = "register"
	defaultMaxAwaitTime = 5 * time.Second
)

// Config selects the deployment and collection.
type Config struct {
	URI        string
	Database   string
	Collection string
	// MaxAwaitTime bounds each change stream poll.
	MaxAwaitTime time.Duration
}

// Store persists records as documents of one collection.
type Store struct {
	client       *mongo.Client
	coll         *mongo.Collection
	codec        ObjectIDCodec
	maxAwaitTime time.Duration
}

// Open connects to cfg.URI and verifies the deployment is reachable.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo: uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.MaxAwaitTime <= 0 {
		cfg.MaxAwaitTime = defaultMaxAwaitTime
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, domain.NewUnavailableError("ping mongodb", err)
	}
	return &Store{
		client:       client,
		coll:         client.Database(cfg.Database).Collection(cfg.Collection),
		maxAwaitTime: cfg.MaxAwaitTime,
	}, nil
}

// Collection exposes the backing collection for maintenance tasks.
func (s *Store) Collection() *mongo.Collection { return s.coll }

// Migrate ensures the query indexes exist and turns on stored post-images,
// which the change feed reads on updates. Post-images need MongoDB 6.0.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}}},
		{Keys: bson.D{{Key: "created", Value: 1}}},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return s.wrap("create indexes", err)
	}
	cmd := bson.D{
		{Key: "collMod", Value: s.coll.Name()},
		{Key: "changeStreamPreAndPostImages", Value: bson.D{{Key: "enabled", Value: true}}},
	}
	if err := s.coll.Database().RunCommand(ctx, cmd).Err(); err != nil {
		return s.wrap("enable post-images", err)
	}
	return nil
}

func (s *Store) wrap(op string, err error) error {
	if unavailable(err) {
		return domain.NewUnavailableError("mongodb "+op, err)
	}
	return domain.NewStorageError("mongodb "+op, err)
}

func unavailable(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || mongo.IsNetworkError(err) || mongo.IsTimeout(err)
}

// CreateDraft inserts a Draft document under a fresh ObjectID.
func (s *Store) CreateDraft(ctx context.Context, summary string) (string, error) {
	key := s.codec.New()
	if _, err := s.coll.InsertOne(ctx, toDoc(key, domain.NewDraft(summary))); err != nil {
		return "", s.wrap("create draft", err)
	}
	return s.codec.Encode(key), nil
}

// UpdateDraftSummary replaces the summary of a document still in Draft.
func (s *Store) UpdateDraftSummary(ctx context.Context, id, summary string) error {
	key, err := s.codec.Decode(id)
	if err != nil {
		return err
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "summary", Value: summary}}}}
	return s.updateOne(ctx, "update draft", id, guard(key, domain.StateDraft), update)
}

// DeleteDraft removes a document still in Draft.
func (s *Store) DeleteDraft(ctx context.Context, id string) error {
	key, err := s.codec.Decode(id)
	if err != nil {
		return err
	}
	res, err := s.coll.DeleteOne(ctx, guard(key, domain.StateDraft))
	if err != nil {
		return s.wrap("delete draft", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("delete draft %s: %w", id, domain.ErrPreconditionFailed)
	}
	return nil
}

// Apply runs m as one filtered UpdateOne.
func (s *Store) Apply(ctx context.Context, id string, m domain.Mutation) error {
	key, err := s.codec.Decode(id)
	if err != nil {
		return err
	}
	return s.updateOne(ctx, m.Op.String(), id, guard(key, m.Requires), updateFor(m))
}

func (s *Store) updateOne(ctx context.Context, op, id string, filter, update bson.D) error {
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return s.wrap(op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s %s: %w", op, id, domain.ErrPreconditionFailed)
	}
	return nil
}

// FetchByID returns the document or domain.ErrNotFound.
func (s *Store) FetchByID(ctx context.Context, id string) (domain.Record, error) {
	key, err := s.codec.Decode(id)
	if err != nil {
		return domain.Record{}, err
	}
	var doc recordDoc
	err = s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Record{}, fmt.Errorf("fetch %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Record{}, s.wrap("fetch", err)
	}
	return doc.record(s.codec), nil
}

// Query finds matching documents sorted by _id.
func (s *Store) Query(ctx context.Context, f domain.Filter) (domain.Cursor[domain.Record], error) {
	filter, ok := queryFilter(f)
	if !ok {
		return emptyCursor{}, nil
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, s.wrap("query", err)
	}
	return &docCursor{cur: cur, store: s}, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return s.wrap("disconnect", err)
	}
	return nil
}

type docCursor struct {
	cur   *mongo.Cursor
	store *Store
}

func (c *docCursor) Next(ctx context.Context) (domain.Record, error) {
	if !c.cur.Next(ctx) {
		if err := c.cur.Err(); err != nil {
			if ctx.Err() != nil {
				return domain.Record{}, ctx.Err()
			}
			return domain.Record{}, c.store.wrap("query", err)
		}
		return domain.Record{}, io.EOF
	}
	var doc recordDoc
	if err := c.cur.Decode(&doc); err != nil {
		return domain.Record{}, c.store.wrap("decode", err)
	}
	return doc.record(c.store.codec), nil
}

func (c *docCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type emptyCursor struct{}

func (emptyCursor) Next(context.Context) (domain.Record, error) { return domain.Record{}, io.EOF }
func (emptyCursor) Close(context.Context) error                 { return nil }
