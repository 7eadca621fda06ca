package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"register/pkg/domain"
)

// changeDoc is the subset of a change event the feed reads.
type changeDoc struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID bson.ObjectID `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *recordDoc `bson:"fullDocument"`
}

// Watch opens a change stream that carries the post-image stored with each
// update. Without stored post-images an update carries only the id.
func (s *Store) Watch(ctx context.Context) (domain.Cursor[domain.LifecycleEvent], error) {
	opts := options.ChangeStream().
		SetFullDocument(options.WhenAvailable).
		SetMaxAwaitTime(s.maxAwaitTime)
	stream, err := s.coll.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		return nil, s.wrap("watch", err)
	}
	return &changeFeed{stream: stream, store: s}, nil
}

type changeFeed struct {
	stream *mongo.ChangeStream
	store  *Store
}

// Next polls with TryNext so that each round trip is bounded by the max
// await time and cancellation is observed between polls.
func (f *changeFeed) Next(ctx context.Context) (domain.LifecycleEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.LifecycleEvent{}, err
		}
		if f.stream.TryNext(ctx) {
			ev, ok, err := decodeChange(f.stream.Current, f.store.codec)
			if errors.Is(err, domain.ErrFeedInvalidated) {
				return domain.LifecycleEvent{}, err
			}
			if err != nil {
				return domain.LifecycleEvent{}, f.store.wrap("decode change", err)
			}
			if ok {
				return ev, nil
			}
			continue
		}
		if err := f.stream.Err(); err != nil {
			if ctx.Err() != nil {
				return domain.LifecycleEvent{}, ctx.Err()
			}
			return domain.LifecycleEvent{}, f.store.wrap("watch", err)
		}
	}
}

func (f *changeFeed) Close(ctx context.Context) error {
	return f.stream.Close(ctx)
}

// decodeChange maps one raw change event. ok is false for kinds that are not
// reported.
func decodeChange(raw bson.Raw, codec ObjectIDCodec) (domain.LifecycleEvent, bool, error) {
	var change changeDoc
	if err := bson.Unmarshal(raw, &change); err != nil {
		return domain.LifecycleEvent{}, false, err
	}
	id := codec.Encode(change.DocumentKey.ID)
	postImage := func() domain.Record {
		if change.FullDocument == nil {
			return domain.Record{ID: id}
		}
		return change.FullDocument.record(codec)
	}
	switch change.OperationType {
	case "insert":
		return domain.Added(postImage()), true, nil
	case "update":
		return domain.Modified(postImage()), true, nil
	case "delete":
		return domain.Deleted(id), true, nil
	case "invalidate":
		return domain.LifecycleEvent{}, false, fmt.Errorf("change stream: %w", domain.ErrFeedInvalidated)
	default:
		return domain.LifecycleEvent{}, false, nil
	}
}
