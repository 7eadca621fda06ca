// Package stream relays a pull-based producer (query cursor or change feed)
// into a bounded channel consumed by a push-based transport.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"register/pkg/domain"
)

// Capacity bounds the number of pending items between producer and consumer.
const Capacity = 10

const closeTimeout = 5 * time.Second

// Producer yields items until it returns io.EOF. Close is always called once
// by the relay, whatever the exit path.
type Producer[T any] interface {
	Next(ctx context.Context) (T, error)
	Close(ctx context.Context) error
}

// Item is either a value or the terminal error of the stream.
type Item[T any] struct {
	Value T
	Err   error
}

// Option configures a relay.
type Option func(*relay)

type relay struct {
	logger zerolog.Logger
}

// WithLogger receives one debug line per relay naming why it ended.
func WithLogger(l zerolog.Logger) Option {
	return func(r *relay) { r.logger = l }
}

// Relay starts a goroutine pumping p into the returned channel. The channel is
// closed when p is exhausted, after a producer error has been delivered as the
// final item, or when ctx is cancelled by the consumer. Cancelling ctx is the
// only way for the consumer to stop early; no further sends happen afterwards.
func Relay[T any](ctx context.Context, p Producer[T], opts ...Option) <-chan Item[T] {
	r := relay{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&r)
	}
	out := make(chan Item[T], Capacity)
	go func() {
		defer close(out)
		defer r.closeProducer(p)
		r.ended(pump(ctx, p, out))
	}()
	return out
}

func (r relay) ended(err error) {
	switch {
	case err == nil:
		r.logger.Debug().Msg("relay exhausted")
	case errors.Is(err, domain.ErrStreamConsumerGone):
		r.logger.Debug().Msg("relay consumer gone")
	default:
		r.logger.Debug().Err(err).Msg("relay producer failed")
	}
}

// pump returns nil on exhaustion, the producer error once it has been
// forwarded, or ErrStreamConsumerGone when the consumer left.
func pump[T any](ctx context.Context, p Producer[T], out chan<- Item[T]) error {
	for {
		v, err := p.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if ctx.Err() != nil {
			return domain.ErrStreamConsumerGone
		}
		item := Item[T]{Value: v}
		if err != nil {
			item = Item[T]{Err: fmt.Errorf("stream: %w", err)}
		}
		select {
		case out <- item:
		case <-ctx.Done():
			return domain.ErrStreamConsumerGone
		}
		if err != nil {
			return err
		}
	}
}

func (r relay) closeProducer(p interface{ Close(context.Context) error }) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		r.logger.Debug().Err(err).Msg("relay producer close failed")
	}
}

// Drain collects every value of ch, stopping at the first error.
func Drain[T any](ch <-chan Item[T]) ([]T, error) {
	var out []T
	for item := range ch {
		if item.Err != nil {
			return out, item.Err
		}
		out = append(out, item.Value)
	}
	return out, nil
}
