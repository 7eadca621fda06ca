package memory

import (
	"context"

	"register/pkg/domain"
)

// subscription is one Watch caller. Its queue is closed when the cursor is
// closed, when the store is closed, or when the queue overflows; invalid
// records which of those happened.
type subscription struct {
	events  chan domain.LifecycleEvent
	invalid bool
	dropped bool
}

// Watch subscribes to every write committed after the call returns.
func (s *Store) Watch(ctx context.Context) (domain.Cursor[domain.LifecycleEvent], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.NewUnavailableError("watch", errClosed)
	}
	sub := &subscription{events: make(chan domain.LifecycleEvent, s.queueSize)}
	s.subs[sub] = struct{}{}
	return &feed{store: s, sub: sub}, nil
}

// publishLocked fans ev out without blocking the writer. A subscriber that
// cannot keep up loses its feed.
func (s *Store) publishLocked(ev domain.LifecycleEvent) {
	for sub := range s.subs {
		select {
		case sub.events <- ev:
		default:
			s.dropLocked(sub, true)
		}
	}
}

func (s *Store) dropLocked(sub *subscription, invalid bool) {
	if sub.dropped {
		return
	}
	sub.dropped = true
	sub.invalid = invalid
	delete(s.subs, sub)
	close(sub.events)
}

type feed struct {
	store *Store
	sub   *subscription
}

func (f *feed) Next(ctx context.Context) (domain.LifecycleEvent, error) {
	select {
	case ev, ok := <-f.sub.events:
		if !ok {
			if f.sub.invalid {
				return domain.LifecycleEvent{}, domain.ErrFeedInvalidated
			}
			return domain.LifecycleEvent{}, context.Canceled
		}
		return ev, nil
	case <-ctx.Done():
		return domain.LifecycleEvent{}, ctx.Err()
	}
}

func (f *feed) Close(context.Context) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.dropLocked(f.sub, false)
	return nil
}
