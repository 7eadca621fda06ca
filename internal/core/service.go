// Package core is the service facade of the register: it turns requests into
// record store calls, relays Search and Watch through the streaming bridge,
// records metrics and archives committed signatures.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"register/internal/blob"
	"register/internal/stream"
	"register/pkg/domain"
)

const archiveTimeout = 10 * time.Second

// Stream names used for metrics and logs.
const (
	StreamSearch = "search"
	StreamWatch  = "watch"
)

// Service holds no record state; the store is the only authority.
type Service struct {
	store   domain.RecordStore
	archive *SignatureArchive
	metrics MetricsRecorder
	logger  zerolog.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithArchive enables signature archiving.
func WithArchive(a *SignatureArchive) Option {
	return func(s *Service) { s.archive = a }
}

// WithMetrics records call outcomes, stream lifetimes and archive failures
// on m. A nil m keeps the no-op recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the service logger. Stream relays log through it at debug
// level.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces the clock that stamps SubmitDraft.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.RecordStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		metrics: noopMetrics{},
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying record store.
func (s *Service) Store() domain.RecordStore { return s.store }

// Close releases the store.
func (s *Service) Close(ctx context.Context) error { return s.store.Close(ctx) }

// track starts timing op; the returned func records the outcome held in *errp.
func (s *Service) track(ctx context.Context, op string) func(errp *error) {
	start := time.Now()
	return func(errp *error) {
		err := *errp
		code := CodeOf(err)
		s.metrics.Observe(ctx, op, code, time.Since(start))
		switch code {
		case CodeOK:
		case CodeInternal, CodeUnavailable:
			s.logger.Error().Err(err).Str("operation", op).Msg("operation failed")
		default:
			s.logger.Debug().Err(err).Str("operation", op).Str("code", string(code)).Msg("operation rejected")
		}
	}
}

// NewDraft creates a Draft record and returns its id.
func (s *Service) NewDraft(ctx context.Context, summary string) (id string, err error) {
	defer s.track(ctx, "NewDraft")(&err)
	return s.store.CreateDraft(ctx, summary)
}

// UpdateDraft replaces the summary of a Draft record.
func (s *Service) UpdateDraft(ctx context.Context, id, summary string) (err error) {
	defer s.track(ctx, "UpdateDraft")(&err)
	return s.store.UpdateDraftSummary(ctx, id, summary)
}

// DeleteDraft removes a Draft record.
func (s *Service) DeleteDraft(ctx context.Context, id string) (err error) {
	defer s.track(ctx, "DeleteDraft")(&err)
	return s.store.DeleteDraft(ctx, id)
}

// SubmitDraft moves a Draft to Created, stamping the creation time.
func (s *Service) SubmitDraft(ctx context.Context, id string) error {
	return s.Transition(ctx, domain.OpSubmitDraft, id, domain.Input{At: s.now()})
}

// CollectClientInside records when the client entered for collection.
func (s *Service) CollectClientInside(ctx context.Context, id string, at time.Time) error {
	return s.Transition(ctx, domain.OpCollectClientInside, id, domain.Input{At: at})
}

// CollectClientSignature records the client's signature at collection.
func (s *Service) CollectClientSignature(ctx context.Context, id string, signer *domain.Signer) error {
	return s.Transition(ctx, domain.OpCollectClientSignature, id, domain.Input{Signer: signer})
}

// CollectClientOutside records when the client left after collection.
func (s *Service) CollectClientOutside(ctx context.Context, id string, at time.Time) error {
	return s.Transition(ctx, domain.OpCollectClientOutside, id, domain.Input{At: at})
}

// CollectPqrsSignature records the PQRS countersignature at collection.
func (s *Service) CollectPqrsSignature(ctx context.Context, id string, signer *domain.Signer) error {
	return s.Transition(ctx, domain.OpCollectPqrsSignature, id, domain.Input{Signer: signer})
}

// ReturnClientInside records when the client entered for the return.
func (s *Service) ReturnClientInside(ctx context.Context, id string, at time.Time) error {
	return s.Transition(ctx, domain.OpReturnClientInside, id, domain.Input{At: at})
}

// ReturnClientSignature records the client's signature at the return.
func (s *Service) ReturnClientSignature(ctx context.Context, id string, signer *domain.Signer) error {
	return s.Transition(ctx, domain.OpReturnClientSignature, id, domain.Input{Signer: signer})
}

// ReturnClientOutside records when the client left after the return.
func (s *Service) ReturnClientOutside(ctx context.Context, id string, at time.Time) error {
	return s.Transition(ctx, domain.OpReturnClientOutside, id, domain.Input{At: at})
}

// ReturnPqrsSignature records the PQRS countersignature at the return.
func (s *Service) ReturnPqrsSignature(ctx context.Context, id string, signer *domain.Signer) error {
	return s.Transition(ctx, domain.OpReturnPqrsSignature, id, domain.Input{Signer: signer})
}

// Complete closes a record whose return has been countersigned.
func (s *Service) Complete(ctx context.Context, id string) error {
	return s.Transition(ctx, domain.OpComplete, id, domain.Input{})
}

// Transition plans op and hands it to the store as one conditional write.
// Once committed, a signature is archived; an archive failure is logged and
// counted but does not fail the call.
func (s *Service) Transition(ctx context.Context, op domain.Operation, id string, in domain.Input) (err error) {
	defer s.track(ctx, op.String())(&err)
	m, err := domain.Plan(op, in)
	if err != nil {
		return err
	}
	if err := s.store.Apply(ctx, id, m); err != nil {
		return err
	}
	s.archiveSignature(ctx, id, m)
	return nil
}

func (s *Service) archiveSignature(ctx context.Context, id string, m domain.Mutation) {
	if s.archive == nil || m.Field.Payload() != domain.PayloadSigner {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := s.archive.Archive(ctx, id, m); err != nil {
		s.metrics.ArchiveFailed()
		s.logger.Error().Err(err).Str("id", id).Str("operation", m.Op.String()).Msg("signature not archived")
	}
}

// SearchByID returns the record or an error matching domain.ErrNotFound.
func (s *Service) SearchByID(ctx context.Context, id string) (rec domain.Record, err error) {
	defer s.track(ctx, "SearchById")(&err)
	return s.store.FetchByID(ctx, id)
}

// Search streams the records matching f in ascending id order. The stream
// ends when ctx is cancelled.
func (s *Service) Search(ctx context.Context, f domain.Filter) (_ <-chan stream.Item[domain.Record], err error) {
	defer s.track(ctx, "Search")(&err)
	if f.Created != nil && f.Created.From.After(f.Created.To) {
		return nil, fmt.Errorf("created range starts after it ends: %w", ErrInvalidArgument)
	}
	cur, err := s.store.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	return stream.Relay(ctx, trackStream(s, StreamSearch, cur), s.relayLog(StreamSearch)), nil
}

// Watch streams lifecycle events from now on. The stream ends with
// domain.ErrFeedInvalidated when the feed is lost.
func (s *Service) Watch(ctx context.Context) (_ <-chan stream.Item[domain.LifecycleEvent], err error) {
	defer s.track(ctx, "Watch")(&err)
	feed, err := s.store.Watch(ctx)
	if err != nil {
		return nil, err
	}
	return stream.Relay(ctx, trackStream(s, StreamWatch, feed), s.relayLog(StreamWatch)), nil
}

// Signatures lists the archived signatures of an existing record.
func (s *Service) Signatures(ctx context.Context, id string) (infos []blob.Info, err error) {
	defer s.track(ctx, "Signatures")(&err)
	if _, err := s.store.FetchByID(ctx, id); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return []blob.Info{}, nil
	}
	return s.archive.List(ctx, id)
}

// Signature opens one archived signature of an existing record. With
// archiving disabled every signature is reported as not found.
func (s *Service) Signature(ctx context.Context, id, name string) (info blob.Info, rc io.ReadCloser, err error) {
	defer s.track(ctx, "Signature")(&err)
	if _, err := s.store.FetchByID(ctx, id); err != nil {
		return blob.Info{}, nil, err
	}
	if s.archive == nil {
		return blob.Info{}, nil, fmt.Errorf("archive disabled: %w", ErrSignatureNotFound)
	}
	return s.archive.Get(ctx, id, name)
}

// ArchiveEnabled reports whether signatures are archived.
func (s *Service) ArchiveEnabled() bool { return s.archive != nil }

// trackedProducer keeps the active stream gauge and the stream log in step
// with the producer lifetime.
type trackedProducer[T any] struct {
	domain.Cursor[T]
	svc  *Service
	name string
}

func (p trackedProducer[T]) Close(ctx context.Context) error {
	p.svc.streamClosed(p.name)
	return p.Cursor.Close(ctx)
}

func trackStream[T any](s *Service, name string, c domain.Cursor[T]) stream.Producer[T] {
	s.streamOpened(name)
	return trackedProducer[T]{Cursor: c, svc: s, name: name}
}

func (s *Service) relayLog(name string) stream.Option {
	return stream.WithLogger(s.logger.With().Str("stream", name).Logger())
}

func (s *Service) streamOpened(name string) {
	s.metrics.StreamOpened(name)
	s.logger.Debug().Str("stream", name).Msg("stream opened")
}

func (s *Service) streamClosed(name string) {
	s.metrics.StreamClosed(name)
	s.logger.Debug().Str("stream", name).Msg("stream closed")
}

// IsTerminal reports whether err ends a stream for a reason the caller must
// act on, as opposed to the caller having gone away.
func IsTerminal(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, domain.ErrStreamConsumerGone)
}
