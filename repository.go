package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Repository persists one aggregate type through a single Session. State is
// always rebuilt by replaying the aggregate's full stream; there is no
// snapshot path.
//
// A Repository is as short-lived as its session: build one per request or
// command attempt.
type Repository[A Aggregate] struct {
	session       Session
	factory       func(id uuid.UUID) A
	aggregateType string
	messageTypes  *MessageTypeRegistry
	propagator    propagation.TextMapPropagator
	metadata      []func(ctx context.Context) map[string]any
}

// RepositoryOption customizes a Repository.
type RepositoryOption func(*repositoryOptions)

type repositoryOptions struct {
	aggregateType string
	messageTypes  *MessageTypeRegistry
	propagator    propagation.TextMapPropagator
	metadata      []func(ctx context.Context) map[string]any
}

// WithAggregateType overrides the aggregate type name recorded on streams.
// It defaults to the bare type name of A.
func WithAggregateType(name string) RepositoryOption {
	return func(o *repositoryOptions) { o.aggregateType = name }
}

// WithMessageTypes sets the registry used to name outbox messages.
func WithMessageTypes(r *MessageTypeRegistry) RepositoryOption {
	return func(o *repositoryOptions) { o.messageTypes = r }
}

// WithPropagator sets how the trace context is captured into outbox rows.
// It defaults to the global otel propagator.
func WithPropagator(p propagation.TextMapPropagator) RepositoryOption {
	return func(o *repositoryOptions) { o.propagator = p }
}

// WithMetadataExtractor adds a function whose result is merged into the
// metadata of every record the repository writes. Extractors run in order of
// registration; correlation and causation ids are added last.
func WithMetadataExtractor(fn func(ctx context.Context) map[string]any) RepositoryOption {
	return func(o *repositoryOptions) { o.metadata = append(o.metadata, fn) }
}

// NewRepository binds a repository for A to session. factory returns an
// empty aggregate with the given id, ready to have history applied.
func NewRepository[A Aggregate](session Session, factory func(id uuid.UUID) A, opts ...RepositoryOption) *Repository[A] {
	o := repositoryOptions{
		aggregateType: TypeNameFor[A](),
		messageTypes:  DefaultMessageTypes,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.propagator == nil {
		o.propagator = otel.GetTextMapPropagator()
	}
	return &Repository[A]{
		session:       session,
		factory:       factory,
		aggregateType: o.aggregateType,
		messageTypes:  o.messageTypes,
		propagator:    o.propagator,
		metadata:      o.metadata,
	}
}

// AggregateType returns the name recorded on this repository's streams.
func (r *Repository[A]) AggregateType() string { return r.aggregateType }

// Session returns the unit of work the repository writes into.
func (r *Repository[A]) Session() Session { return r.session }

// GetByID replays the stream for id. A missing stream is reported with
// found == false and a nil error.
func (r *Repository[A]) GetByID(ctx context.Context, id uuid.UUID) (aggregate A, found bool, err error) {
	iter, err := r.session.LoadStream(ctx, id)
	if errors.Is(err, ErrStreamNotFound) {
		return aggregate, false, nil
	}
	if err != nil {
		return aggregate, false, fmt.Errorf("load %s %s: %w", r.aggregateType, id, err)
	}

	aggregate = r.factory(id)
	var version uint64
	for iter.Next(ctx) {
		rec := iter.Value()
		aggregate.Apply(rec.Event)
		version = rec.Version
	}
	if err := iter.Err(); err != nil {
		var zero A
		return zero, false, fmt.Errorf("replay %s %s: %w", r.aggregateType, id, err)
	}
	if version == 0 {
		var zero A
		return zero, false, nil
	}

	aggregate.root().replayed(version)
	return aggregate, true, nil
}

// Load is GetByID for callers that treat absence as an error.
//
// Errors:
//   - *AggregateNotFoundError when the stream does not exist.
func (r *Repository[A]) Load(ctx context.Context, id uuid.UUID) (A, error) {
	aggregate, found, err := r.GetByID(ctx, id)
	if err != nil {
		return aggregate, err
	}
	if !found {
		return aggregate, &AggregateNotFoundError{AggregateType: r.aggregateType, ID: id}
	}
	return aggregate, nil
}

// Save stages the aggregate's uncommitted events and the given envelopes in
// the session. It neither flushes nor clears the buffer; pass the returned
// token to Commit.
//
// A new stream is started when none exists yet, otherwise the events are
// appended at the version the aggregate was loaded at. With no uncommitted
// events Save does nothing and returns a zero token.
//
// Errors:
//   - ErrMessageWithoutEvent when envelopes are given but there are no events.
//   - *ConcurrencyConflictError when the stream advanced since load.
//   - *MessageTypeNotRegisteredError or *SerializationError for an envelope
//     that cannot be encoded. Nothing is staged in that case.
//
// If the session rejects a message after the events were staged, the whole
// session is discarded so that no event is left without its message.
func (r *Repository[A]) Save(ctx context.Context, aggregate A, envelopes ...Envelope) (CommitToken, error) {
	root := aggregate.root()
	pending := root.events
	id := root.id

	if len(pending) == 0 {
		if len(envelopes) > 0 {
			return CommitToken{}, fmt.Errorf("save %s %s: %w", r.aggregateType, id, ErrMessageWithoutEvent)
		}
		return CommitToken{}, nil
	}
	if err := ctx.Err(); err != nil {
		return CommitToken{}, err
	}

	messages, err := r.encode(ctx, envelopes)
	if err != nil {
		return CommitToken{}, fmt.Errorf("save %s %s: %w", r.aggregateType, id, err)
	}

	current, exists, err := r.session.StreamVersion(ctx, id)
	if err != nil {
		return CommitToken{}, fmt.Errorf("save %s %s: %w", r.aggregateType, id, err)
	}

	expected := root.version
	if err := CheckStreamState(id, ExplicitRevision(expected), exists, current); err != nil {
		return CommitToken{}, err
	}

	base := map[string]any{}
	for _, fn := range r.metadata {
		maps.Copy(base, fn(ctx))
	}
	if cid := CorrelationIDFromContext(ctx); cid != "" {
		base[MetadataCorrelationID] = cid
	}
	if cause := CausationFromContext(ctx); cause != "" {
		base[MetadataCausationID] = cause
	}

	records := make([]Record, len(pending))
	for i, ev := range pending {
		occurred := ev.OccurredOn()
		if occurred.IsZero() {
			occurred = now()
		}
		records[i] = Record{
			EventID:       uuid.New(),
			StreamID:      id,
			AggregateType: r.aggregateType,
			Event:         ev,
			Metadata:      maps.Clone(base),
			Version:       expected + uint64(i) + 1,
			OccurredAt:    occurred.UTC(),
		}
	}

	if exists {
		err = r.session.Append(ctx, id, ExplicitRevision(expected), records)
	} else {
		err = r.session.StartStream(ctx, id, r.aggregateType, records)
	}
	if err != nil {
		return CommitToken{}, fmt.Errorf("save %s %s: %w", r.aggregateType, id, err)
	}

	for _, msg := range messages {
		if err := r.session.Enlist(ctx, msg); err != nil {
			r.session.Discard()
			return CommitToken{}, fmt.Errorf("save %s %s: %w", r.aggregateType, id, err)
		}
	}

	return root.issue(expected+uint64(len(pending)), r.session.Batch()), nil
}

func (r *Repository[A]) encode(ctx context.Context, envelopes []Envelope) ([]OutboxMessage, error) {
	if len(envelopes) == 0 {
		return nil, nil
	}
	trace := propagation.MapCarrier{}
	r.propagator.Inject(ctx, trace)

	messages := make([]OutboxMessage, 0, len(envelopes))
	for _, env := range envelopes {
		msg, err := r.messageTypes.Encode(env)
		if err != nil {
			return nil, err
		}
		if len(trace) > 0 {
			msg.Trace = maps.Clone(map[string]string(trace))
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Commit flushes the session, making every staged append and outbox message
// durable together, and then clears the events covered by token.
//
// The events are cleared only if the batch they were staged in became
// durable, by this flush or an earlier one on the same session. A token
// whose batch was discarded, or whose flush failed, yields
// ErrStaleCommitToken; the events stay buffered and must be saved again.
func (r *Repository[A]) Commit(ctx context.Context, aggregate A, token CommitToken) error {
	id := aggregate.AggregateID()
	if err := r.session.SaveChanges(ctx); err != nil {
		return fmt.Errorf("commit %s %s: %w", r.aggregateType, id, err)
	}
	if !token.IsZero() && !r.session.Flushed(token.batch) {
		return fmt.Errorf("commit %s %s: batch was not flushed: %w", r.aggregateType, id, ErrStaleCommitToken)
	}
	return aggregate.root().MarkEventsAsCommitted(token)
}

// Persist is Save followed by Commit. The session is flushed even when the
// aggregate has nothing new, so that other work staged in it is not lost.
func (r *Repository[A]) Persist(ctx context.Context, aggregate A, envelopes ...Envelope) (CommitToken, error) {
	token, err := r.Save(ctx, aggregate, envelopes...)
	if err != nil {
		return CommitToken{}, err
	}
	if err := r.Commit(ctx, aggregate, token); err != nil {
		return CommitToken{}, err
	}
	return token, nil
}

// Delete loads the aggregate, tombstones its stream at the loaded version and
// flushes. A missing aggregate fails before anything is staged.
func (r *Repository[A]) Delete(ctx context.Context, id uuid.UUID) error {
	aggregate, err := r.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := r.session.DeleteStream(ctx, id, ExplicitRevision(aggregate.AggregateVersion())); err != nil {
		return fmt.Errorf("delete %s %s: %w", r.aggregateType, id, err)
	}
	if err := r.session.SaveChanges(ctx); err != nil {
		return fmt.Errorf("delete %s %s: %w", r.aggregateType, id, err)
	}
	return nil
}

// GetAll replays every live aggregate of this type. It reads every stream and
// is meant for administrative use, not request paths.
func (r *Repository[A]) GetAll(ctx context.Context) ([]A, error) {
	ids, err := r.session.StreamIDs(ctx, r.aggregateType)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.aggregateType, err)
	}

	out := make([]A, 0, len(ids))
	for _, id := range ids {
		aggregate, found, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, aggregate)
		}
	}
	return out, nil
}
