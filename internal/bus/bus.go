// Package bus is the durable single-topic channel carrying per-user event
// envelopes from worker processes to every API instance. Delivery is
// at-most-once: events published while no subscriber holds the target user's
// connection are dropped, and old rows age out via the prune task.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"studyflow/internal/domain"
	"studyflow/internal/metrics"
	"studyflow/internal/store"
)

// Publisher writes envelopes to the shared events table. Fire-and-forget:
// callers log publish failures but never fail their own work on them.
type Publisher struct {
	store *store.Store
}

func NewPublisher(st *store.Store) *Publisher { return &Publisher{store: st} }

// Publish serializes the message and appends it to the bus.
func (p *Publisher) Publish(ctx context.Context, userID string, msg domain.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.store.InsertEvent(ctx, userID, payload); err != nil {
		return err
	}
	metrics.IncEventPublished()
	return nil
}

// Sink receives one decoded envelope; it reports whether the target user had
// a live local connection.
type Sink func(userID string, msg domain.Message) bool

// Subscriber is one API instance's bus loop. On start it snapshots the
// current high-water mark, so events published earlier are never replayed.
type Subscriber struct {
	store  *store.Store
	sink   Sink
	poll   time.Duration
	cursor int64
}

func NewSubscriber(st *store.Store, sink Sink, poll time.Duration) *Subscriber {
	if poll <= 0 {
		poll = time.Second
	}
	return &Subscriber{store: st, sink: sink, poll: poll}
}

// Run polls for new envelopes until ctx is canceled. Shutdown latency is
// bounded by the poll interval. Malformed envelopes are logged and skipped,
// never crash the loop.
func (s *Subscriber) Run(ctx context.Context) error {
	cursor, err := s.snapshotCursor(ctx)
	if err != nil {
		return err
	}
	s.cursor = cursor
	log.Info().Int64("cursor", cursor).Dur("poll", s.poll).Msg("bus subscriber started")

	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.drain(ctx)
		}
	}
}

// snapshotCursor reads the high-water mark, retrying with backoff so a
// transient store error at boot doesn't permanently disable forwarding on
// this instance. Only ctx cancellation stops the attempts.
func (s *Subscriber) snapshotCursor(ctx context.Context) (int64, error) {
	delay := s.poll
	for {
		cursor, err := s.store.MaxEventID(ctx)
		if err == nil {
			return cursor, nil
		}
		log.Warn().Err(err).Dur("retry_in", delay).Msg("cursor snapshot failed")
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

func (s *Subscriber) drain(ctx context.Context) {
	for {
		events, err := s.store.EventsAfter(ctx, s.cursor, 100)
		if err != nil {
			log.Error().Err(err).Msg("bus poll failed")
			return
		}
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			s.cursor = ev.ID
			var msg domain.Message
			if err := json.Unmarshal(ev.Payload, &msg); err != nil {
				log.Warn().Err(err).Int64("event_id", ev.ID).Msg("malformed envelope dropped")
				continue
			}
			if s.sink(ev.UserID, msg) {
				metrics.IncEventDelivered()
			} else {
				metrics.IncEventDropped()
			}
		}
		if len(events) < 100 {
			return
		}
	}
}
