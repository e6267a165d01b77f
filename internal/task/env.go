package task

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"studyflow/internal/ai"
	"studyflow/internal/bus"
	"studyflow/internal/domain"
	"studyflow/internal/store"
)

// Env is the scoped resource bundle a handler runs against. The pool builds
// a fresh one per attempt via the factory and releases it at exit, so no
// attempt shares implicit mutable state with the enqueuing process.
type Env struct {
	Store  *store.Store
	Events *bus.Publisher
	AI     ai.Completer
	Search ai.Searcher
	Log    zerolog.Logger
}

// EnvFactory acquires a resource bundle for one attempt. The returned release
// func runs when the attempt finishes, success or not.
type EnvFactory func(ctx context.Context) (*Env, func(), error)

// Reporter publishes the progress protocol for one invocation: processing
// before expensive work, monotone progress, one terminal success or error.
// Publish failures are logged and swallowed; the persisted result is the
// source of truth and the event is only a best-effort notification.
type Reporter struct {
	env    *Env
	userID string
	action string
}

// Reporter binds an event reporter to a target user and action tag. Periodic
// tasks have no target user; their reporter drops everything.
func (e *Env) Reporter(userID, action string) *Reporter {
	return &Reporter{env: e, userID: userID, action: action}
}

func (r *Reporter) publish(msg domain.Message) {
	if r.userID == "" {
		return
	}
	msg.Action = r.action
	if err := r.env.Events.Publish(context.Background(), r.userID, msg); err != nil {
		r.env.Log.Warn().Err(err).Str("action", r.action).Msg("event publish failed")
	}
}

// Processing signals that work has started, so the user sees immediate
// feedback before the expensive part.
func (r *Reporter) Processing(text string) {
	r.publish(domain.Message{Type: domain.EventProcessing, Message: text})
}

// Progress reports a percentage for multi-step work.
func (r *Reporter) Progress(pct int, text string) {
	r.publish(domain.Message{Type: domain.EventProgress, Progress: pct, Message: text})
}

// Success publishes the terminal success event with the result payload.
func (r *Reporter) Success(text string, data any) {
	msg := domain.Message{Type: domain.EventSuccess, Message: text}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			msg.Data = raw
		}
	}
	r.publish(msg)
}

// Error publishes the terminal error event. Internal detail stays in logs;
// text is the short user-facing message.
func (r *Reporter) Error(text string, data any) {
	msg := domain.Message{Type: domain.EventError, Message: text}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			msg.Data = raw
		}
	}
	r.publish(msg)
}
