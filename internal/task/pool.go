package task

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"studyflow/internal/domain"
	"studyflow/internal/metrics"
	"studyflow/internal/store"
)

// Pool leases queued tasks and runs them on semaphore-bounded goroutines.
// Each attempt gets its own Env; the retry policy is exponential backoff up
// to max_attempts, with exactly one terminal error event on exhaustion.
type Pool struct {
	queue     *store.Store
	registry  *Registry
	env       EnvFactory
	sem       chan struct{}
	pollEvery time.Duration
}

func NewPool(queue *store.Store, registry *Registry, env EnvFactory, size int, pollEvery time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		queue:     queue,
		registry:  registry,
		env:       env,
		sem:       make(chan struct{}, size),
		pollEvery: pollEvery,
	}
}

// Run polls the queue until ctx is canceled.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for {
				tk, _, err := p.queue.LeaseNext(ctx, now)
				if err != nil {
					if !errors.Is(err, store.ErrEmpty) && ctx.Err() == nil {
						log.Error().Err(err).Msg("lease failed")
					}
					break
				}
				p.sem <- struct{}{}
				go func(tk domain.Task) {
					defer func() { <-p.sem }()
					p.execute(ctx, tk)
				}(tk)
			}
		}
	}
}

func (p *Pool) execute(ctx context.Context, tk domain.Task) {
	def, ok := p.registry.Lookup(tk.Type)
	if !ok {
		// Enqueue-time validation makes this unreachable for API traffic,
		// but a stale row can still name a task this build doesn't know.
		log.Error().Str("task_id", tk.ID).Str("type", tk.Type).Msg("no handler registered")
		_ = p.queue.Fail(ctx, tk.ID, "no handler registered")
		metrics.IncTaskRun(tk.Type, "failed")
		return
	}

	env, release, err := p.env(ctx)
	if err != nil {
		log.Error().Err(err).Str("task_id", tk.ID).Msg("env acquire failed")
		_ = p.queue.Retry(ctx, tk.ID, "env: "+err.Error(), backoffExp(tk.Attempts))
		return
	}
	defer release()
	env.Log = env.Log.With().Str("task_id", tk.ID).Str("task", tk.Type).Int("attempt", tk.Attempts+1).Logger()

	inv := Invocation{ID: tk.ID, UserID: tk.UserID, Args: tk.Payload, Attempt: tk.Attempts + 1, MaxAttempts: tk.MaxAttempts}
	c, cancel := context.WithTimeout(ctx, time.Duration(tk.VisibilityTimeout)*time.Second)
	defer cancel()

	err = def.Handler(c, env, inv)
	if err == nil {
		// Terminal success is declared only after the handler's persistence
		// writes completed; the handler publishes its own success event.
		if serr := p.queue.Succeed(ctx, tk.ID); serr != nil {
			env.Log.Error().Err(serr).Msg("mark succeeded failed")
		}
		metrics.IncTaskRun(tk.Type, "succeeded")
		return
	}

	reporter := env.Reporter(tk.UserID, def.Action)
	if perm, ok := AsPermanent(err); ok {
		env.Log.Error().Err(err).Msg("task failed permanently")
		_ = p.queue.Fail(ctx, tk.ID, err.Error())
		reporter.Error(perm.userMsg, perm.data)
		metrics.IncTaskRun(tk.Type, "failed")
		return
	}

	lastAttempt := tk.Attempts+1 >= tk.MaxAttempts
	env.Log.Error().Err(err).Bool("exhausted", lastAttempt).Msg("task attempt failed")
	if rerr := p.queue.Retry(ctx, tk.ID, err.Error(), backoffExp(tk.Attempts)); rerr != nil {
		env.Log.Error().Err(rerr).Msg("reschedule failed")
	}
	if lastAttempt {
		reporter.Error(def.FailureMessage, nil)
		metrics.IncTaskRun(tk.Type, "failed")
	} else {
		metrics.IncTaskRun(tk.Type, "retried")
	}
}

// backoffExp returns 1,2,4,... seconds capped at 60.
func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1)
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
