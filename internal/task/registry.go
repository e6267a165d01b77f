package task

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Invocation is one attempt of a named task.
type Invocation struct {
	ID          string
	UserID      string
	Args        json.RawMessage
	Attempt     int
	MaxAttempts int
}

// Handler executes one attempt. It must be safe to re-execute from scratch
// with the same arguments: execution is at-least-once, and duplicate
// side-effect guards (unique keys on the invocation ID) are the handler
// author's obligation.
type Handler func(ctx context.Context, env *Env, inv Invocation) error

// Definition couples a task's handler with its descriptive metadata. Action
// is the event tag the frontend listens for; FailureMessage is the generic
// user-facing text published when retries are exhausted.
type Definition struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Category       string   `json:"category"`
	Tags           []string `json:"tags"`
	Action         string   `json:"action"`
	FailureMessage string   `json:"-"`
	Handler        Handler  `json:"-"`
}

// Registry is the closed catalog of task names, built at startup. Unknown
// names are rejected at enqueue time, not at execution time.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. Re-registering a name replaces the earlier
// entry; the collision is logged since it is a configuration smell.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	_, replaced := r.defs[def.Name]
	r.defs[def.Name] = def
	r.mu.Unlock()
	if replaced {
		log.Warn().Str("task", def.Name).Msg("task registered twice, last registration wins")
	}
}

// Lookup returns the definition for a name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// List returns all definitions sorted by name, for the catalog endpoint and
// CLI introspection.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
