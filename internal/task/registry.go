package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/taskmanager/internal/schedule"
)

// Handler executes one run of a task. It should return promptly once ctx
// is done: the run's timeout only governs bookkeeping, so a handler that
// ignores ctx keeps running in the background after its run has expired.
type Handler func(ctx context.Context, inv Invocation) (Result, error)

// Invocation is what a handler receives for one run.
type Invocation struct {
	TaskID      string
	Type        string
	Params      json.RawMessage
	State       json.RawMessage
	Attempt     int
	ScheduledAt time.Time
	Logger      *slog.Logger
}

// Result is a successful run's outcome. A nil State keeps the previous
// state. RunAt or RunIn re-arm the task at that time instead of following
// its schedule, and keep one-shot tasks alive for another run.
type Result struct {
	State json.RawMessage
	RunAt *time.Time
	RunIn time.Duration
}

// Definition describes a task type.
type Definition struct {
	Type        string `validate:"required,max=255"`
	Title       string `validate:"max=255"`
	Description string
	Handler     Handler `validate:"required"`
	// Timeout bounds a single run. Zero uses the manager default.
	Timeout time.Duration `validate:"gte=0"`
	// MaxAttempts bounds consecutive failed runs. Zero uses the manager default.
	MaxAttempts int `validate:"gte=0"`
	// Backoff spaces retries. Nil uses schedule.DefaultBackoff.
	Backoff schedule.Backoff
}

// HandlerRegistry maps task types to their definitions. Build one at
// process start and pass it to the Manager.
type HandlerRegistry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	validate *validator.Validate
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		defs:     make(map[string]Definition),
		validate: validator.New(),
	}
}

// Register adds a task type. Registering a type twice fails with ErrDuplicateType.
func (r *HandlerRegistry) Register(def Definition) error {
	if err := r.validate.Struct(def); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Lookup returns the definition for a task type.
func (r *HandlerRegistry) Lookup(taskType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[taskType]
	return def, ok
}

// Types returns the registered task types in sorted order.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
