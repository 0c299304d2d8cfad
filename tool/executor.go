// Package tool provides the tool registry and executor used by the task
// scheduler and workflow engine. It enforces role permissions, per-tool rate
// limits, and execution timeouts, and classifies failures with the shared
// error codes.
package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/iterflow/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Func is the tool function signature.
type Func func(ctx context.Context, args map[string]any) (any, error)

// RateLimit caps how often a tool may be invoked.
type RateLimit struct {
	// CallsPerSecond is the sustained invocation rate.
	CallsPerSecond float64
	// Burst is the maximum burst size (defaults to 1).
	Burst int
}

// Metadata describes a registered tool.
type Metadata struct {
	// Description is a human-readable summary of what the tool does.
	Description string
	// Permission names the capability a caller must hold to use this tool.
	// Empty means unrestricted.
	Permission string
	// Destructive marks tools with irreversible side effects (e.g. shell
	// execution). Destructive tools are routed through the approval gate
	// unless auto-approval is enabled.
	Destructive bool
	// SubmitsForReview marks tools whose success means "handed to an
	// external reviewer" rather than "done". A task completing via such a
	// tool suspends as waiting_for_review.
	SubmitsForReview bool
	// RateLimit caps invocation frequency (nil = unlimited).
	RateLimit *RateLimit
	// Timeout bounds one invocation (default 30s).
	Timeout time.Duration
}

// Result captures one tool invocation outcome.
type Result struct {
	ToolName string        `json:"tool_name"`
	Output   any           `json:"output,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
	Metadata Metadata      `json:"-"`
}

// Registry stores tool functions and their metadata.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Func
	metadata map[string]Metadata
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:    make(map[string]Func),
		metadata: make(map[string]Metadata),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *Registry) Register(name string, fn Func, meta Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	if meta.Timeout == 0 {
		meta.Timeout = 30 * time.Second
	}
	r.tools[name] = fn
	r.metadata[name] = meta
	if meta.RateLimit != nil {
		burst := meta.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiters[name] = rate.NewLimiter(rate.Limit(meta.RateLimit.CallsPerSecond), burst)
	}

	r.logger.Info("tool registered",
		zap.String("name", name),
		zap.Bool("destructive", meta.Destructive),
		zap.Duration("timeout", meta.Timeout),
	)
	return nil
}

// Get returns a tool function with its metadata.
func (r *Registry) Get(name string) (Func, Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tools[name]
	if !ok {
		return nil, Metadata{}, false
	}
	return fn, r.metadata[name], true
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

func (r *Registry) limiter(name string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[name]
}

// Executor invokes registered tools with permission checks, rate limiting,
// timeouts, and panic recovery.
type Executor struct {
	registry    *Registry
	permissions map[string]bool
	logger      *zap.Logger
}

// NewExecutor creates an executor over a registry. permissions lists the
// capabilities held by this executor's caller; a nil map grants everything.
func NewExecutor(registry *Registry, permissions []string, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	var permSet map[string]bool
	if permissions != nil {
		permSet = make(map[string]bool, len(permissions))
		for _, p := range permissions {
			permSet[p] = true
		}
	}
	return &Executor{
		registry:    registry,
		permissions: permSet,
		logger:      logger.With(zap.String("component", "tool_executor")),
	}
}

// Lookup returns the metadata for a tool, or a TOOL_NOT_FOUND error.
func (e *Executor) Lookup(name string) (Metadata, error) {
	_, meta, ok := e.registry.Get(name)
	if !ok {
		return Metadata{}, types.NewErrorf(types.ErrToolNotFound, "tool %s is not registered", name)
	}
	return meta, nil
}

// Execute invokes one tool and returns its result. Errors carry the shared
// codes: AUTHORIZATION when the caller lacks the required permission,
// TOOL_NOT_FOUND for unregistered names, TOOL_EXECUTION otherwise.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) Result {
	start := time.Now()
	result := Result{ToolName: name}

	fn, meta, ok := e.registry.Get(name)
	if !ok {
		result.Err = types.NewErrorf(types.ErrToolNotFound, "tool %s is not registered", name)
		result.Duration = time.Since(start)
		return result
	}
	result.Metadata = meta

	if meta.Permission != "" && e.permissions != nil && !e.permissions[meta.Permission] {
		result.Err = types.NewErrorf(types.ErrAuthorization, "permission %s required for tool %s", meta.Permission, name)
		result.Duration = time.Since(start)
		return result
	}

	if limiter := e.registry.limiter(name); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			result.Err = types.NewErrorf(types.ErrToolExecution, "rate limit wait for tool %s", name).WithCause(err).WithRetryable(true)
			result.Duration = time.Since(start)
			return result
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, meta.Timeout)
	defer cancel()

	output, err := e.invoke(execCtx, fn, args)
	result.Duration = time.Since(start)
	if err != nil {
		e.logger.Warn("tool execution failed",
			zap.String("tool", name),
			zap.Duration("duration", result.Duration),
			zap.Error(err),
		)
		result.Err = types.NewErrorf(types.ErrToolExecution, "tool %s failed", name).WithCause(err)
		return result
	}

	e.logger.Debug("tool executed",
		zap.String("tool", name),
		zap.Duration("duration", result.Duration),
	)
	result.Output = output
	return result
}

// invoke runs the tool function, converting panics into errors so one
// misbehaving tool cannot take down the scheduler.
func (e *Executor) invoke(ctx context.Context, fn Func, args map[string]any) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return fn(ctx, args)
}
