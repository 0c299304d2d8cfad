package roles

import (
	"fmt"
	"sync"
)

// Role identifies one executor role in the orchestration core.
type Role string

const (
	RolePlanner     Role = "planner"
	RoleWorker      Role = "worker"
	RoleReflector   Role = "reflector"
	RoleSynthesizer Role = "synthesizer"
	RoleEvaluator   Role = "evaluator"
	RoleAggregator  Role = "aggregator"
)

// Factory constructs a role executor. The returned value must implement the
// interface matching the role it was registered under.
type Factory func() (any, error)

// Registry maps roles to executor factories. Dispatch is resolved once at
// startup instead of by string-keyed lookup at call time.
type Registry struct {
	mu        sync.RWMutex
	factories map[Role]Factory
}

// NewRegistry creates an empty role registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Role]Factory)}
}

// Register binds a factory to a role. Registering the same role twice
// returns an error; replace a binding by building a new registry.
func (r *Registry) Register(role Role, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[role]; exists {
		return fmt.Errorf("role %s already registered", role)
	}
	r.factories[role] = factory
	return nil
}

// Resolve builds the executor for a role.
func (r *Registry) Resolve(role Role) (any, error) {
	r.mu.RLock()
	factory, ok := r.factories[role]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no factory registered for role %s", role)
	}
	return factory()
}

// ResolvePlanner resolves and type-asserts the planner role.
func (r *Registry) ResolvePlanner() (Planner, error) {
	return resolveAs[Planner](r, RolePlanner)
}

// ResolveWorker resolves and type-asserts the worker role.
func (r *Registry) ResolveWorker() (Worker, error) {
	return resolveAs[Worker](r, RoleWorker)
}

// ResolveReflector resolves and type-asserts the reflector role.
func (r *Registry) ResolveReflector() (Reflector, error) {
	return resolveAs[Reflector](r, RoleReflector)
}

// ResolveSynthesizer resolves and type-asserts the synthesizer role.
func (r *Registry) ResolveSynthesizer() (Synthesizer, error) {
	return resolveAs[Synthesizer](r, RoleSynthesizer)
}

// ResolveEvaluator resolves and type-asserts the evaluator role.
func (r *Registry) ResolveEvaluator() (Evaluator, error) {
	return resolveAs[Evaluator](r, RoleEvaluator)
}

// ResolveAggregator resolves and type-asserts the aggregator role.
func (r *Registry) ResolveAggregator() (Aggregator, error) {
	return resolveAs[Aggregator](r, RoleAggregator)
}

func resolveAs[T any](r *Registry, role Role) (T, error) {
	var zero T
	v, err := r.Resolve(role)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("factory for role %s returned %T, which does not implement the role interface", role, v)
	}
	return typed, nil
}
