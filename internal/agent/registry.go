package agent

// Registry maps agent_kind to an Agent implementation, populated once at
// process startup (spec.md §4.4: "a static map at process start"; spec.md
// §9 forbids reflecting on class names to build this mapping).
type Registry struct {
	agents map[string]Agent
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds or replaces the implementation for kind.
func (r *Registry) Register(kind string, impl Agent) {
	r.agents[kind] = impl
}

// Get resolves kind to its implementation, spec.md §4.4 step 3.
func (r *Registry) Get(kind string) (Agent, bool) {
	impl, ok := r.agents[kind]
	return impl, ok
}
