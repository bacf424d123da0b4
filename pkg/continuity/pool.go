package continuity

import (
	"sync"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

// Pool is a two-instance redundancy pool. Acquire hands out handles
// bound to the active instance; switching instances bumps the pool
// generation, which invalidates every handle issued before the switch.
type Pool struct {
	name      string
	primary   string
	secondary string

	mu         sync.Mutex
	active     string
	generation uint64
}

func NewPool(name, primary, secondary string) *Pool {
	return &Pool{
		name:      name,
		primary:   primary,
		secondary: secondary,
		active:    primary,
	}
}

func (p *Pool) Name() string { return p.name }

// Active returns the instance new handles bind to.
func (p *Pool) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Acquire returns a handle to the active instance.
func (p *Pool) Acquire() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Handle{pool: p, instance: p.active, generation: p.generation}
}

// SwitchTo makes an instance active. A switch to the already-active
// instance is a no-op and leaves existing handles valid.
func (p *Pool) SwitchTo(instance string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if instance != p.primary && instance != p.secondary {
		return fault.New(fault.Validation, "continuity.pool", "pool %q has no instance %q", p.name, instance)
	}
	if instance == p.active {
		return nil
	}
	p.active = instance
	p.generation++
	return nil
}

// Fail reports an instance down. If it was active the pool fails over
// to the other instance and outstanding handles go stale. Returns the
// instance that is now active.
func (p *Pool) Fail(instance string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if instance != p.primary && instance != p.secondary {
		return "", fault.New(fault.Validation, "continuity.pool", "pool %q has no instance %q", p.name, instance)
	}
	if instance == p.active {
		if p.active == p.primary {
			p.active = p.secondary
		} else {
			p.active = p.primary
		}
		p.generation++
	}
	return p.active, nil
}

// Handle is a claim on one pool instance, valid until the pool switches
// away from the generation it was issued under.
type Handle struct {
	pool       *Pool
	instance   string
	generation uint64
}

// Instance names the instance this handle is bound to.
func (h *Handle) Instance() string { return h.instance }

// Valid reports whether the handle still points at a live generation.
// Callers re-acquire from the pool when it returns false.
func (h *Handle) Valid() bool {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.generation == h.pool.generation
}
