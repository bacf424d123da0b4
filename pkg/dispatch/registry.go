package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/geo"
)

// Registry tracks the actuator fleet: positions, batteries, and assignment
// state. Selection ranks eligible actuators by estimated time of arrival.
type Registry struct {
	mu        sync.Mutex
	actuators map[string]*Actuator
	clock     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		actuators: make(map[string]*Actuator),
		clock:     time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Upsert registers or refreshes an actuator. A zero cruise speed gets a
// conservative 10 m/s so ETA ranking stays defined.
func (r *Registry) Upsert(a Actuator) {
	if a.CruiseMps <= 0 {
		a.CruiseMps = 10
	}
	if a.Status == "" {
		a.Status = ActuatorAvailable
	}
	a.LastSeen = r.clock().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.actuators[a.ActuatorID] = &a
}

// Heartbeat updates position and battery from telemetry. Unknown actuators
// are ignored; the vendor feed announces airframes through Upsert first.
func (r *Registry) Heartbeat(actuatorID string, position geo.Point, battery float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actuators[actuatorID]
	if !ok {
		return
	}
	a.Position = position
	a.Battery = battery
	a.LastSeen = r.clock().UTC()
}

// Get returns a copy of the actuator.
func (r *Registry) Get(actuatorID string) (Actuator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actuators[actuatorID]
	if !ok {
		return Actuator{}, false
	}
	return *a, true
}

// All returns copies of every registered actuator.
func (r *Registry) All() []Actuator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Actuator, 0, len(r.actuators))
	for _, a := range r.actuators {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActuatorID < out[j].ActuatorID })
	return out
}

// Candidate is one eligible actuator with its ranking inputs.
type Candidate struct {
	Actuator  Actuator
	DistanceM float64
	ETA       time.Duration
}

// Select returns actuators satisfying the capability set and battery floor
// within radiusM of origin, nearest ETA first. Assigned and unavailable
// actuators are skipped.
func (r *Registry) Select(origin geo.Point, radiusM float64, required []string, minBattery float64) []Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Candidate
	for _, a := range r.actuators {
		if a.Status != ActuatorAvailable {
			continue
		}
		if a.Battery < minBattery {
			continue
		}
		if !a.HasCapabilities(required) {
			continue
		}
		dist := geo.DistanceMeters(origin, a.Position)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		out = append(out, Candidate{
			Actuator:  *a,
			DistanceM: dist,
			ETA:       time.Duration(dist/a.CruiseMps*1000) * time.Millisecond,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ETA != out[j].ETA {
			return out[i].ETA < out[j].ETA
		}
		return out[i].Actuator.ActuatorID < out[j].Actuator.ActuatorID
	})
	return out
}

// Assign marks an available actuator as assigned. Assigning an already
// assigned actuator is a capacity fault so two dispatches cannot share an
// airframe.
func (r *Registry) Assign(actuatorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actuators[actuatorID]
	if !ok {
		return fault.New(fault.Validation, "dispatch.assign", "unknown actuator %q", actuatorID)
	}
	if a.Status != ActuatorAvailable {
		return fault.New(fault.Capacity, "dispatch.assign", "actuator %q is %s", actuatorID, a.Status)
	}
	a.Status = ActuatorAssigned
	return nil
}

// Release returns an assigned actuator to the available pool.
func (r *Registry) Release(actuatorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actuators[actuatorID]; ok && a.Status == ActuatorAssigned {
		a.Status = ActuatorAvailable
	}
}

// SetUnavailable pulls an actuator from service (maintenance, lost link).
func (r *Registry) SetUnavailable(actuatorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actuators[actuatorID]; ok {
		a.Status = ActuatorUnavailable
	}
}
