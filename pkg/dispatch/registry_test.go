package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/geo"
)

func newTestRegistry() *Registry {
	return NewRegistry().WithClock(func() time.Time { return testStart })
}

func TestUpsertAppliesDefaults(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(Actuator{ActuatorID: "dr1", Position: testOrigin, Battery: 0.9})

	a, ok := r.Get("dr1")
	require.True(t, ok)
	assert.Equal(t, ActuatorAvailable, a.Status)
	assert.Equal(t, 10.0, a.CruiseMps)
	assert.Equal(t, testStart, a.LastSeen)
}

func TestHeartbeatUpdatesTelemetry(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(Actuator{ActuatorID: "dr1", Position: testOrigin, Battery: 0.9})

	moved := geo.Point{Lat: testOrigin.Lat + 0.001, Lon: testOrigin.Lon}
	r.Heartbeat("dr1", moved, 0.82)

	a, _ := r.Get("dr1")
	assert.Equal(t, moved, a.Position)
	assert.Equal(t, 0.82, a.Battery)

	// Telemetry for airframes the vendor never announced is dropped.
	r.Heartbeat("dr_ghost", moved, 0.5)
	_, ok := r.Get("dr_ghost")
	assert.False(t, ok)
}

func TestSelectRanksByETA(t *testing.T) {
	r := newTestRegistry()
	// far is roughly 1000m out at 10 m/s, near is roughly 500m out but
	// crawls at 2 m/s. ETA ranking puts the faster airframe first.
	r.Upsert(Actuator{
		ActuatorID: "dr_far",
		Position:   geo.Point{Lat: testOrigin.Lat + 0.009, Lon: testOrigin.Lon},
		Battery:    0.9,
		CruiseMps:  10,
	})
	r.Upsert(Actuator{
		ActuatorID: "dr_near",
		Position:   geo.Point{Lat: testOrigin.Lat + 0.0045, Lon: testOrigin.Lon},
		Battery:    0.9,
		CruiseMps:  2,
	})

	got := r.Select(testOrigin, 0, nil, 0.3)
	require.Len(t, got, 2)
	assert.Equal(t, "dr_far", got[0].Actuator.ActuatorID)
	assert.Equal(t, "dr_near", got[1].Actuator.ActuatorID)
	assert.InDelta(t, 1000, got[0].DistanceM, 5)
	assert.InDelta(t, 500, got[1].DistanceM, 5)
	assert.Less(t, got[0].ETA, got[1].ETA)
}

func TestSelectFilters(t *testing.T) {
	r := newTestRegistry()
	base := Actuator{Position: testOrigin, Battery: 0.9, CruiseMps: 10, Capabilities: []string{"camera"}}

	eligible := base
	eligible.ActuatorID = "dr_ok"
	r.Upsert(eligible)

	drained := base
	drained.ActuatorID = "dr_drained"
	drained.Battery = 0.1
	r.Upsert(drained)

	blind := base
	blind.ActuatorID = "dr_blind"
	blind.Capabilities = nil
	r.Upsert(blind)

	busy := base
	busy.ActuatorID = "dr_busy"
	r.Upsert(busy)
	require.NoError(t, r.Assign("dr_busy"))

	down := base
	down.ActuatorID = "dr_down"
	r.Upsert(down)
	r.SetUnavailable("dr_down")

	distant := base
	distant.ActuatorID = "dr_distant"
	distant.Position = geo.Point{Lat: testOrigin.Lat + 0.05, Lon: testOrigin.Lon}
	r.Upsert(distant)

	got := r.Select(testOrigin, 3000, []string{"camera"}, 0.3)
	require.Len(t, got, 1)
	assert.Equal(t, "dr_ok", got[0].Actuator.ActuatorID)

	// Radius zero lifts the distance bound.
	got = r.Select(testOrigin, 0, []string{"camera"}, 0.3)
	require.Len(t, got, 2)
	assert.Equal(t, "dr_ok", got[0].Actuator.ActuatorID)
	assert.Equal(t, "dr_distant", got[1].Actuator.ActuatorID)
}

func TestAssignLifecycle(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(Actuator{ActuatorID: "dr1", Position: testOrigin, Battery: 0.9})

	require.NoError(t, r.Assign("dr1"))
	a, _ := r.Get("dr1")
	assert.Equal(t, ActuatorAssigned, a.Status)

	err := r.Assign("dr1")
	require.Error(t, err)
	assert.Equal(t, fault.Capacity, fault.KindOf(err))

	err = r.Assign("dr_missing")
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	r.Release("dr1")
	a, _ = r.Get("dr1")
	assert.Equal(t, ActuatorAvailable, a.Status)
	require.NoError(t, r.Assign("dr1"))
}

func TestReleaseLeavesUnavailableAlone(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(Actuator{ActuatorID: "dr1", Position: testOrigin, Battery: 0.9})
	r.SetUnavailable("dr1")

	r.Release("dr1")
	a, _ := r.Get("dr1")
	assert.Equal(t, ActuatorUnavailable, a.Status)
	assert.Empty(t, r.Select(testOrigin, 0, nil, 0))
}

func TestAllSortedByID(t *testing.T) {
	r := newTestRegistry()
	for _, id := range []string{"dr3", "dr1", "dr2"} {
		r.Upsert(Actuator{ActuatorID: id, Position: testOrigin, Battery: 0.9})
	}

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "dr1", all[0].ActuatorID)
	assert.Equal(t, "dr2", all[1].ActuatorID)
	assert.Equal(t, "dr3", all[2].ActuatorID)
}
