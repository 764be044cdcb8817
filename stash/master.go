package stash

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/hktstudios/hktcore/core"
)

// Master is the authoritative server-side stash. It records the frame at
// which each entity became valid (for event validation), tracks the set of
// entities mutated since the last clear, and produces the snapshots that
// first-sight clients receive.
//
// Owned by the processor thread. Dispatcher workers read it concurrently
// during batch fan-out, which is sound because the processor does not
// mutate the store while dispatch is in flight.
type Master struct {
	stash

	creationFrame []int64
	dirty         map[core.EntityID]struct{}
}

// NewMaster creates an authoritative stash with the given capacities.
func NewMaster(maxEntities, maxProperties int, log zerolog.Logger) *Master {
	m := &Master{
		stash:         newStash(maxEntities, maxProperties, false, log.With().Str("stash", "master").Logger()),
		creationFrame: make([]int64, maxEntities),
		dirty:         make(map[core.EntityID]struct{}, 64),
	}
	m.onDirty = func(e core.EntityID) { m.dirty[e] = struct{}{} }
	return m
}

// Allocate reserves a slot and stamps its creation frame with the current
// completed frame counter.
func (m *Master) Allocate() core.EntityID {
	e := m.stash.Allocate()
	if e != core.InvalidEntity {
		m.creationFrame[e] = m.completedFrame
	}
	return e
}

// ValidateFrame reports whether the entity exists and was created at or
// before the given frame. The processor uses it to reject events that
// reference entities outside the validation horizon.
func (m *Master) ValidateFrame(e core.EntityID, frame int64) bool {
	if !m.IsValid(e) {
		return false
	}
	return m.creationFrame[e] <= frame
}

// Snapshot copies the full property row of one entity. The second return
// is false when the entity is invalid.
func (m *Master) Snapshot(e core.EntityID) (core.EntitySnapshot, bool) {
	if !m.IsValid(e) {
		return core.EntitySnapshot{Entity: core.InvalidEntity}, false
	}
	snap := core.EntitySnapshot{
		Entity:     e,
		Properties: make([]int32, m.maxProperties),
	}
	for p := 0; p < m.maxProperties; p++ {
		snap.Properties[p] = m.props[p][e]
	}
	return snap, true
}

// Snapshots builds snapshots for the given ids, skipping invalid ones.
func (m *Master) Snapshots(entities []core.EntityID) []core.EntitySnapshot {
	out := make([]core.EntitySnapshot, 0, len(entities))
	for _, e := range entities {
		if snap, ok := m.Snapshot(e); ok {
			out = append(out, snap)
		}
	}
	return out
}

// TryPosition reads the entity's position row. False when invalid.
func (m *Master) TryPosition(e core.EntityID) (core.Vec3, bool) {
	if !m.IsValid(e) {
		return core.Vec3{}, false
	}
	return core.Vec3{
		X: m.Get(e, core.PropPosX),
		Y: m.Get(e, core.PropPosY),
		Z: m.Get(e, core.PropPosZ),
	}, true
}

// SetPosition writes the entity's position row. No-op when invalid.
func (m *Master) SetPosition(e core.EntityID, pos core.Vec3) {
	if !m.IsValid(e) {
		return
	}
	m.Set(e, core.PropPosX, pos.X)
	m.Set(e, core.PropPosY, pos.Y)
	m.Set(e, core.PropPosZ, pos.Z)
}

// ForEachInRadius visits every valid entity whose squared integer distance
// from centre is within radiusCm squared, in ascending id order. The centre
// itself is skipped. No-op when the centre is invalid.
func (m *Master) ForEachInRadius(centre core.EntityID, radiusCm int32, cb func(core.EntityID)) {
	if !m.IsValid(centre) {
		return
	}
	cx := int64(m.Get(centre, core.PropPosX))
	cy := int64(m.Get(centre, core.PropPosY))
	cz := int64(m.Get(centre, core.PropPosZ))
	radiusSq := int64(radiusCm) * int64(radiusCm)

	m.ForEach(func(e core.EntityID) {
		if e == centre {
			return
		}
		dx := int64(m.Get(e, core.PropPosX)) - cx
		dy := int64(m.Get(e, core.PropPosY)) - cy
		dz := int64(m.Get(e, core.PropPosZ)) - cz
		if dx*dx+dy*dy+dz*dz <= radiusSq {
			cb(e)
		}
	})
}

// DirtyEntities returns the ids mutated since the last ClearDirty, sorted
// ascending.
func (m *Master) DirtyEntities() []core.EntityID {
	out := make([]core.EntityID, 0, len(m.dirty))
	for e := range m.dirty {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ClearDirty resets change tracking. Called at end of tick.
func (m *Master) ClearDirty() {
	clear(m.dirty)
}
