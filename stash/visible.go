package stash

import (
	"github.com/rs/zerolog"

	"github.com/hktstudios/hktcore/core"
)

// Visible is the client-side stash. It runs with the auto-create policy:
// a property write to an unknown slot materialises that slot, which is how
// attached snapshots instantiate entities the client has never seen.
//
// Fed the same ordered event stream as the server and sharing the same
// program registry and integer math, it converges to the same derived
// state.
type Visible struct {
	stash
}

// NewVisible creates a client-side stash with the given capacities.
func NewVisible(maxEntities, maxProperties int, log zerolog.Logger) *Visible {
	return &Visible{
		stash: newStash(maxEntities, maxProperties, true, log.With().Str("stash", "visible").Logger()),
	}
}

// ApplySnapshot enables the slot if needed and copies the property row.
// Applying the same snapshot twice is idempotent.
func (v *Visible) ApplySnapshot(snap core.EntitySnapshot) {
	e := snap.Entity
	if e == core.InvalidEntity || int(e) >= v.maxEntities {
		return
	}
	v.setValid(e)
	if uint32(e) >= v.nextEntity {
		v.nextEntity = uint32(e) + 1
	}
	n := len(snap.Properties)
	if n > v.maxProperties {
		n = v.maxProperties
	}
	for p := 0; p < n; p++ {
		v.props[p][e] = snap.Properties[p]
	}
}

// ApplySnapshots applies each snapshot in order.
func (v *Visible) ApplySnapshots(snaps []core.EntitySnapshot) {
	for _, snap := range snaps {
		v.ApplySnapshot(snap)
	}
	if len(snaps) > 0 {
		v.log.Debug().Int("count", len(snaps)).Msg("applied snapshots")
	}
}

// Clear resets the stash to the empty state.
func (v *Visible) Clear() {
	for i := range v.valid {
		v.valid[i] = 0
	}
	v.freeList = v.freeList[:0]
	v.nextEntity = 0
	v.completedFrame = 0
	for p := range v.props {
		col := v.props[p]
		for i := range col {
			col[i] = 0
		}
	}
}
