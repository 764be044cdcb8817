// Package stash implements the tabular entity store of the simulation:
// a fixed-capacity structure-of-arrays table of entities x properties with
// a validity bitmap and a free-list. Master is the server-side source of
// truth; Visible is the client-side replica fed by snapshots and events.
package stash

import (
	"math/bits"

	"github.com/rs/zerolog"

	"github.com/hktstudios/hktcore/core"
)

// stash is the state shared by the Master and Visible variants. The two
// differ by policy flags, not by layout: Visible enables autoCreate so a
// property write to an unknown slot materialises the entity (snapshot
// application), Master tracks creation frames and a dirty set.
type stash struct {
	maxEntities   int
	maxProperties int

	// SOA layout: props[property][entity].
	props [][]int32

	// valid is the single source of existence. Never infer existence
	// from property data.
	valid []uint64

	freeList       []core.EntityID
	nextEntity     uint32
	completedFrame int64

	autoCreate bool

	// onDirty is called whenever an entity's observable state changes.
	// Nil on the Visible variant.
	onDirty func(core.EntityID)

	// overflowFrame dedupes the allocation-overflow error log to once
	// per completed frame.
	overflowFrame int64

	log zerolog.Logger
}

func newStash(maxEntities, maxProperties int, autoCreate bool, log zerolog.Logger) stash {
	props := make([][]int32, maxProperties)
	for i := range props {
		props[i] = make([]int32, maxEntities)
	}
	return stash{
		maxEntities:   maxEntities,
		maxProperties: maxProperties,
		props:         props,
		valid:         make([]uint64, (maxEntities+63)/64),
		autoCreate:    autoCreate,
		overflowFrame: -1,
		log:           log,
	}
}

// MaxEntities returns the fixed entity capacity.
func (s *stash) MaxEntities() int { return s.maxEntities }

// MaxProperties returns the fixed property capacity.
func (s *stash) MaxProperties() int { return s.maxProperties }

func (s *stash) setValid(e core.EntityID)   { s.valid[e>>6] |= 1 << (e & 63) }
func (s *stash) clearValid(e core.EntityID) { s.valid[e>>6] &^= 1 << (e & 63) }

// IsValid reports whether the slot's validity bit is set.
func (s *stash) IsValid(e core.EntityID) bool {
	if int(e) >= s.maxEntities {
		return false
	}
	return s.valid[e>>6]&(1<<(e&63)) != 0
}

// Allocate reserves an entity slot, reusing the free list before extending
// the tail. All properties of the new slot are zero. Returns InvalidEntity
// when the store is full.
func (s *stash) Allocate() core.EntityID {
	var e core.EntityID
	switch {
	case len(s.freeList) > 0:
		e = s.freeList[len(s.freeList)-1]
		s.freeList = s.freeList[:len(s.freeList)-1]
	case int(s.nextEntity) < s.maxEntities:
		e = core.EntityID(s.nextEntity)
		s.nextEntity++
	default:
		if s.overflowFrame != s.completedFrame {
			s.overflowFrame = s.completedFrame
			s.log.Error().Int("capacity", s.maxEntities).Msg("entity limit reached")
		}
		return core.InvalidEntity
	}

	s.setValid(e)
	for p := 0; p < s.maxProperties; p++ {
		s.props[p][e] = 0
	}
	s.markDirty(e)
	return e
}

// Free releases a slot. Freeing an invalid slot is a no-op.
func (s *stash) Free(e core.EntityID) {
	if !s.IsValid(e) {
		return
	}
	s.clearValid(e)
	s.freeList = append(s.freeList, e)
	s.markDirty(e)
}

// Get returns the stored value, or 0 when the entity is invalid or the
// property is out of range.
func (s *stash) Get(e core.EntityID, p core.PropertyID) int32 {
	if !s.IsValid(e) || int(p) >= s.maxProperties {
		return 0
	}
	return s.props[p][e]
}

// Set stores a value. Out-of-range properties are ignored. With the
// auto-create policy a write to an invalid in-range slot materialises it,
// zeroing the other properties first. Dirty is only marked when the value
// actually changed.
func (s *stash) Set(e core.EntityID, p core.PropertyID, v int32) {
	if int(e) >= s.maxEntities || int(p) >= s.maxProperties {
		return
	}
	if !s.IsValid(e) {
		if !s.autoCreate {
			return
		}
		s.setValid(e)
		if uint32(e) >= s.nextEntity {
			s.nextEntity = uint32(e) + 1
		}
		for prop := 0; prop < s.maxProperties; prop++ {
			s.props[prop][e] = 0
		}
	}
	if s.props[p][e] != v {
		s.props[p][e] = v
		s.markDirty(e)
	}
}

// ApplyWrites applies buffered VM writes in append order.
func (s *stash) ApplyWrites(writes []core.PendingWrite) {
	for _, w := range writes {
		s.Set(w.Entity, w.Property, w.Value)
	}
}

// ForEach visits every valid entity exactly once in ascending id order.
func (s *stash) ForEach(cb func(core.EntityID)) {
	for i, word := range s.valid {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			word &^= 1 << bit
			cb(core.EntityID(i*64 + bit))
		}
	}
}

// Count returns the number of valid entities.
func (s *stash) Count() int {
	n := 0
	for _, word := range s.valid {
		n += bits.OnesCount64(word)
	}
	return n
}

// CompletedFrame returns the last frame marked completed.
func (s *stash) CompletedFrame() int64 { return s.completedFrame }

// MarkFrameCompleted records the frame counter. Monotonic by contract of
// the caller; the stash does not enforce it.
func (s *stash) MarkFrameCompleted(frame int64) { s.completedFrame = frame }

// Checksum folds every property column of every valid entity, in ascending
// entity order, with a rotate-left mixing step, then folds the completed
// frame counter. It is a pure function of observable state and is compared
// across machines to detect divergence.
func (s *stash) Checksum() uint32 {
	var sum uint32
	s.ForEach(func(e core.EntityID) {
		for p := 0; p < s.maxProperties; p++ {
			sum ^= uint32(s.props[p][e])
			sum = bits.RotateLeft32(sum, 1)
		}
		sum ^= uint32(e)
	})
	sum ^= uint32(s.completedFrame)
	return sum
}

func (s *stash) markDirty(e core.EntityID) {
	if s.onDirty != nil {
		s.onDirty(e)
	}
}
