package vm

import "github.com/hktstudios/hktcore/core"

// EntityStore is what the VM needs from a backing stash. Satisfied by
// stash.Master and stash.Visible.
type EntityStore interface {
	Allocate() core.EntityID
	Free(core.EntityID)
	IsValid(core.EntityID) bool
	Get(core.EntityID, core.PropertyID) int32
	Set(core.EntityID, core.PropertyID, int32)
	ApplyWrites([]core.PendingWrite)
	MaxEntities() int
}

// FrameValidator is optionally implemented by a backing store that can
// check an entity against a validation horizon (the master stash).
type FrameValidator interface {
	ValidateFrame(core.EntityID, int64) bool
}

// Store is the write-buffering overlay bound to one runtime. Reads consult
// the local cache first, then fall through to the backing stash; writes
// update the cache and append to the pending list. This guarantees that a
// read-after-write inside one VM observes the just-written value while
// concurrent VMs over the same stash never see each other's half-applied
// writes. The pending list is applied to the stash in append order when
// the runtime completes, and discarded when it fails.
type Store struct {
	Subject core.EntityID
	Target  core.EntityID

	backing EntityStore
	cache   map[uint64]int32
	pending []core.PendingWrite
}

// cacheKey packs (entity, property) into one map key.
func cacheKey(e core.EntityID, p core.PropertyID) uint64 {
	return uint64(e)<<16 | uint64(p)
}

// Bind attaches the overlay to its backing stash.
func (s *Store) Bind(backing EntityStore) {
	s.backing = backing
	if s.cache == nil {
		s.cache = make(map[uint64]int32, 16)
	}
}

// Read returns the subject entity's property.
func (s *Store) Read(p core.PropertyID) int32 {
	return s.ReadEntity(s.Subject, p)
}

// ReadEntity returns the property via the cache, falling through to the
// backing stash on a miss. The fetched value is cached so repeated reads
// inside one VM stay consistent.
func (s *Store) ReadEntity(e core.EntityID, p core.PropertyID) int32 {
	key := cacheKey(e, p)
	if v, ok := s.cache[key]; ok {
		return v
	}
	var v int32
	if s.backing != nil {
		v = s.backing.Get(e, p)
	}
	s.cache[key] = v
	return v
}

// Write buffers a property write on the subject entity.
func (s *Store) Write(p core.PropertyID, v int32) {
	s.WriteEntity(s.Subject, p, v)
}

// WriteEntity buffers a property write: cache update plus pending append.
func (s *Store) WriteEntity(e core.EntityID, p core.PropertyID, v int32) {
	s.cache[cacheKey(e, p)] = v
	s.pending = append(s.pending, core.PendingWrite{Entity: e, Property: p, Value: v})
}

// AppendPending records a raw pending write without touching the cache.
// Used by SaveStoreEntity, whose contract is append-only.
func (s *Store) AppendPending(e core.EntityID, p core.PropertyID, v int32) {
	s.pending = append(s.pending, core.PendingWrite{Entity: e, Property: p, Value: v})
}

// PendingWrites returns the buffered writes in append order.
func (s *Store) PendingWrites() []core.PendingWrite { return s.pending }

// ClearPending drops the buffered writes, keeping the cache.
func (s *Store) ClearPending() { s.pending = s.pending[:0] }

// Reset returns the overlay to its pooled state.
func (s *Store) Reset() {
	s.Subject = core.InvalidEntity
	s.Target = core.InvalidEntity
	s.pending = s.pending[:0]
	if len(s.cache) > 0 {
		clear(s.cache)
	}
}
