package core

// IntentEvent is a single externally-submitted request. If its tag matches
// a registered program, the VM processor spins up a runtime for it.
//
// EventId 0 marks an invalid/unassigned event; the server assigns ids
// sequentially, unique per run. Frame is the server tick at which the event
// was accepted.
type IntentEvent struct {
	EventID uint32
	Subject EntityID
	Target  EntityID
	Tag     string
	// Location carries optional positional data (move targets, ground casts).
	Location Vec3
	// Global events bypass spatial relevancy filtering.
	Global  bool
	Payload []byte
	Frame   int64
}

// Valid reports whether the event carries an assigned id.
func (e *IntentEvent) Valid() bool { return e.EventID != 0 }

// EntitySnapshot conveys one entity's complete property row to a client
// that has not seen the entity yet.
type EntitySnapshot struct {
	Entity     EntityID
	Properties []int32
}

// Valid reports whether the snapshot refers to an entity.
func (s *EntitySnapshot) Valid() bool { return s.Entity != InvalidEntity }

// FrameBatch is everything one client receives for one server tick:
// the events relevant to it, first-sight snapshots for entities that just
// entered its interest set, and ids of entities that just left it.
type FrameBatch struct {
	Frame     int64
	Events    []IntentEvent
	Snapshots []EntitySnapshot
	Removed   []EntityID
}

// Empty reports whether the batch carries nothing. Empty batches must not
// be dispatched.
func (b *FrameBatch) Empty() bool {
	return len(b.Events) == 0 && len(b.Snapshots) == 0 && len(b.Removed) == 0
}
