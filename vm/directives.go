package vm

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/hktstudios/hktcore/constants"
	"github.com/hktstudios/hktcore/core"
)

// DirectiveKind classifies a presentation side effect emitted during
// interpretation. Directives are advisory: the stash is the ledger, a lost
// directive never changes simulation state.
type DirectiveKind uint8

const (
	DirectiveSpawnVisual DirectiveKind = iota
	DirectivePlayAnim
	DirectivePlayAnimMontage
	DirectiveStopAnim
	DirectivePlayVFX
	DirectivePlayVFXAttached
	DirectivePlaySound
	DirectivePlaySoundAtLocation
	DirectiveApplyEffect
	DirectiveRemoveEffect
	DirectiveSpawnEquipment
)

func (k DirectiveKind) String() string {
	switch k {
	case DirectiveSpawnVisual:
		return "spawn"
	case DirectivePlayAnim:
		return "play-anim"
	case DirectivePlayAnimMontage:
		return "play-montage"
	case DirectiveStopAnim:
		return "stop-anim"
	case DirectivePlayVFX:
		return "play-vfx"
	case DirectivePlayVFXAttached:
		return "play-vfx-attached"
	case DirectivePlaySound:
		return "play-sound"
	case DirectivePlaySoundAtLocation:
		return "play-sound-at"
	case DirectiveApplyEffect:
		return "apply-effect"
	case DirectiveRemoveEffect:
		return "remove-effect"
	case DirectiveSpawnEquipment:
		return "spawn-equipment"
	default:
		return "unknown"
	}
}

// Directive is one emitted side effect. Which fields are meaningful
// depends on Kind; Asset carries the class/animation/effect path atom.
type Directive struct {
	Kind     DirectiveKind
	Entity   core.EntityID
	Owner    core.EntityID
	Slot     int32
	Location core.Vec3
	Asset    string
}

// DirectiveSink consumes directives as they are emitted. Implementations
// must be cheap; they run inside the interpreter dispatch loop.
type DirectiveSink interface {
	EmitDirective(Directive)
}

// LogSink logs every directive at debug level. The default sink when no
// presentation layer is attached.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) EmitDirective(d Directive) {
	if e := s.Log.Debug(); e.Enabled() {
		e.Str("kind", d.Kind.String()).
			Uint32("entity", uint32(d.Entity)).
			Str("asset", d.Asset).
			Msg("directive")
	}
}

// DirectiveQueue is a bounded MPSC ring buffer carrying directives from
// the simulation thread to a presentation consumer.
//
// Thread-safety:
//   - Emit: lock-free CAS, multiple producers OK
//   - Consume: single consumer
//   - published flags prevent reading partial writes
//
// Overflow: oldest directives are overwritten when full. Acceptable
// because directives are advisory.
type DirectiveQueue struct {
	directives [constants.DirectiveQueueSize]Directive
	published  [constants.DirectiveQueueSize]atomic.Bool
	head       atomic.Uint64
	tail       atomic.Uint64
}

// NewDirectiveQueue creates an empty queue.
func NewDirectiveQueue() *DirectiveQueue {
	return &DirectiveQueue{}
}

// EmitDirective appends using CAS with published flags. O(1) amortized.
func (q *DirectiveQueue) EmitDirective(d Directive) {
	for {
		tail := q.tail.Load()
		next := tail + 1
		if q.tail.CompareAndSwap(tail, next) {
			idx := tail & constants.DirectiveQueueMask

			q.directives[idx] = d
			q.published[idx].Store(true) // MUST be after write

			// Advance head if overwriting unread entries.
			head := q.head.Load()
			if next-head > constants.DirectiveQueueSize {
				q.head.CompareAndSwap(head, next-constants.DirectiveQueueSize)
			}
			return
		}
	}
}

// Consume returns all pending directives in FIFO order and advances the
// read index. Single-consumer design.
func (q *DirectiveQueue) Consume() []Directive {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		if tail == head {
			return nil
		}

		available := tail - head
		if available > constants.DirectiveQueueSize {
			available = constants.DirectiveQueueSize
			head = tail - constants.DirectiveQueueSize
		}

		out := make([]Directive, 0, available)
		for i := uint64(0); i < available; i++ {
			idx := (head + i) & constants.DirectiveQueueMask
			if !q.published[idx].Load() {
				break // writer incomplete
			}
			out = append(out, q.directives[idx])
			q.published[idx].Store(false)
		}

		if q.head.CompareAndSwap(head, head+uint64(len(out))) {
			if len(out) == 0 {
				return nil
			}
			return out
		}
	}
}
