package vm

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/hktstudios/hktcore/core"
)

// Stats is a snapshot of processor counters, taken after a tick.
type Stats struct {
	Active    int
	Pending   int
	Completed uint64
	Failed    uint64
	Dropped   uint64
	Processed uint64
}

// Processor owns the runtime and store pools and drives every live VM
// through the three-phase tick pipeline:
//
//	Build:   drained intent events become pending runtimes
//	Execute: every active runtime advances to its next suspension point
//	Cleanup: completed runtimes commit their buffered writes and return
//	         to the pools; failed ones are discarded
//
// The processor is single-threaded: all phases run sequentially on the
// owning thread. The only concurrent entry point is Submit, which appends
// to the intake queue under a short-held mutex.
type Processor struct {
	backing  EntityStore
	registry *Registry
	interp   *Interpreter

	mu     sync.Mutex
	queued []core.IntentEvent

	// deferred holds events whose subject failed frame validation once;
	// they get exactly one retry on the next tick.
	deferred []core.IntentEvent

	// runtimes and stores are parallel arrays: runtime i owns store i
	// for its whole pooled life.
	runtimes     []Runtime
	stores       []Store
	freeRuntimes []Handle

	// Handle lists in creation order. Completion order within a tick
	// follows creation order by construction.
	pending   []Handle
	active    []Handle
	completed []Handle

	stats Stats
	log   zerolog.Logger
}

// NewProcessor creates a processor with maxRuntimes pooled runtime/store
// pairs over the backing store.
func NewProcessor(backing EntityStore, registry *Registry, sink DirectiveSink, maxRuntimes, maxInstr int, log zerolog.Logger) *Processor {
	p := &Processor{
		backing:      backing,
		registry:     registry,
		interp:       NewInterpreter(backing, sink, maxInstr, log),
		runtimes:     make([]Runtime, maxRuntimes),
		stores:       make([]Store, maxRuntimes),
		freeRuntimes: make([]Handle, 0, maxRuntimes),
		log:          log.With().Str("sys", "processor").Logger(),
	}
	for i := maxRuntimes - 1; i >= 0; i-- {
		p.runtimes[i].Reset()
		p.stores[i].Bind(backing)
		p.stores[i].Reset()
		p.freeRuntimes = append(p.freeRuntimes, Handle(i))
	}
	return p
}

// Submit enqueues an intent event for the next tick. Safe to call from
// any goroutine.
func (p *Processor) Submit(ev core.IntentEvent) {
	p.mu.Lock()
	p.queued = append(p.queued, ev)
	p.mu.Unlock()
}

// Tick runs one Build/Execute/Cleanup cycle.
func (p *Processor) Tick(frame int64, dt float64) {
	p.build(frame)
	p.execute(dt)
	p.cleanup()
}

// Stats returns the counters as of the last tick.
func (p *Processor) Stats() Stats {
	s := p.stats
	s.Active = len(p.active)
	s.Pending = len(p.pending)
	return s
}

// ActiveRuntimes returns the number of live (non-pooled) runtimes.
func (p *Processor) ActiveRuntimes() int { return len(p.active) + len(p.pending) }

// drain moves the intake queue into a private buffer, holding the lock
// only for the swap.
func (p *Processor) drain() []core.IntentEvent {
	p.mu.Lock()
	events := p.queued
	p.queued = nil
	p.mu.Unlock()
	return events
}

// build turns events into pending runtimes. Deferred events from the
// previous tick go first so overall submission order is preserved.
func (p *Processor) build(frame int64) {
	events := p.drain()
	retries := p.deferred
	p.deferred = nil

	for i := range retries {
		p.buildOne(&retries[i], frame, true)
	}
	for i := range events {
		p.buildOne(&events[i], frame, false)
	}
}

func (p *Processor) buildOne(ev *core.IntentEvent, frame int64, isRetry bool) {
	prog := p.registry.Find(ev.Tag)
	if prog == nil {
		p.stats.Dropped++
		p.log.Warn().Str("tag", ev.Tag).Uint32("event", ev.EventID).Msg("no program for event tag")
		return
	}

	// Entity-spawning programs may legitimately reference a subject the
	// store has not seen yet; everything else must pass the validation
	// horizon. A failing event gets exactly one retry next tick.
	if fv, ok := p.backing.(FrameValidator); ok {
		if ev.Subject != core.InvalidEntity && !prog.SpawnsEntities() && !fv.ValidateFrame(ev.Subject, frame) {
			if isRetry {
				p.stats.Dropped++
				p.log.Warn().Uint32("event", ev.EventID).Uint32("subject", uint32(ev.Subject)).
					Msg("dropping event after failed revalidation")
			} else {
				p.deferred = append(p.deferred, *ev)
			}
			return
		}
	}

	if len(p.freeRuntimes) == 0 {
		p.stats.Dropped++
		p.log.Warn().Uint32("event", ev.EventID).Msg("runtime pool exhausted, dropping event")
		return
	}

	h := p.freeRuntimes[len(p.freeRuntimes)-1]
	p.freeRuntimes = p.freeRuntimes[:len(p.freeRuntimes)-1]

	rt := &p.runtimes[h]
	st := &p.stores[h]

	rt.Reset()
	st.Reset()
	rt.Program = prog
	rt.Store = st
	rt.Status = StatusReady
	rt.CreationFrame = frame
	rt.SourceEventID = ev.EventID
	rt.SetEntityReg(RegSelf, ev.Subject)
	rt.SetEntityReg(RegTarget, ev.Target)
	rt.SetEntityReg(RegSpawned, core.InvalidEntity)
	rt.SetEntityReg(RegHit, core.InvalidEntity)

	st.Subject = ev.Subject
	st.Target = ev.Target
	st.Write(core.PropMoveTargetX, ev.Location.X)
	st.Write(core.PropMoveTargetY, ev.Location.Y)
	st.Write(core.PropMoveTargetZ, ev.Location.Z)
	copyPayloadParams(st, ev.Payload)

	p.pending = append(p.pending, h)
	p.stats.Processed++
}

// copyPayloadParams decodes the opaque payload as little-endian int32
// words into the generic parameter slots, up to Param3.
func copyPayloadParams(st *Store, payload []byte) {
	params := [...]core.PropertyID{core.PropParam0, core.PropParam1, core.PropParam2, core.PropParam3}
	for i := 0; i < len(params) && (i+1)*4 <= len(payload); i++ {
		v := int32(payload[i*4]) |
			int32(payload[i*4+1])<<8 |
			int32(payload[i*4+2])<<16 |
			int32(payload[i*4+3])<<24
		st.Write(params[i], v)
	}
}

// execute promotes pending runtimes to active and advances each active
// runtime once, in creation order.
func (p *Processor) execute(dt float64) {
	p.active = append(p.active, p.pending...)
	p.pending = p.pending[:0]

	survivors := p.active[:0]
	for _, h := range p.active {
		rt := &p.runtimes[h]

		// Timer waits consume dt before the attempt; a wait set during
		// this attempt consumes this tick's dt below.
		p.interp.UpdateTimer(rt, dt)

		if rt.Status == StatusWaitingEvent {
			survivors = append(survivors, h)
			continue
		}

		if rt.Status == StatusYielded {
			rt.YieldFrames--
			if rt.YieldFrames > 0 {
				survivors = append(survivors, h)
				continue
			}
			rt.Status = StatusReady
		}

		rt.Status = p.interp.Execute(rt)

		// A timer wait entered during this attempt still burns the
		// current tick's delta.
		if rt.Status == StatusWaitingEvent {
			p.interp.UpdateTimer(rt, dt)
		}

		if rt.Status.Terminal() {
			p.completed = append(p.completed, h)
			continue
		}
		survivors = append(survivors, h)
	}
	p.active = survivors
}

// cleanup commits completed runtimes in completion order (= creation
// order within a tick), discards failed ones, and recycles the pools.
func (p *Processor) cleanup() {
	for _, h := range p.completed {
		rt := &p.runtimes[h]
		switch rt.Status {
		case StatusCompleted:
			p.backing.ApplyWrites(rt.Store.PendingWrites())
			p.stats.Completed++
		case StatusFailed:
			p.stats.Failed++
			p.log.Warn().Uint32("event", rt.SourceEventID).Str("tag", rt.Program.Tag).
				Msg("runtime failed, discarding writes")
		}

		rt.Store.Reset()
		rt.Reset()
		p.freeRuntimes = append(p.freeRuntimes, h)
	}
	p.completed = p.completed[:0]
}

// NotifyCollision resumes every active runtime waiting on a collision of
// the watched entity, storing the hit entity in its Hit register.
func (p *Processor) NotifyCollision(watched, hit core.EntityID) {
	for _, h := range p.active {
		rt := &p.runtimes[h]
		if rt.Status == StatusWaitingEvent && rt.Wait.Kind == WaitCollision && rt.Wait.Watched == watched {
			p.interp.NotifyCollision(rt, hit)
		}
	}
}

// NotifyAnimEnd resumes runtimes waiting for the entity's animation end.
func (p *Processor) NotifyAnimEnd(e core.EntityID) {
	for _, h := range p.active {
		rt := &p.runtimes[h]
		if rt.Status == StatusWaitingEvent && rt.Wait.Kind == WaitAnimationEnd && rt.Wait.Watched == e {
			p.interp.NotifyAnimEnd(rt)
		}
	}
}

// NotifyMoveEnd resumes runtimes waiting for the entity's movement end.
func (p *Processor) NotifyMoveEnd(e core.EntityID) {
	for _, h := range p.active {
		rt := &p.runtimes[h]
		if rt.Status == StatusWaitingEvent && rt.Wait.Kind == WaitMovementEnd && rt.Wait.Watched == e {
			p.interp.NotifyMoveEnd(rt)
		}
	}
}
