package vm

import "github.com/hktstudios/hktcore/core"

// WaitState describes what a suspended runtime is waiting for.
type WaitState struct {
	Kind    WaitKind
	Watched core.EntityID
	// Remaining is seconds left on a timer wait.
	Remaining float64
}

// Reset clears the descriptor.
func (w *WaitState) Reset() {
	w.Kind = WaitNone
	w.Watched = core.InvalidEntity
	w.Remaining = 0
}

// QueryCursor holds the result of a FindInRadius scan, consumed one id at
// a time by NextFound.
type QueryCursor struct {
	Entities []core.EntityID
	Index    int
}

// Reset empties the cursor keeping its capacity.
func (q *QueryCursor) Reset() {
	q.Entities = q.Entities[:0]
	q.Index = 0
}

// HasNext reports whether another result is pending.
func (q *QueryCursor) HasNext() bool { return q.Index < len(q.Entities) }

// Next pops the next id, or the sentinel when exhausted.
func (q *QueryCursor) Next() core.EntityID {
	if !q.HasNext() {
		return core.InvalidEntity
	}
	e := q.Entities[q.Index]
	q.Index++
	return e
}

// Runtime is the execution state of one live coroutine: a program pointer,
// the 16-register file, a status, and the suspension bookkeeping. Runtimes
// live in the processor pool and are identified externally by Handle.
type Runtime struct {
	Program *Program
	Store   *Store

	PC   int32
	Regs [NumRegisters]int32

	Status Status
	Wait   WaitState
	Query  QueryCursor

	CreationFrame int64

	// YieldFrames counts cooperative skip frames after a Yield.
	YieldFrames int32

	// SourceEventID ties the runtime back to the event that created it.
	SourceEventID uint32
}

// Reg returns a register value.
func (r *Runtime) Reg(i Reg) int32 { return r.Regs[i&0xF] }

// SetReg stores a register value.
func (r *Runtime) SetReg(i Reg, v int32) { r.Regs[i&0xF] = v }

// EntityReg interprets a register as an entity id.
func (r *Runtime) EntityReg(i Reg) core.EntityID { return core.EntityID(r.Regs[i&0xF]) }

// SetEntityReg stores an entity id into a register.
func (r *Runtime) SetEntityReg(i Reg, e core.EntityID) { r.Regs[i&0xF] = int32(e) }

// Runnable reports whether the runtime can enter the dispatch loop.
func (r *Runtime) Runnable() bool {
	return r.Status == StatusReady || r.Status == StatusRunning
}

// Reset returns the runtime to its pooled state.
func (r *Runtime) Reset() {
	r.Program = nil
	r.Store = nil
	r.PC = 0
	r.Regs = [NumRegisters]int32{}
	r.Status = StatusReady
	r.Wait.Reset()
	r.Query.Reset()
	r.CreationFrame = 0
	r.YieldFrames = 0
	r.SourceEventID = 0
}

// Handle identifies a runtime inside the processor's pool for the span of
// that runtime's life. Handles do not outlive the runtime.
type Handle int32
