package vm

import (
	"github.com/rs/zerolog"

	"github.com/hktstudios/hktcore/core"
)

// Interpreter drives a single runtime until it yields, waits, completes or
// fails. It is stateless across runtimes apart from the shared backing
// store and directive sink, so one instance serves a whole processor.
type Interpreter struct {
	backing  EntityStore
	sink     DirectiveSink
	maxInstr int
	log      zerolog.Logger
}

// NewInterpreter creates an interpreter over the backing store. sink may
// be nil, in which case directives are logged at debug level.
func NewInterpreter(backing EntityStore, sink DirectiveSink, maxInstr int, log zerolog.Logger) *Interpreter {
	l := log.With().Str("sys", "vm").Logger()
	if sink == nil {
		sink = LogSink{Log: l}
	}
	return &Interpreter{
		backing:  backing,
		sink:     sink,
		maxInstr: maxInstr,
		log:      l,
	}
}

// Execute advances the runtime until a suspension point. Returns the
// resulting status; the caller stores it back on the runtime.
//
// Running past the end of the code completes the runtime. Exceeding the
// per-tick instruction budget yields; it is not an error. Only an unknown
// opcode or an invalid program fails.
func (in *Interpreter) Execute(rt *Runtime) Status {
	if !rt.Program.Valid() {
		return StatusFailed
	}
	if rt.Status == StatusWaitingEvent {
		return StatusWaitingEvent
	}

	code := rt.Program.Code
	for n := 0; n < in.maxInstr; n++ {
		if rt.PC < 0 || rt.PC >= int32(len(code)) {
			return StatusCompleted
		}
		inst := code[rt.PC]
		rt.PC++

		if st := in.step(rt, inst); st != StatusRunning {
			return st
		}
	}

	// Budget exhausted: resume next tick.
	rt.YieldFrames = 1
	return StatusYielded
}

// step dispatches one instruction. StatusRunning means continue.
func (in *Interpreter) step(rt *Runtime, inst Instruction) Status {
	switch inst.Op() {
	case OpNop:

	case OpHalt:
		return StatusCompleted

	case OpYield:
		frames := inst.Imm12()
		if frames < 1 {
			frames = 1
		}
		rt.YieldFrames = frames
		return StatusYielded

	case OpYieldSeconds:
		// Immediate is centiseconds.
		rt.Wait.Kind = WaitTimer
		rt.Wait.Remaining = float64(inst.SignedImm20()) / 100.0
		return StatusWaitingEvent

	case OpJump:
		rt.PC = inst.Imm20()

	case OpJumpIf:
		if rt.Reg(inst.Src1()) != 0 {
			rt.PC = inst.Imm12()
		}

	case OpJumpIfNot:
		if rt.Reg(inst.Src1()) == 0 {
			rt.PC = inst.Imm12()
		}

	case OpWaitCollision:
		rt.Wait.Kind = WaitCollision
		rt.Wait.Watched = rt.EntityReg(inst.Src1())
		return StatusWaitingEvent

	case OpWaitAnimEnd:
		rt.Wait.Kind = WaitAnimationEnd
		rt.Wait.Watched = rt.EntityReg(inst.Src1())
		return StatusWaitingEvent

	case OpWaitMoveEnd:
		rt.Wait.Kind = WaitMovementEnd
		rt.Wait.Watched = rt.EntityReg(inst.Src1())
		return StatusWaitingEvent

	case OpLoadConst:
		rt.SetReg(inst.Dst(), inst.SignedImm20())

	case OpLoadConstHigh:
		v := rt.Reg(inst.Dst())&0xFFFFF | inst.Imm12()<<20
		rt.SetReg(inst.Dst(), v)

	case OpLoadStore:
		rt.SetReg(inst.Dst(), rt.Store.Read(core.PropertyID(inst.Imm12())))

	case OpLoadStoreEntity:
		// Live read against the backing store, bypassing the overlay.
		e := rt.EntityReg(inst.Src1())
		rt.SetReg(inst.Dst(), in.backing.Get(e, core.PropertyID(inst.Imm12())))

	case OpSaveStore:
		rt.Store.Write(core.PropertyID(inst.Imm12()), rt.Reg(inst.Src1()))

	case OpSaveStoreEntity:
		rt.Store.AppendPending(rt.EntityReg(inst.Src1()), core.PropertyID(inst.Imm12()), rt.Reg(inst.Src2()))

	case OpMove:
		rt.SetReg(inst.Dst(), rt.Reg(inst.Src1()))

	case OpAdd:
		rt.SetReg(inst.Dst(), rt.Reg(inst.Src1())+rt.Reg(inst.Src2()))

	case OpSub:
		rt.SetReg(inst.Dst(), rt.Reg(inst.Src1())-rt.Reg(inst.Src2()))

	case OpMul:
		rt.SetReg(inst.Dst(), rt.Reg(inst.Src1())*rt.Reg(inst.Src2()))

	case OpDiv:
		d := rt.Reg(inst.Src2())
		if d == 0 {
			rt.SetReg(inst.Dst(), 0)
		} else {
			rt.SetReg(inst.Dst(), rt.Reg(inst.Src1())/d)
		}

	case OpMod:
		d := rt.Reg(inst.Src2())
		if d == 0 {
			rt.SetReg(inst.Dst(), 0)
		} else {
			rt.SetReg(inst.Dst(), rt.Reg(inst.Src1())%d)
		}

	case OpAddImm:
		rt.SetReg(inst.Dst(), rt.Reg(inst.Src1())+inst.SignedImm12())

	case OpCmpEq:
		rt.SetReg(inst.Dst(), boolReg(rt.Reg(inst.Src1()) == rt.Reg(inst.Src2())))

	case OpCmpNe:
		rt.SetReg(inst.Dst(), boolReg(rt.Reg(inst.Src1()) != rt.Reg(inst.Src2())))

	case OpCmpLt:
		rt.SetReg(inst.Dst(), boolReg(rt.Reg(inst.Src1()) < rt.Reg(inst.Src2())))

	case OpCmpLe:
		rt.SetReg(inst.Dst(), boolReg(rt.Reg(inst.Src1()) <= rt.Reg(inst.Src2())))

	case OpCmpGt:
		rt.SetReg(inst.Dst(), boolReg(rt.Reg(inst.Src1()) > rt.Reg(inst.Src2())))

	case OpCmpGe:
		rt.SetReg(inst.Dst(), boolReg(rt.Reg(inst.Src1()) >= rt.Reg(inst.Src2())))

	case OpSpawnEntity:
		in.opSpawnEntity(rt, inst.SignedImm20())

	case OpDestroyEntity:
		in.opDestroyEntity(rt, inst.Src1())

	case OpGetPosition:
		in.opGetPosition(rt, inst.Dst(), inst.Src1())

	case OpSetPosition:
		in.opSetPosition(rt, inst.Dst(), inst.Src1())

	case OpGetDistance:
		in.opGetDistance(rt, inst.Dst(), inst.Src1(), inst.Src2())

	case OpMoveToward:
		in.opMoveToward(rt, inst.Dst(), inst.Src1(), inst.Imm12())

	case OpMoveForward:
		in.opMoveForward(rt, inst.Src1(), inst.Imm12())

	case OpStopMovement:
		in.opStopMovement(rt, inst.Src1())

	case OpFindInRadius:
		in.opFindInRadius(rt, inst.Src1(), inst.Imm12())

	case OpNextFound:
		in.opNextFound(rt)

	case OpApplyDamage:
		in.opApplyDamage(rt, inst.Src1(), inst.Src2())

	case OpApplyEffect:
		in.emitEntityAsset(rt, DirectiveApplyEffect, inst.Src1(), inst.Imm12())

	case OpRemoveEffect:
		in.emitEntityAsset(rt, DirectiveRemoveEffect, inst.Src1(), inst.Imm12())

	case OpPlayAnim:
		in.emitEntityAsset(rt, DirectivePlayAnim, inst.Src1(), inst.Imm12())

	case OpPlayAnimMontage:
		in.emitEntityAsset(rt, DirectivePlayAnimMontage, inst.Src1(), inst.Imm12())

	case OpStopAnim:
		in.sink.EmitDirective(Directive{Kind: DirectiveStopAnim, Entity: rt.EntityReg(inst.Src1())})

	case OpPlayVFX:
		in.emitLocationAsset(rt, DirectivePlayVFX, inst.Src1(), inst.Imm12())

	case OpPlayVFXAttached:
		in.emitEntityAsset(rt, DirectivePlayVFXAttached, inst.Src1(), inst.Imm12())

	case OpPlaySound:
		in.sink.EmitDirective(Directive{Kind: DirectivePlaySound, Asset: rt.Program.String(inst.SignedImm20())})

	case OpPlaySoundAtLocation:
		in.emitLocationAsset(rt, DirectivePlaySoundAtLocation, inst.Src1(), inst.Imm12())

	case OpSpawnEquipment:
		in.opSpawnEquipment(rt, inst.Src1(), inst.Src2(), inst.Imm12())

	case OpLog:
		in.log.Debug().Str("tag", rt.Program.Tag).Msg(rt.Program.String(inst.SignedImm20()))

	default:
		in.log.Error().
			Uint8("opcode", uint8(inst.Op())).
			Str("tag", rt.Program.Tag).
			Int32("pc", rt.PC-1).
			Msg("unknown opcode")
		return StatusFailed
	}
	return StatusRunning
}

// NotifyCollision resumes a runtime waiting on a collision of the watched
// entity and stores the hit entity in the Hit register.
func (in *Interpreter) NotifyCollision(rt *Runtime, hit core.EntityID) {
	if rt.Wait.Kind != WaitCollision {
		return
	}
	rt.SetEntityReg(RegHit, hit)
	rt.Wait.Reset()
	rt.Status = StatusReady
}

// NotifyAnimEnd resumes a runtime waiting for the entity's animation end.
func (in *Interpreter) NotifyAnimEnd(rt *Runtime) {
	if rt.Wait.Kind != WaitAnimationEnd {
		return
	}
	rt.Wait.Reset()
	rt.Status = StatusReady
}

// NotifyMoveEnd resumes a runtime waiting for the entity's movement end.
func (in *Interpreter) NotifyMoveEnd(rt *Runtime) {
	if rt.Wait.Kind != WaitMovementEnd {
		return
	}
	rt.Wait.Reset()
	rt.Status = StatusReady
}

// UpdateTimer advances a timer wait and readies the runtime on expiry.
func (in *Interpreter) UpdateTimer(rt *Runtime, dt float64) {
	if rt.Wait.Kind != WaitTimer {
		return
	}
	rt.Wait.Remaining -= dt
	if rt.Wait.Remaining <= 0 {
		rt.Wait.Reset()
		rt.Status = StatusReady
	}
}

func boolReg(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
