// Package flow provides the fluent builder that compiles behaviour flows
// into VM programs, plus the stock flow definitions shipped with the game.
// A flow reads top to bottom like the behaviour it describes; labels and
// ForEach blocks are resolved to branch targets at build time.
package flow

import (
	"errors"
	"fmt"
	"math"

	"github.com/hktstudios/hktcore/core"
	"github.com/hktstudios/hktcore/vm"
)

// Builder accumulates instructions for one program. Methods chain; the
// first error sticks and is reported by Build.
type Builder struct {
	tag     string
	code    []vm.Instruction
	strings []string
	labels  map[string]int32

	// fixups are jump sites whose label was not yet defined.
	fixups []fixup

	// forEach tracks open ForEachInRadius blocks.
	forEach []forEachFrame

	err error
}

type fixup struct {
	pc    int32
	label string
	wide  bool // imm20 target (Jump) vs imm12 (JumpIf/JumpIfNot)
}

type forEachFrame struct {
	loopPC int32
	endIdx int // index into fixups of the exit branch
}

// New starts a flow for the given event tag.
func New(tag string) *Builder {
	return &Builder{
		tag:    tag,
		labels: make(map[string]int32),
	}
}

func (b *Builder) emit(inst vm.Instruction) *Builder {
	b.code = append(b.code, inst)
	return b
}

func (b *Builder) fail(format string, args ...any) *Builder {
	if b.err == nil {
		b.err = fmt.Errorf("flow %q: %s", b.tag, fmt.Sprintf(format, args...))
	}
	return b
}

// stringIdx interns an atom in the string pool.
func (b *Builder) stringIdx(s string) int32 {
	for i, existing := range b.strings {
		if existing == s {
			return int32(i)
		}
	}
	b.strings = append(b.strings, s)
	return int32(len(b.strings) - 1)
}

// Control.

func (b *Builder) Nop() *Builder  { return b.emit(vm.Encode(vm.OpNop, 0, 0, 0, 0)) }
func (b *Builder) Halt() *Builder { return b.emit(vm.Encode(vm.OpHalt, 0, 0, 0, 0)) }

// Yield suspends for the given number of frames (minimum one).
func (b *Builder) Yield(frames int32) *Builder {
	if frames < 0 || frames > 0xFFF {
		return b.fail("yield frames %d out of range", frames)
	}
	return b.emit(vm.Encode(vm.OpYield, 0, 0, 0, frames))
}

// WaitSeconds suspends on a timer. Resolution is centiseconds.
func (b *Builder) WaitSeconds(seconds float64) *Builder {
	centis := int32(math.Round(seconds * 100))
	return b.emit(vm.EncodeImm20(vm.OpYieldSeconds, 0, centis))
}

// Label marks the current position as a branch target.
func (b *Builder) Label(name string) *Builder {
	if _, dup := b.labels[name]; dup {
		return b.fail("duplicate label %q", name)
	}
	b.labels[name] = int32(len(b.code))
	return b
}

// Jump branches unconditionally to a label.
func (b *Builder) Jump(label string) *Builder {
	b.fixups = append(b.fixups, fixup{pc: int32(len(b.code)), label: label, wide: true})
	return b.emit(vm.EncodeImm20(vm.OpJump, 0, 0))
}

// JumpIf branches when the register is non-zero.
func (b *Builder) JumpIf(cond vm.Reg, label string) *Builder {
	b.fixups = append(b.fixups, fixup{pc: int32(len(b.code)), label: label})
	return b.emit(vm.Encode(vm.OpJumpIf, 0, cond, 0, 0))
}

// JumpIfNot branches when the register is zero.
func (b *Builder) JumpIfNot(cond vm.Reg, label string) *Builder {
	b.fixups = append(b.fixups, fixup{pc: int32(len(b.code)), label: label})
	return b.emit(vm.Encode(vm.OpJumpIfNot, 0, cond, 0, 0))
}

// Waits.

func (b *Builder) WaitCollision(watched vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpWaitCollision, 0, watched, 0, 0))
}

func (b *Builder) WaitAnimEnd(entity vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpWaitAnimEnd, 0, entity, 0, 0))
}

func (b *Builder) WaitMoveEnd(entity vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpWaitMoveEnd, 0, entity, 0, 0))
}

// Data.

// LoadConst loads a signed constant. Values outside the 20-bit immediate
// are assembled with a LoadConstHigh pair.
func (b *Builder) LoadConst(dst vm.Reg, v int32) *Builder {
	if v >= -(1<<19) && v < 1<<19 {
		return b.emit(vm.EncodeImm20(vm.OpLoadConst, dst, v))
	}
	b.emit(vm.EncodeImm20(vm.OpLoadConst, dst, v&0xFFFFF))
	return b.emit(vm.Encode(vm.OpLoadConstHigh, dst, 0, 0, v>>20&0xFFF))
}

func (b *Builder) LoadStore(dst vm.Reg, prop core.PropertyID) *Builder {
	return b.emit(vm.Encode(vm.OpLoadStore, dst, 0, 0, int32(prop)))
}

func (b *Builder) LoadStoreEntity(dst, entity vm.Reg, prop core.PropertyID) *Builder {
	return b.emit(vm.Encode(vm.OpLoadStoreEntity, dst, entity, 0, int32(prop)))
}

func (b *Builder) SaveStore(prop core.PropertyID, src vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpSaveStore, 0, src, 0, int32(prop)))
}

func (b *Builder) SaveStoreEntity(entity vm.Reg, prop core.PropertyID, src vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpSaveStoreEntity, 0, entity, src, int32(prop)))
}

func (b *Builder) Move(dst, src vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpMove, dst, src, 0, 0))
}

// Arithmetic and comparison.

func (b *Builder) Add(dst, s1, s2 vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpAdd, dst, s1, s2, 0))
}

func (b *Builder) Sub(dst, s1, s2 vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpSub, dst, s1, s2, 0))
}

func (b *Builder) Mul(dst, s1, s2 vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpMul, dst, s1, s2, 0))
}

func (b *Builder) Div(dst, s1, s2 vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpDiv, dst, s1, s2, 0))
}

func (b *Builder) Mod(dst, s1, s2 vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpMod, dst, s1, s2, 0))
}

func (b *Builder) AddImm(dst, src vm.Reg, imm int32) *Builder {
	if imm < -(1<<11) || imm >= 1<<11 {
		return b.fail("add immediate %d out of range", imm)
	}
	return b.emit(vm.Encode(vm.OpAddImm, dst, src, 0, imm))
}

func (b *Builder) CmpEq(dst, s1, s2 vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpCmpEq, dst, s1, s2, 0))
}

func (b *Builder) CmpNe(dst, s1, s2 vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpCmpNe, dst, s1, s2, 0))
}

func (b *Builder) CmpLt(dst, s1, s2 vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpCmpLt, dst, s1, s2, 0))
}

func (b *Builder) CmpLe(dst, s1, s2 vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpCmpLe, dst, s1, s2, 0))
}

func (b *Builder) CmpGt(dst, s1, s2 vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpCmpGt, dst, s1, s2, 0))
}

func (b *Builder) CmpGe(dst, s1, s2 vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpCmpGe, dst, s1, s2, 0))
}

// Entity management.

func (b *Builder) SpawnEntity(classPath string) *Builder {
	return b.emit(vm.EncodeImm20(vm.OpSpawnEntity, 0, b.stringIdx(classPath)))
}

func (b *Builder) DestroyEntity(entity vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpDestroyEntity, 0, entity, 0, 0))
}

// Position and movement.

func (b *Builder) GetPosition(dstBase, entity vm.Reg) *Builder {
	if dstBase > vm.RegR6 {
		return b.fail("GetPosition base %d leaves no room for three registers", dstBase)
	}
	return b.emit(vm.Encode(vm.OpGetPosition, dstBase, entity, 0, 0))
}

func (b *Builder) SetPosition(entity, srcBase vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpSetPosition, entity, srcBase, 0, 0))
}

func (b *Builder) GetDistance(dst, e1, e2 vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpGetDistance, dst, e1, e2, 0))
}

func (b *Builder) MoveToward(entity, targetBase vm.Reg, speedCmPerSec int32) *Builder {
	if speedCmPerSec < 0 || speedCmPerSec > 0xFFF {
		return b.fail("speed %d out of range", speedCmPerSec)
	}
	return b.emit(vm.Encode(vm.OpMoveToward, entity, targetBase, 0, speedCmPerSec))
}

func (b *Builder) MoveForward(entity vm.Reg, speedCmPerSec int32) *Builder {
	if speedCmPerSec < 0 || speedCmPerSec > 0xFFF {
		return b.fail("speed %d out of range", speedCmPerSec)
	}
	return b.emit(vm.Encode(vm.OpMoveForward, 0, entity, 0, speedCmPerSec))
}

func (b *Builder) StopMovement(entity vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpStopMovement, 0, entity, 0, 0))
}

// Spatial query.

// ForEachInRadius opens a loop over enemies within radiusCm of the centre
// entity. The loop body runs with RegIter holding the current entity;
// close the block with EndForEach. Blocks nest, but share the single
// query cursor, so an inner query clobbers the outer one.
func (b *Builder) ForEachInRadius(centre vm.Reg, radiusCm int32) *Builder {
	if radiusCm < 0 || radiusCm > 0xFFF {
		return b.fail("radius %d out of range", radiusCm)
	}
	b.emit(vm.Encode(vm.OpFindInRadius, 0, centre, 0, radiusCm))
	loopPC := int32(len(b.code))
	b.emit(vm.Encode(vm.OpNextFound, 0, 0, 0, 0))
	// Exit branch, patched by EndForEach.
	b.forEach = append(b.forEach, forEachFrame{loopPC: loopPC, endIdx: len(b.fixups)})
	b.fixups = append(b.fixups, fixup{pc: int32(len(b.code)), label: ""})
	return b.emit(vm.Encode(vm.OpJumpIfNot, 0, vm.RegFlag, 0, 0))
}

// EndForEach closes the innermost ForEachInRadius block.
func (b *Builder) EndForEach() *Builder {
	if len(b.forEach) == 0 {
		return b.fail("EndForEach without ForEachInRadius")
	}
	frame := b.forEach[len(b.forEach)-1]
	b.forEach = b.forEach[:len(b.forEach)-1]

	// Jump back to NextFound, then patch the exit branch to here.
	b.emit(vm.EncodeImm20(vm.OpJump, 0, frame.loopPC))
	end := int32(len(b.code))
	if end > 0xFFF {
		return b.fail("loop exit target %d exceeds the short branch range", end)
	}
	site := b.fixups[frame.endIdx]
	b.code[site.pc] = vm.Encode(vm.OpJumpIfNot, 0, vm.RegFlag, 0, end)
	b.fixups = append(b.fixups[:frame.endIdx], b.fixups[frame.endIdx+1:]...)
	return b
}

// Combat.

func (b *Builder) ApplyDamage(target, amount vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpApplyDamage, 0, target, amount, 0))
}

// ApplyDamageConst is builder sugar: loads the amount into the scratch
// register R8 and applies it.
func (b *Builder) ApplyDamageConst(target vm.Reg, amount int32) *Builder {
	b.LoadConst(vm.RegR8, amount)
	return b.ApplyDamage(target, vm.RegR8)
}

func (b *Builder) ApplyEffect(target vm.Reg, effect string) *Builder {
	return b.emit(vm.Encode(vm.OpApplyEffect, 0, target, 0, b.stringIdx(effect)))
}

func (b *Builder) RemoveEffect(target vm.Reg, effect string) *Builder {
	return b.emit(vm.Encode(vm.OpRemoveEffect, 0, target, 0, b.stringIdx(effect)))
}

// Animation, VFX, audio, equipment, diagnostics.

func (b *Builder) PlayAnim(entity vm.Reg, anim string) *Builder {
	return b.emit(vm.Encode(vm.OpPlayAnim, 0, entity, 0, b.stringIdx(anim)))
}

func (b *Builder) PlayAnimMontage(entity vm.Reg, montage string) *Builder {
	return b.emit(vm.Encode(vm.OpPlayAnimMontage, 0, entity, 0, b.stringIdx(montage)))
}

func (b *Builder) StopAnim(entity vm.Reg) *Builder {
	return b.emit(vm.Encode(vm.OpStopAnim, 0, entity, 0, 0))
}

func (b *Builder) PlayVFX(posBase vm.Reg, vfx string) *Builder {
	return b.emit(vm.Encode(vm.OpPlayVFX, 0, posBase, 0, b.stringIdx(vfx)))
}

func (b *Builder) PlayVFXAttached(entity vm.Reg, vfx string) *Builder {
	return b.emit(vm.Encode(vm.OpPlayVFXAttached, 0, entity, 0, b.stringIdx(vfx)))
}

func (b *Builder) PlaySound(sound string) *Builder {
	return b.emit(vm.EncodeImm20(vm.OpPlaySound, 0, b.stringIdx(sound)))
}

func (b *Builder) PlaySoundAtLocation(posBase vm.Reg, sound string) *Builder {
	return b.emit(vm.Encode(vm.OpPlaySoundAtLocation, 0, posBase, 0, b.stringIdx(sound)))
}

func (b *Builder) SpawnEquipment(owner vm.Reg, slot int32, classPath string) *Builder {
	if slot < 0 || slot > 15 {
		return b.fail("equipment slot %d out of range", slot)
	}
	return b.emit(vm.Encode(vm.OpSpawnEquipment, 0, owner, vm.Reg(slot), b.stringIdx(classPath)))
}

func (b *Builder) Log(line string) *Builder {
	return b.emit(vm.EncodeImm20(vm.OpLog, 0, b.stringIdx(line)))
}

// Build resolves labels and returns the immutable program.
func (b *Builder) Build() (*vm.Program, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.forEach) > 0 {
		return nil, fmt.Errorf("flow %q: unclosed ForEachInRadius", b.tag)
	}
	if len(b.code) == 0 {
		return nil, errors.New("flow: empty program")
	}

	for _, f := range b.fixups {
		if f.label == "" {
			continue // resolved in place
		}
		target, ok := b.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("flow %q: undefined label %q", b.tag, f.label)
		}
		inst := b.code[f.pc]
		if f.wide {
			b.code[f.pc] = vm.EncodeImm20(inst.Op(), 0, target)
		} else {
			if target > 0xFFF {
				return nil, fmt.Errorf("flow %q: label %q target %d exceeds the short branch range", b.tag, f.label, target)
			}
			b.code[f.pc] = vm.Encode(inst.Op(), 0, inst.Src1(), 0, target)
		}
	}

	return &vm.Program{
		Tag:     b.tag,
		Code:    b.code,
		Strings: b.strings,
	}, nil
}

// BuildAndRegister builds the program and registers it.
func (b *Builder) BuildAndRegister(reg *vm.Registry) error {
	p, err := b.Build()
	if err != nil {
		return err
	}
	reg.Register(p)
	return nil
}
