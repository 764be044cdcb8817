package vm

import (
	"math"

	"github.com/hktstudios/hktcore/core"
)

// Opcodes with world side effects. Entity identity changes (spawn, free)
// go straight to the backing store so that runtimes created later in the
// same tick can reference the new id; property writes stay buffered in
// the runtime's overlay until cleanup.

func (in *Interpreter) opSpawnEntity(rt *Runtime, stringIdx int32) {
	class := rt.Program.String(stringIdx)

	e := in.backing.Allocate()
	rt.SetEntityReg(RegSpawned, e)
	if e == core.InvalidEntity {
		return
	}

	rt.Store.WriteEntity(e, core.PropOwnerEntity, int32(rt.EntityReg(RegSelf)))
	rt.Store.WriteEntity(e, core.PropEntityType, core.EntityTypeProjectile)

	in.sink.EmitDirective(Directive{Kind: DirectiveSpawnVisual, Entity: e, Owner: rt.EntityReg(RegSelf), Asset: class})
}

func (in *Interpreter) opDestroyEntity(rt *Runtime, entity Reg) {
	in.backing.Free(rt.EntityReg(entity))
}

func (in *Interpreter) opGetPosition(rt *Runtime, dstBase, entity Reg) {
	e := rt.EntityReg(entity)
	rt.SetReg(dstBase, rt.Store.ReadEntity(e, core.PropPosX))
	rt.SetReg(dstBase+1, rt.Store.ReadEntity(e, core.PropPosY))
	rt.SetReg(dstBase+2, rt.Store.ReadEntity(e, core.PropPosZ))
}

func (in *Interpreter) opSetPosition(rt *Runtime, entity, srcBase Reg) {
	e := rt.EntityReg(entity)
	rt.Store.WriteEntity(e, core.PropPosX, rt.Reg(srcBase))
	rt.Store.WriteEntity(e, core.PropPosY, rt.Reg(srcBase+1))
	rt.Store.WriteEntity(e, core.PropPosZ, rt.Reg(srcBase+2))
}

func (in *Interpreter) opGetDistance(rt *Runtime, dst, e1Reg, e2Reg Reg) {
	e1 := rt.EntityReg(e1Reg)
	e2 := rt.EntityReg(e2Reg)

	dx := int64(rt.Store.ReadEntity(e2, core.PropPosX) - rt.Store.ReadEntity(e1, core.PropPosX))
	dy := int64(rt.Store.ReadEntity(e2, core.PropPosY) - rt.Store.ReadEntity(e1, core.PropPosY))
	dz := int64(rt.Store.ReadEntity(e2, core.PropPosZ) - rt.Store.ReadEntity(e1, core.PropPosZ))

	// 64-bit intermediate, clamped to int32 max before the root so the
	// result is exact and platform-independent.
	distSq := dx*dx + dy*dy + dz*dz
	if distSq > math.MaxInt32 {
		distSq = math.MaxInt32
	}
	rt.SetReg(dst, int32(math.Sqrt(float64(distSq))))
}

func (in *Interpreter) opMoveToward(rt *Runtime, entity, targetBase Reg, speed int32) {
	e := rt.EntityReg(entity)
	rt.Store.WriteEntity(e, core.PropMoveTargetX, rt.Reg(targetBase))
	rt.Store.WriteEntity(e, core.PropMoveTargetY, rt.Reg(targetBase+1))
	rt.Store.WriteEntity(e, core.PropMoveTargetZ, rt.Reg(targetBase+2))
	rt.Store.WriteEntity(e, core.PropMoveSpeed, speed)
	rt.Store.WriteEntity(e, core.PropIsMoving, 1)
}

func (in *Interpreter) opMoveForward(rt *Runtime, entity Reg, speed int32) {
	e := rt.EntityReg(entity)
	rt.Store.WriteEntity(e, core.PropMoveSpeed, speed)
	rt.Store.WriteEntity(e, core.PropIsMoving, 1)
}

func (in *Interpreter) opStopMovement(rt *Runtime, entity Reg) {
	rt.Store.WriteEntity(rt.EntityReg(entity), core.PropIsMoving, 0)
}

// opFindInRadius scans the backing store in ascending id order, skipping
// the centre and anything on its team. The centre position and team come
// through the overlay so the current VM's own writes are respected; other
// entities are read from committed backing state.
func (in *Interpreter) opFindInRadius(rt *Runtime, centreReg Reg, radiusCm int32) {
	rt.Query.Reset()

	centre := rt.EntityReg(centreReg)
	cx := int64(rt.Store.ReadEntity(centre, core.PropPosX))
	cy := int64(rt.Store.ReadEntity(centre, core.PropPosY))
	cz := int64(rt.Store.ReadEntity(centre, core.PropPosZ))
	team := rt.Store.ReadEntity(centre, core.PropTeam)
	if team == 0 {
		// Team 0 is the unset sentinel on most stores; a query from it
		// matches everything and is usually a flow bug.
		in.log.Debug().Str("tag", rt.Program.Tag).Uint32("centre", uint32(centre)).
			Msg("FindInRadius with zero team")
	}
	radiusSq := int64(radiusCm) * int64(radiusCm)

	for id := 0; id < in.backing.MaxEntities(); id++ {
		e := core.EntityID(id)
		if e == centre || !in.backing.IsValid(e) {
			continue
		}
		if in.backing.Get(e, core.PropTeam) == team {
			continue
		}
		dx := int64(in.backing.Get(e, core.PropPosX)) - cx
		dy := int64(in.backing.Get(e, core.PropPosY)) - cy
		dz := int64(in.backing.Get(e, core.PropPosZ)) - cz
		if dx*dx+dy*dy+dz*dz <= radiusSq {
			rt.Query.Entities = append(rt.Query.Entities, e)
		}
	}

	rt.SetReg(RegCount, int32(len(rt.Query.Entities)))
}

func (in *Interpreter) opNextFound(rt *Runtime) {
	if rt.Query.HasNext() {
		rt.SetEntityReg(RegIter, rt.Query.Next())
		rt.SetReg(RegFlag, 1)
	} else {
		rt.SetEntityReg(RegIter, core.InvalidEntity)
		rt.SetReg(RegFlag, 0)
	}
}

func (in *Interpreter) opApplyDamage(rt *Runtime, targetReg, amountReg Reg) {
	e := rt.EntityReg(targetReg)
	if !in.backing.IsValid(e) {
		return
	}

	health := rt.Store.ReadEntity(e, core.PropHealth)
	defense := rt.Store.ReadEntity(e, core.PropDefense)

	actual := rt.Reg(amountReg) - defense
	if actual < 1 {
		actual = 1
	}
	newHealth := health - actual
	if newHealth < 0 {
		newHealth = 0
	}
	rt.Store.WriteEntity(e, core.PropHealth, newHealth)
}

// opSpawnEquipment takes the slot as a 4-bit literal packed in the src2
// field, not a register.
func (in *Interpreter) opSpawnEquipment(rt *Runtime, ownerReg, slot Reg, stringIdx int32) {
	owner := rt.EntityReg(ownerReg)
	class := rt.Program.String(stringIdx)

	e := in.backing.Allocate()
	rt.SetEntityReg(RegSpawned, e)
	if e == core.InvalidEntity {
		return
	}

	rt.Store.WriteEntity(e, core.PropEntityType, core.EntityTypeEquipment)
	rt.Store.WriteEntity(e, core.PropOwnerEntity, int32(owner))

	in.sink.EmitDirective(Directive{
		Kind:   DirectiveSpawnEquipment,
		Entity: e,
		Owner:  owner,
		Slot:   int32(slot),
		Asset:  class,
	})
}

func (in *Interpreter) emitEntityAsset(rt *Runtime, kind DirectiveKind, entity Reg, stringIdx int32) {
	in.sink.EmitDirective(Directive{
		Kind:   kind,
		Entity: rt.EntityReg(entity),
		Asset:  rt.Program.String(stringIdx),
	})
}

func (in *Interpreter) emitLocationAsset(rt *Runtime, kind DirectiveKind, posBase Reg, stringIdx int32) {
	in.sink.EmitDirective(Directive{
		Kind: kind,
		Location: core.Vec3{
			X: rt.Reg(posBase),
			Y: rt.Reg(posBase + 1),
			Z: rt.Reg(posBase + 2),
		},
		Asset: rt.Program.String(stringIdx),
	})
}
