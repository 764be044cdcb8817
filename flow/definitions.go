package flow

import (
	"github.com/hktstudios/hktcore/core"
	"github.com/hktstudios/hktcore/vm"
)

// Stock flow definitions. Each reads top to bottom like the behaviour it
// describes, without callbacks or hand-written state machines.

// Event tags handled by the stock flows.
const (
	TagFireball       = "ability.skill.fireball"
	TagMoveToLocation = "action.move.to-location"
	TagCharacterSpawn = "event.character.spawn"
	TagBasicAttack    = "ability.attack.basic"
	TagHeal           = "ability.skill.heal"
)

// Fireball: play the cast animation, launch a projectile, wait for its
// collision, then deal direct and splash damage around the impact.
func Fireball() *Builder {
	return New(TagFireball).
		Log("fireball: cast start").
		PlayAnim(vm.RegSelf, "CastFireball").
		WaitSeconds(1.0).
		SpawnEntity("/Game/Projectiles/BP_Fireball").
		GetPosition(vm.RegR0, vm.RegSelf).
		SetPosition(vm.RegSpawned, vm.RegR0).
		MoveForward(vm.RegSpawned, 500).
		PlaySound("/Game/Sounds/FireballLaunch").
		WaitCollision(vm.RegSpawned).
		GetPosition(vm.RegR3, vm.RegSpawned).
		DestroyEntity(vm.RegSpawned).
		ApplyDamageConst(vm.RegHit, 100).
		PlayVFXAttached(vm.RegHit, "/Game/VFX/DirectHit").
		PlayVFX(vm.RegR3, "/Game/VFX/FireballExplosion").
		PlaySoundAtLocation(vm.RegR3, "/Game/Sounds/Explosion").
		ForEachInRadius(vm.RegHit, 300).
		Move(vm.RegTarget, vm.RegIter).
		ApplyDamageConst(vm.RegTarget, 50).
		ApplyEffect(vm.RegTarget, "Effect.Burn").
		EndForEach().
		Log("fireball: done").
		Halt()
}

// MoveToLocation: walk the subject to the event's target location and
// stop when movement ends.
func MoveToLocation() *Builder {
	return New(TagMoveToLocation).
		LoadStore(vm.RegR0, core.PropMoveTargetX).
		LoadStore(vm.RegR1, core.PropMoveTargetY).
		LoadStore(vm.RegR2, core.PropMoveTargetZ).
		PlayAnim(vm.RegSelf, "Run").
		MoveToward(vm.RegSelf, vm.RegR0, 300).
		WaitMoveEnd(vm.RegSelf).
		StopMovement(vm.RegSelf).
		PlayAnim(vm.RegSelf, "Idle").
		Halt()
}

// CharacterSpawn: materialise a character at the event location, hand it
// its starting equipment and run the intro montage.
func CharacterSpawn() *Builder {
	return New(TagCharacterSpawn).
		Log("character: enter").
		SpawnEntity("/Game/Characters/BP_PlayerCharacter").
		Move(vm.RegSelf, vm.RegSpawned).
		LoadStore(vm.RegR0, core.PropMoveTargetX).
		LoadStore(vm.RegR1, core.PropMoveTargetY).
		LoadStore(vm.RegR2, core.PropMoveTargetZ).
		SetPosition(vm.RegSelf, vm.RegR0).
		PlayVFXAttached(vm.RegSelf, "/Game/VFX/SpawnEffect").
		PlaySound("/Game/Sounds/Spawn").
		PlayAnim(vm.RegSelf, "Spawn").
		WaitSeconds(0.5).
		SpawnEquipment(vm.RegSelf, 0, "/Game/Weapons/BP_Sword").
		PlayVFXAttached(vm.RegSpawned, "/Game/VFX/EquipGlow").
		SpawnEquipment(vm.RegSelf, 1, "/Game/Equipment/BP_Shield").
		PlayAnimMontage(vm.RegSelf, "IntroMontage").
		WaitAnimEnd(vm.RegSelf).
		PlayAnim(vm.RegSelf, "Idle").
		Log("character: ready").
		Halt()
}

// BasicAttack: swing, and when the animation lands deal attack-power
// damage to the event target.
func BasicAttack() *Builder {
	return New(TagBasicAttack).
		PlayAnimMontage(vm.RegSelf, "Attack").
		WaitAnimEnd(vm.RegSelf).
		LoadStore(vm.RegR0, core.PropAttackPower).
		ApplyDamage(vm.RegTarget, vm.RegR0).
		PlayVFXAttached(vm.RegTarget, "/Game/VFX/HitSpark").
		PlaySound("/Game/Sounds/Hit").
		Halt()
}

// Heal: restore Param0 health (default 50), clamped to max health.
func Heal() *Builder {
	return New(TagHeal).
		PlayAnim(vm.RegSelf, "CastHeal").
		PlayVFXAttached(vm.RegSelf, "/Game/VFX/HealCast").
		WaitSeconds(0.8).
		LoadStore(vm.RegR0, core.PropHealth).
		LoadStore(vm.RegR1, core.PropMaxHealth).
		LoadStore(vm.RegR2, core.PropParam0).
		LoadConst(vm.RegR4, 0).
		CmpNe(vm.RegR3, vm.RegR2, vm.RegR4).
		JumpIf(vm.RegR3, "has-amount").
		LoadConst(vm.RegR2, 50).
		Label("has-amount").
		Add(vm.RegR0, vm.RegR0, vm.RegR2).
		CmpGt(vm.RegR3, vm.RegR0, vm.RegR1).
		JumpIfNot(vm.RegR3, "no-clamp").
		Move(vm.RegR0, vm.RegR1).
		Label("no-clamp").
		SaveStore(core.PropHealth, vm.RegR0).
		PlayVFXAttached(vm.RegSelf, "/Game/VFX/HealBurst").
		PlaySound("/Game/Sounds/Heal").
		Halt()
}

// RegisterAll builds and registers every stock flow.
func RegisterAll(reg *vm.Registry) error {
	for _, b := range []*Builder{
		Fireball(),
		MoveToLocation(),
		CharacterSpawn(),
		BasicAttack(),
		Heal(),
	} {
		if err := b.BuildAndRegister(reg); err != nil {
			return err
		}
	}
	return nil
}
