package vm

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hktstudios/hktcore/core"
	"github.com/hktstudios/hktcore/stash"
)

func newTestProcessor(t *testing.T) (*Processor, *stash.Master, *Registry) {
	t.Helper()
	m := stash.NewMaster(64, 32, zerolog.Nop())
	r := NewRegistry(zerolog.Nop())
	p := NewProcessor(m, r, nil, 16, 10000, zerolog.Nop())
	return p, m, r
}

func haltProgram(tag string) *Program {
	return &Program{Tag: tag, Code: []Instruction{Encode(OpHalt, 0, 0, 0, 0)}}
}

func TestEmptyTick(t *testing.T) {
	p, m, _ := newTestProcessor(t)
	before := m.Checksum()

	p.Tick(0, 0.016)

	assert.Equal(t, 0, p.ActiveRuntimes())
	assert.Equal(t, before, m.Checksum())
}

func TestSpawnAndHalt(t *testing.T) {
	p, m, r := newTestProcessor(t)
	subject := m.Allocate()
	require.Equal(t, core.EntityID(0), subject)

	r.Register(&Program{
		Tag: "event.character.spawn",
		Code: []Instruction{
			EncodeImm20(OpSpawnEntity, 0, 0),
			Encode(OpHalt, 0, 0, 0, 0),
		},
		Strings: []string{"/Game/Projectiles/BP_Foo"},
	})

	p.Submit(core.IntentEvent{EventID: 1, Tag: "event.character.spawn", Subject: subject, Target: core.InvalidEntity})
	p.Tick(0, 0.016)

	assert.Equal(t, 2, m.Count(), "exactly one new entity")
	spawned := core.EntityID(1)
	assert.Equal(t, int32(subject), m.Get(spawned, core.PropOwnerEntity))
	assert.Equal(t, core.EntityTypeProjectile, m.Get(spawned, core.PropEntityType))
	assert.Equal(t, 0, p.ActiveRuntimes(), "runtime returned to the pool")
	assert.Equal(t, uint64(1), p.Stats().Completed)
}

func TestProgramMissDropsEvent(t *testing.T) {
	p, m, _ := newTestProcessor(t)
	subject := m.Allocate()

	p.Submit(core.IntentEvent{EventID: 1, Tag: "no.such.tag", Subject: subject})
	p.Tick(0, 0.016)

	assert.Equal(t, uint64(1), p.Stats().Dropped)
	assert.Equal(t, 0, p.ActiveRuntimes())
}

func TestWritesBufferedUntilCleanup(t *testing.T) {
	p, m, r := newTestProcessor(t)
	subject := m.Allocate()
	m.Set(subject, core.PropHealth, 100)

	// Writes health, then yields; the write must not be visible until
	// the runtime completes on the following tick.
	r.Register(&Program{Tag: "slow.write", Code: []Instruction{
		EncodeImm20(OpLoadConst, RegR0, 55),
		Encode(OpSaveStore, 0, RegR0, 0, int32(core.PropHealth)),
		Encode(OpYield, 0, 0, 0, 1),
		Encode(OpHalt, 0, 0, 0, 0),
	}})

	p.Submit(core.IntentEvent{EventID: 1, Tag: "slow.write", Subject: subject})
	p.Tick(0, 0.016)
	assert.Equal(t, int32(100), m.Get(subject, core.PropHealth), "yielded runtime must not have committed")
	assert.Equal(t, 1, p.ActiveRuntimes())

	p.Tick(1, 0.016)
	assert.Equal(t, int32(55), m.Get(subject, core.PropHealth))
	assert.Equal(t, 0, p.ActiveRuntimes())
}

func TestFailedRuntimeDiscardsWrites(t *testing.T) {
	p, m, r := newTestProcessor(t)
	subject := m.Allocate()
	m.Set(subject, core.PropHealth, 100)

	r.Register(&Program{Tag: "bad", Code: []Instruction{
		EncodeImm20(OpLoadConst, RegR0, 1),
		Encode(OpSaveStore, 0, RegR0, 0, int32(core.PropHealth)),
		Instruction(uint32(numOpcodes) + 1), // unknown opcode
	}})

	p.Submit(core.IntentEvent{EventID: 1, Tag: "bad", Subject: subject})
	p.Tick(0, 0.016)

	assert.Equal(t, int32(100), m.Get(subject, core.PropHealth), "failed runtime must not corrupt the store")
	assert.Equal(t, uint64(1), p.Stats().Failed)
}

func TestTimerWait(t *testing.T) {
	run := func(dts ...float64) (*stash.Master, int) {
		m := stash.NewMaster(64, 32, zerolog.Nop())
		r := NewRegistry(zerolog.Nop())
		p := NewProcessor(m, r, nil, 16, 10000, zerolog.Nop())
		subject := m.Allocate()

		// Wait one second, then set Param0 = 1.
		r.Register(&Program{Tag: "timer", Code: []Instruction{
			EncodeImm20(OpYieldSeconds, 0, 100),
			EncodeImm20(OpLoadConst, RegR0, 1),
			Encode(OpSaveStore, 0, RegR0, 0, int32(core.PropParam0)),
			Encode(OpHalt, 0, 0, 0, 0),
		}})

		p.Submit(core.IntentEvent{EventID: 1, Tag: "timer", Subject: subject})
		ticks := 0
		for i, dt := range dts {
			p.Tick(int64(i), dt)
			ticks++
			if p.ActiveRuntimes() == 0 {
				break
			}
		}
		return m, ticks
	}

	m, ticks := run(0.6, 0.6, 0.6)
	assert.Equal(t, 2, ticks, "1.0s timer with dt=0.6 completes on the second tick")
	assert.Equal(t, int32(1), m.Get(0, core.PropParam0))

	m2, ticks2 := run(0.5, 0.5, 0.5)
	assert.Equal(t, 2, ticks2)
	assert.Equal(t, int32(1), m2.Get(0, core.PropParam0))

	// Identical event streams with different dt splits reach the same
	// final store state.
	m.MarkFrameCompleted(0)
	m2.MarkFrameCompleted(0)
	assert.Equal(t, m.Checksum(), m2.Checksum())
}

func TestTimerRemainingAfterFirstTick(t *testing.T) {
	p, m, r := newTestProcessor(t)
	subject := m.Allocate()

	r.Register(&Program{Tag: "timer", Code: []Instruction{
		EncodeImm20(OpYieldSeconds, 0, 100),
		Encode(OpHalt, 0, 0, 0, 0),
	}})
	p.Submit(core.IntentEvent{EventID: 1, Tag: "timer", Subject: subject})
	p.Tick(0, 0.6)

	require.Equal(t, 1, len(p.active))
	rt := &p.runtimes[p.active[0]]
	assert.Equal(t, StatusWaitingEvent, rt.Status)
	assert.Equal(t, WaitTimer, rt.Wait.Kind)
	assert.InDelta(t, 0.4, rt.Wait.Remaining, 1e-9, "the set tick consumes its own dt")
}

func TestCollisionWait(t *testing.T) {
	p, m, r := newTestProcessor(t)
	subject := m.Allocate()
	victim := m.Allocate()

	// Wait for a collision on self, then set the hit entity's Param0.
	r.Register(&Program{Tag: "collide", Code: []Instruction{
		Encode(OpWaitCollision, 0, RegSelf, 0, 0),
		EncodeImm20(OpLoadConst, RegR0, 1),
		Encode(OpSaveStoreEntity, 0, RegHit, RegR0, int32(core.PropParam0)),
		Encode(OpHalt, 0, 0, 0, 0),
	}})

	p.Submit(core.IntentEvent{EventID: 1, Tag: "collide", Subject: subject})
	p.Tick(0, 0.016)

	require.Equal(t, 1, len(p.active))
	rt := &p.runtimes[p.active[0]]
	assert.Equal(t, WaitCollision, rt.Wait.Kind)
	assert.Equal(t, subject, rt.Wait.Watched)

	// Unrelated notifications do not resume it.
	p.NotifyCollision(victim, subject)
	assert.Equal(t, StatusWaitingEvent, rt.Status)

	p.NotifyCollision(subject, victim)
	assert.Equal(t, StatusReady, rt.Status)

	p.Tick(1, 0.016)
	assert.Equal(t, int32(1), m.Get(victim, core.PropParam0))
	assert.Equal(t, 0, p.ActiveRuntimes())
}

func TestAnimAndMoveEndWaits(t *testing.T) {
	p, m, r := newTestProcessor(t)
	subject := m.Allocate()

	r.Register(&Program{Tag: "anim.then.move", Code: []Instruction{
		Encode(OpWaitAnimEnd, 0, RegSelf, 0, 0),
		Encode(OpWaitMoveEnd, 0, RegSelf, 0, 0),
		EncodeImm20(OpLoadConst, RegR0, 7),
		Encode(OpSaveStore, 0, RegR0, 0, int32(core.PropParam0)),
		Encode(OpHalt, 0, 0, 0, 0),
	}})

	p.Submit(core.IntentEvent{EventID: 1, Tag: "anim.then.move", Subject: subject})
	p.Tick(0, 0.016)

	// Wrong notification kind is ignored.
	p.NotifyMoveEnd(subject)
	p.Tick(1, 0.016)
	require.Equal(t, 1, p.ActiveRuntimes())

	p.NotifyAnimEnd(subject)
	p.Tick(2, 0.016)
	require.Equal(t, 1, p.ActiveRuntimes(), "now parked on the move-end wait")

	p.NotifyMoveEnd(subject)
	p.Tick(3, 0.016)
	assert.Equal(t, 0, p.ActiveRuntimes())
	assert.Equal(t, int32(7), m.Get(subject, core.PropParam0))
}

func TestYieldFrames(t *testing.T) {
	p, m, r := newTestProcessor(t)
	subject := m.Allocate()

	r.Register(&Program{Tag: "yield3", Code: []Instruction{
		Encode(OpYield, 0, 0, 0, 3),
		EncodeImm20(OpLoadConst, RegR0, 1),
		Encode(OpSaveStore, 0, RegR0, 0, int32(core.PropParam0)),
		Encode(OpHalt, 0, 0, 0, 0),
	}})

	p.Submit(core.IntentEvent{EventID: 1, Tag: "yield3", Subject: subject})
	p.Tick(0, 0.016) // executes, yields 3
	p.Tick(1, 0.016) // countdown 2
	p.Tick(2, 0.016) // countdown 1
	require.Equal(t, 1, p.ActiveRuntimes())
	require.Equal(t, int32(0), m.Get(subject, core.PropParam0))

	p.Tick(3, 0.016) // resumes and completes
	assert.Equal(t, 0, p.ActiveRuntimes())
	assert.Equal(t, int32(1), m.Get(subject, core.PropParam0))
}

func TestFrameValidationDefersThenDrops(t *testing.T) {
	p, m, r := newTestProcessor(t)
	m.MarkFrameCompleted(5)
	subject := m.Allocate() // creation frame 5

	r.Register(haltProgram("noop"))

	// Event claims an older frame than the subject's creation: deferred
	// once, then dropped.
	p.Submit(core.IntentEvent{EventID: 1, Tag: "noop", Subject: subject})
	p.Tick(3, 0.016)
	assert.Equal(t, 0, p.ActiveRuntimes())
	assert.Equal(t, uint64(0), p.Stats().Dropped)

	p.Tick(4, 0.016)
	assert.Equal(t, uint64(1), p.Stats().Dropped)

	// At a late enough frame the same event validates.
	p.Submit(core.IntentEvent{EventID: 2, Tag: "noop", Subject: subject})
	p.Tick(5, 0.016)
	assert.Equal(t, uint64(1), p.Stats().Completed)
}

func TestSpawningProgramBypassesValidation(t *testing.T) {
	p, _, r := newTestProcessor(t)

	r.Register(&Program{
		Tag: "enter",
		Code: []Instruction{
			EncodeImm20(OpSpawnEntity, 0, 0),
			Encode(OpHalt, 0, 0, 0, 0),
		},
		Strings: []string{"/Game/Characters/BP_Player"},
	})

	// Subject 7 does not exist on the master store yet.
	p.Submit(core.IntentEvent{EventID: 1, Tag: "enter", Subject: 7})
	p.Tick(0, 0.016)

	assert.Equal(t, uint64(1), p.Stats().Completed)
	assert.Equal(t, uint64(0), p.Stats().Dropped)
}

func TestPoolExhaustionDropsEvent(t *testing.T) {
	m := stash.NewMaster(64, 32, zerolog.Nop())
	r := NewRegistry(zerolog.Nop())
	p := NewProcessor(m, r, nil, 2, 10000, zerolog.Nop())
	subject := m.Allocate()

	r.Register(&Program{Tag: "wait", Code: []Instruction{
		Encode(OpWaitCollision, 0, RegSelf, 0, 0),
		Encode(OpHalt, 0, 0, 0, 0),
	}})

	for i := 0; i < 3; i++ {
		p.Submit(core.IntentEvent{EventID: uint32(i + 1), Tag: "wait", Subject: subject})
	}
	p.Tick(0, 0.016)

	assert.Equal(t, 2, p.ActiveRuntimes())
	assert.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestIdentityChangesImmediateWritesBuffered(t *testing.T) {
	p, m, r := newTestProcessor(t)
	subject := m.Allocate()

	// First program spawns and parks on a collision wait (never commits
	// this tick); second program destroys the subject immediately.
	r.Register(&Program{
		Tag: "spawn.and.park",
		Code: []Instruction{
			EncodeImm20(OpSpawnEntity, 0, 0),
			Encode(OpWaitCollision, 0, RegSelf, 0, 0),
			Encode(OpHalt, 0, 0, 0, 0),
		},
		Strings: []string{"/x"},
	})
	r.Register(&Program{Tag: "kill.target", Code: []Instruction{
		Encode(OpDestroyEntity, 0, RegTarget, 0, 0),
		Encode(OpHalt, 0, 0, 0, 0),
	}})

	p.Submit(core.IntentEvent{EventID: 1, Tag: "spawn.and.park", Subject: subject})
	p.Submit(core.IntentEvent{EventID: 2, Tag: "kill.target", Subject: subject, Target: subject})
	p.Tick(0, 0.016)

	// Spawn happened immediately even though its runtime is parked;
	// destroy of the subject happened immediately too.
	assert.True(t, m.IsValid(1), "spawned entity exists against the backing store")
	assert.False(t, m.IsValid(subject), "destroy is immediate")
	// The parked runtime's owner/type writes are still buffered.
	assert.Equal(t, int32(0), m.Get(1, core.PropEntityType))
}
