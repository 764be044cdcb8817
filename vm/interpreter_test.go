package vm

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hktstudios/hktcore/core"
)

func runProgram(t *testing.T, m EntityStore, subject core.EntityID, code []Instruction, strings ...string) (*Runtime, Status) {
	t.Helper()
	in := NewInterpreter(m, nil, 10000, zerolog.Nop())

	rt := &Runtime{}
	rt.Reset()
	rt.Program = &Program{Tag: "test", Code: code, Strings: strings}
	st := &Store{}
	st.Bind(m)
	st.Subject = subject
	rt.Store = st
	rt.SetEntityReg(RegSelf, subject)

	status := in.Execute(rt)
	rt.Status = status
	return rt, status
}

func TestArithmeticAndCompare(t *testing.T) {
	m := newBacking(t)
	e := m.Allocate()

	rt, status := runProgram(t, m, e, []Instruction{
		EncodeImm20(OpLoadConst, RegR0, 10),
		EncodeImm20(OpLoadConst, RegR1, 3),
		Encode(OpDiv, RegR2, RegR0, RegR1, 0),
		Encode(OpMod, RegR3, RegR0, RegR1, 0),
		Encode(OpCmpGt, RegR4, RegR2, RegR3, 0),
		Encode(OpHalt, 0, 0, 0, 0),
	})

	require.Equal(t, StatusCompleted, status)
	assert.Equal(t, int32(3), rt.Reg(RegR2))
	assert.Equal(t, int32(1), rt.Reg(RegR3))
	assert.Equal(t, int32(1), rt.Reg(RegR4))
}

func TestDivisionByZeroYieldsZero(t *testing.T) {
	m := newBacking(t)
	e := m.Allocate()

	rt, status := runProgram(t, m, e, []Instruction{
		EncodeImm20(OpLoadConst, RegR0, 7),
		EncodeImm20(OpLoadConst, RegR1, 0),
		Encode(OpDiv, RegR2, RegR0, RegR1, 0),
		Encode(OpMod, RegR3, RegR0, RegR1, 0),
		Encode(OpHalt, 0, 0, 0, 0),
	})

	require.Equal(t, StatusCompleted, status)
	assert.Equal(t, int32(0), rt.Reg(RegR2))
	assert.Equal(t, int32(0), rt.Reg(RegR3))
}

func TestLoadConstHigh(t *testing.T) {
	m := newBacking(t)
	e := m.Allocate()

	rt, _ := runProgram(t, m, e, []Instruction{
		EncodeImm20(OpLoadConst, RegR0, 0x12345),
		Encode(OpLoadConstHigh, RegR0, 0, 0, 0x7FF),
		Encode(OpHalt, 0, 0, 0, 0),
	})

	assert.Equal(t, int32(0x7FF<<20|0x12345), rt.Reg(RegR0))
}

func TestRunningOffTheEndCompletes(t *testing.T) {
	m := newBacking(t)
	e := m.Allocate()

	_, status := runProgram(t, m, e, []Instruction{
		Encode(OpNop, 0, 0, 0, 0),
	})
	assert.Equal(t, StatusCompleted, status)
}

func TestUnknownOpcodeFails(t *testing.T) {
	m := newBacking(t)
	e := m.Allocate()

	_, status := runProgram(t, m, e, []Instruction{
		Instruction(uint32(numOpcodes) + 7),
	})
	assert.Equal(t, StatusFailed, status)
}

func TestInvalidProgramFails(t *testing.T) {
	m := newBacking(t)
	in := NewInterpreter(m, nil, 100, zerolog.Nop())
	rt := &Runtime{}
	rt.Reset()
	assert.Equal(t, StatusFailed, in.Execute(rt))
}

func TestInstructionBudgetYields(t *testing.T) {
	m := newBacking(t)
	in := NewInterpreter(m, nil, 100, zerolog.Nop())

	rt := &Runtime{}
	rt.Reset()
	// Tight self-loop: terminates only through the budget.
	rt.Program = &Program{Tag: "loop", Code: []Instruction{EncodeImm20(OpJump, 0, 0)}}
	st := &Store{}
	st.Bind(m)
	rt.Store = st

	status := in.Execute(rt)
	assert.Equal(t, StatusYielded, status)
	assert.Equal(t, int32(1), rt.YieldFrames)
}

func TestYieldZeroBehavesAsOne(t *testing.T) {
	m := newBacking(t)
	e := m.Allocate()

	rt, status := runProgram(t, m, e, []Instruction{
		Encode(OpYield, 0, 0, 0, 0),
		Encode(OpHalt, 0, 0, 0, 0),
	})
	require.Equal(t, StatusYielded, status)
	assert.Equal(t, int32(1), rt.YieldFrames)
}

func TestGetDistanceClampsLargeDeltas(t *testing.T) {
	m := newBacking(t)
	a := m.Allocate()
	b := m.Allocate()
	m.SetPosition(a, core.Vec3{X: -2000000000 / 2})
	m.SetPosition(b, core.Vec3{X: 2000000000 / 2})

	rt := &Runtime{}
	rt.Reset()
	rt.Program = &Program{Tag: "dist", Code: []Instruction{
		Encode(OpGetDistance, RegR0, RegSelf, RegTarget, 0),
		Encode(OpHalt, 0, 0, 0, 0),
	}}
	st := &Store{}
	st.Bind(m)
	st.Subject = a
	rt.Store = st
	rt.SetEntityReg(RegSelf, a)
	rt.SetEntityReg(RegTarget, b)

	in := NewInterpreter(m, nil, 100, zerolog.Nop())
	require.Equal(t, StatusCompleted, in.Execute(rt))

	// Squared delta overflows int32; the clamp pins the result to
	// sqrt(MaxInt32) = 46340.
	assert.Equal(t, int32(46340), rt.Reg(RegR0))
}

func TestFindInRadiusSkipsCentreAndTeam(t *testing.T) {
	m := newBacking(t)
	centre := m.Allocate()
	m.Set(centre, core.PropTeam, 1)

	ally := m.Allocate()
	m.Set(ally, core.PropTeam, 1)
	m.SetPosition(ally, core.Vec3{X: 100})

	enemyNear := m.Allocate()
	m.Set(enemyNear, core.PropTeam, 2)
	m.SetPosition(enemyNear, core.Vec3{X: 200})

	enemyFar := m.Allocate()
	m.Set(enemyFar, core.PropTeam, 2)
	m.SetPosition(enemyFar, core.Vec3{X: 4000})

	rt, status := runProgram(t, m, centre, []Instruction{
		Encode(OpFindInRadius, 0, RegSelf, 0, 300),
		Encode(OpNextFound, 0, 0, 0, 0),
		Encode(OpNextFound, 0, 0, 0, 0),
		Encode(OpHalt, 0, 0, 0, 0),
	})

	require.Equal(t, StatusCompleted, status)
	assert.Equal(t, int32(1), rt.Reg(RegCount))
	// First NextFound produced the enemy; second exhausted the cursor.
	assert.Equal(t, core.InvalidEntity, rt.EntityReg(RegIter))
	assert.Equal(t, int32(0), rt.Reg(RegFlag))
}

func TestFindInRadiusOrdering(t *testing.T) {
	m := newBacking(t)
	centre := m.Allocate()
	m.Set(centre, core.PropTeam, 1)

	// Allocate out of positional order; results must come back in
	// ascending id order regardless.
	var ids []core.EntityID
	for i := 0; i < 3; i++ {
		e := m.Allocate()
		m.Set(e, core.PropTeam, 2)
		m.SetPosition(e, core.Vec3{X: int32(300 - i*100)})
		ids = append(ids, e)
	}

	rt, status := runProgram(t, m, centre, []Instruction{
		Encode(OpFindInRadius, 0, RegSelf, 0, 1000),
		Encode(OpHalt, 0, 0, 0, 0),
	})
	require.Equal(t, StatusCompleted, status)
	assert.Equal(t, ids, rt.Query.Entities)
}

func TestApplyDamage(t *testing.T) {
	m := newBacking(t)
	attacker := m.Allocate()
	victim := m.Allocate()
	m.Set(victim, core.PropHealth, 100)
	m.Set(victim, core.PropDefense, 30)

	in := NewInterpreter(m, nil, 100, zerolog.Nop())
	rt := &Runtime{}
	rt.Reset()
	rt.Program = &Program{Tag: "dmg", Code: []Instruction{
		EncodeImm20(OpLoadConst, RegR0, 50),
		Encode(OpApplyDamage, 0, RegTarget, RegR0, 0),
		Encode(OpHalt, 0, 0, 0, 0),
	}}
	st := &Store{}
	st.Bind(m)
	st.Subject = attacker
	rt.Store = st
	rt.SetEntityReg(RegTarget, victim)

	require.Equal(t, StatusCompleted, in.Execute(rt))
	m.ApplyWrites(st.PendingWrites())

	// actual = max(1, 50-30) = 20.
	assert.Equal(t, int32(80), m.Get(victim, core.PropHealth))
}

func TestApplyDamageMinimumOne(t *testing.T) {
	m := newBacking(t)
	victim := m.Allocate()
	m.Set(victim, core.PropHealth, 10)
	m.Set(victim, core.PropDefense, 500)

	in := NewInterpreter(m, nil, 100, zerolog.Nop())
	rt := &Runtime{}
	rt.Reset()
	rt.Program = &Program{Tag: "dmg", Code: []Instruction{
		EncodeImm20(OpLoadConst, RegR0, 5),
		Encode(OpApplyDamage, 0, RegTarget, RegR0, 0),
		Encode(OpHalt, 0, 0, 0, 0),
	}}
	st := &Store{}
	st.Bind(m)
	rt.Store = st
	rt.SetEntityReg(RegTarget, victim)

	require.Equal(t, StatusCompleted, in.Execute(rt))
	m.ApplyWrites(st.PendingWrites())
	assert.Equal(t, int32(9), m.Get(victim, core.PropHealth), "damage is at least 1 through any defense")
}

func TestDirectivesEmitted(t *testing.T) {
	m := newBacking(t)
	e := m.Allocate()

	q := NewDirectiveQueue()
	in := NewInterpreter(m, q, 100, zerolog.Nop())

	rt := &Runtime{}
	rt.Reset()
	rt.Program = &Program{
		Tag: "anim",
		Code: []Instruction{
			Encode(OpPlayAnim, 0, RegSelf, 0, 0),
			EncodeImm20(OpPlaySound, 0, 1),
			Encode(OpHalt, 0, 0, 0, 0),
		},
		Strings: []string{"Run", "/Game/Sounds/Step"},
	}
	st := &Store{}
	st.Bind(m)
	st.Subject = e
	rt.Store = st
	rt.SetEntityReg(RegSelf, e)

	require.Equal(t, StatusCompleted, in.Execute(rt))

	ds := q.Consume()
	require.Len(t, ds, 2)
	assert.Equal(t, DirectivePlayAnim, ds[0].Kind)
	assert.Equal(t, "Run", ds[0].Asset)
	assert.Equal(t, DirectivePlaySound, ds[1].Kind)
	assert.Equal(t, "/Game/Sounds/Step", ds[1].Asset)
}
