package sim

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hktstudios/hktcore/config"
	"github.com/hktstudios/hktcore/core"
	"github.com/hktstudios/hktcore/flow"
	"github.com/hktstudios/hktcore/vm"
)

type captureTransport struct {
	batches map[core.ClientID][]core.FrameBatch
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{batches: make(map[core.ClientID][]core.FrameBatch)}
}

func (t *captureTransport) SendBatch(c core.ClientID, b *core.FrameBatch) {
	t.batches[c] = append(t.batches[c], *b)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Sim.MaxEntities = 128
	cfg.Sim.MaxProperties = 32
	cfg.Sim.MaxRuntimes = 32
	cfg.Sim.DispatchWorkers = 2
	return cfg
}

func newRegistry(t *testing.T) *vm.Registry {
	t.Helper()
	reg := vm.NewRegistry(zerolog.Nop())
	require.NoError(t, flow.RegisterAll(reg))
	return reg
}

func TestEmptyTickChangesNothing(t *testing.T) {
	tr := newCaptureTransport()
	s := NewServer(testConfig(), newRegistry(t), nil, tr, nil, zerolog.Nop())

	before := s.Master.Count()
	s.Tick(0.016)

	assert.Equal(t, before, s.Master.Count())
	assert.Empty(t, tr.batches)
	assert.Equal(t, int64(1), s.Frame())
}

func TestServerAssignsEventIDsInSubmissionOrder(t *testing.T) {
	tr := newCaptureTransport()
	s := NewServer(testConfig(), newRegistry(t), nil, tr, nil, zerolog.Nop())

	pawn := s.Master.Allocate()
	s.AddClient(1, pawn)

	s.SubmitIntent(core.IntentEvent{Tag: flow.TagHeal, Subject: pawn, Target: core.InvalidEntity, Global: true})
	s.SubmitIntent(core.IntentEvent{Tag: flow.TagHeal, Subject: pawn, Target: core.InvalidEntity, Global: true})
	s.Tick(0.05)

	batches := tr.batches[1]
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Events, 2)
	assert.Equal(t, uint32(1), batches[0].Events[0].EventID)
	assert.Equal(t, uint32(2), batches[0].Events[1].EventID)
	assert.Equal(t, int64(0), batches[0].Frame)
}

// Two servers fed the same ordered event stream converge to the same
// checksum, the determinism property the whole design hangs on.
func TestTwoServersConverge(t *testing.T) {
	run := func() *Server {
		s := NewServer(testConfig(), newRegistry(t), nil, nil, nil, zerolog.Nop())
		subject := s.Master.Allocate()
		s.Master.Set(subject, core.PropHealth, 40)
		s.Master.Set(subject, core.PropMaxHealth, 100)
		s.Master.Set(subject, core.PropTeam, 1)

		s.SubmitIntent(core.IntentEvent{Tag: flow.TagHeal, Subject: subject, Target: core.InvalidEntity})
		for i := 0; i < 30; i++ {
			s.Tick(0.05)
		}
		return s
	}

	s1 := run()
	s2 := run()
	require.NotZero(t, s1.Master.Count())
	assert.Equal(t, s1.Checksum(), s2.Checksum())
	// The heal flow ran to completion: 40 + 50 = 90.
	assert.Equal(t, int32(90), s1.Master.Get(0, core.PropHealth))
}

// A client that replays the delivered batch reproduces the server's
// derived state for the entities it can see.
func TestClientConvergesOnVisibleState(t *testing.T) {
	cfg := testConfig()
	reg := newRegistry(t)
	tr := newCaptureTransport()
	s := NewServer(cfg, reg, nil, tr, nil, zerolog.Nop())

	subject := s.Master.Allocate()
	s.Master.Set(subject, core.PropHealth, 40)
	s.Master.Set(subject, core.PropMaxHealth, 100)

	s.AddClient(1, subject)

	c := NewClient(cfg, reg, nil, zerolog.Nop())

	s.SubmitIntent(core.IntentEvent{Tag: flow.TagHeal, Subject: subject, Target: core.InvalidEntity})
	for i := 0; i < 30; i++ {
		s.Tick(0.05)
	}

	batches := tr.batches[1]
	require.NotEmpty(t, batches)

	// The first batch carries the event and the first-sight snapshot.
	c.ApplyBatch(&batches[0])
	for i := 0; i < 30; i++ {
		c.Tick(0.05)
	}

	assert.Equal(t, int32(90), s.Master.Get(subject, core.PropHealth))
	assert.Equal(t, int32(90), c.Visible.Get(subject, core.PropHealth),
		"client must derive the same health from the same event")

	// With no further events the subject leaves the relevant set and the
	// next batch retracts it.
	require.Greater(t, len(batches), 1)
	assert.Equal(t, []core.EntityID{subject}, batches[1].Removed)
	c.ApplyBatch(&batches[1])
	assert.False(t, c.Visible.IsValid(subject))
}

func TestRemovedEntitiesFreedOnClient(t *testing.T) {
	cfg := testConfig()
	reg := newRegistry(t)
	c := NewClient(cfg, reg, nil, zerolog.Nop())

	snap := core.EntitySnapshot{Entity: 5, Properties: make([]int32, cfg.Sim.MaxProperties)}
	c.ApplyBatch(&core.FrameBatch{Frame: 0, Snapshots: []core.EntitySnapshot{snap}})
	require.True(t, c.Visible.IsValid(5))

	c.ApplyBatch(&core.FrameBatch{Frame: 1, Removed: []core.EntityID{5}})
	assert.False(t, c.Visible.IsValid(5))
}

func TestCollisionNotificationFlowsThrough(t *testing.T) {
	cfg := testConfig()
	reg := newRegistry(t)
	s := NewServer(cfg, reg, nil, nil, nil, zerolog.Nop())

	caster := s.Master.Allocate()
	s.Master.Set(caster, core.PropTeam, 1)
	victim := s.Master.Allocate()
	s.Master.Set(victim, core.PropTeam, 2)
	s.Master.Set(victim, core.PropHealth, 200)

	s.SubmitIntent(core.IntentEvent{Tag: flow.TagFireball, Subject: caster, Target: core.InvalidEntity})

	// Run through the one-second cast, then a couple of flight ticks.
	for i := 0; i < 25; i++ {
		s.Tick(0.05)
	}
	// The projectile spawned immediately after the cast finished.
	projectile := core.EntityID(2)
	require.True(t, s.Master.IsValid(projectile))

	s.NotifyCollision(projectile, victim)
	for i := 0; i < 3; i++ {
		s.Tick(0.05)
	}

	// Direct hit: 100 damage, no defense. The splash query is centred on
	// the victim and skips it, so only the direct hit lands on it.
	health := s.Master.Get(victim, core.PropHealth)
	assert.Less(t, health, int32(200))
	assert.False(t, s.Master.IsValid(projectile), "projectile destroyed on impact")
}
