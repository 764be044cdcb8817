package relevancy

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hktstudios/hktcore/core"
	"github.com/hktstudios/hktcore/stash"
)

func TestCellOfFloorsNegatives(t *testing.T) {
	g := NewGrid(5000, 1, 100, nil, zerolog.Nop())

	assert.Equal(t, Cell{0, 0}, g.CellOf(core.Vec3{X: 0, Y: 0}))
	assert.Equal(t, Cell{0, 0}, g.CellOf(core.Vec3{X: 4999, Y: 4999}))
	assert.Equal(t, Cell{1, 0}, g.CellOf(core.Vec3{X: 5000}))
	assert.Equal(t, Cell{-1, 0}, g.CellOf(core.Vec3{X: -1}))
	assert.Equal(t, Cell{-1, -1}, g.CellOf(core.Vec3{X: -5000, Y: -4999}))
	assert.Equal(t, Cell{-2, 0}, g.CellOf(core.Vec3{X: -5001}))
}

func TestSubscriptionSquare(t *testing.T) {
	m := stash.NewMaster(16, 32, zerolog.Nop())
	pawn := m.Allocate()
	m.SetPosition(pawn, core.Vec3{X: 2500, Y: 2500})

	g := NewGrid(5000, 1, 100, m, zerolog.Nop())
	g.RegisterClient(1, pawn)
	g.Update(0.016)

	// 3x3 square around (0,0).
	for dy := int32(-1); dy <= 1; dy++ {
		for dx := int32(-1); dx <= 1; dx++ {
			assert.True(t, g.IsInterested(1, Cell{dx, dy}), "cell (%d,%d)", dx, dy)
		}
	}
	assert.False(t, g.IsInterested(1, Cell{2, 0}))
	assert.True(t, g.IsInterestedGlobal(1))
}

func TestMovementThresholdSkipsRebuild(t *testing.T) {
	m := stash.NewMaster(16, 32, zerolog.Nop())
	pawn := m.Allocate()
	m.SetPosition(pawn, core.Vec3{X: 4990})

	g := NewGrid(5000, 1, 100, m, zerolog.Nop())
	g.RegisterClient(1, pawn)
	g.Update(0.016)
	cell, _ := g.ClientCell(1)
	require.Equal(t, Cell{0, 0}, cell)

	// Crosses the cell boundary but under the movement threshold: the
	// cached cell is kept until the pawn moves far enough.
	m.SetPosition(pawn, core.Vec3{X: 5010})
	g.Update(0.016)
	cell, _ = g.ClientCell(1)
	assert.Equal(t, Cell{0, 0}, cell)

	m.SetPosition(pawn, core.Vec3{X: 5200})
	g.Update(0.016)
	cell, _ = g.ClientCell(1)
	assert.Equal(t, Cell{1, 0}, cell)
	assert.True(t, g.IsInterested(1, Cell{2, 0}))
	assert.False(t, g.IsInterested(1, Cell{-1, 0}))
}

func TestUnregisterClient(t *testing.T) {
	m := stash.NewMaster(16, 32, zerolog.Nop())
	pawn := m.Allocate()

	g := NewGrid(5000, 1, 100, m, zerolog.Nop())
	g.RegisterClient(1, pawn)
	g.RegisterClient(2, pawn)
	g.UnregisterClient(1)

	assert.Equal(t, []core.ClientID{2}, g.Clients())
	assert.False(t, g.IsInterested(1, Cell{0, 0}))
}

func TestInvalidPawnKeepsLastSubscription(t *testing.T) {
	m := stash.NewMaster(16, 32, zerolog.Nop())
	pawn := m.Allocate()
	m.SetPosition(pawn, core.Vec3{X: 100})

	g := NewGrid(5000, 1, 100, m, zerolog.Nop())
	g.RegisterClient(1, pawn)
	g.Update(0.016)
	require.True(t, g.IsInterested(1, Cell{0, 0}))

	m.Free(pawn)
	g.Update(0.016)
	assert.True(t, g.IsInterested(1, Cell{0, 0}), "a vanished pawn must not drop the subscription")
}
