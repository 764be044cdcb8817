// Package relevancy maintains the grid-based per-client interest index.
// The world's horizontal plane is divided into uniform cells; each client
// subscribes to the square of cells around its pawn and, apart from global
// events and events without a resolvable location, only events whose
// subject lies in a subscribed cell are delivered to it.
package relevancy

import (
	"github.com/rs/zerolog"

	"github.com/hktstudios/hktcore/core"
)

// Cell addresses one grid cell in the horizontal plane.
type Cell struct {
	X, Y int32
}

// PositionSource resolves an entity's current position, usually the
// master stash.
type PositionSource interface {
	TryPosition(core.EntityID) (core.Vec3, bool)
}

// clientCache is the per-client grid state. The subscribed set makes
// interest tests O(1).
type clientCache struct {
	pawn       core.EntityID
	cell       Cell
	lastPos    core.Vec3
	dirty      bool
	subscribed map[Cell]struct{}
}

// Grid is the interest index. It is mutated only on the simulation thread
// (Update, register/unregister); dispatcher workers read it concurrently
// during batch fan-out, which is sound because no mutation happens while
// the fan-out runs.
type Grid struct {
	cellSize        int32
	interestRadius  int32
	moveThresholdSq int64

	positions PositionSource

	clients map[core.ClientID]*clientCache
	order   []core.ClientID

	log zerolog.Logger
}

// NewGrid creates an index with the given cell size and movement
// threshold, both in the units of the position source (centimetres), and
// the interest radius counted in cells.
func NewGrid(cellSize, interestRadius, moveThreshold int32, positions PositionSource, log zerolog.Logger) *Grid {
	return &Grid{
		cellSize:        cellSize,
		interestRadius:  interestRadius,
		moveThresholdSq: int64(moveThreshold) * int64(moveThreshold),
		positions:       positions,
		clients:         make(map[core.ClientID]*clientCache),
		log:             log.With().Str("sys", "relevancy").Logger(),
	}
}

// RegisterClient starts tracking a client, watching the given pawn entity
// for its position.
func (g *Grid) RegisterClient(c core.ClientID, pawn core.EntityID) {
	if _, dup := g.clients[c]; dup {
		g.clients[c].pawn = pawn
		g.clients[c].dirty = true
		return
	}
	g.clients[c] = &clientCache{
		pawn:       pawn,
		dirty:      true,
		subscribed: make(map[Cell]struct{}),
	}
	g.order = append(g.order, c)
	g.log.Debug().Uint32("client", uint32(c)).Uint32("pawn", uint32(pawn)).Msg("client registered")
}

// UnregisterClient stops tracking a client.
func (g *Grid) UnregisterClient(c core.ClientID) {
	if _, ok := g.clients[c]; !ok {
		return
	}
	delete(g.clients, c)
	for i, id := range g.order {
		if id == c {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// Clients returns the registered client ids in registration order.
func (g *Grid) Clients() []core.ClientID { return g.order }

// CellOf maps a world position to its grid cell. Pure integer division,
// floored so negative coordinates land in the right cell.
func (g *Grid) CellOf(pos core.Vec3) Cell {
	return Cell{
		X: floorDiv(pos.X, g.cellSize),
		Y: floorDiv(pos.Y, g.cellSize),
	}
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// Update recomputes each client's cell from its pawn position and, when
// the cell changed, rebuilds its subscribed-cells set as the square of
// cells within the interest radius. Pawns that moved less than the
// movement threshold are skipped.
func (g *Grid) Update(dt float64) {
	for _, c := range g.order {
		cache := g.clients[c]
		pos, ok := g.positions.TryPosition(cache.pawn)
		if !ok {
			continue
		}

		if !cache.dirty {
			dx := int64(pos.X - cache.lastPos.X)
			dy := int64(pos.Y - cache.lastPos.Y)
			dz := int64(pos.Z - cache.lastPos.Z)
			if dx*dx+dy*dy+dz*dz < g.moveThresholdSq {
				continue
			}
		}
		cache.lastPos = pos

		cell := g.CellOf(pos)
		if !cache.dirty && cell == cache.cell {
			continue
		}
		cache.cell = cell
		cache.dirty = false

		clear(cache.subscribed)
		for dy := -g.interestRadius; dy <= g.interestRadius; dy++ {
			for dx := -g.interestRadius; dx <= g.interestRadius; dx++ {
				cache.subscribed[Cell{X: cell.X + dx, Y: cell.Y + dy}] = struct{}{}
			}
		}
	}
}

// IsInterested reports whether the client subscribes to the cell. O(1).
func (g *Grid) IsInterested(c core.ClientID, cell Cell) bool {
	cache, ok := g.clients[c]
	if !ok {
		return false
	}
	_, in := cache.subscribed[cell]
	return in
}

// IsInterestedGlobal always holds: global events bypass spatial filtering.
func (g *Grid) IsInterestedGlobal(core.ClientID) bool { return true }

// ClientCell returns the client's current cell, for diagnostics.
func (g *Grid) ClientCell(c core.ClientID) (Cell, bool) {
	cache, ok := g.clients[c]
	if !ok {
		return Cell{}, false
	}
	return cache.cell, ok
}
