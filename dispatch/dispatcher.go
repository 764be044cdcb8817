// Package dispatch builds the per-client frame batches: it filters the
// tick's events by relevancy, attaches first-sight snapshots for entities
// that just entered a client's interest set, and emits removal notices for
// those that left it.
package dispatch

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hktstudios/hktcore/core"
	"github.com/hktstudios/hktcore/relevancy"
)

// SnapshotSource is what the dispatcher needs from the master stash.
type SnapshotSource interface {
	Snapshot(core.EntityID) (core.EntitySnapshot, bool)
	TryPosition(core.EntityID) (core.Vec3, bool)
}

// clientRecord tracks what one client currently knows. entered and exited
// are per-tick scratch, rebuilt by every dispatch.
type clientRecord struct {
	known   map[core.EntityID]struct{}
	entered []core.EntityID
	exited  []core.EntityID
}

// Outgoing pairs a built batch with its destination.
type Outgoing struct {
	Client core.ClientID
	Batch  core.FrameBatch
}

// eventCellInfo is precomputed per event on the main thread so workers
// never touch the master stash positions concurrently with each other's
// bookkeeping.
type eventCellInfo struct {
	cell     relevancy.Cell
	hasCell  bool
	isGlobal bool
}

// Dispatcher owns the per-client known-sets and fans the per-tick batch
// construction out across workers. Each worker writes only its own
// client's record and batch; the master stash and the grid are read-only
// during the fan-out.
type Dispatcher struct {
	clients map[core.ClientID]*clientRecord
	workers int
	log     zerolog.Logger
}

// NewDispatcher creates a dispatcher fanning out across the given number
// of workers (minimum one).
func NewDispatcher(workers int, log zerolog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		clients: make(map[core.ClientID]*clientRecord),
		workers: workers,
		log:     log.With().Str("sys", "dispatch").Logger(),
	}
}

// RegisterClient starts tracking a client with an empty known-set.
func (d *Dispatcher) RegisterClient(c core.ClientID) {
	if _, dup := d.clients[c]; dup {
		return
	}
	d.clients[c] = &clientRecord{known: make(map[core.EntityID]struct{})}
	d.log.Debug().Uint32("client", uint32(c)).Msg("tracking client")
}

// UnregisterClient drops a client's record.
func (d *Dispatcher) UnregisterClient(c core.ClientID) {
	delete(d.clients, c)
}

// Known reports whether the client currently knows the entity.
func (d *Dispatcher) Known(c core.ClientID, e core.EntityID) bool {
	rec, ok := d.clients[c]
	if !ok {
		return false
	}
	_, known := rec.known[e]
	return known
}

// Dispatch builds one batch per registered client for this tick's events.
// Batches come back in the grid's client order; empty ones are omitted.
// Client known-sets are replaced as part of the call.
func (d *Dispatcher) Dispatch(frame int64, events []core.IntentEvent, src SnapshotSource, grid *relevancy.Grid) []Outgoing {
	clients := grid.Clients()
	if len(clients) == 0 {
		return nil
	}

	// Per-event cell info, once, on the calling thread.
	infos := make([]eventCellInfo, len(events))
	for i := range events {
		ev := &events[i]
		info := &infos[i]
		info.isGlobal = ev.Global
		if info.isGlobal {
			continue
		}
		if pos, ok := src.TryPosition(ev.Subject); ok {
			info.cell = grid.CellOf(pos)
			info.hasCell = true
		}
	}

	// Fan out one batch per client. Workers touch disjoint records.
	batches := make([]core.FrameBatch, len(clients))
	var wg sync.WaitGroup
	chunk := (len(clients) + d.workers - 1) / d.workers
	for start := 0; start < len(clients); start += chunk {
		end := start + chunk
		if end > len(clients) {
			end = len(clients)
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				d.buildBatch(frame, clients[i], events, infos, src, grid, &batches[i])
			}
		}(start, end)
	}
	wg.Wait()

	out := make([]Outgoing, 0, len(clients))
	for i, c := range clients {
		if batches[i].Empty() {
			continue
		}
		out = append(out, Outgoing{Client: c, Batch: batches[i]})
	}
	return out
}

// buildBatch assembles one client's batch and swaps in its new known-set.
func (d *Dispatcher) buildBatch(frame int64, c core.ClientID, events []core.IntentEvent, infos []eventCellInfo, src SnapshotSource, grid *relevancy.Grid, batch *core.FrameBatch) {
	rec, ok := d.clients[c]
	if !ok {
		return
	}
	rec.entered = rec.entered[:0]
	rec.exited = rec.exited[:0]

	batch.Frame = frame
	relevant := make(map[core.EntityID]struct{}, len(rec.known))

	for i := range events {
		ev := &events[i]
		info := &infos[i]

		// Relevant when global, when the subject sits in a subscribed
		// cell, or when the event has no resolvable location at all.
		rel := info.isGlobal || !info.hasCell || grid.IsInterested(c, info.cell)
		if !rel {
			continue
		}

		batch.Events = append(batch.Events, *ev)
		if ev.Subject != core.InvalidEntity {
			relevant[ev.Subject] = struct{}{}
		}
		if ev.Target != core.InvalidEntity {
			relevant[ev.Target] = struct{}{}
		}
	}

	// Symmetric difference against the previous known-set.
	for e := range relevant {
		if _, knew := rec.known[e]; !knew {
			rec.entered = append(rec.entered, e)
		}
	}
	for e := range rec.known {
		if _, still := relevant[e]; !still {
			rec.exited = append(rec.exited, e)
		}
	}
	sortEntities(rec.entered)
	sortEntities(rec.exited)

	for _, e := range rec.entered {
		if snap, ok := src.Snapshot(e); ok {
			batch.Snapshots = append(batch.Snapshots, snap)
		}
	}
	batch.Removed = append(batch.Removed, rec.exited...)

	rec.known = relevant
}

func sortEntities(s []core.EntityID) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}
