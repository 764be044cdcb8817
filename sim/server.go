// Package sim wires the simulation core into the server and client tick
// loops: intent intake, relevancy update, batch dispatch, VM processing.
package sim

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hktstudios/hktcore/config"
	"github.com/hktstudios/hktcore/core"
	"github.com/hktstudios/hktcore/dispatch"
	"github.com/hktstudios/hktcore/metrics"
	"github.com/hktstudios/hktcore/relevancy"
	"github.com/hktstudios/hktcore/stash"
	"github.com/hktstudios/hktcore/vm"
)

// Transport delivers a built batch to one client. Implementations must
// not block the simulation thread.
type Transport interface {
	SendBatch(core.ClientID, *core.FrameBatch)
}

// Server owns the authoritative world: master stash, program registry,
// VM processor, relevancy grid and batch dispatcher, and advances them in
// the per-tick order that keeps client state causally consistent:
// relevancy first, then dispatch against the pre-tick store, then the
// processor mutates the store.
type Server struct {
	Master   *stash.Master
	Registry *vm.Registry

	proc *vm.Processor
	grid *relevancy.Grid
	disp *dispatch.Dispatcher

	transport Transport
	met       *metrics.Metrics

	mu     sync.Mutex
	inbox  []core.IntentEvent
	joins  []clientChange
	nextID uint32
	frame  int64

	lastStats vm.Stats

	log zerolog.Logger
}

// NewServer assembles a server from the configuration. transport and met
// may be nil (headless simulation, no metrics).
func NewServer(cfg *config.Config, registry *vm.Registry, sink vm.DirectiveSink, transport Transport, met *metrics.Metrics, log zerolog.Logger) *Server {
	master := stash.NewMaster(cfg.Sim.MaxEntities, cfg.Sim.MaxProperties, log)
	return &Server{
		Master:   master,
		Registry: registry,
		proc: vm.NewProcessor(master, registry, sink,
			cfg.Sim.MaxRuntimes, cfg.Sim.MaxInstructionsPerTick, log),
		grid: relevancy.NewGrid(cfg.Relevancy.CellSizeCm, cfg.Relevancy.InterestRadius,
			cfg.Relevancy.MovementThresholdCm, master, log),
		disp:      dispatch.NewDispatcher(cfg.Sim.DispatchWorkers, log),
		transport: transport,
		met:       met,
		nextID:    1,
		log:       log.With().Str("sys", "server").Logger(),
	}
}

// Frame returns the next tick's frame number.
func (s *Server) Frame() int64 { return s.frame }

// SetTransport attaches the batch transport. Call before the tick loop
// starts; the server and its transport reference each other, so one side
// is wired late.
func (s *Server) SetTransport(t Transport) { s.transport = t }

// SubmitIntent queues a player-originated event for the next tick. Safe
// from any goroutine; the event id and frame are assigned at intake on
// the tick boundary.
func (s *Server) SubmitIntent(ev core.IntentEvent) {
	s.mu.Lock()
	s.inbox = append(s.inbox, ev)
	s.mu.Unlock()
}

// clientChange is a queued join or leave, applied on the tick boundary
// so the grid and dispatcher are only ever mutated on the simulation
// thread.
type clientChange struct {
	client core.ClientID
	pawn   core.EntityID
	leave  bool
}

// AddClient registers a client with the relevancy grid and dispatcher,
// watching pawn for its interest position. Safe from any goroutine; the
// registration takes effect at the next tick.
func (s *Server) AddClient(c core.ClientID, pawn core.EntityID) {
	s.mu.Lock()
	s.joins = append(s.joins, clientChange{client: c, pawn: pawn})
	s.mu.Unlock()
}

// RemoveClient drops a client at the next tick boundary.
func (s *Server) RemoveClient(c core.ClientID) {
	s.mu.Lock()
	s.joins = append(s.joins, clientChange{client: c, leave: true})
	s.mu.Unlock()
}

func (s *Server) applyClientChanges(changes []clientChange) {
	for _, ch := range changes {
		if ch.leave {
			s.grid.UnregisterClient(ch.client)
			s.disp.UnregisterClient(ch.client)
			s.log.Info().Uint32("client", uint32(ch.client)).Msg("client left")
		} else {
			s.grid.RegisterClient(ch.client, ch.pawn)
			s.disp.RegisterClient(ch.client)
			s.log.Info().Uint32("client", uint32(ch.client)).Uint32("pawn", uint32(ch.pawn)).Msg("client joined")
		}
	}
}

// Tick advances the world one frame.
func (s *Server) Tick(dt float64) {
	start := time.Now()
	frame := s.frame

	// Drain the intake queue and stamp ids and frame numbers.
	s.mu.Lock()
	events := s.inbox
	s.inbox = nil
	changes := s.joins
	s.joins = nil
	s.mu.Unlock()
	s.applyClientChanges(changes)
	for i := range events {
		events[i].EventID = s.nextID
		s.nextID++
		events[i].Frame = frame
	}

	// Interest sets, then batches against the pre-tick store.
	s.grid.Update(dt)
	outs := s.disp.Dispatch(frame, events, s.Master, s.grid)
	for i := range outs {
		if s.transport != nil {
			s.transport.SendBatch(outs[i].Client, &outs[i].Batch)
		}
		if s.met != nil {
			s.met.BatchesSent.Inc()
			s.met.SnapshotsSent.Add(float64(len(outs[i].Batch.Snapshots)))
		}
	}

	// Now run the simulation against the master store.
	for i := range events {
		s.proc.Submit(events[i])
	}
	s.proc.Tick(frame, dt)

	s.Master.MarkFrameCompleted(frame)
	s.Master.ClearDirty()
	s.frame++

	if s.met != nil {
		st := s.proc.Stats()
		s.met.TickDuration.Observe(time.Since(start).Seconds())
		s.met.ActiveRuntimes.Set(float64(s.proc.ActiveRuntimes()))
		s.met.EntityCount.Set(float64(s.Master.Count()))
		s.met.EventsProcessed.Add(float64(st.Processed - s.lastStats.Processed))
		s.met.EventsDropped.Add(float64(st.Dropped - s.lastStats.Dropped))
		s.met.RuntimesFailed.Add(float64(st.Failed - s.lastStats.Failed))
		s.lastStats = st
	}
}

// Checksum returns the master stash checksum, the cross-machine
// determinism probe.
func (s *Server) Checksum() uint32 { return s.Master.Checksum() }

// NotifyCollision forwards an external collision notification.
func (s *Server) NotifyCollision(watched, hit core.EntityID) { s.proc.NotifyCollision(watched, hit) }

// NotifyAnimEnd forwards an external animation-end notification.
func (s *Server) NotifyAnimEnd(e core.EntityID) { s.proc.NotifyAnimEnd(e) }

// NotifyMoveEnd forwards an external movement-end notification.
func (s *Server) NotifyMoveEnd(e core.EntityID) { s.proc.NotifyMoveEnd(e) }
