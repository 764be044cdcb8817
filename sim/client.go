package sim

import (
	"github.com/rs/zerolog"

	"github.com/hktstudios/hktcore/config"
	"github.com/hktstudios/hktcore/core"
	"github.com/hktstudios/hktcore/stash"
	"github.com/hktstudios/hktcore/vm"
)

// Client replays received frame batches against a visible stash. Applying
// a batch removes entities that left relevancy, instantiates attached
// snapshots, and feeds the contained events to the local processor; the
// same registry and integer math as the server then reproduce the
// server's derived state for the visible subset.
type Client struct {
	Visible  *stash.Visible
	Registry *vm.Registry

	proc  *vm.Processor
	frame int64

	log zerolog.Logger
}

// NewClient assembles a client-side replica.
func NewClient(cfg *config.Config, registry *vm.Registry, sink vm.DirectiveSink, log zerolog.Logger) *Client {
	visible := stash.NewVisible(cfg.Sim.MaxEntities, cfg.Sim.MaxProperties, log)
	return &Client{
		Visible:  visible,
		Registry: registry,
		proc: vm.NewProcessor(visible, registry, sink,
			cfg.Sim.MaxRuntimes, cfg.Sim.MaxInstructionsPerTick, log),
		log: log.With().Str("sys", "client").Logger(),
	}
}

// ApplyBatch ingests one server batch: removals, then snapshots, then
// events. Call Tick afterwards to run the contained events.
func (c *Client) ApplyBatch(b *core.FrameBatch) {
	for _, e := range b.Removed {
		c.Visible.Free(e)
	}
	c.Visible.ApplySnapshots(b.Snapshots)
	for i := range b.Events {
		c.proc.Submit(b.Events[i])
	}
	c.frame = b.Frame
}

// Tick advances the local simulation one frame.
func (c *Client) Tick(dt float64) {
	c.proc.Tick(c.frame, dt)
	c.Visible.MarkFrameCompleted(c.frame)
	c.frame++
}

// Frame returns the next tick's frame number.
func (c *Client) Frame() int64 { return c.frame }

// Checksum returns the visible stash checksum.
func (c *Client) Checksum() uint32 { return c.Visible.Checksum() }

// NotifyCollision forwards an external collision notification.
func (c *Client) NotifyCollision(watched, hit core.EntityID) { c.proc.NotifyCollision(watched, hit) }

// NotifyAnimEnd forwards an external animation-end notification.
func (c *Client) NotifyAnimEnd(e core.EntityID) { c.proc.NotifyAnimEnd(e) }

// NotifyMoveEnd forwards an external movement-end notification.
func (c *Client) NotifyMoveEnd(e core.EntityID) { c.proc.NotifyMoveEnd(e) }
