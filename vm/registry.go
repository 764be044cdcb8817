package vm

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry maps event tags to shared program handles. Lookup is per-event
// on the hot path and safe under concurrent readers; registration is rare
// and takes the write lock. Programs are immutable after registration and
// outlive every runtime that references them.
type Registry struct {
	mu       sync.RWMutex
	programs map[string]*Program
	log      zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		programs: make(map[string]*Program),
		log:      log.With().Str("sys", "registry").Logger(),
	}
}

// Register stores the program under its tag. Re-registering a tag replaces
// the previous program and is logged; existing runtimes keep their handle.
func (r *Registry) Register(p *Program) {
	if !p.Valid() || p.Tag == "" {
		r.log.Warn().Str("tag", p.Tag).Msg("rejecting invalid program")
		return
	}
	p.scanSpawns()

	r.mu.Lock()
	if _, dup := r.programs[p.Tag]; dup {
		r.log.Warn().Str("tag", p.Tag).Msg("replacing registered program")
	}
	r.programs[p.Tag] = p
	r.mu.Unlock()

	r.log.Debug().Str("tag", p.Tag).Int32("code", p.CodeSize()).Msg("program registered")
}

// Find returns the program for the tag, or nil.
func (r *Registry) Find(tag string) *Program {
	r.mu.RLock()
	p := r.programs[tag]
	r.mu.RUnlock()
	return p
}

// Len returns the number of registered programs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.programs)
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.programs = make(map[string]*Program)
	r.mu.Unlock()
}
