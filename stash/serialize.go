package stash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hktstudios/hktcore/core"
)

// Full-state serialization is a diagnostic facility, not a hot path.
// Layout (little-endian): frame(int64), nextEntity(uint32), count(uint32),
// then per valid entity in ascending order: id(uint32), creation
// frame(int64), then the full property row. Round-trip equality is required.

var (
	// ErrShortBuffer marks a truncated or corrupt serialized state.
	ErrShortBuffer = errors.New("stash: short buffer")
)

// SerializeFull encodes the complete observable state of the stash.
func (m *Master) SerializeFull() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, m.completedFrame)
	binary.Write(&buf, binary.LittleEndian, m.nextEntity)
	binary.Write(&buf, binary.LittleEndian, uint32(m.Count()))

	m.ForEach(func(e core.EntityID) {
		binary.Write(&buf, binary.LittleEndian, uint32(e))
		binary.Write(&buf, binary.LittleEndian, m.creationFrame[e])
		for p := 0; p < m.maxProperties; p++ {
			binary.Write(&buf, binary.LittleEndian, m.props[p][e])
		}
	})
	return buf.Bytes()
}

// DeserializeFull replaces the stash contents with the serialized state.
// The stash capacities must match the serializing side.
func (m *Master) DeserializeFull(data []byte) error {
	r := bytes.NewReader(data)

	var frame int64
	var next, count uint32
	if err := binary.Read(r, binary.LittleEndian, &frame); err != nil {
		return fmt.Errorf("stash: read frame: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &next); err != nil {
		return fmt.Errorf("stash: read next id: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("stash: read count: %w", err)
	}

	for i := range m.valid {
		m.valid[i] = 0
	}
	m.freeList = m.freeList[:0]
	clear(m.dirty)
	m.completedFrame = frame
	m.nextEntity = next

	for i := uint32(0); i < count; i++ {
		var id uint32
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return ErrShortBuffer
		}
		e := core.EntityID(id)
		if int(e) >= m.maxEntities {
			return fmt.Errorf("stash: entity %d out of range", id)
		}
		if err := binary.Read(r, binary.LittleEndian, &m.creationFrame[e]); err != nil {
			return ErrShortBuffer
		}
		m.setValid(e)
		for p := 0; p < m.maxProperties; p++ {
			if err := binary.Read(r, binary.LittleEndian, &m.props[p][e]); err != nil {
				return ErrShortBuffer
			}
		}
	}

	// Rebuild the free list from the gaps below the high-water mark so
	// allocation behaviour matches the serializing side.
	for id := int(m.nextEntity) - 1; id >= 0; id-- {
		e := core.EntityID(id)
		if !m.IsValid(e) {
			m.freeList = append(m.freeList, e)
		}
	}

	m.log.Info().Int64("frame", frame).Uint32("entities", count).Msg("deserialized full state")
	return nil
}
