package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Program is an immutable compiled behaviour sequence keyed by an event
// tag. It is shared by every runtime executing it and never mutated after
// registration.
type Program struct {
	// Tag is the intent-event tag this program handles.
	Tag string

	Code      []Instruction
	Constants []int32
	Strings   []string

	// Lines maps code indices to source lines of the flow definition.
	// Optional, diagnostics only.
	Lines []int32

	spawnsEntities bool
}

// Valid reports whether the program carries any code.
func (p *Program) Valid() bool { return p != nil && len(p.Code) > 0 }

// CodeSize returns the instruction count.
func (p *Program) CodeSize() int32 { return int32(len(p.Code)) }

// String returns the string-pool atom at idx, or "" when out of range.
func (p *Program) String(idx int32) string {
	if idx < 0 || int(idx) >= len(p.Strings) {
		return ""
	}
	return p.Strings[idx]
}

// SpawnsEntities reports whether the code contains SpawnEntity. Programs
// that spawn may legitimately be submitted with a subject the master store
// does not know yet, so the processor exempts them from frame validation.
func (p *Program) SpawnsEntities() bool { return p.spawnsEntities }

func (p *Program) scanSpawns() {
	for _, inst := range p.Code {
		if inst.Op() == OpSpawnEntity {
			p.spawnsEntities = true
			return
		}
	}
}

// Serialized layout (all integers little-endian):
//
//	tag      uint16 length + UTF-8 bytes
//	consts   uint32 count + int32 values
//	strings  uint32 count + (uint16 length + UTF-8 bytes) each
//	code     uint32 count + uint32 words
//	lines    uint32 count + int32 values (0 = absent)
//
// The in-memory representation is authoritative; this form round-trips it
// exactly.

// Encode writes the serialized program.
func (p *Program) Encode(w io.Writer) error {
	if err := writeString(w, p.Tag); err != nil {
		return fmt.Errorf("vm: encode tag: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(p.Constants))); err != nil {
		return err
	}
	for _, c := range p.Constants {
		if err := binary.Write(w, binary.LittleEndian, c); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(p.Strings))); err != nil {
		return err
	}
	for _, s := range p.Strings {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(p.Code))); err != nil {
		return err
	}
	for _, inst := range p.Code {
		if err := binary.Write(w, binary.LittleEndian, uint32(inst)); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(p.Lines))); err != nil {
		return err
	}
	for _, l := range p.Lines {
		if err := binary.Write(w, binary.LittleEndian, l); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the serialized program.
func (p *Program) Bytes() []byte {
	var buf bytes.Buffer
	p.Encode(&buf) // writes to bytes.Buffer cannot fail
	return buf.Bytes()
}

// DecodeProgram reads a serialized program.
func DecodeProgram(r io.Reader) (*Program, error) {
	p := &Program{}
	var err error
	if p.Tag, err = readString(r); err != nil {
		return nil, fmt.Errorf("vm: decode tag: %w", err)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("vm: decode constant count: %w", err)
	}
	p.Constants = make([]int32, count)
	for i := range p.Constants {
		if err := binary.Read(r, binary.LittleEndian, &p.Constants[i]); err != nil {
			return nil, err
		}
	}

	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("vm: decode string count: %w", err)
	}
	p.Strings = make([]string, count)
	for i := range p.Strings {
		if p.Strings[i], err = readString(r); err != nil {
			return nil, err
		}
	}

	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("vm: decode code count: %w", err)
	}
	p.Code = make([]Instruction, count)
	for i := range p.Code {
		var word uint32
		if err := binary.Read(r, binary.LittleEndian, &word); err != nil {
			return nil, err
		}
		p.Code[i] = Instruction(word)
	}

	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("vm: decode line count: %w", err)
	}
	if count > 0 {
		p.Lines = make([]int32, count)
		for i := range p.Lines {
			if err := binary.Read(r, binary.LittleEndian, &p.Lines[i]); err != nil {
				return nil, err
			}
		}
	}

	p.scanSpawns()
	return p, nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("vm: string atom exceeds %d bytes", 0xFFFF)
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
