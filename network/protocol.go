// Package network carries the simulation's message contracts over a
// websocket transport: clients submit intent events upstream, the server
// pushes per-tick frame batches downstream. The wire format is the
// contract; the websocket carrier is a reference implementation, not the
// production reliable-UDP path.
package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hktstudios/hktcore/core"
)

// MessageType identifies the semantic meaning of a message.
type MessageType uint8

const (
	// Session control.
	MsgHello   MessageType = 0x01 // client -> server, optional; the server welcomes on connect and ignores it
	MsgWelcome MessageType = 0x02 // server -> client, carries the client id

	// Game messages.
	MsgSubmitIntent MessageType = 0x10 // client -> server
	MsgFrameBatch   MessageType = 0x11 // server -> client
)

// ErrShortMessage marks a truncated or malformed wire message.
var ErrShortMessage = errors.New("network: short message")

// All integers on the wire are little-endian, matching the instruction
// word encoding. Strings and byte blobs are uint16 length-prefixed.

// EncodeIntent appends the wire form of an intent event.
func EncodeIntent(w io.Writer, ev *core.IntentEvent) error {
	binary.Write(w, binary.LittleEndian, ev.EventID)
	binary.Write(w, binary.LittleEndian, uint32(ev.Subject))
	binary.Write(w, binary.LittleEndian, uint32(ev.Target))
	if err := writeString(w, ev.Tag); err != nil {
		return err
	}
	binary.Write(w, binary.LittleEndian, ev.Location.X)
	binary.Write(w, binary.LittleEndian, ev.Location.Y)
	binary.Write(w, binary.LittleEndian, ev.Location.Z)
	var global uint8
	if ev.Global {
		global = 1
	}
	binary.Write(w, binary.LittleEndian, global)
	if err := writeBytes(w, ev.Payload); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, ev.Frame)
}

// DecodeIntent reads the wire form of an intent event.
func DecodeIntent(r io.Reader) (core.IntentEvent, error) {
	var ev core.IntentEvent
	var subject, target uint32
	if err := binary.Read(r, binary.LittleEndian, &ev.EventID); err != nil {
		return ev, fmt.Errorf("network: intent id: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &subject); err != nil {
		return ev, err
	}
	if err := binary.Read(r, binary.LittleEndian, &target); err != nil {
		return ev, err
	}
	ev.Subject = core.EntityID(subject)
	ev.Target = core.EntityID(target)

	var err error
	if ev.Tag, err = readString(r); err != nil {
		return ev, err
	}
	if err := binary.Read(r, binary.LittleEndian, &ev.Location.X); err != nil {
		return ev, err
	}
	if err := binary.Read(r, binary.LittleEndian, &ev.Location.Y); err != nil {
		return ev, err
	}
	if err := binary.Read(r, binary.LittleEndian, &ev.Location.Z); err != nil {
		return ev, err
	}
	var global uint8
	if err := binary.Read(r, binary.LittleEndian, &global); err != nil {
		return ev, err
	}
	ev.Global = global != 0
	if ev.Payload, err = readBytes(r); err != nil {
		return ev, err
	}
	if err := binary.Read(r, binary.LittleEndian, &ev.Frame); err != nil {
		return ev, err
	}
	return ev, nil
}

// EncodeSnapshot appends the wire form of an entity snapshot.
func EncodeSnapshot(w io.Writer, s *core.EntitySnapshot) error {
	binary.Write(w, binary.LittleEndian, uint32(s.Entity))
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s.Properties))); err != nil {
		return err
	}
	for _, v := range s.Properties {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

// DecodeSnapshot reads the wire form of an entity snapshot.
func DecodeSnapshot(r io.Reader) (core.EntitySnapshot, error) {
	var s core.EntitySnapshot
	var id uint32
	if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
		return s, err
	}
	s.Entity = core.EntityID(id)
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return s, err
	}
	s.Properties = make([]int32, n)
	for i := range s.Properties {
		if err := binary.Read(r, binary.LittleEndian, &s.Properties[i]); err != nil {
			return s, err
		}
	}
	return s, nil
}

// EncodeBatch serialises a frame batch, including the leading message
// type byte.
func EncodeBatch(b *core.FrameBatch) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(MsgFrameBatch))
	binary.Write(&buf, binary.LittleEndian, b.Frame)

	binary.Write(&buf, binary.LittleEndian, uint16(len(b.Events)))
	for i := range b.Events {
		if err := EncodeIntent(&buf, &b.Events[i]); err != nil {
			return nil, err
		}
	}
	binary.Write(&buf, binary.LittleEndian, uint16(len(b.Snapshots)))
	for i := range b.Snapshots {
		if err := EncodeSnapshot(&buf, &b.Snapshots[i]); err != nil {
			return nil, err
		}
	}
	binary.Write(&buf, binary.LittleEndian, uint16(len(b.Removed)))
	for _, e := range b.Removed {
		binary.Write(&buf, binary.LittleEndian, uint32(e))
	}
	return buf.Bytes(), nil
}

// DecodeBatch parses a frame batch from a payload that excludes the
// message type byte.
func DecodeBatch(data []byte) (core.FrameBatch, error) {
	var b core.FrameBatch
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &b.Frame); err != nil {
		return b, ErrShortMessage
	}

	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return b, ErrShortMessage
	}
	for i := 0; i < int(n); i++ {
		ev, err := DecodeIntent(r)
		if err != nil {
			return b, err
		}
		b.Events = append(b.Events, ev)
	}

	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return b, ErrShortMessage
	}
	for i := 0; i < int(n); i++ {
		s, err := DecodeSnapshot(r)
		if err != nil {
			return b, err
		}
		b.Snapshots = append(b.Snapshots, s)
	}

	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return b, ErrShortMessage
	}
	for i := 0; i < int(n); i++ {
		var id uint32
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return b, ErrShortMessage
		}
		b.Removed = append(b.Removed, core.EntityID(id))
	}
	return b, nil
}

// EncodeSubmitIntent frames a client-side intent submission.
func EncodeSubmitIntent(ev *core.IntentEvent) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(MsgSubmitIntent))
	if err := EncodeIntent(&buf, ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("network: string exceeds %d bytes", 0xFFFF)
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if len(b) > 0xFFFF {
		return fmt.Errorf("network: blob exceeds %d bytes", 0xFFFF)
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ErrShortMessage
	}
	return buf, nil
}
