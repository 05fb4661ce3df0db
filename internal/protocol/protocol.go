package protocol

import (
	"encoding"
	"errors"
	"fmt"

	"github.com/blukai/netpong/internal/byteorder"
)

// every message is a uint32 (little-endian) variant tag followed by the
// variant's payload. unit variants have no payload.
//
// NOTE(blukai): tags are part of the wire format. never renumber them, only
// append new ones.

const TagSize = 4

const (
	// NOTE(blukai): client -> server
	TagPing uint32 = iota
)

const (
	// NOTE(blukai): server -> client
	TagPong uint32 = iota
)

var ErrMalformedMessage = errors.New("protocol: malformed message")

// ClientMessage is implemented only by types of this package, which makes the
// set closed: a type switch over Ping (and whatever comes after it) is
// exhaustive.
type ClientMessage interface {
	encoding.BinaryMarshaler
	fmt.Stringer
	isClientMessage()
}

// ServerMessage is the server -> client counterpart of ClientMessage.
type ServerMessage interface {
	encoding.BinaryMarshaler
	fmt.Stringer
	isServerMessage()
}

type Ping struct{}

var (
	_ ClientMessage              = Ping{}
	_ encoding.BinaryUnmarshaler = (*Ping)(nil)
)

func (Ping) isClientMessage() {}
func (Ping) String() string { return "Ping" }

func (Ping) MarshalBinary() ([]byte, error) {
	return byteorder.AppendUint32(make([]byte, 0, TagSize), TagPing), nil
}

func (p *Ping) UnmarshalBinary(data []byte) error {
	return unmarshalUnit(data, TagPing)
}

type Pong struct{}

var (
	_ ServerMessage              = Pong{}
	_ encoding.BinaryUnmarshaler = (*Pong)(nil)
)

func (Pong) isServerMessage() {}
func (Pong) String() string { return "Pong" }

func (Pong) MarshalBinary() ([]byte, error) {
	return byteorder.AppendUint32(make([]byte, 0, TagSize), TagPong), nil
}

func (p *Pong) UnmarshalBinary(data []byte) error {
	return unmarshalUnit(data, TagPong)
}

func unmarshalUnit(data []byte, want uint32) error {
	tag, body, err := splitTag(data)
	if err != nil {
		return err
	}
	if tag != want {
		return fmt.Errorf("%w: unexpected tag (got %d; want %d)", ErrMalformedMessage, tag, want)
	}
	if len(body) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(body))
	}
	return nil
}

func splitTag(data []byte) (uint32, []byte, error) {
	if len(data) < TagSize {
		return 0, nil, fmt.Errorf(
			"%w: truncated tag (got %d bytes; want >= %d)",
			ErrMalformedMessage, len(data), TagSize,
		)
	}
	return byteorder.Uint32(data[:TagSize]), data[TagSize:], nil
}

func EncodeClientMessage(m ClientMessage) ([]byte, error) {
	data, err := m.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s: %w", m, err)
	}
	return data, nil
}

func EncodeServerMessage(m ServerMessage) ([]byte, error) {
	data, err := m.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s: %w", m, err)
	}
	return data, nil
}

func DecodeClientMessage(data []byte) (ClientMessage, error) {
	tag, _, err := splitTag(data)
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagPing:
		var m Ping
		if err := m.UnmarshalBinary(data); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown client message tag %d", ErrMalformedMessage, tag)
	}
}

func DecodeServerMessage(data []byte) (ServerMessage, error) {
	tag, _, err := splitTag(data)
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagPong:
		var m Pong
		if err := m.UnmarshalBinary(data); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown server message tag %d", ErrMalformedMessage, tag)
	}
}
