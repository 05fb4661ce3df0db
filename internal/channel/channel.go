// Package channel implements per-connection delivery guarantees on top of an
// unreliable datagram transport.
//
// A Connection multiplexes three channels over the payload packets its owner
// exchanges with the peer:
//
//   - ReliableOrdered: every message is delivered exactly once, in send
//     order. Messages are buffered until acknowledged and retransmitted
//     according to a Backoff policy.
//   - UnreliableUnordered: fire and forget.
//   - ReliableChunked: like ReliableOrdered, but for messages larger than a
//     datagram. Messages are split into slices, each slice is reliable, and
//     a message is delivered only once every slice has arrived.
//
// A Connection is not safe for concurrent use. It is meant to be owned by the
// single goroutine that ticks the endpoint it belongs to.
package channel

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type ID uint8

const (
	ReliableOrdered ID = iota
	UnreliableUnordered
	ReliableChunked

	numChannels
)

func (id ID) String() string {
	switch id {
	case ReliableOrdered:
		return "ReliableOrdered"
	case UnreliableUnordered:
		return "UnreliableUnordered"
	case ReliableChunked:
		return "ReliableChunked"
	default:
		return fmt.Sprintf("ID(%d)", uint8(id))
	}
}

func (id ID) valid() bool {
	return id < numChannels
}

var (
	ErrUnknownChannel   = errors.New("channel: unknown channel")
	ErrMessageTooLarge  = errors.New("channel: message too large")
	ErrEmptyMessage     = errors.New("channel: empty chunked message")
	ErrSendQueueFull    = errors.New("channel: send queue full")
	ErrMalformedPayload = errors.New("channel: malformed payload")
)

// Backoff decides how long a reliable record waits for an ack before it is
// sent again. attempt is 1 after the first transmission.
type Backoff interface {
	Delay(attempt int) time.Duration
}

type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Delay(int) time.Duration {
	return b.Interval
}

type ExponentialBackoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt <= 1 || b.Initial <= 0 {
		return b.Initial
	}
	multiplier := b.Multiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	delay := float64(b.Initial) * math.Pow(multiplier, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}

type Config struct {
	// MaxPayloadSize bounds the size of a single payload produced by
	// CollectPayloads. It must leave room for the packet header and
	// encryption overhead of the owner.
	MaxPayloadSize int
	// MaxPayloadsPerCollect bounds how many payloads a single
	// CollectPayloads call produces. Whatever does not fit waits for the
	// next call.
	MaxPayloadsPerCollect int

	// MaxMessageSize applies to ReliableOrdered and UnreliableUnordered.
	MaxMessageSize int
	// SliceSize is the size of every ReliableChunked slice but the last.
	SliceSize int
	// MaxChunkedMessageSize applies to ReliableChunked.
	MaxChunkedMessageSize int

	// MaxPendingMessages bounds unacknowledged messages per reliable
	// channel.
	MaxPendingMessages int
	// ReceiveWindow bounds how far ahead of the next expected message a
	// reliable receiver buffers. Anything further is dropped unacked and
	// will be retransmitted.
	ReceiveWindow int
	// MaxReceiveQueue bounds messages delivered but not yet Received.
	MaxReceiveQueue int
	// MaxUnreliableQueue bounds the unreliable send and receive queues.
	MaxUnreliableQueue int

	Backoff Backoff
}

func DefaultConfig() Config {
	return Config{
		MaxPayloadSize:        1100,
		MaxPayloadsPerCollect: 64,

		MaxMessageSize:        1024,
		SliceSize:             1024,
		MaxChunkedMessageSize: 256 << 10,

		MaxPendingMessages: 256,
		ReceiveWindow:      256,
		MaxReceiveQueue:    1024,
		MaxUnreliableQueue: 256,

		Backoff: ExponentialBackoff{
			Initial:    100 * time.Millisecond,
			Multiplier: 2,
			Max:        800 * time.Millisecond,
		},
	}
}

func (cfg Config) validate() error {
	switch {
	case cfg.MaxMessageSize <= 0 || cfg.MaxMessageSize+messageRecordOverhead > cfg.MaxPayloadSize:
		return fmt.Errorf("max message size %d does not fit payload size %d", cfg.MaxMessageSize, cfg.MaxPayloadSize)
	case cfg.SliceSize <= 0 || cfg.SliceSize+sliceRecordOverhead > cfg.MaxPayloadSize:
		return fmt.Errorf("slice size %d does not fit payload size %d", cfg.SliceSize, cfg.MaxPayloadSize)
	case cfg.MaxChunkedMessageSize <= 0 || cfg.MaxChunkedMessageSize/cfg.SliceSize >= math.MaxUint16:
		return fmt.Errorf("max chunked message size %d needs too many slices", cfg.MaxChunkedMessageSize)
	case cfg.MaxPayloadsPerCollect <= 0,
		cfg.MaxPendingMessages <= 0,
		cfg.ReceiveWindow <= 0,
		cfg.MaxReceiveQueue <= 0,
		cfg.MaxUnreliableQueue <= 0:
		return errors.New("queue bounds must be positive")
	case cfg.Backoff == nil:
		return errors.New("backoff is required")
	}
	return nil
}
