package channel

import (
	"fmt"
	"time"

	"github.com/blukai/netpong/internal/debug"
	"github.com/hashicorp/go-multierror"
)

// payloadBuilder packs records into payloads of at most max bytes. A record
// never spans two payloads.
type payloadBuilder struct {
	max         int
	maxPayloads int
	payloads    [][]byte
	cur         []byte
}

func (pb *payloadBuilder) add(rec []byte) bool {
	debug.Assert(len(rec) <= pb.max)

	if len(pb.cur)+len(rec) > pb.max {
		pb.flush()
	}
	if len(pb.cur) == 0 && len(pb.payloads) >= pb.maxPayloads {
		return false
	}
	if pb.cur == nil {
		pb.cur = make([]byte, 0, pb.max)
	}
	pb.cur = append(pb.cur, rec...)
	return true
}

func (pb *payloadBuilder) flush() {
	if len(pb.cur) == 0 {
		return
	}
	pb.payloads = append(pb.payloads, pb.cur)
	pb.cur = nil
}

type Stats struct {
	Transmissions   uint64
	Retransmissions uint64
	PendingMessages int
	PartialChunks   int
	UnreliableDrops uint64
}

type Connection struct {
	cfg Config

	orderedSend *reliableSender
	orderedRecv *orderedReceiver
	unreliable  *unreliableQueue
	chunkedSend *reliableSender
	chunkedRecv *chunkReceiver
}

func NewConnection(cfg Config) (*Connection, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid channel config: %w", err)
	}

	c := &Connection{cfg: cfg}
	c.init()
	return c, nil
}

func (c *Connection) init() {
	c.orderedSend = newReliableSender(&c.cfg)
	c.orderedRecv = newOrderedReceiver(&c.cfg)
	c.unreliable = newUnreliableQueue(&c.cfg)
	c.chunkedSend = newReliableSender(&c.cfg)
	c.chunkedRecv = newChunkReceiver(&c.cfg)
}

// Send enqueues msg on channel id. The connection keeps its own copy.
func (c *Connection) Send(id ID, msg []byte) error {
	switch id {
	case ReliableOrdered:
		if len(msg) > c.cfg.MaxMessageSize {
			return fmt.Errorf("%w: %d bytes on %s (max %d)", ErrMessageTooLarge, len(msg), id, c.cfg.MaxMessageSize)
		}
		if c.orderedSend.full() {
			return fmt.Errorf("%w: %s", ErrSendQueueFull, id)
		}
		c.orderedSend.push(func(msgID uint64) [][]byte {
			return [][]byte{appendMessageRecord(
				make([]byte, 0, messageRecordOverhead+len(msg)),
				id, msgID, msg,
			)}
		})
		return nil
	case UnreliableUnordered:
		if len(msg) > c.cfg.MaxMessageSize {
			return fmt.Errorf("%w: %d bytes on %s (max %d)", ErrMessageTooLarge, len(msg), id, c.cfg.MaxMessageSize)
		}
		if err := c.unreliable.push(id, msg); err != nil {
			return fmt.Errorf("%w: %s", err, id)
		}
		return nil
	case ReliableChunked:
		if len(msg) == 0 {
			return ErrEmptyMessage
		}
		if len(msg) > c.cfg.MaxChunkedMessageSize {
			return fmt.Errorf("%w: %d bytes on %s (max %d)", ErrMessageTooLarge, len(msg), id, c.cfg.MaxChunkedMessageSize)
		}
		if c.chunkedSend.full() {
			return fmt.Errorf("%w: %s", ErrSendQueueFull, id)
		}
		c.chunkedSend.push(func(msgID uint64) [][]byte {
			return splitSlices(id, msgID, msg, c.cfg.SliceSize)
		})
		return nil
	default:
		return fmt.Errorf("%w %d", ErrUnknownChannel, id)
	}
}

// Receive returns the next delivered message on channel id, if any. It never
// blocks.
func (c *Connection) Receive(id ID) ([]byte, bool) {
	switch id {
	case ReliableOrdered:
		return c.orderedRecv.pop()
	case UnreliableUnordered:
		return c.unreliable.pop()
	case ReliableChunked:
		return c.chunkedRecv.pop()
	default:
		return nil, false
	}
}

// ProcessPayload applies one payload received from the peer. A payload that
// does not parse is rejected as a whole.
func (c *Connection) ProcessPayload(payload []byte) error {
	records, err := parseRecords(payload, &c.cfg)
	if err != nil {
		return err
	}

	var errs error
	for i := range records {
		rec := &records[i]
		switch rec.kind {
		case recordMessage:
			if rec.ch == ReliableOrdered {
				c.orderedRecv.receive(rec.id, rec.data)
			} else {
				c.unreliable.receive(rec.data)
			}
		case recordAck:
			c.orderedSend.ack(pendingKey{id: rec.id})
		case recordSlice:
			if !c.chunkedRecv.receive(rec) {
				errs = multierror.Append(errs, fmt.Errorf(
					"%w: slice %d/%d of message %d disagrees with earlier slices",
					ErrMalformedPayload, rec.index, rec.count, rec.id,
				))
			}
		case recordSliceAck:
			c.chunkedSend.ack(pendingKey{id: rec.id, index: rec.index})
		}
	}
	return errs
}

// CollectPayloads returns what should be sent to the peer now: acks first,
// then reliable records whose retransmit timer elapsed, then unreliable
// messages.
func (c *Connection) CollectPayloads(now time.Time) [][]byte {
	pb := &payloadBuilder{
		max:         c.cfg.MaxPayloadSize,
		maxPayloads: c.cfg.MaxPayloadsPerCollect,
	}

	c.orderedRecv.collectAcks(ReliableOrdered, pb)
	c.chunkedRecv.collectAcks(ReliableChunked, pb)
	c.orderedSend.collect(now, pb)
	c.chunkedSend.collect(now, pb)
	c.unreliable.collect(pb)

	pb.flush()
	return pb.payloads
}

// Reset discards every buffer: unacknowledged messages, reorder buffers,
// partial chunk assemblies and undelivered messages.
func (c *Connection) Reset() {
	c.orderedSend.reset()
	c.orderedRecv.reset()
	c.unreliable.reset()
	c.chunkedSend.reset()
	c.chunkedRecv.reset()
}

func (c *Connection) Stats() Stats {
	return Stats{
		Transmissions:   c.orderedSend.transmissions + c.chunkedSend.transmissions,
		Retransmissions: c.orderedSend.retransmissions + c.chunkedSend.retransmissions,
		PendingMessages: len(c.orderedSend.remaining) + len(c.chunkedSend.remaining),
		PartialChunks:   c.chunkedRecv.partial(),
		UnreliableDrops: c.unreliable.dropped,
	}
}
