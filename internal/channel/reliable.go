package channel

import (
	"time"
)

type pendingKey struct {
	id    uint64
	index uint16
}

// pendingRecord is one encoded record waiting for its ack.
type pendingRecord struct {
	record   []byte
	attempts int
	// zero until the first transmission
	nextSendAt time.Time
}

// reliableSender buffers records until they are acknowledged. It is shared
// by ReliableOrdered (one record per message) and ReliableChunked (one record
// per slice).
type reliableSender struct {
	nextID  uint64
	records map[pendingKey]*pendingRecord
	// send order. keys of acknowledged records are dropped lazily in
	// collect.
	order []pendingKey
	// unacknowledged records per message id
	remaining map[uint64]int

	backoff    Backoff
	maxPending int

	transmissions   uint64
	retransmissions uint64
}

func newReliableSender(cfg *Config) *reliableSender {
	return &reliableSender{
		records:    make(map[pendingKey]*pendingRecord),
		remaining:  make(map[uint64]int),
		backoff:    cfg.Backoff,
		maxPending: cfg.MaxPendingMessages,
	}
}

func (s *reliableSender) full() bool {
	return len(s.remaining) >= s.maxPending
}

// push enqueues the records of one message under the next message id. build
// receives that id and returns the message's records in order.
func (s *reliableSender) push(build func(id uint64) [][]byte) uint64 {
	id := s.nextID
	s.nextID++
	records := build(id)
	for i, rec := range records {
		key := pendingKey{id: id, index: uint16(i)}
		s.records[key] = &pendingRecord{record: rec}
		s.order = append(s.order, key)
	}
	s.remaining[id] = len(records)
	return id
}

func (s *reliableSender) ack(key pendingKey) {
	if _, ok := s.records[key]; !ok {
		// duplicate ack, or an ack for something we never sent
		return
	}
	delete(s.records, key)
	if s.remaining[key.id] <= 1 {
		delete(s.remaining, key.id)
	} else {
		s.remaining[key.id]--
	}
}

// collect adds every record whose retransmit timer has elapsed, oldest
// first, until the builder runs out of room.
func (s *reliableSender) collect(now time.Time, pb *payloadBuilder) {
	live := s.order[:0]
	stopped := false
	for _, key := range s.order {
		rec, ok := s.records[key]
		if !ok {
			continue
		}
		live = append(live, key)
		if stopped || rec.nextSendAt.After(now) {
			continue
		}
		if !pb.add(rec.record) {
			stopped = true
			continue
		}
		rec.attempts++
		rec.nextSendAt = now.Add(s.backoff.Delay(rec.attempts))
		if rec.attempts > 1 {
			s.retransmissions++
		} else {
			s.transmissions++
		}
	}
	clear(s.order[len(live):])
	s.order = live
}

func (s *reliableSender) reset() {
	s.nextID = 0
	clear(s.records)
	clear(s.remaining)
	s.order = nil
}

// orderedReceiver delivers ReliableOrdered messages exactly once and in id
// order, holding back anything that arrives ahead of a gap.
type orderedReceiver struct {
	next     uint64
	buffered map[uint64][]byte
	ready    [][]byte
	acks     []uint64

	window   uint64
	maxReady int
}

func newOrderedReceiver(cfg *Config) *orderedReceiver {
	return &orderedReceiver{
		buffered: make(map[uint64][]byte),
		window:   uint64(cfg.ReceiveWindow),
		maxReady: cfg.MaxReceiveQueue,
	}
}

func (r *orderedReceiver) receive(id uint64, data []byte) {
	if id >= r.next+r.window {
		// too far ahead; don't ack so that the sender tries again later
		return
	}
	if id < r.next {
		// already delivered, our ack got lost
		r.acks = append(r.acks, id)
		return
	}
	if _, ok := r.buffered[id]; ok {
		r.acks = append(r.acks, id)
		return
	}
	if len(r.ready)+len(r.buffered) >= r.maxReady {
		// the application is not draining; don't ack
		return
	}

	r.acks = append(r.acks, id)
	r.buffered[id] = append([]byte(nil), data...)
	for {
		msg, ok := r.buffered[r.next]
		if !ok {
			break
		}
		delete(r.buffered, r.next)
		r.ready = append(r.ready, msg)
		r.next++
	}
}

func (r *orderedReceiver) pop() ([]byte, bool) {
	if len(r.ready) == 0 {
		return nil, false
	}
	msg := r.ready[0]
	r.ready[0] = nil
	r.ready = r.ready[1:]
	return msg, true
}

func (r *orderedReceiver) collectAcks(ch ID, pb *payloadBuilder) {
	n := 0
	for _, id := range r.acks {
		if !pb.add(appendAckRecord(nil, ch, id)) {
			break
		}
		n++
	}
	r.acks = r.acks[:copy(r.acks, r.acks[n:])]
}

func (r *orderedReceiver) reset() {
	r.next = 0
	clear(r.buffered)
	r.ready = nil
	r.acks = nil
}
