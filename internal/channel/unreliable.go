package channel

// unreliableQueue is both halves of UnreliableUnordered. Nothing is
// retransmitted and nothing is reordered; a full queue drops.
type unreliableQueue struct {
	nextID   uint64
	outbound [][]byte
	inbound  [][]byte
	max      int

	dropped uint64
}

func newUnreliableQueue(cfg *Config) *unreliableQueue {
	return &unreliableQueue{max: cfg.MaxUnreliableQueue}
}

func (q *unreliableQueue) push(ch ID, msg []byte) error {
	if len(q.outbound) >= q.max {
		return ErrSendQueueFull
	}
	q.outbound = append(q.outbound, appendMessageRecord(
		make([]byte, 0, messageRecordOverhead+len(msg)),
		ch, q.nextID, msg,
	))
	q.nextID++
	return nil
}

func (q *unreliableQueue) collect(pb *payloadBuilder) {
	n := 0
	for _, rec := range q.outbound {
		if !pb.add(rec) {
			break
		}
		n++
	}
	clear(q.outbound[:n])
	q.outbound = q.outbound[:copy(q.outbound, q.outbound[n:])]
}

func (q *unreliableQueue) receive(data []byte) {
	if len(q.inbound) >= q.max {
		q.dropped++
		return
	}
	q.inbound = append(q.inbound, append([]byte(nil), data...))
}

func (q *unreliableQueue) pop() ([]byte, bool) {
	if len(q.inbound) == 0 {
		return nil, false
	}
	msg := q.inbound[0]
	q.inbound[0] = nil
	q.inbound = q.inbound[1:]
	return msg, true
}

func (q *unreliableQueue) reset() {
	q.nextID = 0
	q.outbound = nil
	q.inbound = nil
}
