package channel

// assembly collects the slices of one chunked message.
type assembly struct {
	slices   [][]byte
	received int
	size     int
}

// chunkReceiver reassembles ReliableChunked messages and delivers them in
// message id order. Partial assemblies only exist for ids inside the receive
// window, which bounds the memory a peer can make us hold.
type chunkReceiver struct {
	next       uint64
	assemblies map[uint64]*assembly
	complete   map[uint64][]byte
	ready      [][]byte
	acks       []pendingKey

	window   uint64
	maxReady int
}

func newChunkReceiver(cfg *Config) *chunkReceiver {
	window := cfg.ReceiveWindow
	// a full window of maximum sized messages would be far too much
	if window > 8 {
		window = 8
	}
	return &chunkReceiver{
		assemblies: make(map[uint64]*assembly),
		complete:   make(map[uint64][]byte),
		window:     uint64(window),
		maxReady:   cfg.MaxReceiveQueue,
	}
}

// receive stores one slice. It reports false when the slice contradicts an
// assembly already in progress; such a slice is dropped unacked.
func (r *chunkReceiver) receive(rec *record) bool {
	key := pendingKey{id: rec.id, index: rec.index}

	if rec.id >= r.next+r.window {
		return true
	}
	if rec.id < r.next {
		r.acks = append(r.acks, key)
		return true
	}
	if _, ok := r.complete[rec.id]; ok {
		r.acks = append(r.acks, key)
		return true
	}

	a, ok := r.assemblies[rec.id]
	if !ok {
		if len(r.ready)+len(r.complete) >= r.maxReady {
			return true
		}
		a = &assembly{slices: make([][]byte, rec.count)}
		r.assemblies[rec.id] = a
	}
	if len(a.slices) != int(rec.count) {
		return false
	}

	r.acks = append(r.acks, key)
	if a.slices[rec.index] != nil {
		return true
	}
	a.slices[rec.index] = append([]byte(nil), rec.data...)
	a.received++
	a.size += len(rec.data)

	if a.received < len(a.slices) {
		return true
	}

	msg := make([]byte, 0, a.size)
	for _, slice := range a.slices {
		msg = append(msg, slice...)
	}
	delete(r.assemblies, rec.id)
	r.complete[rec.id] = msg

	for {
		msg, ok := r.complete[r.next]
		if !ok {
			break
		}
		delete(r.complete, r.next)
		r.ready = append(r.ready, msg)
		r.next++
	}
	return true
}

func (r *chunkReceiver) pop() ([]byte, bool) {
	if len(r.ready) == 0 {
		return nil, false
	}
	msg := r.ready[0]
	r.ready[0] = nil
	r.ready = r.ready[1:]
	return msg, true
}

func (r *chunkReceiver) collectAcks(ch ID, pb *payloadBuilder) {
	n := 0
	for _, key := range r.acks {
		if !pb.add(appendSliceAckRecord(nil, ch, key.id, key.index)) {
			break
		}
		n++
	}
	r.acks = r.acks[:copy(r.acks, r.acks[n:])]
}

func (r *chunkReceiver) partial() int {
	return len(r.assemblies)
}

func (r *chunkReceiver) reset() {
	r.next = 0
	clear(r.assemblies)
	clear(r.complete)
	r.ready = nil
	r.acks = nil
}

func splitSlices(ch ID, id uint64, msg []byte, sliceSize int) [][]byte {
	count := (len(msg) + sliceSize - 1) / sliceSize
	records := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		end := min((i+1)*sliceSize, len(msg))
		slice := msg[i*sliceSize : end]
		records = append(records, appendSliceRecord(
			make([]byte, 0, sliceRecordOverhead+len(slice)),
			ch, id, uint16(i), uint16(count), slice,
		))
	}
	return records
}
