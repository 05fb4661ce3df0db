package channel

import (
	"fmt"

	"github.com/blukai/netpong/internal/byteorder"
)

// a payload is a concatenation of records. every record starts with its kind
// and the channel it belongs to:
//
//	message:   kind ch id:u64 len:u16 data...
//	ack:       kind ch id:u64
//	slice:     kind ch id:u64 index:u16 count:u16 len:u16 data...
//	slice ack: kind ch id:u64 index:u16

type recordKind uint8

const (
	_ recordKind = iota
	recordMessage
	recordAck
	recordSlice
	recordSliceAck
)

const (
	recordHeaderSize      = 2
	messageRecordOverhead = recordHeaderSize + 8 + 2
	ackRecordSize         = recordHeaderSize + 8
	sliceRecordOverhead   = recordHeaderSize + 8 + 2 + 2 + 2
	sliceAckRecordSize    = recordHeaderSize + 8 + 2
)

type record struct {
	kind  recordKind
	ch    ID
	id    uint64
	index uint16
	count uint16
	data  []byte
}

func appendMessageRecord(b []byte, ch ID, id uint64, data []byte) []byte {
	b = append(b, byte(recordMessage), byte(ch))
	b = byteorder.AppendUint64(b, id)
	b = byteorder.AppendUint16(b, uint16(len(data)))
	return append(b, data...)
}

func appendAckRecord(b []byte, ch ID, id uint64) []byte {
	b = append(b, byte(recordAck), byte(ch))
	return byteorder.AppendUint64(b, id)
}

func appendSliceRecord(b []byte, ch ID, id uint64, index, count uint16, data []byte) []byte {
	b = append(b, byte(recordSlice), byte(ch))
	b = byteorder.AppendUint64(b, id)
	b = byteorder.AppendUint16(b, index)
	b = byteorder.AppendUint16(b, count)
	b = byteorder.AppendUint16(b, uint16(len(data)))
	return append(b, data...)
}

func appendSliceAckRecord(b []byte, ch ID, id uint64, index uint16) []byte {
	b = append(b, byte(recordSliceAck), byte(ch))
	b = byteorder.AppendUint64(b, id)
	return byteorder.AppendUint16(b, index)
}

// parseRecords validates the structure of a whole payload. It either returns
// every record or an error; data slices alias payload.
func parseRecords(payload []byte, cfg *Config) ([]record, error) {
	var records []record

	r := byteorder.NewReader(payload)
	for r.Remaining() > 0 {
		rec := record{
			kind: recordKind(r.Uint8()),
			ch:   ID(r.Uint8()),
			id:   r.Uint64(),
		}
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("%w: record header: %w", ErrMalformedPayload, err)
		}
		if !rec.ch.valid() {
			return nil, fmt.Errorf("%w: %w %d", ErrMalformedPayload, ErrUnknownChannel, rec.ch)
		}

		switch rec.kind {
		case recordMessage:
			if rec.ch == ReliableChunked {
				return nil, fmt.Errorf("%w: message record on %s", ErrMalformedPayload, rec.ch)
			}
			n := int(r.Uint16())
			if n > cfg.MaxMessageSize {
				return nil, fmt.Errorf("%w: message of %d bytes", ErrMalformedPayload, n)
			}
			rec.data = r.Bytes(n)
		case recordAck:
			if rec.ch != ReliableOrdered {
				return nil, fmt.Errorf("%w: ack record on %s", ErrMalformedPayload, rec.ch)
			}
		case recordSlice:
			if rec.ch != ReliableChunked {
				return nil, fmt.Errorf("%w: slice record on %s", ErrMalformedPayload, rec.ch)
			}
			rec.index = r.Uint16()
			rec.count = r.Uint16()
			n := int(r.Uint16())
			if r.Err() == nil {
				if err := validateSlice(rec.index, rec.count, n, cfg); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
				}
			}
			rec.data = r.Bytes(n)
		case recordSliceAck:
			if rec.ch != ReliableChunked {
				return nil, fmt.Errorf("%w: slice ack record on %s", ErrMalformedPayload, rec.ch)
			}
			rec.index = r.Uint16()
		default:
			return nil, fmt.Errorf("%w: record kind %d", ErrMalformedPayload, rec.kind)
		}
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}

		records = append(records, rec)
	}

	return records, nil
}

func validateSlice(index, count uint16, n int, cfg *Config) error {
	maxSlices := (cfg.MaxChunkedMessageSize + cfg.SliceSize - 1) / cfg.SliceSize
	switch {
	case count == 0 || int(count) > maxSlices:
		return fmt.Errorf("slice count %d", count)
	case index >= count:
		return fmt.Errorf("slice index %d of %d", index, count)
	case index < count-1 && n != cfg.SliceSize:
		return fmt.Errorf("inner slice of %d bytes", n)
	case n == 0 || n > cfg.SliceSize:
		return fmt.Errorf("last slice of %d bytes", n)
	}
	return nil
}
