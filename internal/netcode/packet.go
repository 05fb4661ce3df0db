package netcode

import (
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/blukai/netpong/internal/byteorder"
	"github.com/blukai/netpong/internal/token"
	"golang.org/x/crypto/chacha20poly1305"
)

type PacketType uint8

const (
	PacketConnectionRequest PacketType = iota
	PacketConnectionDenied
	PacketKeepAlive
	PacketPayload
	PacketDisconnect

	numPacketTypes
)

func (t PacketType) String() string {
	switch t {
	case PacketConnectionRequest:
		return "ConnectionRequest"
	case PacketConnectionDenied:
		return "ConnectionDenied"
	case PacketKeepAlive:
		return "KeepAlive"
	case PacketPayload:
		return "Payload"
	case PacketDisconnect:
		return "Disconnect"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

const (
	MaxPacketSize = 1200

	sequenceSize      = 8
	encryptedOverhead = 1 + sequenceSize + chacha20poly1305.Overhead
	// MaxPayloadSize is the largest channel payload that fits one packet.
	MaxPayloadSize = MaxPacketSize - encryptedOverhead

	requestPacketSize = 1 + token.VersionInfoSize + 8*3 + token.NonceSize + token.PrivateDataSize
)

var (
	ErrMalformedPacket  = errors.New("netcode: malformed packet")
	ErrReplayedPacket   = errors.New("netcode: replayed packet")
	ErrDecryptionFailed = errors.New("netcode: decryption failed")
)

// denyReason is the body of a connection denied packet.
type denyReason uint8

const (
	denyServerFull denyReason = iota + 1
	denyTokenReused
	denyClientIDInUse
	denyAddressInUse
)

func (r denyReason) err() error {
	switch r {
	case denyServerFull:
		return ErrServerFull
	case denyTokenReused:
		return ErrTokenReused
	case denyClientIDInUse:
		return ErrClientIDInUse
	case denyAddressInUse:
		return ErrAddressInUse
	default:
		return fmt.Errorf("%w: deny reason %d", ErrConnectionDenied, r)
	}
}

func denyReasonOf(err error) (denyReason, bool) {
	switch {
	case errors.Is(err, ErrServerFull):
		return denyServerFull, true
	case errors.Is(err, ErrTokenReused):
		return denyTokenReused, true
	case errors.Is(err, ErrClientIDInUse):
		return denyClientIDInUse, true
	case errors.Is(err, ErrAddressInUse):
		return denyAddressInUse, true
	default:
		return 0, false
	}
}

// connection request packets are sent in the clear; everything they carry is
// either public or sealed by the token issuer.
//
//	type version protocol:u64 create:u64 expire:u64 nonce private

func appendRequestPacket(b []byte, req *token.Request) []byte {
	b = append(b, byte(PacketConnectionRequest))
	b = append(b, req.VersionInfo[:]...)
	b = byteorder.AppendUint64(b, req.ProtocolID)
	b = byteorder.AppendUint64(b, req.CreateTimestamp)
	b = byteorder.AppendUint64(b, req.ExpireTimestamp)
	b = append(b, req.Nonce[:]...)
	return append(b, req.PrivateData[:]...)
}

func parseRequestPacket(data []byte) (*token.Request, error) {
	if len(data) != requestPacketSize {
		return nil, fmt.Errorf(
			"%w: request of %d bytes (want %d)",
			ErrMalformedPacket, len(data), requestPacketSize,
		)
	}

	req := new(token.Request)
	r := byteorder.NewReader(data[1:])
	copy(req.VersionInfo[:], r.Bytes(token.VersionInfoSize))
	req.ProtocolID = r.Uint64()
	req.CreateTimestamp = r.Uint64()
	req.ExpireTimestamp = r.Uint64()
	copy(req.Nonce[:], r.Bytes(token.NonceSize))
	copy(req.PrivateData[:], r.Bytes(token.PrivateDataSize))
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}
	return req, nil
}

// every other packet is encrypted with the session key of its direction:
//
//	type sequence:u64 ciphertext
//
// the nonce is derived from the sequence, the additional data binds the
// version, the protocol id and the type.

func newAEAD(key token.Key) cipher.AEAD {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		// only fails on a bad key size
		panic(err)
	}
	return aead
}

func packetNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	byteorder.PutUint64(nonce[4:], seq)
	return nonce
}

func packetAdditionalData(protocolID uint64, typ PacketType) []byte {
	ad := make([]byte, 0, token.VersionInfoSize+8+1)
	ad = append(ad, token.VersionInfo...)
	ad = byteorder.AppendUint64(ad, protocolID)
	return append(ad, byte(typ))
}

func appendEncryptedPacket(
	b []byte,
	typ PacketType,
	seq uint64,
	body []byte,
	aead cipher.AEAD,
	protocolID uint64,
) []byte {
	b = append(b, byte(typ))
	b = byteorder.AppendUint64(b, seq)
	return aead.Seal(b, packetNonce(seq), body, packetAdditionalData(protocolID, typ))
}

func decodeEncryptedPacket(
	data []byte,
	aead cipher.AEAD,
	protocolID uint64,
	replay *replayWindow,
) (PacketType, []byte, error) {
	if len(data) < encryptedOverhead || len(data) > MaxPacketSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(data))
	}

	typ := PacketType(data[0])
	if typ == PacketConnectionRequest || typ >= numPacketTypes {
		return 0, nil, fmt.Errorf("%w: type %d", ErrMalformedPacket, data[0])
	}

	seq := byteorder.Uint64(data[1:])
	if !replay.fresh(seq) {
		return 0, nil, fmt.Errorf("%w: sequence %d", ErrReplayedPacket, seq)
	}

	body, err := aead.Open(nil, packetNonce(seq), data[1+sequenceSize:], packetAdditionalData(protocolID, typ))
	if err != nil {
		return 0, nil, ErrDecryptionFailed
	}

	switch typ {
	case PacketConnectionDenied:
		if len(body) != 1 {
			return 0, nil, fmt.Errorf("%w: denied body of %d bytes", ErrMalformedPacket, len(body))
		}
	case PacketKeepAlive, PacketDisconnect:
		if len(body) != 0 {
			return 0, nil, fmt.Errorf("%w: %s body of %d bytes", ErrMalformedPacket, typ, len(body))
		}
	case PacketPayload:
		if len(body) == 0 {
			return 0, nil, fmt.Errorf("%w: empty payload", ErrMalformedPacket)
		}
	}

	// only authenticated packets move the window
	replay.mark(seq)
	return typ, body, nil
}

const replayWindowSize = 256

// replayWindow remembers the last replayWindowSize sequences. Anything older
// is treated as a replay.
type replayWindow struct {
	most uint64
	// seq+1 of the packet that last occupied each slot; zero when empty
	seen [replayWindowSize]uint64
}

func (w *replayWindow) fresh(seq uint64) bool {
	if seq+replayWindowSize <= w.most {
		return false
	}
	return w.seen[seq%replayWindowSize] < seq+1
}

func (w *replayWindow) mark(seq uint64) {
	if seq > w.most {
		w.most = seq
	}
	w.seen[seq%replayWindowSize] = seq + 1
}

func (w *replayWindow) reset() {
	*w = replayWindow{}
}
