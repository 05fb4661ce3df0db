// Package token generates and validates connect tokens.
//
// A connect token is handed to a client (by the client itself in this
// prototype, by a matchmaker in a real deployment) and presented to a server
// exactly once, inside the connection request. Its private part is sealed
// with XChaCha20-Poly1305 under a key shared out of band between whoever
// issues tokens and the servers, so a server can trust the client id, the
// server address list and the per-session keys it carries.
package token

import (
	"crypto/rand"
	"encoding"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"slices"
	"time"

	"github.com/blukai/netpong/internal/byteorder"
	"github.com/blukai/netpong/internal/debug"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	VersionInfo        = "NETPONG 1.00\x00"
	VersionInfoSize    = len(VersionInfo)
	KeySize            = chacha20poly1305.KeySize
	NonceSize          = chacha20poly1305.NonceSizeX
	MACSize            = chacha20poly1305.Overhead
	UserDataSize       = 256
	MaxServerAddresses = 32
	PrivateDataSize    = 1024
	Size               = 2048
)

var (
	ErrTokenGeneration      = errors.New("token: invalid generation parameters")
	ErrExpired              = errors.New("token: expired")
	ErrProtocolMismatch     = errors.New("token: protocol mismatch")
	ErrAddressNotAuthorized = errors.New("token: address not authorized")
	ErrBadSignature         = errors.New("token: bad signature")
	ErrMalformed            = errors.New("token: malformed")
)

type Key [KeySize]byte

// InsecureKey is publicly known. Tokens sealed with it prove nothing about
// their holder; it exists for local testing only.
var InsecureKey Key

func (k Key) IsZero() bool {
	return k == Key{}
}

// PrivateToken is the part of a connect token only the server can read.
type PrivateToken struct {
	ClientID          uint64
	TimeoutSeconds    uint32
	ServerAddresses   []netip.AddrPort
	ClientToServerKey Key
	ServerToClientKey Key
	UserData          [UserDataSize]byte
}

// ConnectToken is what the client holds. The client can read everything but
// PrivateData.
type ConnectToken struct {
	ProtocolID        uint64
	CreateTimestamp   uint64
	ExpireTimestamp   uint64
	Nonce             [NonceSize]byte
	PrivateData       [PrivateDataSize]byte
	TimeoutSeconds    uint32
	ServerAddresses   []netip.AddrPort
	ClientToServerKey Key
	ServerToClientKey Key
}

// Request is the subset of a connect token the client sends to a server.
type Request struct {
	VersionInfo     [VersionInfoSize]byte
	ProtocolID      uint64
	CreateTimestamp uint64
	ExpireTimestamp uint64
	Nonce           [NonceSize]byte
	PrivateData     [PrivateDataSize]byte
}

// MAC returns the authentication tag of the sealed private data. It uniquely
// identifies a token.
func (r *Request) MAC() [MACSize]byte {
	var mac [MACSize]byte
	copy(mac[:], r.PrivateData[PrivateDataSize-MACSize:])
	return mac
}

type GenerateParams struct {
	Now             time.Time
	ProtocolID      uint64
	TTL             time.Duration
	ClientID        uint64
	Timeout         time.Duration
	MaxAddresses    int
	ServerAddresses []netip.AddrPort
	UserData        []byte
	PrivateKey      Key

	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader
}

func (p *GenerateParams) validate() error {
	var errs error

	maxAddresses := p.MaxAddresses
	if maxAddresses <= 0 || maxAddresses > MaxServerAddresses {
		maxAddresses = MaxServerAddresses
	}

	if len(p.ServerAddresses) == 0 {
		errs = multierror.Append(errs, errors.New("no server addresses"))
	}
	if len(p.ServerAddresses) > maxAddresses {
		errs = multierror.Append(errs, fmt.Errorf(
			"too many server addresses (got %d; want <= %d)",
			len(p.ServerAddresses), maxAddresses,
		))
	}
	for _, addr := range p.ServerAddresses {
		if !addr.IsValid() {
			errs = multierror.Append(errs, fmt.Errorf("invalid server address %q", addr))
		}
	}
	if p.TTL < time.Second {
		errs = multierror.Append(errs, fmt.Errorf("ttl must be at least 1s (got %s)", p.TTL))
	}
	if p.Timeout < time.Second {
		errs = multierror.Append(errs, fmt.Errorf("timeout must be at least 1s (got %s)", p.Timeout))
	}
	if len(p.UserData) > UserDataSize {
		errs = multierror.Append(errs, fmt.Errorf(
			"user data too large (got %d; want <= %d)",
			len(p.UserData), UserDataSize,
		))
	}

	return errs
}

func Generate(p GenerateParams) (*ConnectToken, error) {
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenGeneration, err)
	}

	rnd := p.Rand
	if rnd == nil {
		rnd = rand.Reader
	}

	create := uint64(p.Now.Unix())
	ct := &ConnectToken{
		ProtocolID:      p.ProtocolID,
		CreateTimestamp: create,
		ExpireTimestamp: create + uint64(p.TTL/time.Second),
		TimeoutSeconds:  uint32(p.Timeout / time.Second),
		ServerAddresses: slices.Clone(p.ServerAddresses),
	}
	if _, err := io.ReadFull(rnd, ct.Nonce[:]); err != nil {
		return nil, fmt.Errorf("could not generate nonce: %w", err)
	}
	if _, err := io.ReadFull(rnd, ct.ClientToServerKey[:]); err != nil {
		return nil, fmt.Errorf("could not generate client to server key: %w", err)
	}
	if _, err := io.ReadFull(rnd, ct.ServerToClientKey[:]); err != nil {
		return nil, fmt.Errorf("could not generate server to client key: %w", err)
	}

	private := PrivateToken{
		ClientID:          p.ClientID,
		TimeoutSeconds:    ct.TimeoutSeconds,
		ServerAddresses:   ct.ServerAddresses,
		ClientToServerKey: ct.ClientToServerKey,
		ServerToClientKey: ct.ServerToClientKey,
	}
	copy(private.UserData[:], p.UserData)

	plaintext := private.marshal()

	aead, err := chacha20poly1305.NewX(p.PrivateKey[:])
	if err != nil {
		return nil, fmt.Errorf("could not construct aead: %w", err)
	}
	ad := additionalData(ct.ProtocolID, ct.CreateTimestamp, ct.ExpireTimestamp)
	sealed := aead.Seal(ct.PrivateData[:0], ct.Nonce[:], plaintext, ad)
	debug.Assert(len(sealed) == PrivateDataSize)

	return ct, nil
}

// Request builds the connection request payload for this token.
func (ct *ConnectToken) Request() Request {
	r := Request{
		ProtocolID:      ct.ProtocolID,
		CreateTimestamp: ct.CreateTimestamp,
		ExpireTimestamp: ct.ExpireTimestamp,
		Nonce:           ct.Nonce,
		PrivateData:     ct.PrivateData,
	}
	copy(r.VersionInfo[:], VersionInfo)
	return r
}

func (ct *ConnectToken) Timeout() time.Duration {
	return time.Duration(ct.TimeoutSeconds) * time.Second
}

func (ct *ConnectToken) Expired(now time.Time) bool {
	return !within(now, ct.CreateTimestamp, ct.ExpireTimestamp)
}

func within(now time.Time, create, expire uint64) bool {
	sec := now.Unix()
	if sec < 0 {
		return false
	}
	return uint64(sec) >= create && uint64(sec) <= expire
}

// Validate checks a connection request against the server's view of the
// world: its private key, its protocol id, the address the request reached,
// and the current time. On success the decrypted private token is returned.
func Validate(
	req *Request,
	now time.Time,
	privateKey Key,
	protocolID uint64,
	expectedAddr netip.AddrPort,
) (*PrivateToken, error) {
	if string(req.VersionInfo[:]) != VersionInfo {
		return nil, fmt.Errorf("%w: version %q", ErrProtocolMismatch, req.VersionInfo[:VersionInfoSize-1])
	}
	if req.ProtocolID != protocolID {
		return nil, fmt.Errorf("%w: got %d; want %d", ErrProtocolMismatch, req.ProtocolID, protocolID)
	}
	if !within(now, req.CreateTimestamp, req.ExpireTimestamp) {
		return nil, fmt.Errorf(
			"%w: valid [%d, %d], now %d",
			ErrExpired, req.CreateTimestamp, req.ExpireTimestamp, now.Unix(),
		)
	}

	aead, err := chacha20poly1305.NewX(privateKey[:])
	if err != nil {
		return nil, fmt.Errorf("could not construct aead: %w", err)
	}
	ad := additionalData(req.ProtocolID, req.CreateTimestamp, req.ExpireTimestamp)
	plaintext, err := aead.Open(nil, req.Nonce[:], req.PrivateData[:], ad)
	if err != nil {
		return nil, ErrBadSignature
	}

	private := new(PrivateToken)
	if err := private.unmarshal(plaintext); err != nil {
		return nil, err
	}

	expectedAddr = netip.AddrPortFrom(expectedAddr.Addr().Unmap(), expectedAddr.Port())
	if !slices.Contains(private.ServerAddresses, expectedAddr) {
		return nil, fmt.Errorf("%w: %s", ErrAddressNotAuthorized, expectedAddr)
	}

	return private, nil
}

func additionalData(protocolID, create, expire uint64) []byte {
	ad := make([]byte, 0, VersionInfoSize+8*3)
	ad = append(ad, VersionInfo...)
	ad = byteorder.AppendUint64(ad, protocolID)
	ad = byteorder.AppendUint64(ad, create)
	ad = byteorder.AppendUint64(ad, expire)
	return ad
}

const (
	addrTypeIPv4 uint8 = 1
	addrTypeIPv6 uint8 = 2
)

func appendAddresses(b []byte, addrs []netip.AddrPort) []byte {
	b = byteorder.AppendUint32(b, uint32(len(addrs)))
	for _, addr := range addrs {
		ip := addr.Addr().Unmap()
		if ip.Is4() {
			b = append(b, addrTypeIPv4)
			v4 := ip.As4()
			b = append(b, v4[:]...)
		} else {
			b = append(b, addrTypeIPv6)
			v6 := ip.As16()
			b = append(b, v6[:]...)
		}
		b = byteorder.AppendUint16(b, addr.Port())
	}
	return b
}

func readAddresses(r *byteorder.Reader) ([]netip.AddrPort, error) {
	n := r.Uint32()
	if r.Err() != nil {
		return nil, r.Err()
	}
	if n == 0 || n > MaxServerAddresses {
		return nil, fmt.Errorf("%w: %d server addresses", ErrMalformed, n)
	}

	addrs := make([]netip.AddrPort, 0, n)
	for range n {
		var size int
		switch typ := r.Uint8(); typ {
		case addrTypeIPv4:
			size = 4
		case addrTypeIPv6:
			size = 16
		default:
			if r.Err() != nil {
				return nil, r.Err()
			}
			return nil, fmt.Errorf("%w: address type %d", ErrMalformed, typ)
		}
		raw := r.Bytes(size)
		port := r.Uint16()
		if r.Err() != nil {
			return nil, r.Err()
		}
		ip, _ := netip.AddrFromSlice(raw)
		addrs = append(addrs, netip.AddrPortFrom(ip, port))
	}
	return addrs, nil
}

func (p *PrivateToken) marshal() []byte {
	b := make([]byte, 0, PrivateDataSize-MACSize)
	b = byteorder.AppendUint64(b, p.ClientID)
	b = byteorder.AppendUint32(b, p.TimeoutSeconds)
	b = appendAddresses(b, p.ServerAddresses)
	b = append(b, p.ClientToServerKey[:]...)
	b = append(b, p.ServerToClientKey[:]...)
	b = append(b, p.UserData[:]...)
	// zero padding up to the fixed size
	return b[:PrivateDataSize-MACSize]
}

func (p *PrivateToken) unmarshal(data []byte) error {
	r := byteorder.NewReader(data)
	p.ClientID = r.Uint64()
	p.TimeoutSeconds = r.Uint32()
	addrs, err := readAddresses(r)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	p.ServerAddresses = addrs
	copy(p.ClientToServerKey[:], r.Bytes(KeySize))
	copy(p.ServerToClientKey[:], r.Bytes(KeySize))
	copy(p.UserData[:], r.Bytes(UserDataSize))
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

var (
	_ encoding.BinaryMarshaler   = (*ConnectToken)(nil)
	_ encoding.BinaryUnmarshaler = (*ConnectToken)(nil)
)

// MarshalBinary encodes the token into its fixed Size-byte form, which is how
// it would travel from a matchmaker to a client.
func (ct *ConnectToken) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, Size)
	b = append(b, VersionInfo...)
	b = byteorder.AppendUint64(b, ct.ProtocolID)
	b = byteorder.AppendUint64(b, ct.CreateTimestamp)
	b = byteorder.AppendUint64(b, ct.ExpireTimestamp)
	b = append(b, ct.Nonce[:]...)
	b = append(b, ct.PrivateData[:]...)
	b = byteorder.AppendUint32(b, ct.TimeoutSeconds)
	b = appendAddresses(b, ct.ServerAddresses)
	b = append(b, ct.ClientToServerKey[:]...)
	b = append(b, ct.ServerToClientKey[:]...)
	debug.Assert(len(b) <= Size)
	return b[:Size], nil
}

func (ct *ConnectToken) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return fmt.Errorf("%w: got %d bytes; want %d", ErrMalformed, len(data), Size)
	}

	r := byteorder.NewReader(data)
	if version := r.Bytes(VersionInfoSize); string(version) != VersionInfo {
		return fmt.Errorf("%w: version %q", ErrProtocolMismatch, version)
	}
	ct.ProtocolID = r.Uint64()
	ct.CreateTimestamp = r.Uint64()
	ct.ExpireTimestamp = r.Uint64()
	copy(ct.Nonce[:], r.Bytes(NonceSize))
	copy(ct.PrivateData[:], r.Bytes(PrivateDataSize))
	ct.TimeoutSeconds = r.Uint32()
	addrs, err := readAddresses(r)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	ct.ServerAddresses = addrs
	copy(ct.ClientToServerKey[:], r.Bytes(KeySize))
	copy(ct.ServerToClientKey[:], r.Bytes(KeySize))
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}
