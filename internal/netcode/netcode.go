// Package netcode establishes secure sessions over a datagram socket and
// carries channel payloads between a server and its clients.
//
// A client presents a connect token in a connection request; the server
// validates it, admits the client and from then on both sides exchange
// packets encrypted with the per-session keys the token carries. Endpoints
// are driven by their owner: Update consumes whatever the socket received
// and advances timers, Flush sends whatever is due. Neither blocks and
// neither is safe for concurrent use.
package netcode

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/blukai/netpong/internal/channel"
	"github.com/phuslu/log"
)

var (
	ErrServerFull       = errors.New("netcode: server full")
	ErrTokenReused      = errors.New("netcode: connect token already used")
	ErrClientIDInUse    = errors.New("netcode: client id already connected")
	ErrAddressInUse     = errors.New("netcode: address already connected")
	ErrConnectionDenied = errors.New("netcode: connection denied")
	ErrNotConnected     = errors.New("netcode: not connected")
	ErrUnknownClient    = errors.New("netcode: unknown client")
)

type DisconnectReason uint8

const (
	ReasonNone DisconnectReason = iota
	ReasonTimedOut
	ReasonConnectionDenied
	ReasonTokenExpired
	ReasonDisconnectedByClient
	ReasonDisconnectedByServer
	ReasonChannelError
	ReasonTransportError
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTimedOut:
		return "timed out"
	case ReasonConnectionDenied:
		return "connection denied"
	case ReasonTokenExpired:
		return "token expired"
	case ReasonDisconnectedByClient:
		return "disconnected by client"
	case ReasonDisconnectedByServer:
		return "disconnected by server"
	case ReasonChannelError:
		return "channel error"
	case ReasonTransportError:
		return "transport error"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", uint8(r))
	}
}

type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event reports a session lifecycle change. ClientID is only known to the
// server. Reason and Err are set for EventDisconnected.
type Event struct {
	Kind     EventKind
	ClientID uint64
	Addr     netip.AddrPort
	Time     time.Time
	Reason   DisconnectReason
	Err      error
}

const (
	DefaultKeepAliveInterval    = 100 * time.Millisecond
	DefaultRequestInterval      = 100 * time.Millisecond
	DefaultDisconnectRedundancy = 10
)

// DefaultChannelConfig is channel.DefaultConfig sized to fit one packet.
func DefaultChannelConfig() channel.Config {
	cfg := channel.DefaultConfig()
	cfg.MaxPayloadSize = MaxPayloadSize
	return cfg
}

func checkChannelConfig(cfg *channel.Config) error {
	if cfg.MaxPayloadSize > MaxPayloadSize {
		return fmt.Errorf(
			"channel payload size %d does not fit a packet (max %d)",
			cfg.MaxPayloadSize, MaxPayloadSize,
		)
	}
	return nil
}

func silencedLogger(logger *log.Logger) *log.Logger {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	return logger
}
