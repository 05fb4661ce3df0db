package netcode

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/blukai/netpong/internal/channel"
	"github.com/blukai/netpong/internal/token"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

type ClientState uint8

const (
	ClientDisconnected ClientState = iota
	ClientConnecting
	ClientConnected
)

func (s ClientState) String() string {
	switch s {
	case ClientDisconnected:
		return "disconnected"
	case ClientConnecting:
		return "connecting"
	case ClientConnected:
		return "connected"
	default:
		return fmt.Sprintf("ClientState(%d)", uint8(s))
	}
}

type ClientConfig struct {
	ProtocolID uint64

	Channel              channel.Config
	RequestInterval      time.Duration
	KeepAliveInterval    time.Duration
	DisconnectRedundancy int

	Logger *log.Logger
}

type Client struct {
	sock Socket
	cfg  ClientConfig

	logger *log.Logger

	state      ClientState
	reason     DisconnectReason
	serverAddr netip.AddrPort
	token      *token.ConnectToken
	request    []byte
	timeout    time.Duration

	connectStart time.Time
	lastRecv     time.Time
	lastSent     time.Time

	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD
	sendSeq  uint64
	replay   replayWindow

	conn   *channel.Connection
	events []Event
	buf    []byte
}

func NewClient(sock Socket, cfg ClientConfig) (*Client, error) {
	if cfg.Channel.Backoff == nil {
		cfg.Channel = DefaultChannelConfig()
	}
	if err := checkChannelConfig(&cfg.Channel); err != nil {
		return nil, err
	}
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = DefaultRequestInterval
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.DisconnectRedundancy <= 0 {
		cfg.DisconnectRedundancy = DefaultDisconnectRedundancy
	}

	conn, err := channel.NewConnection(cfg.Channel)
	if err != nil {
		return nil, err
	}

	c := &Client{
		sock: sock,
		cfg:  cfg,

		logger: silencedLogger(cfg.Logger),

		conn: conn,
		buf:  make([]byte, 0, MaxPacketSize),
	}
	return c, nil
}

func (c *Client) State() ClientState {
	return c.state
}

// DisconnectReason tells why the last session ended.
func (c *Client) DisconnectReason() DisconnectReason {
	return c.reason
}

func (c *Client) ServerAddr() netip.AddrPort {
	return c.serverAddr
}

func (c *Client) LocalAddr() netip.AddrPort {
	return c.sock.LocalAddr()
}

func (c *Client) Events() []Event {
	events := c.events
	c.events = nil
	return events
}

// Connect starts connecting to the first server the token lists.
func (c *Client) Connect(ct *token.ConnectToken, now time.Time) error {
	if c.state != ClientDisconnected {
		return fmt.Errorf("could not connect: client is %s", c.state)
	}
	if ct.ProtocolID != c.cfg.ProtocolID {
		return fmt.Errorf("%w: token for protocol %d", token.ErrProtocolMismatch, ct.ProtocolID)
	}
	if len(ct.ServerAddresses) == 0 {
		return errors.New("could not connect: token lists no servers")
	}
	if ct.Expired(now) {
		return token.ErrExpired
	}

	req := ct.Request()

	c.state = ClientConnecting
	c.reason = ReasonNone
	c.serverAddr = ct.ServerAddresses[0]
	c.token = ct
	c.request = appendRequestPacket(make([]byte, 0, requestPacketSize), &req)
	c.timeout = ct.Timeout()

	c.connectStart = now
	c.lastRecv = now
	c.lastSent = time.Time{}

	c.sendAEAD = newAEAD(ct.ClientToServerKey)
	c.recvAEAD = newAEAD(ct.ServerToClientKey)
	c.sendSeq = 0
	c.replay.reset()
	c.conn.Reset()

	c.logger.Debug().
		Str("server", c.serverAddr.String()).
		Msg("connecting")
	return nil
}

// Update consumes every pending datagram and advances the connection state.
func (c *Client) Update(now time.Time) {
	for {
		dg, ok := c.sock.RecvFrom()
		if !ok {
			break
		}
		if c.state == ClientDisconnected {
			continue
		}
		c.handleDatagram(dg, now)
	}

	switch c.state {
	case ClientConnecting:
		switch {
		case c.token.Expired(now):
			c.close(ReasonTokenExpired, token.ErrExpired, now)
		case now.Sub(c.connectStart) > c.timeout:
			c.close(ReasonTimedOut, nil, now)
		}
	case ClientConnected:
		switch {
		case now.Sub(c.lastRecv) > c.timeout:
			c.close(ReasonTimedOut, nil, now)
		case c.token.Expired(now):
			c.disconnect(ReasonTokenExpired, token.ErrExpired, now)
		}
	}
}

func (c *Client) handleDatagram(dg Datagram, now time.Time) {
	if dg.Addr != c.serverAddr {
		c.logger.Debug().
			Str("addr", dg.Addr.String()).
			Msg("dropped packet from unknown address")
		return
	}

	typ, body, err := decodeEncryptedPacket(dg.Data, c.recvAEAD, c.cfg.ProtocolID, &c.replay)
	if err != nil {
		c.logger.Debug().
			Err(err).
			Msg("dropped packet")
		return
	}

	switch typ {
	case PacketConnectionDenied:
		if c.state == ClientConnecting {
			c.close(ReasonConnectionDenied, denyReason(body[0]).err(), now)
		}
		return
	case PacketDisconnect:
		c.close(ReasonDisconnectedByServer, nil, now)
		return
	}

	c.lastRecv = now
	if c.state == ClientConnecting {
		c.state = ClientConnected
		c.logger.Debug().
			Str("server", c.serverAddr.String()).
			Msg("connected")
		c.events = append(c.events, Event{
			Kind: EventConnected,
			Addr: c.serverAddr,
			Time: now,
		})
	}

	if typ == PacketPayload {
		if err := c.conn.ProcessPayload(body); err != nil {
			c.logger.Error().
				Err(err).
				Msg("could not process payload")
			c.disconnect(ReasonChannelError, err, now)
		}
	}
}

// Flush sends the connection request, payloads or a keep-alive, whichever
// is due.
func (c *Client) Flush(now time.Time) error {
	switch c.state {
	case ClientConnecting:
		if !c.lastSent.IsZero() && now.Sub(c.lastSent) < c.cfg.RequestInterval {
			return nil
		}
		c.lastSent = now
		if err := c.sock.SendTo(c.request, c.serverAddr); err != nil {
			return fmt.Errorf("could not send connection request: %w", err)
		}
		return nil
	case ClientConnected:
		var errs error
		sent := false
		for _, payload := range c.conn.CollectPayloads(now) {
			if err := c.sendPacket(PacketPayload, payload, now); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			sent = true
		}
		if !sent && now.Sub(c.lastSent) >= c.cfg.KeepAliveInterval {
			if err := c.sendPacket(PacketKeepAlive, nil, now); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		return errs
	default:
		return nil
	}
}

func (c *Client) sendPacket(typ PacketType, body []byte, now time.Time) error {
	pkt := appendEncryptedPacket(c.buf[:0], typ, c.sendSeq, body, c.sendAEAD, c.cfg.ProtocolID)
	c.sendSeq++
	c.lastSent = now
	return c.sock.SendTo(pkt, c.serverAddr)
}

func (c *Client) Send(ch channel.ID, msg []byte) error {
	if c.state != ClientConnected {
		return ErrNotConnected
	}
	return c.conn.Send(ch, msg)
}

func (c *Client) Receive(ch channel.ID) ([]byte, bool) {
	return c.conn.Receive(ch)
}

func (c *Client) Stats() channel.Stats {
	return c.conn.Stats()
}

// Disconnect tells the server the client is leaving. It is a no-op when not
// connected.
func (c *Client) Disconnect(now time.Time) error {
	if c.state != ClientConnected {
		return nil
	}
	return c.disconnect(ReasonDisconnectedByClient, nil, now)
}

func (c *Client) disconnect(reason DisconnectReason, cause error, now time.Time) error {
	var errs error
	for i := 0; i < c.cfg.DisconnectRedundancy; i++ {
		if err := c.sendPacket(PacketDisconnect, nil, now); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	c.close(reason, cause, now)
	if errs != nil {
		return fmt.Errorf("could not send disconnect: %w", errs)
	}
	return nil
}

func (c *Client) close(reason DisconnectReason, cause error, now time.Time) {
	c.state = ClientDisconnected
	c.reason = reason
	c.token = nil
	c.conn.Reset()

	ev := c.logger.Debug().
		Str("server", c.serverAddr.String()).
		Str("reason", reason.String())
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Msg("disconnected")

	c.events = append(c.events, Event{
		Kind:   EventDisconnected,
		Addr:   c.serverAddr,
		Time:   now,
		Reason: reason,
		Err:    cause,
	})
}

func (c *Client) Close() error {
	return c.sock.Close()
}
