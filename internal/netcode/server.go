package netcode

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/blukai/netpong/internal/channel"
	"github.com/blukai/netpong/internal/token"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

type addrKey uint64

func makeAddrKey(addr netip.AddrPort) addrKey {
	return addrKey(xxhash.Sum64String(addr.String()))
}

type tokenKey uint64

func makeTokenKey(mac [token.MACSize]byte) tokenKey {
	return tokenKey(xxhash.Sum64(mac[:]))
}

// usedToken remembers who presented a token until it expires.
type usedToken struct {
	addr   netip.AddrPort
	expire uint64
}

// denySequenceBase is the first sequence of denied packets. A session would
// have to send 2^63 packets to get there.
const denySequenceBase = 1 << 63

type ServerConfig struct {
	ProtocolID uint64
	PrivateKey token.Key
	// Insecure accepts tokens sealed with token.InsecureKey. PrivateKey is
	// ignored.
	Insecure   bool
	MaxClients int
	// PublicAddr is the address clients' tokens must list. Defaults to the
	// socket's local address.
	PublicAddr netip.AddrPort

	Channel              channel.Config
	KeepAliveInterval    time.Duration
	DisconnectRedundancy int

	Logger *log.Logger
}

// ClientRecord is the server's state for one admitted client.
type ClientRecord struct {
	ID          uint64
	Addr        netip.AddrPort
	UserData    [token.UserDataSize]byte
	ConnectedAt time.Time

	timeout time.Duration
	// the session ends with the token it was admitted with
	expire   uint64
	lastRecv time.Time
	// zero until the first packet is sent, which makes the first flush
	// after admission send a keep-alive right away
	lastSent time.Time

	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD
	sendSeq  uint64
	replay   replayWindow

	conn *channel.Connection
}

// ClientInfo is a copy of what other goroutines may look at.
type ClientInfo struct {
	ID          uint64
	Addr        netip.AddrPort
	UserData    [token.UserDataSize]byte
	ConnectedAt time.Time
	Stats       channel.Stats
}

type Server struct {
	sock Socket
	cfg  ServerConfig
	key  token.Key

	logger *log.Logger

	clients map[addrKey]*ClientRecord
	byID    map[uint64]*ClientRecord
	tokens  map[tokenKey]usedToken

	// denied packets are sealed with keys a session may later use, so they
	// take sequences from a range sessions never reach
	denySeq uint64

	events []Event
	buf    []byte
}

func NewServer(sock Socket, cfg ServerConfig) (*Server, error) {
	if cfg.MaxClients <= 0 {
		return nil, fmt.Errorf("max clients must be positive (got %d)", cfg.MaxClients)
	}
	if cfg.Channel.Backoff == nil {
		cfg.Channel = DefaultChannelConfig()
	}
	if err := checkChannelConfig(&cfg.Channel); err != nil {
		return nil, err
	}
	if _, err := channel.NewConnection(cfg.Channel); err != nil {
		return nil, err
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.DisconnectRedundancy <= 0 {
		cfg.DisconnectRedundancy = DefaultDisconnectRedundancy
	}
	if !cfg.PublicAddr.IsValid() {
		cfg.PublicAddr = sock.LocalAddr()
	}
	if cfg.PublicAddr.Addr().IsUnspecified() {
		return nil, fmt.Errorf("public address is required when listening on %s", cfg.PublicAddr)
	}

	logger := silencedLogger(cfg.Logger)

	key := cfg.PrivateKey
	if cfg.Insecure {
		key = token.InsecureKey
		logger.Warn().
			Msg("running in insecure mode: connect tokens are not authenticated")
	} else if key.IsZero() {
		return nil, errors.New("private key is required unless running in insecure mode")
	}

	s := &Server{
		sock: sock,
		cfg:  cfg,
		key:  key,

		logger: logger,

		clients: make(map[addrKey]*ClientRecord),
		byID:    make(map[uint64]*ClientRecord),
		tokens:  make(map[tokenKey]usedToken),

		denySeq: denySequenceBase,

		buf: make([]byte, 0, MaxPacketSize),
	}
	return s, nil
}

func (s *Server) Addr() netip.AddrPort {
	return s.cfg.PublicAddr
}

func (s *Server) MaxClients() int {
	return s.cfg.MaxClients
}

func (s *Server) NumClients() int {
	return len(s.clients)
}

// ClientIDs returns the ids of connected clients in ascending order.
func (s *Server) ClientIDs() []uint64 {
	ids := make([]uint64, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Server) Client(id uint64) (ClientInfo, bool) {
	rec, ok := s.byID[id]
	if !ok {
		return ClientInfo{}, false
	}
	return ClientInfo{
		ID:          rec.ID,
		Addr:        rec.Addr,
		UserData:    rec.UserData,
		ConnectedAt: rec.ConnectedAt,
		Stats:       rec.conn.Stats(),
	}, true
}

// Events returns and forgets the events accumulated since the last call.
func (s *Server) Events() []Event {
	events := s.events
	s.events = nil
	return events
}

// ValidateAndAdmit validates a connection request that reached the server
// from addr and admits the client. A request for a client that is already
// admitted from the same address returns its record. A full server refuses
// with ErrServerFull and changes nothing.
func (s *Server) ValidateAndAdmit(req *token.Request, addr netip.AddrPort, now time.Time) (*ClientRecord, error) {
	rec, _, err := s.admit(req, addr, now)
	return rec, err
}

func (s *Server) admit(req *token.Request, addr netip.AddrPort, now time.Time) (*ClientRecord, *token.PrivateToken, error) {
	private, err := token.Validate(req, now, s.key, s.cfg.ProtocolID, s.cfg.PublicAddr)
	if err != nil {
		return nil, nil, err
	}

	tk := makeTokenKey(req.MAC())
	if used, ok := s.tokens[tk]; ok && used.addr != addr {
		return nil, private, fmt.Errorf("%w: first used from %s", ErrTokenReused, used.addr)
	}
	if rec, ok := s.clients[makeAddrKey(addr)]; ok {
		if rec.ID == private.ClientID {
			return rec, private, nil
		}
		return nil, private, fmt.Errorf("%w: %s is client %d", ErrAddressInUse, addr, rec.ID)
	}
	if rec, ok := s.byID[private.ClientID]; ok {
		return nil, private, fmt.Errorf("%w: %d from %s", ErrClientIDInUse, rec.ID, rec.Addr)
	}
	if len(s.clients) >= s.cfg.MaxClients {
		return nil, private, fmt.Errorf("%w: %d clients", ErrServerFull, len(s.clients))
	}

	conn, err := channel.NewConnection(s.cfg.Channel)
	if err != nil {
		return nil, private, fmt.Errorf("could not create channel connection: %w", err)
	}

	rec := &ClientRecord{
		ID:          private.ClientID,
		Addr:        addr,
		UserData:    private.UserData,
		ConnectedAt: now,

		timeout:  time.Duration(private.TimeoutSeconds) * time.Second,
		expire:   req.ExpireTimestamp,
		lastRecv: now,

		sendAEAD: newAEAD(private.ServerToClientKey),
		recvAEAD: newAEAD(private.ClientToServerKey),

		conn: conn,
	}
	s.tokens[tk] = usedToken{addr: addr, expire: req.ExpireTimestamp}
	s.clients[makeAddrKey(addr)] = rec
	s.byID[rec.ID] = rec

	s.logger.Debug().
		Uint64("client", rec.ID).
		Str("addr", addr.String()).
		Msg("admitted client")
	s.events = append(s.events, Event{
		Kind:     EventConnected,
		ClientID: rec.ID,
		Addr:     addr,
		Time:     now,
	})

	return rec, private, nil
}

// Update consumes every pending datagram and expires silent clients.
func (s *Server) Update(now time.Time) {
	for {
		dg, ok := s.sock.RecvFrom()
		if !ok {
			break
		}
		s.handleDatagram(dg, now)
	}

	sec := uint64(max(now.Unix(), 0))
	for _, rec := range s.byIDOrder() {
		switch {
		case now.Sub(rec.lastRecv) > rec.timeout:
			s.remove(rec, ReasonTimedOut, nil, now)
		case sec > rec.expire:
			if err := s.disconnect(rec, ReasonTokenExpired, token.ErrExpired, now); err != nil {
				s.logger.Error().
					Msgf("could not disconnect expired client: %v", err)
			}
		}
	}

	for tk, used := range s.tokens {
		if used.expire < sec {
			delete(s.tokens, tk)
		}
	}
}

func (s *Server) handleDatagram(dg Datagram, now time.Time) {
	if len(dg.Data) == 0 {
		return
	}

	if PacketType(dg.Data[0]) == PacketConnectionRequest {
		s.handleRequest(dg, now)
		return
	}

	rec, ok := s.clients[makeAddrKey(dg.Addr)]
	if !ok {
		s.logger.Debug().
			Str("addr", dg.Addr.String()).
			Msg("dropped packet from unknown address")
		return
	}

	typ, body, err := decodeEncryptedPacket(dg.Data, rec.recvAEAD, s.cfg.ProtocolID, &rec.replay)
	if err != nil {
		s.logger.Debug().
			Uint64("client", rec.ID).
			Err(err).
			Msg("dropped packet")
		return
	}
	rec.lastRecv = now

	switch typ {
	case PacketKeepAlive:
	case PacketPayload:
		if err := rec.conn.ProcessPayload(body); err != nil {
			s.logger.Error().
				Uint64("client", rec.ID).
				Err(err).
				Msg("could not process payload")
			s.disconnect(rec, ReasonChannelError, err, now)
		}
	case PacketDisconnect:
		s.remove(rec, ReasonDisconnectedByClient, nil, now)
	default:
		s.logger.Debug().
			Uint64("client", rec.ID).
			Str("type", typ.String()).
			Msg("dropped unexpected packet")
	}
}

func (s *Server) handleRequest(dg Datagram, now time.Time) {
	req, err := parseRequestPacket(dg.Data)
	if err != nil {
		s.logger.Debug().
			Str("addr", dg.Addr.String()).
			Err(err).
			Msg("dropped connection request")
		return
	}

	_, private, err := s.admit(req, dg.Addr, now)
	if err == nil {
		return
	}

	reason, ok := denyReasonOf(err)
	if !ok || private == nil {
		// the token did not validate; there is no key to answer with
		s.logger.Debug().
			Str("addr", dg.Addr.String()).
			Err(err).
			Msg("rejected connection request")
		return
	}

	s.logger.Info().
		Uint64("client", private.ClientID).
		Str("addr", dg.Addr.String()).
		Err(err).
		Msg("denied connection request")

	pkt := appendEncryptedPacket(
		s.buf[:0], PacketConnectionDenied, s.denySeq, []byte{byte(reason)},
		newAEAD(private.ServerToClientKey), s.cfg.ProtocolID,
	)
	s.denySeq++
	if err := s.sock.SendTo(pkt, dg.Addr); err != nil {
		s.logger.Error().
			Str("addr", dg.Addr.String()).
			Msgf("could not send connection denied: %v", err)
	}
}

func (s *Server) sendPacket(rec *ClientRecord, typ PacketType, body []byte, now time.Time) error {
	pkt := appendEncryptedPacket(s.buf[:0], typ, rec.sendSeq, body, rec.sendAEAD, s.cfg.ProtocolID)
	rec.sendSeq++
	rec.lastSent = now
	return s.sock.SendTo(pkt, rec.Addr)
}

// Flush sends every due payload and keep-alive.
func (s *Server) Flush(now time.Time) error {
	var errs error
	for _, rec := range s.byIDOrder() {
		sent := false
		for _, payload := range rec.conn.CollectPayloads(now) {
			if err := s.sendPacket(rec, PacketPayload, payload, now); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("client %d: %w", rec.ID, err))
				continue
			}
			sent = true
		}
		if sent || now.Sub(rec.lastSent) < s.cfg.KeepAliveInterval {
			continue
		}
		if err := s.sendPacket(rec, PacketKeepAlive, nil, now); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("client %d: %w", rec.ID, err))
		}
	}
	return errs
}

func (s *Server) Send(clientID uint64, ch channel.ID, msg []byte) error {
	rec, ok := s.byID[clientID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClient, clientID)
	}
	return rec.conn.Send(ch, msg)
}

func (s *Server) Receive(clientID uint64, ch channel.ID) ([]byte, bool) {
	rec, ok := s.byID[clientID]
	if !ok {
		return nil, false
	}
	return rec.conn.Receive(ch)
}

// Disconnect tells the client it is being disconnected and forgets it.
func (s *Server) Disconnect(clientID uint64, now time.Time) error {
	rec, ok := s.byID[clientID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClient, clientID)
	}
	return s.disconnect(rec, ReasonDisconnectedByServer, nil, now)
}

func (s *Server) DisconnectAll(now time.Time) error {
	var errs error
	for _, rec := range s.byIDOrder() {
		if err := s.disconnect(rec, ReasonDisconnectedByServer, nil, now); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (s *Server) disconnect(rec *ClientRecord, reason DisconnectReason, cause error, now time.Time) error {
	var errs error
	for i := 0; i < s.cfg.DisconnectRedundancy; i++ {
		if err := s.sendPacket(rec, PacketDisconnect, nil, now); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.remove(rec, reason, cause, now)
	if errs != nil {
		return fmt.Errorf("could not send disconnect to client %d: %w", rec.ID, errs)
	}
	return nil
}

func (s *Server) remove(rec *ClientRecord, reason DisconnectReason, cause error, now time.Time) {
	rec.conn.Reset()
	delete(s.clients, makeAddrKey(rec.Addr))
	delete(s.byID, rec.ID)

	s.logger.Debug().
		Uint64("client", rec.ID).
		Str("reason", reason.String()).
		Msg("removed client")
	s.events = append(s.events, Event{
		Kind:     EventDisconnected,
		ClientID: rec.ID,
		Addr:     rec.Addr,
		Time:     now,
		Reason:   reason,
		Err:      cause,
	})
}

// byIDOrder returns connected clients in ascending id order.
func (s *Server) byIDOrder() []*ClientRecord {
	recs := make([]*ClientRecord, 0, len(s.byID))
	for _, id := range s.ClientIDs() {
		recs = append(recs, s.byID[id])
	}
	return recs
}

func (s *Server) Close() error {
	return s.sock.Close()
}
