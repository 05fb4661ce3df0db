package gameserver

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/blukai/netpong/internal/channel"
	"github.com/blukai/netpong/internal/debug"
	"github.com/blukai/netpong/internal/netcode"
	"github.com/blukai/netpong/internal/protocol"
	"github.com/blukai/netpong/internal/telemetry"
	"github.com/blukai/netpong/internal/token"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

type ClientStatus struct {
	ID              uint64    `json:"id"`
	Addr            string    `json:"addr"`
	Name            string    `json:"name"`
	ConnectedAt     time.Time `json:"connected_at"`
	PingsServed     uint64    `json:"pings_served"`
	Retransmissions uint64    `json:"retransmissions"`
}

// Status is what the monitor shows.
type Status struct {
	Addr       string         `json:"addr"`
	MaxClients int            `json:"max_clients"`
	StartedAt  time.Time      `json:"started_at"`
	Ticks      uint64         `json:"ticks"`
	Clients    []ClientStatus `json:"clients"`
}

type player struct {
	name        string
	pingsServed uint64
}

type GameServer struct {
	transport *netcode.Server

	logger    *log.Logger
	telemetry telemetry.Publisher

	players   map[uint64]*player
	startedAt time.Time
	ticks     uint64

	// status is the only state read outside of the tick goroutine
	mu     sync.Mutex
	status Status
}

func NewGameServer(transport *netcode.Server, pub telemetry.Publisher, logger *log.Logger) *GameServer {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	if pub == nil {
		pub = telemetry.Discard
	}

	return &GameServer{
		transport: transport,

		logger:    logger,
		telemetry: pub,

		players: make(map[uint64]*player),
	}
}

// Addr can be useful to retrieve server's address when the transport was
// constructed over ":0".
func (gs *GameServer) Addr() string {
	return gs.transport.Addr().String()
}

// Tick runs one iteration of the server loop.
func (gs *GameServer) Tick(now time.Time) {
	if gs.startedAt.IsZero() {
		gs.startedAt = now
	}
	gs.ticks++

	gs.transport.Update(now)

	for _, ev := range gs.transport.Events() {
		gs.handleEvent(ev)
	}

	for _, clientID := range gs.transport.ClientIDs() {
		for {
			msg, ok := gs.transport.Receive(clientID, channel.ReliableOrdered)
			if !ok {
				break
			}
			gs.handleMessage(clientID, msg)
		}
	}

	if err := gs.transport.Flush(now); err != nil {
		gs.logger.Error().
			Msgf("could not flush: %v", err)
	}

	gs.refreshStatus()
}

func (gs *GameServer) handleEvent(ev netcode.Event) {
	switch ev.Kind {
	case netcode.EventConnected:
		p := &player{}
		if info, ok := gs.transport.Client(ev.ClientID); ok {
			var pi protocol.PlayerInfo
			if err := token.DecodeUserData(info.UserData[:], &pi); err != nil {
				gs.logger.Warn().
					Uint64("client", ev.ClientID).
					Msgf("could not decode player info: %v", err)
			}
			p.name = pi.Name
		}
		gs.players[ev.ClientID] = p

		gs.logger.Info().
			Str("addr", ev.Addr.String()).
			Str("name", p.name).
			Msgf("New client connected with id %d", ev.ClientID)
		gs.telemetry.Publish(telemetry.Event{
			Kind:     ev.Kind.String(),
			ClientID: ev.ClientID,
			Addr:     ev.Addr.String(),
			Time:     ev.Time,
		})
	case netcode.EventDisconnected:
		delete(gs.players, ev.ClientID)

		entry := gs.logger.Info().
			Str("addr", ev.Addr.String())
		if ev.Err != nil {
			entry = entry.Err(ev.Err)
		}
		entry.Msgf("Client with id %d disconnected [%s]", ev.ClientID, ev.Reason)
		gs.telemetry.Publish(telemetry.Event{
			Kind:     ev.Kind.String(),
			ClientID: ev.ClientID,
			Addr:     ev.Addr.String(),
			Reason:   ev.Reason.String(),
			Time:     ev.Time,
		})
	default:
		debug.Assert(false, fmt.Sprintf("unhandled event kind: %d", ev.Kind))
	}
}

func (gs *GameServer) handleMessage(clientID uint64, msg []byte) {
	clientMessage, err := protocol.DecodeClientMessage(msg)
	if err != nil {
		gs.logger.Error().
			Uint64("client", clientID).
			Str("bytes", fmt.Sprintf("%v", msg)).
			Msgf("could not decode client message: %v", err)
		return
	}

	switch clientMessage.(type) {
	case protocol.Ping:
		err = gs.handlePing(clientID)
	default:
		debug.Assert(false, fmt.Sprintf("unhandled client message: %s", clientMessage))
	}

	if err != nil {
		gs.logger.Error().
			Uint64("client", clientID).
			Msgf("error handling %s: %v", clientMessage, err)
	}
}

func (gs *GameServer) handlePing(clientID uint64) error {
	gs.logger.Info().
		Msgf("Got ping from %d", clientID)

	pong, err := protocol.EncodeServerMessage(protocol.Pong{})
	debug.Assert(err == nil)

	if err := gs.transport.Send(clientID, channel.ReliableOrdered, pong); err != nil {
		return fmt.Errorf("could not send pong: %w", err)
	}
	if p, ok := gs.players[clientID]; ok {
		p.pingsServed++
	}
	return nil
}

func (gs *GameServer) refreshStatus() {
	status := Status{
		Addr:       gs.transport.Addr().String(),
		MaxClients: gs.transport.MaxClients(),
		StartedAt:  gs.startedAt,
		Ticks:      gs.ticks,
	}
	for _, clientID := range gs.transport.ClientIDs() {
		info, ok := gs.transport.Client(clientID)
		debug.Assert(ok)

		cs := ClientStatus{
			ID:              clientID,
			Addr:            info.Addr.String(),
			ConnectedAt:     info.ConnectedAt,
			Retransmissions: info.Stats.Retransmissions,
		}
		if p, ok := gs.players[clientID]; ok {
			cs.Name = p.name
			cs.PingsServed = p.pingsServed
		}
		status.Clients = append(status.Clients, cs)
	}

	gs.mu.Lock()
	gs.status = status
	gs.mu.Unlock()
}

// Snapshot returns the state as of the last tick. Safe for concurrent use.
func (gs *GameServer) Snapshot() Status {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.status
}

// Run ticks tickRate times per second until ctx is done, then disconnects
// every client and closes the transport.
func (gs *GameServer) Run(ctx context.Context, tickRate int) error {
	debug.Assert(tickRate > 0)

	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return gs.shutdown(time.Now())
		case now := <-ticker.C:
			gs.Tick(now)
		}
	}
}

func (gs *GameServer) shutdown(now time.Time) error {
	var errs error
	if err := gs.transport.DisconnectAll(now); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, ev := range gs.transport.Events() {
		gs.handleEvent(ev)
	}
	gs.refreshStatus()
	if err := gs.transport.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("could not close transport: %w", err))
	}
	return errs
}
