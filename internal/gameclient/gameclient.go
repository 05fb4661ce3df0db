package gameclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/blukai/netpong/internal/channel"
	"github.com/blukai/netpong/internal/debug"
	"github.com/blukai/netpong/internal/netcode"
	"github.com/blukai/netpong/internal/protocol"
	"github.com/phuslu/log"
)

var ErrSessionEnded = errors.New("gameclient: session ended")

const maxPendingPings = 64

type GameClient struct {
	transport *netcode.Client

	logger *log.Logger

	// RequestPing is the only method called from other goroutines
	pingRequests chan struct{}

	pingsSent     atomic.Uint64
	pongsReceived atomic.Uint64
}

func NewGameClient(transport *netcode.Client, logger *log.Logger) *GameClient {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &GameClient{
		transport: transport,

		logger: logger,

		pingRequests: make(chan struct{}, maxPendingPings),
	}
}

// RequestPing asks for a ping to be sent on the next tick the client is
// connected. It never blocks; it reports false when too many pings are
// already pending.
func (gc *GameClient) RequestPing() bool {
	select {
	case gc.pingRequests <- struct{}{}:
		return true
	default:
		return false
	}
}

func (gc *GameClient) PingsSent() uint64 {
	return gc.pingsSent.Load()
}

func (gc *GameClient) PongsReceived() uint64 {
	return gc.pongsReceived.Load()
}

// Tick runs one iteration of the client loop.
func (gc *GameClient) Tick(now time.Time) {
	gc.transport.Update(now)

	for _, ev := range gc.transport.Events() {
		switch ev.Kind {
		case netcode.EventConnected:
			gc.logger.Info().
				Msgf("Connected to server %s", ev.Addr)
		case netcode.EventDisconnected:
			entry := gc.logger.Info()
			if ev.Err != nil {
				entry = entry.Err(ev.Err)
			}
			entry.Msgf("Disconnected from server %s [%s]", ev.Addr, ev.Reason)
		default:
			debug.Assert(false, fmt.Sprintf("unhandled event kind: %d", ev.Kind))
		}
	}

	if gc.transport.State() == netcode.ClientConnected {
		gc.sendPings()
	}

	for {
		msg, ok := gc.transport.Receive(channel.ReliableOrdered)
		if !ok {
			break
		}
		gc.handleMessage(msg)
	}

	if err := gc.transport.Flush(now); err != nil {
		gc.logger.Error().
			Msgf("could not flush: %v", err)
	}
}

func (gc *GameClient) sendPings() {
	for {
		select {
		case <-gc.pingRequests:
		default:
			return
		}

		ping, err := protocol.EncodeClientMessage(protocol.Ping{})
		debug.Assert(err == nil)

		if err := gc.transport.Send(channel.ReliableOrdered, ping); err != nil {
			// retried on the next tick, unless RequestPing filled the queue
			// in the meantime
			requeued := gc.RequestPing()
			gc.logger.Warn().
				Bool("requeued", requeued).
				Msgf("could not send ping: %v", err)
			return
		}
		gc.pingsSent.Add(1)
		gc.logger.Info().
			Msg("ping sent!")
	}
}

func (gc *GameClient) handleMessage(msg []byte) {
	serverMessage, err := protocol.DecodeServerMessage(msg)
	if err != nil {
		gc.logger.Error().
			Str("bytes", fmt.Sprintf("%v", msg)).
			Msgf("could not decode server message: %v", err)
		return
	}

	switch serverMessage.(type) {
	case protocol.Pong:
		gc.pongsReceived.Add(1)
		gc.logger.Info().
			Msg("Got Pong response from server !")
	default:
		debug.Assert(false, fmt.Sprintf("unhandled server message: %s", serverMessage))
	}
}

// Run ticks tickRate times per second until the session ends or ctx is done.
// When ctx is done the client disconnects gracefully and Run returns nil;
// any other end of the session is reported as an error wrapping
// ErrSessionEnded.
func (gc *GameClient) Run(ctx context.Context, tickRate int) error {
	debug.Assert(tickRate > 0)

	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			err := gc.transport.Disconnect(time.Now())
			if closeErr := gc.transport.Close(); err == nil {
				err = closeErr
			}
			return err
		case now := <-ticker.C:
			gc.Tick(now)
			if gc.transport.State() == netcode.ClientDisconnected {
				gc.transport.Close()
				return fmt.Errorf("%w: %s", ErrSessionEnded, gc.transport.DisconnectReason())
			}
		}
	}
}
