package netcode

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/blukai/netpong/internal/channel"
	"github.com/phuslu/log"
)

type Datagram struct {
	Addr netip.AddrPort
	Data []byte
}

// Socket is the datagram transport endpoints run over. RecvFrom must not
// block; it reports false when nothing is pending.
type Socket interface {
	SendTo(b []byte, addr netip.AddrPort) error
	RecvFrom() (Datagram, bool)
	LocalAddr() netip.AddrPort
	Close() error
}

const udpRecvQueueSize = 1024

// readErrorBackoff paces the read pump while reads keep failing.
var readErrorBackoff = channel.ExponentialBackoff{
	Initial:    5 * time.Millisecond,
	Multiplier: 2,
	Max:        time.Second,
}

// UDPSocket is a Socket over a real UDP socket. A read pump goroutine moves
// datagrams from the kernel into a bounded queue; when the queue is full new
// datagrams are dropped, like the kernel would.
type UDPSocket struct {
	conn   *net.UDPConn
	read   func(b []byte) (int, netip.AddrPort, error)
	recvCh chan Datagram
	done   chan struct{}

	logger *log.Logger

	dropped atomic.Uint64
}

var _ Socket = (*UDPSocket)(nil)

func ListenUDP(network, address string, logger *log.Logger) (*UDPSocket, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve udp addr: %w", err)
	}

	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen udp: %w", err)
	}

	s := &UDPSocket{
		conn:   conn,
		read:   conn.ReadFromUDPAddrPort,
		recvCh: make(chan Datagram, udpRecvQueueSize),
		done:   make(chan struct{}),
		logger: silencedLogger(logger),
	}
	go s.runRecv()

	return s, nil
}

func (s *UDPSocket) runRecv() {
	defer close(s.done)

	buf := make([]byte, MaxPacketSize+1)
	failures := 0
	for {
		n, addr, err := s.read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			failures++
			delay := readErrorBackoff.Delay(failures)
			s.logger.Error().
				Int("failures", failures).
				Dur("retry_in", delay).
				Msgf("could not read from udp: %v", err)
			time.Sleep(delay)
			continue
		}
		failures = 0
		if n > MaxPacketSize {
			s.logger.Debug().
				Str("addr", addr.String()).
				Msgf("dropped oversized datagram")
			continue
		}

		dg := Datagram{
			Addr: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
			Data: append([]byte(nil), buf[:n]...),
		}
		select {
		case s.recvCh <- dg:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *UDPSocket) SendTo(b []byte, addr netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(b, addr)
	return err
}

func (s *UDPSocket) RecvFrom() (Datagram, bool) {
	select {
	case dg := <-s.recvCh:
		return dg, true
	default:
		return Datagram{}, false
	}
}

// LocalAddr can be useful to retrieve the socket's address when it was
// constructed with ":0".
func (s *UDPSocket) LocalAddr() netip.AddrPort {
	addr := s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// Dropped counts datagrams dropped because the receive queue was full.
func (s *UDPSocket) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *UDPSocket) Close() error {
	err := s.conn.Close()
	<-s.done
	return err
}
