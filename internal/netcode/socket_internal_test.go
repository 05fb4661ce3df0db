package netcode

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestReadPumpBacksOffOnErrors(t *testing.T) {
	is := is.New(t)

	deadline := time.Now().Add(100 * time.Millisecond)
	calls := 0
	s := &UDPSocket{
		read: func([]byte) (int, netip.AddrPort, error) {
			calls++
			if time.Now().After(deadline) {
				return 0, netip.AddrPort{}, net.ErrClosed
			}
			return 0, netip.AddrPort{}, errors.New("network is down")
		},
		recvCh: make(chan Datagram, 1),
		done:   make(chan struct{}),
		logger: silencedLogger(nil),
	}

	go s.runRecv()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("read pump did not stop")
	}

	// 5 + 10 + 20 + 40 + 80 ms covers the window
	is.True(calls <= 8)
}

func TestReadPumpRecovers(t *testing.T) {
	is := is.New(t)

	from := netip.MustParseAddrPort("10.0.0.2:5000")
	calls := 0
	s := &UDPSocket{
		read: func(b []byte) (int, netip.AddrPort, error) {
			calls++
			switch calls {
			case 1:
				return 0, netip.AddrPort{}, errors.New("transient")
			case 2:
				return copy(b, "hi"), from, nil
			default:
				return 0, netip.AddrPort{}, net.ErrClosed
			}
		},
		recvCh: make(chan Datagram, 1),
		done:   make(chan struct{}),
		logger: silencedLogger(nil),
	}

	go s.runRecv()
	<-s.done

	dg, ok := s.RecvFrom()
	is.True(ok)
	is.Equal(dg.Addr, from)
	is.Equal(string(dg.Data), "hi")
}
