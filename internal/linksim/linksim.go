// Package linksim is an in-memory datagram network with configurable loss,
// latency and jitter. Time only moves when the owner calls Advance, so runs
// are reproducible for a given seed.
package linksim

import (
	"container/heap"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/blukai/netpong/internal/netcode"
)

var (
	ErrAddrInUse = errors.New("linksim: address already in use")
	ErrClosed    = errors.New("linksim: endpoint closed")
	ErrTooLarge  = errors.New("linksim: datagram too large")
)

type Config struct {
	// Drop is the probability of a datagram being lost.
	Drop float64
	// Duplicate is the probability of a delivered datagram arriving twice.
	Duplicate float64
	Latency   time.Duration
	// Jitter adds a uniformly distributed delay in [0, Jitter) to every
	// datagram, which reorders them.
	Jitter time.Duration
	Seed   int64
}

type Stats struct {
	Sent       uint64
	Dropped    uint64
	Duplicated uint64
	Delivered  uint64
}

type inflight struct {
	deliverAt time.Time
	// tie breaker to keep delivery order stable
	seq uint64
	to  netip.AddrPort
	dg  netcode.Datagram
}

type inflightQueue []*inflight

func (q inflightQueue) Len() int { return len(q) }
func (q inflightQueue) Less(i, j int) bool {
	if q[i].deliverAt.Equal(q[j].deliverAt) {
		return q[i].seq < q[j].seq
	}
	return q[i].deliverAt.Before(q[j].deliverAt)
}
func (q inflightQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *inflightQueue) Push(x any)   { *q = append(*q, x.(*inflight)) }
func (q *inflightQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return x
}

type Network struct {
	mu sync.Mutex

	cfg Config
	rng *rand.Rand
	now time.Time
	seq uint64

	queue     inflightQueue
	endpoints map[netip.AddrPort]*Endpoint
	nextPort  uint16

	stats Stats
}

func New(cfg Config, now time.Time) *Network {
	return &Network{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		now:       now,
		endpoints: make(map[netip.AddrPort]*Endpoint),
		nextPort:  40000,
	}
}

// SetDrop changes the loss probability for datagrams sent from now on.
func (n *Network) SetDrop(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg.Drop = p
}

// Listen attaches an endpoint. A zero port picks a free one.
func (n *Network) Listen(addr netip.AddrPort) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if addr.Port() == 0 {
		for {
			candidate := netip.AddrPortFrom(addr.Addr(), n.nextPort)
			n.nextPort++
			if _, ok := n.endpoints[candidate]; !ok {
				addr = candidate
				break
			}
		}
	}
	if _, ok := n.endpoints[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}

	ep := &Endpoint{net: n, addr: addr}
	n.endpoints[addr] = ep
	return ep, nil
}

// Advance moves the clock to now and delivers every datagram that is due.
func (n *Network) Advance(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if now.After(n.now) {
		n.now = now
	}
	for n.queue.Len() > 0 && !n.queue[0].deliverAt.After(n.now) {
		in := heap.Pop(&n.queue).(*inflight)
		ep, ok := n.endpoints[in.to]
		if !ok {
			n.stats.Dropped++
			continue
		}
		ep.inbox = append(ep.inbox, in.dg)
		n.stats.Delivered++
	}
}

func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func (n *Network) send(from, to netip.AddrPort, b []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stats.Sent++
	if n.rng.Float64() < n.cfg.Drop {
		n.stats.Dropped++
		return
	}

	copies := 1
	if n.rng.Float64() < n.cfg.Duplicate {
		copies = 2
		n.stats.Duplicated++
	}
	for i := 0; i < copies; i++ {
		delay := n.cfg.Latency
		if n.cfg.Jitter > 0 {
			delay += time.Duration(n.rng.Int63n(int64(n.cfg.Jitter)))
		}
		n.seq++
		heap.Push(&n.queue, &inflight{
			deliverAt: n.now.Add(delay),
			seq:       n.seq,
			to:        to,
			dg: netcode.Datagram{
				Addr: from,
				Data: append([]byte(nil), b...),
			},
		})
	}
}

// Endpoint is a netcode.Socket attached to a Network.
type Endpoint struct {
	net    *Network
	addr   netip.AddrPort
	inbox  []netcode.Datagram
	closed bool
}

var _ netcode.Socket = (*Endpoint)(nil)

func (ep *Endpoint) SendTo(b []byte, addr netip.AddrPort) error {
	if len(b) > netcode.MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	}
	ep.net.mu.Lock()
	closed := ep.closed
	ep.net.mu.Unlock()
	if closed {
		return ErrClosed
	}
	ep.net.send(ep.addr, addr, b)
	return nil
}

func (ep *Endpoint) RecvFrom() (netcode.Datagram, bool) {
	ep.net.mu.Lock()
	defer ep.net.mu.Unlock()

	if len(ep.inbox) == 0 {
		return netcode.Datagram{}, false
	}
	dg := ep.inbox[0]
	ep.inbox[0] = netcode.Datagram{}
	ep.inbox = ep.inbox[1:]
	return dg, true
}

func (ep *Endpoint) LocalAddr() netip.AddrPort {
	return ep.addr
}

func (ep *Endpoint) Close() error {
	ep.net.mu.Lock()
	defer ep.net.mu.Unlock()

	if ep.closed {
		return ErrClosed
	}
	ep.closed = true
	ep.inbox = nil
	delete(ep.net.endpoints, ep.addr)
	return nil
}
