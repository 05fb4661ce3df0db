package gameserver_test

import (
	"bytes"
	"context"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blukai/netpong/internal/channel"
	"github.com/blukai/netpong/internal/gameserver"
	"github.com/blukai/netpong/internal/linksim"
	"github.com/blukai/netpong/internal/netcode"
	"github.com/blukai/netpong/internal/protocol"
	"github.com/blukai/netpong/internal/telemetry"
	"github.com/blukai/netpong/internal/token"
	"github.com/matryer/is"
	"github.com/phuslu/log"
)

const protocolID = 1000

var (
	start      = time.Unix(1_700_000_000, 0)
	serverAddr = netip.MustParseAddrPort("10.0.0.1:3000")
	privateKey = token.Key{3, 2, 32, 1, 35, 1, 4, 2, 32, 1, 35, 132, 2, 32, 1, 35, 132, 234, 21, 23, 54, 56, 55, 76, 46, 147, 9, 8, 57, 76, 68, 97}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (p *recordingPublisher) Publish(ev telemetry.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

type fixture struct {
	t      *testing.T
	now    time.Time
	net    *linksim.Network
	gs     *gameserver.GameServer
	client *netcode.Client
	logs   *bytes.Buffer
	pub    *recordingPublisher
}

func newFixture(t *testing.T, name string) *fixture {
	t.Helper()

	n := linksim.New(linksim.Config{}, start)
	serverSock, err := n.Listen(serverAddr)
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	transport, err := netcode.NewServer(serverSock, netcode.ServerConfig{
		ProtocolID: protocolID,
		PrivateKey: privateKey,
		MaxClients: 4,
	})
	if err != nil {
		t.Fatalf("could not construct server: %v", err)
	}

	logs := new(bytes.Buffer)
	logger := &log.Logger{
		Level:  log.InfoLevel,
		Writer: &log.IOWriter{Writer: logs},
	}
	pub := new(recordingPublisher)

	clientSock, err := n.Listen(netip.MustParseAddrPort("10.0.0.2:0"))
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	client, err := netcode.NewClient(clientSock, netcode.ClientConfig{ProtocolID: protocolID})
	if err != nil {
		t.Fatalf("could not construct client: %v", err)
	}

	userData, err := token.EncodeUserData(protocol.PlayerInfo{Name: name})
	if err != nil {
		t.Fatalf("could not encode user data: %v", err)
	}
	ct, err := token.Generate(token.GenerateParams{
		Now:             start,
		ProtocolID:      protocolID,
		TTL:             time.Hour,
		ClientID:        7,
		Timeout:         15 * time.Second,
		ServerAddresses: []netip.AddrPort{serverAddr},
		UserData:        userData,
		PrivateKey:      privateKey,
	})
	if err != nil {
		t.Fatalf("could not generate token: %v", err)
	}
	if err := client.Connect(ct, start); err != nil {
		t.Fatalf("could not connect: %v", err)
	}

	return &fixture{
		t:      t,
		now:    start,
		net:    n,
		gs:     gameserver.NewGameServer(transport, pub, logger),
		client: client,
		logs:   logs,
		pub:    pub,
	}
}

func (f *fixture) step() {
	f.now = f.now.Add(10 * time.Millisecond)
	f.net.Advance(f.now)
	f.client.Update(f.now)
	f.gs.Tick(f.now)
	if err := f.client.Flush(f.now); err != nil {
		f.t.Fatalf("could not flush client: %v", err)
	}
}

func (f *fixture) runUntil(cond func() bool) bool {
	for i := 0; i < 50; i++ {
		if cond() {
			return true
		}
		f.step()
	}
	return cond()
}

func (f *fixture) receivePong() bool {
	msg, ok := f.client.Receive(channel.ReliableOrdered)
	if !ok {
		return false
	}
	m, err := protocol.DecodeServerMessage(msg)
	if err != nil {
		f.t.Fatalf("could not decode server message: %v", err)
	}
	_, isPong := m.(protocol.Pong)
	return isPong
}

func TestPingPong(t *testing.T) {
	is := is.New(t)

	f := newFixture(t, "alice")
	is.True(f.runUntil(func() bool { return f.client.State() == netcode.ClientConnected }))

	status := f.gs.Snapshot()
	is.Equal(status.Addr, serverAddr.String())
	is.Equal(status.MaxClients, 4)
	is.Equal(len(status.Clients), 1)
	is.Equal(status.Clients[0].ID, uint64(7))
	is.Equal(status.Clients[0].Name, "alice")
	is.True(strings.Contains(f.logs.String(), "New client connected with id 7"))

	ping, err := protocol.EncodeClientMessage(protocol.Ping{})
	is.NoErr(err)
	is.NoErr(f.client.Send(channel.ReliableOrdered, ping))
	is.True(f.runUntil(f.receivePong))

	is.True(strings.Contains(f.logs.String(), "Got ping from 7"))
	is.Equal(f.gs.Snapshot().Clients[0].PingsServed, uint64(1))
}

func TestUndecodableMessageIsSkipped(t *testing.T) {
	is := is.New(t)

	f := newFixture(t, "bob")
	is.True(f.runUntil(func() bool { return f.client.State() == netcode.ClientConnected }))

	ping, err := protocol.EncodeClientMessage(protocol.Ping{})
	is.NoErr(err)
	is.NoErr(f.client.Send(channel.ReliableOrdered, []byte{0xff, 0xff, 0xff, 0xff}))
	is.NoErr(f.client.Send(channel.ReliableOrdered, ping))
	is.True(f.runUntil(f.receivePong))

	is.True(strings.Contains(f.logs.String(), "could not decode client message"))
	is.Equal(f.client.State(), netcode.ClientConnected)
	is.Equal(f.gs.Snapshot().Clients[0].PingsServed, uint64(1))
}

func TestDisconnectIsPublished(t *testing.T) {
	is := is.New(t)

	f := newFixture(t, "carol")
	is.True(f.runUntil(func() bool { return f.client.State() == netcode.ClientConnected }))

	is.NoErr(f.client.Disconnect(f.now))
	is.True(f.runUntil(func() bool { return len(f.gs.Snapshot().Clients) == 0 }))

	is.True(strings.Contains(f.logs.String(), "Client with id 7 disconnected [disconnected by client]"))

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	is.Equal(len(f.pub.events), 2)
	is.Equal(f.pub.events[0].Kind, "connected")
	is.Equal(f.pub.events[1].Kind, "disconnected")
	is.Equal(f.pub.events[1].ClientID, uint64(7))
}

func TestRunShutsDown(t *testing.T) {
	is := is.New(t)

	sock, err := netcode.ListenUDP("udp4", "127.0.0.1:0", nil)
	is.NoErr(err)
	transport, err := netcode.NewServer(sock, netcode.ServerConfig{
		ProtocolID: protocolID,
		PrivateKey: privateKey,
		MaxClients: 4,
	})
	is.NoErr(err)

	gs := gameserver.NewGameServer(transport, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gs.Run(ctx, 60) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	is.True(gs.Snapshot().Ticks > 0)
}
