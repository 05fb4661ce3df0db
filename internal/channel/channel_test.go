package channel_test

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/blukai/netpong/internal/channel"
	"github.com/matryer/is"
)

func newConnection(t *testing.T, cfg channel.Config) *channel.Connection {
	t.Helper()
	conn, err := channel.NewConnection(cfg)
	if err != nil {
		t.Fatalf("could not create connection: %v", err)
	}
	return conn
}

// link moves payloads from one connection to another, dropping and shuffling
// them.
type link struct {
	rng  *rand.Rand
	drop float64
}

func (l *link) deliver(t *testing.T, now time.Time, from, to *channel.Connection) {
	t.Helper()
	payloads := from.CollectPayloads(now)
	l.rng.Shuffle(len(payloads), func(i, j int) {
		payloads[i], payloads[j] = payloads[j], payloads[i]
	})
	for _, payload := range payloads {
		if l.rng.Float64() < l.drop {
			continue
		}
		if err := to.ProcessPayload(payload); err != nil {
			t.Fatalf("could not process payload: %v", err)
		}
	}
}

func drain(conn *channel.Connection, id channel.ID) [][]byte {
	var out [][]byte
	for {
		msg, ok := conn.Receive(id)
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

func TestReliableOrderedDelivery(t *testing.T) {
	is := is.New(t)

	cfg := channel.DefaultConfig()
	cfg.Backoff = channel.FixedBackoff{Interval: 50 * time.Millisecond}
	cfg.MaxPayloadSize = 64
	cfg.MaxMessageSize = 32
	cfg.SliceSize = 32
	a := newConnection(t, cfg)
	b := newConnection(t, cfg)

	const n = 100
	for i := 0; i < n; i++ {
		is.NoErr(a.Send(channel.ReliableOrdered, []byte(fmt.Sprintf("msg %d", i))))
	}

	l := &link{rng: rand.New(rand.NewSource(1)), drop: 0.3}
	now := time.Unix(1_700_000_000, 0)
	var got [][]byte
	for step := 0; step < 500 && len(got) < n; step++ {
		l.deliver(t, now, a, b)
		l.deliver(t, now, b, a)
		got = append(got, drain(b, channel.ReliableOrdered)...)
		now = now.Add(10 * time.Millisecond)
	}

	is.Equal(len(got), n)
	for i, msg := range got {
		is.Equal(string(msg), fmt.Sprintf("msg %d", i))
	}
	is.True(a.Stats().Retransmissions > 0)

	// let the remaining acks through
	l.drop = 0
	for step := 0; step < 20; step++ {
		l.deliver(t, now, a, b)
		l.deliver(t, now, b, a)
		now = now.Add(100 * time.Millisecond)
	}
	is.Equal(a.Stats().PendingMessages, 0)
	is.Equal(len(drain(b, channel.ReliableOrdered)), 0) // delivered exactly once
}

func TestReliableChunkedReassembly(t *testing.T) {
	is := is.New(t)

	cfg := channel.DefaultConfig()
	cfg.SliceSize = 100
	cfg.MaxPayloadSize = 300
	cfg.MaxMessageSize = 200
	cfg.Backoff = channel.FixedBackoff{Interval: 30 * time.Millisecond}
	a := newConnection(t, cfg)
	b := newConnection(t, cfg)

	rng := rand.New(rand.NewSource(7))
	msgs := make([][]byte, 5)
	for i := range msgs {
		msgs[i] = make([]byte, 50+rng.Intn(2000))
		rng.Read(msgs[i])
		is.NoErr(a.Send(channel.ReliableChunked, msgs[i]))
	}

	l := &link{rng: rand.New(rand.NewSource(2)), drop: 0.2}
	now := time.Unix(1_700_000_000, 0)
	var got [][]byte
	for step := 0; step < 1000 && len(got) < len(msgs); step++ {
		l.deliver(t, now, a, b)
		l.deliver(t, now, b, a)
		got = append(got, drain(b, channel.ReliableChunked)...)
		now = now.Add(10 * time.Millisecond)
	}

	is.Equal(len(got), len(msgs))
	for i := range msgs {
		is.True(bytes.Equal(got[i], msgs[i]))
	}
	is.Equal(b.Stats().PartialChunks, 0)
}

func TestUnreliableUnordered(t *testing.T) {
	is := is.New(t)

	cfg := channel.DefaultConfig()
	cfg.MaxUnreliableQueue = 4
	a := newConnection(t, cfg)
	b := newConnection(t, cfg)

	for i := 0; i < 4; i++ {
		is.NoErr(a.Send(channel.UnreliableUnordered, []byte{byte(i)}))
	}
	err := a.Send(channel.UnreliableUnordered, []byte{4})
	is.True(errors.Is(err, channel.ErrSendQueueFull))

	now := time.Unix(1_700_000_000, 0)
	payloads := a.CollectPayloads(now)
	is.Equal(len(payloads), 1) // everything fits one payload
	is.NoErr(b.ProcessPayload(payloads[0]))
	is.Equal(len(drain(b, channel.UnreliableUnordered)), 4)

	// nothing is retransmitted
	is.Equal(len(a.CollectPayloads(now.Add(time.Hour))), 0)
}

func TestSendErrors(t *testing.T) {
	is := is.New(t)

	cfg := channel.DefaultConfig()
	cfg.MaxPendingMessages = 2
	conn := newConnection(t, cfg)

	err := conn.Send(channel.ReliableOrdered, make([]byte, cfg.MaxMessageSize+1))
	is.True(errors.Is(err, channel.ErrMessageTooLarge))

	err = conn.Send(channel.ReliableChunked, make([]byte, cfg.MaxChunkedMessageSize+1))
	is.True(errors.Is(err, channel.ErrMessageTooLarge))

	err = conn.Send(channel.ReliableChunked, nil)
	is.True(errors.Is(err, channel.ErrEmptyMessage))

	err = conn.Send(channel.ID(42), []byte("x"))
	is.True(errors.Is(err, channel.ErrUnknownChannel))

	is.NoErr(conn.Send(channel.ReliableOrdered, []byte("a")))
	is.NoErr(conn.Send(channel.ReliableOrdered, []byte("b")))
	err = conn.Send(channel.ReliableOrdered, []byte("c"))
	is.True(errors.Is(err, channel.ErrSendQueueFull))

	_, ok := conn.Receive(channel.ID(42))
	is.True(!ok)
}

func TestProcessPayloadRejectsMalformed(t *testing.T) {
	cfg := channel.DefaultConfig()

	tests := []struct {
		name    string
		payload []byte
	}{
		{"truncated header", []byte{1, 0, 0}},
		{"unknown kind", []byte{9, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"unknown channel", []byte{1, 7, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"length past end", []byte{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 5, 0, 'a'}},
		{"ack on unreliable", []byte{2, 1, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"message on chunked", []byte{1, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"slice index past count", []byte{3, 2, 0, 0, 0, 0, 0, 0, 0, 0, 2, 0, 2, 0, 1, 0, 'a'}},
		{"zero slice count", []byte{3, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 'a'}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			is := is.New(t)
			conn := newConnection(t, cfg)
			err := conn.ProcessPayload(test.payload)
			is.True(errors.Is(err, channel.ErrMalformedPayload))
		})
	}
}

func TestMalformedPayloadIsRejectedWhole(t *testing.T) {
	is := is.New(t)

	a := newConnection(t, channel.DefaultConfig())
	b := newConnection(t, channel.DefaultConfig())

	is.NoErr(a.Send(channel.ReliableOrdered, []byte("hello")))
	payloads := a.CollectPayloads(time.Unix(0, 0))
	is.Equal(len(payloads), 1)

	// a valid record followed by garbage
	payload := append(payloads[0], 0xff)
	err := b.ProcessPayload(payload)
	is.True(errors.Is(err, channel.ErrMalformedPayload))

	_, ok := b.Receive(channel.ReliableOrdered)
	is.True(!ok)
}

func TestBackoff(t *testing.T) {
	is := is.New(t)

	b := channel.ExponentialBackoff{
		Initial:    100 * time.Millisecond,
		Multiplier: 2,
		Max:        time.Second,
	}
	is.Equal(b.Delay(1), 100*time.Millisecond)
	is.Equal(b.Delay(2), 200*time.Millisecond)
	is.Equal(b.Delay(3), 400*time.Millisecond)
	is.Equal(b.Delay(5), time.Second)
	is.Equal(b.Delay(50), time.Second)

	is.Equal(channel.FixedBackoff{Interval: time.Second}.Delay(9), time.Second)
}

func TestRetransmitSchedule(t *testing.T) {
	is := is.New(t)

	cfg := channel.DefaultConfig()
	cfg.Backoff = channel.ExponentialBackoff{Initial: 100 * time.Millisecond, Multiplier: 2, Max: time.Second}
	conn := newConnection(t, cfg)
	is.NoErr(conn.Send(channel.ReliableOrdered, []byte("ping")))

	start := time.Unix(1_700_000_000, 0)
	is.Equal(len(conn.CollectPayloads(start)), 1)
	is.Equal(len(conn.CollectPayloads(start.Add(99*time.Millisecond))), 0)
	is.Equal(len(conn.CollectPayloads(start.Add(100*time.Millisecond))), 1)
	// second retransmit waits 200ms
	is.Equal(len(conn.CollectPayloads(start.Add(299*time.Millisecond))), 0)
	is.Equal(len(conn.CollectPayloads(start.Add(300*time.Millisecond))), 1)

	stats := conn.Stats()
	is.Equal(stats.Transmissions, uint64(1))
	is.Equal(stats.Retransmissions, uint64(2))
}

func TestReset(t *testing.T) {
	is := is.New(t)

	cfg := channel.DefaultConfig()
	cfg.SliceSize = 100
	a := newConnection(t, cfg)
	b := newConnection(t, cfg)

	is.NoErr(a.Send(channel.ReliableChunked, make([]byte, 250)))
	payloads := a.CollectPayloads(time.Unix(0, 0))
	is.Equal(len(payloads), 1)

	// deliver the first slice only
	first := payloads[0][:16+100]
	is.NoErr(b.ProcessPayload(first))
	is.Equal(b.Stats().PartialChunks, 1)

	b.Reset()
	is.Equal(b.Stats().PartialChunks, 0)

	a.Reset()
	is.Equal(a.Stats().PendingMessages, 0)
	is.Equal(len(a.CollectPayloads(time.Unix(10, 0))), 0)
}

func TestInvalidConfig(t *testing.T) {
	is := is.New(t)

	cfg := channel.DefaultConfig()
	cfg.MaxMessageSize = cfg.MaxPayloadSize
	_, err := channel.NewConnection(cfg)
	is.True(err != nil)

	cfg = channel.DefaultConfig()
	cfg.Backoff = nil
	_, err = channel.NewConnection(cfg)
	is.True(err != nil)
}
