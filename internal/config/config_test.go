package config_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/blukai/netpong/internal/config"
	"github.com/blukai/netpong/internal/token"
	"github.com/matryer/is"
	"github.com/phuslu/log"
)

func TestServerDefaults(t *testing.T) {
	is := is.New(t)

	cfg, err := config.LoadServer()
	is.NoErr(err)
	is.Equal(cfg.AddrPort(), netip.MustParseAddrPort("127.0.0.1:3000"))
	is.Equal(cfg.PublicAddrPort(), cfg.AddrPort())
	is.Equal(cfg.ProtocolID, uint64(1000))
	is.Equal(cfg.MaxClients, 4)
	is.Equal(cfg.PrivateKey, config.DemoKey)
	is.Equal(cfg.Key(), token.Key(config.DemoKey))
	is.True(!cfg.Insecure)
	is.Equal(cfg.TickRate, 60)
	is.Equal(cfg.Level(), log.InfoLevel)
	is.Equal(cfg.MonitorAddr, "")
	is.Equal(cfg.MQTTBroker, "")
}

func TestServerFromEnv(t *testing.T) {
	is := is.New(t)

	t.Setenv("NETPONG_ADDR", "0.0.0.0:4000")
	t.Setenv("NETPONG_PUBLIC_ADDR", "192.168.1.10:4000")
	t.Setenv("NETPONG_MAX_CLIENTS", "16")
	t.Setenv("NETPONG_PRIVATE_KEY", "0101010101010101010101010101010101010101010101010101010101010101")
	t.Setenv("NETPONG_LOG_LEVEL", "debug")

	cfg, err := config.LoadServer()
	is.NoErr(err)
	is.Equal(cfg.Addr, "0.0.0.0:4000")
	is.Equal(cfg.PublicAddrPort(), netip.MustParseAddrPort("192.168.1.10:4000"))
	is.Equal(cfg.MaxClients, 16)
	is.Equal(cfg.PrivateKey[31], byte(1))
	is.Equal(cfg.Level(), log.DebugLevel)
}

func TestServerInsecure(t *testing.T) {
	is := is.New(t)

	t.Setenv("NETPONG_INSECURE", "true")
	cfg, err := config.LoadServer()
	is.NoErr(err)
	is.Equal(cfg.Key(), token.InsecureKey)
}

func TestServerInvalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad addr", "NETPONG_ADDR", "localhost"},
		{"no clients", "NETPONG_MAX_CLIENTS", "0"},
		{"short key", "NETPONG_PRIVATE_KEY", "0102"},
		{"not hex", "NETPONG_PRIVATE_KEY", "zz"},
		{"zero key", "NETPONG_PRIVATE_KEY", "0000000000000000000000000000000000000000000000000000000000000000"},
		{"bad level", "NETPONG_LOG_LEVEL", "loud"},
		{"bad tick rate", "NETPONG_TICK_RATE", "-1"},
		{"wildcard without public addr", "NETPONG_ADDR", "0.0.0.0:3000"},
		{"bad public addr", "NETPONG_PUBLIC_ADDR", "localhost"},
		{"wildcard public addr", "NETPONG_PUBLIC_ADDR", "[::]:3000"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			is := is.New(t)
			t.Setenv(test.key, test.value)
			_, err := config.LoadServer()
			is.True(err != nil)
		})
	}
}

func TestClientDefaults(t *testing.T) {
	is := is.New(t)

	before := uint64(time.Now().UnixMilli())
	cfg, err := config.LoadClient()
	is.NoErr(err)
	is.Equal(cfg.ServerAddrPort(), netip.MustParseAddrPort("127.0.0.1:3000"))
	is.Equal(cfg.TokenTTL, time.Hour)
	is.Equal(cfg.Timeout, 15*time.Second)
	is.True(cfg.ClientID >= before) // unix millis
	is.Equal(cfg.PlayerName, "player")
	is.Equal(cfg.AutoPing, time.Duration(0))
}

func TestClientFromEnv(t *testing.T) {
	is := is.New(t)

	t.Setenv("NETPONG_CLIENT_ID", "77")
	t.Setenv("NETPONG_PLAYER_NAME", "alice")
	t.Setenv("NETPONG_AUTO_PING", "250ms")
	t.Setenv("NETPONG_TIMEOUT", "0s")

	_, err := config.LoadClient()
	is.True(err != nil) // timeout too short

	t.Setenv("NETPONG_TIMEOUT", "5s")
	cfg, err := config.LoadClient()
	is.NoErr(err)
	is.Equal(cfg.ClientID, uint64(77))
	is.Equal(cfg.PlayerName, "alice")
	is.Equal(cfg.AutoPing, 250*time.Millisecond)
	is.Equal(cfg.Timeout, 5*time.Second)
}

func TestMonitor(t *testing.T) {
	is := is.New(t)

	cfg, err := config.LoadMonitor()
	is.NoErr(err)
	is.Equal(cfg.URL, "http://127.0.0.1:8080")
	is.Equal(cfg.Timeout, 5*time.Second)

	t.Setenv("NETPONG_MONITOR_TIMEOUT", "0s")
	_, err = config.LoadMonitor()
	is.True(err != nil)
}
