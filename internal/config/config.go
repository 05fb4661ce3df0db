// Package config loads the server and client configuration from the
// environment. Every variable is prefixed with NETPONG_, e.g. NETPONG_ADDR.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/blukai/netpong/internal/token"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

const Prefix = "NETPONG"

// DemoKey is the key both binaries default to. It is public; anyone can mint
// tokens with it.
var DemoKey = Key{
	3, 2, 32, 1, 35, 1, 4, 2, 32, 1, 35, 132, 2, 32, 1, 35,
	132, 234, 21, 23, 54, 56, 55, 76, 46, 147, 9, 8, 57, 76, 68, 97,
}

// Key is a token.Key read from 64 hex characters.
type Key token.Key

var _ envconfig.Decoder = (*Key)(nil)

func (k *Key) Decode(value string) error {
	b, err := hex.DecodeString(value)
	if err != nil {
		return fmt.Errorf("could not decode key: %w", err)
	}
	if len(b) != token.KeySize {
		return fmt.Errorf("key must be %d bytes (got %d)", token.KeySize, len(b))
	}
	copy(k[:], b)
	return nil
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

type Server struct {
	Addr string `envconfig:"ADDR" default:"127.0.0.1:3000"`
	// PublicAddr is the address clients dial and tokens name. Defaults to
	// Addr; required when Addr binds a wildcard such as 0.0.0.0.
	PublicAddr string `envconfig:"PUBLIC_ADDR"`
	ProtocolID uint64 `envconfig:"PROTOCOL_ID" default:"1000"`
	MaxClients int    `envconfig:"MAX_CLIENTS" default:"4"`
	PrivateKey Key    `envconfig:"PRIVATE_KEY" default:"0302200123010402200123840220012384ea15173638374c2e930908394c4461"`
	// Insecure accepts tokens sealed with the all-zero key. Local testing
	// only.
	Insecure bool   `envconfig:"INSECURE" default:"false"`
	TickRate int    `envconfig:"TICK_RATE" default:"60"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// MonitorAddr enables the HTTP monitor when set.
	MonitorAddr string `envconfig:"MONITOR_ADDR"`
	// MQTTBroker enables telemetry when set, e.g. tcp://127.0.0.1:1883.
	MQTTBroker   string `envconfig:"MQTT_BROKER"`
	MQTTTopic    string `envconfig:"MQTT_TOPIC" default:"netpong/events"`
	MQTTClientID string `envconfig:"MQTT_CLIENT_ID" default:"netpong-server"`
}

func LoadServer() (*Server, error) {
	cfg := new(Server)
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Server) validate() error {
	var errs error
	addr, err := netip.ParseAddrPort(cfg.Addr)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid addr: %w", err))
	}
	if cfg.PublicAddr != "" {
		public, err := netip.ParseAddrPort(cfg.PublicAddr)
		switch {
		case err != nil:
			errs = multierror.Append(errs, fmt.Errorf("invalid public addr: %w", err))
		case public.Addr().IsUnspecified():
			errs = multierror.Append(errs, fmt.Errorf("public addr must be routable (got %s)", public))
		}
	} else if err == nil && addr.Addr().IsUnspecified() {
		errs = multierror.Append(errs, fmt.Errorf("public addr is required when listening on %s", addr))
	}
	if cfg.MaxClients <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("max clients must be positive (got %d)", cfg.MaxClients))
	}
	if cfg.TickRate <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("tick rate must be positive (got %d)", cfg.TickRate))
	}
	if !cfg.Insecure && token.Key(cfg.PrivateKey).IsZero() {
		errs = multierror.Append(errs, errors.New("private key is required unless insecure"))
	}
	if err := checkLevel(cfg.LogLevel); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

// AddrPort is Addr parsed; LoadServer has validated it.
func (cfg *Server) AddrPort() netip.AddrPort {
	return netip.MustParseAddrPort(cfg.Addr)
}

// PublicAddrPort is the address the server admits connect requests for.
func (cfg *Server) PublicAddrPort() netip.AddrPort {
	if cfg.PublicAddr == "" {
		return cfg.AddrPort()
	}
	return netip.MustParseAddrPort(cfg.PublicAddr)
}

func (cfg *Server) Key() token.Key {
	if cfg.Insecure {
		return token.InsecureKey
	}
	return token.Key(cfg.PrivateKey)
}

func (cfg *Server) Level() log.Level {
	return log.ParseLevel(cfg.LogLevel)
}

type Client struct {
	ServerAddr string `envconfig:"SERVER_ADDR" default:"127.0.0.1:3000"`
	ProtocolID uint64 `envconfig:"PROTOCOL_ID" default:"1000"`
	// The client mints its own token, so it needs the server's key. In a
	// real deployment a matchmaker would hand it a token instead.
	PrivateKey Key    `envconfig:"PRIVATE_KEY" default:"0302200123010402200123840220012384ea15173638374c2e930908394c4461"`
	Insecure   bool   `envconfig:"INSECURE" default:"false"`
	TickRate   int    `envconfig:"TICK_RATE" default:"60"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	TokenTTL time.Duration `envconfig:"TOKEN_TTL" default:"3600s"`
	Timeout  time.Duration `envconfig:"TIMEOUT" default:"15s"`
	// ClientID 0 means the current unix time in milliseconds.
	ClientID   uint64 `envconfig:"CLIENT_ID" default:"0"`
	PlayerName string `envconfig:"PLAYER_NAME" default:"player"`
	// AutoPing sends a ping on this interval when positive.
	AutoPing time.Duration `envconfig:"AUTO_PING" default:"0s"`
}

func LoadClient() (*Client, error) {
	cfg := new(Client)
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ClientID == 0 {
		cfg.ClientID = uint64(time.Now().UnixMilli())
	}
	return cfg, nil
}

func (cfg *Client) validate() error {
	var errs error
	if _, err := netip.ParseAddrPort(cfg.ServerAddr); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid server addr: %w", err))
	}
	if cfg.TickRate <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("tick rate must be positive (got %d)", cfg.TickRate))
	}
	if cfg.TokenTTL < time.Second {
		errs = multierror.Append(errs, fmt.Errorf("token ttl must be at least 1s (got %s)", cfg.TokenTTL))
	}
	if cfg.Timeout < time.Second {
		errs = multierror.Append(errs, fmt.Errorf("timeout must be at least 1s (got %s)", cfg.Timeout))
	}
	if cfg.AutoPing < 0 {
		errs = multierror.Append(errs, fmt.Errorf("auto ping must not be negative (got %s)", cfg.AutoPing))
	}
	if !cfg.Insecure && token.Key(cfg.PrivateKey).IsZero() {
		errs = multierror.Append(errs, errors.New("private key is required unless insecure"))
	}
	if err := checkLevel(cfg.LogLevel); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

func (cfg *Client) ServerAddrPort() netip.AddrPort {
	return netip.MustParseAddrPort(cfg.ServerAddr)
}

func (cfg *Client) Key() token.Key {
	if cfg.Insecure {
		return token.InsecureKey
	}
	return token.Key(cfg.PrivateKey)
}

func (cfg *Client) Level() log.Level {
	return log.ParseLevel(cfg.LogLevel)
}

func checkLevel(level string) error {
	switch level {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
		return nil
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
}

type Monitor struct {
	// URL is where the server's monitor listens, see Server.MonitorAddr.
	URL     string        `envconfig:"MONITOR_URL" default:"http://127.0.0.1:8080"`
	Timeout time.Duration `envconfig:"MONITOR_TIMEOUT" default:"5s"`
}

func LoadMonitor() (*Monitor, error) {
	cfg := new(Monitor)
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, errors.New("monitor url is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("monitor timeout must be positive (got %s)", cfg.Timeout)
	}
	return cfg, nil
}
