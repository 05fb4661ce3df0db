package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blukai/netpong/internal/config"
	"github.com/blukai/netpong/internal/gameclient"
	"github.com/blukai/netpong/internal/netcode"
	"github.com/blukai/netpong/internal/protocol"
	"github.com/blukai/netpong/internal/token"
	"github.com/phuslu/log"
)

func configureLogger(level log.Level) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Level = level
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func generateToken(cfg *config.Client, now time.Time) (*token.ConnectToken, error) {
	userData, err := token.EncodeUserData(protocol.PlayerInfo{Name: protocol.TruncateName(cfg.PlayerName)})
	if err != nil {
		return nil, err
	}

	return token.Generate(token.GenerateParams{
		Now:             now,
		ProtocolID:      cfg.ProtocolID,
		TTL:             cfg.TokenTTL,
		ClientID:        cfg.ClientID,
		Timeout:         cfg.Timeout,
		ServerAddresses: []netip.AddrPort{cfg.ServerAddrPort()},
		UserData:        userData,
		PrivateKey:      cfg.Key(),
	})
}

// readLines requests a ping for every line read from stdin.
func readLines(gc *gameclient.GameClient, logger *log.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if !gc.RequestPing() {
			logger.Warn().Msg("too many pings pending, dropped")
		}
	}
}

func autoPing(ctx context.Context, gc *gameclient.GameClient, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.RequestPing()
		}
	}
}

func erringMain() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(cfg.Level())

	now := time.Now()
	ct, err := generateToken(cfg, now)
	if err != nil {
		return fmt.Errorf("could not generate connect token: %w", err)
	}

	network := "udp4"
	if cfg.ServerAddrPort().Addr().Is6() {
		network = "udp6"
	}
	sock, err := netcode.ListenUDP(network, ":0", logger)
	if err != nil {
		return fmt.Errorf("could not listen: %w", err)
	}

	transport, err := netcode.NewClient(sock, netcode.ClientConfig{
		ProtocolID: cfg.ProtocolID,
		Logger:     logger,
	})
	if err != nil {
		sock.Close()
		return fmt.Errorf("could not construct client: %w", err)
	}
	if err := transport.Connect(ct, now); err != nil {
		sock.Close()
		return fmt.Errorf("could not connect: %w", err)
	}
	logger.Info().Msgf("Connecting to %s as client %d, press enter to ping", cfg.ServerAddr, cfg.ClientID)

	gameClient := gameclient.NewGameClient(transport, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go readLines(gameClient, logger)
	if cfg.AutoPing > 0 {
		go autoPing(ctx, gameClient, cfg.AutoPing)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-signalChan
		logger.Info().Msgf("received %+v signal", sig)
		cancel()
	}()

	err = gameClient.Run(ctx, cfg.TickRate)
	if errors.Is(err, gameclient.ErrSessionEnded) {
		logger.Info().
			Uint64("pings_sent", gameClient.PingsSent()).
			Uint64("pongs_received", gameClient.PongsReceived()).
			Msg("session ended")
	}
	return err
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
