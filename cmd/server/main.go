package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/blukai/netpong/internal/config"
	"github.com/blukai/netpong/internal/gameserver"
	"github.com/blukai/netpong/internal/monitor"
	"github.com/blukai/netpong/internal/netcode"
	"github.com/blukai/netpong/internal/telemetry"
	"github.com/hashicorp/go-multierror"
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

func erringMain() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(cfg.Level())

	sock, err := netcode.ListenUDP("udp", cfg.Addr, logger)
	if err != nil {
		return fmt.Errorf("could not listen: %w", err)
	}

	transport, err := netcode.NewServer(sock, netcode.ServerConfig{
		ProtocolID: cfg.ProtocolID,
		PrivateKey: cfg.Key(),
		Insecure:   cfg.Insecure,
		MaxClients: cfg.MaxClients,
		PublicAddr: cfg.PublicAddrPort(),
		Logger:     logger,
	})
	if err != nil {
		sock.Close()
		return fmt.Errorf("could not construct server: %w", err)
	}

	var pub telemetry.Publisher = telemetry.Discard
	if cfg.MQTTBroker != "" {
		mqttPub, err := telemetry.NewMQTTPublisher(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopic, logger)
		if err != nil {
			transport.Close()
			return fmt.Errorf("could not construct telemetry publisher: %w", err)
		}
		defer mqttPub.Close()
		pub = mqttPub
	}

	gameServer := gameserver.NewGameServer(transport, pub, logger)
	logger.Info().Msgf("Server started on %s", gameServer.Addr())

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var gameServerRunErr error
	go func() {
		defer wg.Done()
		gameServerRunErr = gameServer.Run(ctx, cfg.TickRate)
	}()

	var monitorRunErr error
	if cfg.MonitorAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitorRunErr = monitor.NewServer(gameServer, logger).Run(ctx, cfg.MonitorAddr)
		}()
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	wg.Wait()
	logger.Info().Uint64("dropped", sock.Dropped()).Msg("socket closed")

	var errs error
	if gameServerRunErr != nil {
		errs = multierror.Append(errs, fmt.Errorf("game server run failed: %w", gameServerRunErr))
	}
	if monitorRunErr != nil {
		errs = multierror.Append(errs, fmt.Errorf("monitor run failed: %w", monitorRunErr))
	}
	return errs
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
