package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/blukai/netpong/internal/config"
	"github.com/blukai/netpong/internal/monitor"
)

func erringMain() error {
	cfg, err := config.LoadMonitor()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	status, err := monitor.FetchStatus(ctx, http.DefaultClient, cfg.URL)
	if err != nil {
		return err
	}

	monitor.RenderStatus(os.Stdout, status, time.Now())
	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
