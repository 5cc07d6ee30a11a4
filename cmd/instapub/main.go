package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/app"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "instapub: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	// Best-effort: no-op outside systemd.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	err = a.Run(ctx)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		fmt.Fprintf(os.Stderr, "instapub: %v\n", err)
		os.Exit(1)
	}
}
