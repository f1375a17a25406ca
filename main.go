package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ytrelay/yt-relay/server"
	"github.com/ytrelay/yt-relay/server/config"
)

var version = "dev"

func main() {
	var (
		configFile  string
		printConfig bool
	)
	flag.StringVar(&configFile, "conf", "./config.yml", "Config file path")
	flag.BoolVar(&printConfig, "print-config", false, "Print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load config", slog.String("err", err.Error()))
		os.Exit(1)
	}

	if printConfig {
		out, err := cfg.Dump()
		if err != nil {
			slog.Error("failed to render config", slog.String("err", err.Error()))
			os.Exit(1)
		}
		fmt.Print(string(out))
		return
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, &server.RunConfig{
		Config:  cfg,
		Version: version,
	}); err != nil {
		slog.Error("server stopped with error", slog.String("err", err.Error()))
		os.Exit(1)
	}

	slog.Info("server exited cleanly")
}
