// Command agent joins one room as a headless participant and mirrors its
// drawing into a local bbolt file. Without --url it looks for a server on
// the local network over mDNS.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"collabcanvas/internal/agent"
	"collabcanvas/internal/discovery"
	"collabcanvas/internal/replica"
)

func main() {
	if err := mainInner(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	fs := pflag.NewFlagSet("collabcanvas-agent", pflag.ContinueOnError)
	url := fs.String("url", "", "WebSocket URL of a server (default: discover over mDNS)")
	token := fs.String("token", os.Getenv("COLLABCANVAS_TOKEN"), "access token")
	room := fs.String("room", "", "room to join")
	path := fs.String("replica", "agent.db", "local replica file")
	discoverTimeout := fs.Duration("discover-timeout", 5*time.Second, "how long to browse for a server")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *room == "" {
		return fmt.Errorf("--room is required")
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *url == "" {
		found, err := discovery.Discover(ctx, *discoverTimeout, logger)
		if err != nil {
			return fmt.Errorf("no server given and none discovered: %w", err)
		}
		*url = found
	}

	rep, err := replica.Open(*path)
	if err != nil {
		return err
	}
	defer rep.Close()

	err = agent.New(agent.Config{URL: *url, Token: *token, RoomID: *room}, rep, logger).Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("Signal caught, exiting")
		return nil
	case errors.Is(err, agent.ErrRoomExpired):
		logger.Info("Room expired, dropping local copy")
		return rep.Drop(*room)
	}
	return err
}
