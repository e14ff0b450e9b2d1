// Package discovery advertises engine processes over mDNS and lets agents
// on the same network find one without configuration.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_collabcanvas._tcp"
	Domain  = "local."

	pathKey = "path="
)

// ErrNotFound is returned when no server answered before the timeout.
var ErrNotFound = errors.New("discovery: no server found")

// Advertisement keeps a registration alive until Shutdown.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers this process as instance, serving WebSocket
// connections on port at path.
func Advertise(instance string, port int, path string, logger *slog.Logger) (*Advertisement, error) {
	host, _ := os.Hostname()
	name := fmt.Sprintf("collabcanvas-%s-%s", host, instance)
	server, err := zeroconf.Register(name, Service, Domain, port, []string{"txtv=1", pathKey + path}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	logger.Info("mDNS service registered", "service", Service, "name", name, "port", port)
	return &Advertisement{server: server}, nil
}

func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
}

// Discover browses for servers until one answers or timeout passes, and
// returns its WebSocket URL.
func Discover(ctx context.Context, timeout time.Duration, logger *slog.Logger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("initialize mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("browse mDNS services: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if u, ok := URL(entry); ok {
				logger.Info("mDNS discovered server", "instance", entry.Instance, "url", u)
				return u, nil
			}
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

// URL builds the WebSocket URL an entry advertises. IPv4 is preferred.
func URL(entry *zeroconf.ServiceEntry) (string, bool) {
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}

	path := "/ws"
	for _, txt := range entry.Text {
		if p, ok := strings.CutPrefix(txt, pathKey); ok && p != "" {
			path = p
		}
	}
	return "ws://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)) + path, true
}
