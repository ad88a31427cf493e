package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/qcan-server/internal/qcan"
)

// mdnsServiceType is fixed; each hosted network advertises under it
// with its own instance name so a browser sees one entry per network.
const mdnsServiceType = "_qcan-server._tcp"

// startMDNS registers one mDNS instance for a single network and
// returns a cleanup function. Safe to call when disabled (no-op).
func startMDNS(ctx context.Context, cfg *appConfig, n *qcan.Network, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	prefix := cfg.mdnsNamePrefix
	if prefix == "" {
		host, _ := os.Hostname()
		prefix = fmt.Sprintf("qcan-server-%s", host)
	}
	instance := fmt.Sprintf("%s-%s", prefix, n.Name())
	nominal, _ := n.Bitrates()
	meta := []string{
		"network=" + n.Name(),
		"id=" + strconv.FormatUint(uint64(n.ID()), 10),
		"bitrate=" + strconv.FormatInt(int64(nominal), 10),
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register %s: %w", n.Name(), err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
