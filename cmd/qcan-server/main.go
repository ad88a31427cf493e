package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kstaniek/qcan-server/internal/metrics"
	"github.com/kstaniek/qcan-server/internal/qcan"
)

func main() {
	root := &cobra.Command{
		Use:   "qcan-server",
		Short: "Multi-network CAN bus TCP server",
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("qcan-server %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	rawNetworkFlags = nil
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the CAN bus server",
	}
	cfg := newServeFlags(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		setFlags := map[string]struct{}{}
		cmd.Flags().Visit(func(f *pflag.Flag) { setFlags[f.Name] = struct{}{} })
		return runServe(cfg, setFlags)
	}
	return cmd
}

func runServe(cfg *appConfig, setFlags map[string]struct{}) error {
	if err := cfg.finalize(setFlags); err != nil {
		return err
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	srv := qcan.NewServer()
	type started struct {
		name string
		n    *qcan.Network
	}
	var live []started

	for _, spec := range cfg.networks {
		n := srv.AddNetwork(qcan.Config{
			Name:               spec.name,
			Addr:               spec.addr,
			Nominal:            spec.nominal,
			Data:               spec.data,
			ErrorFramesEnabled: spec.errorFrames,
			FDEnabled:          spec.fd,
			ListenOnlyEnabled:  spec.listenOnly,
			MaxSessions:        spec.maxSessions,
		})
		if err := n.Enable(); err != nil {
			l.Error("network_enable_failed", "network", spec.name, "error", err)
			srv.Shutdown()
			return fmt.Errorf("enable network %s: %w", spec.name, err)
		}
		if err := attachBackend(n, spec); err != nil {
			l.Warn("backend_attach_failed", "network", spec.name, "error", err)
		}
		l.Info("network_ready", "network", spec.name, "addr", n.Addr())
		live = append(live, started{name: spec.name, n: n})
	}

	for _, s := range live {
		s := s
		go func() {
			if !cfg.mdnsEnable {
				return
			}
			portNum := addrPort(s.n.Addr())
			cleanupMDNS, err := startMDNS(ctx, cfg, s.n, portNum)
			if err != nil {
				l.Warn("mdns_start_failed", "network", s.name, "error", err)
				return
			}
			l.Info("mdns_started", "network", s.name, "port", portNum)
			go func() { <-ctx.Done(); cleanupMDNS() }()
		}()
	}

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	var metricsSrv interface{ Shutdown(context.Context) error }
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsSrv = metrics.StartHTTP(cfg.metricsAddr)
	}
	var apiSrv interface{ Shutdown(context.Context) error }
	if cfg.apiAddr != "" {
		apiSrv = startAPI(cfg.apiAddr, srv)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	l.Info("shutdown_signal", "signal", sig.String())
	cancel()
	srv.Shutdown()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(context.Background())
	}
	if apiSrv != nil {
		_ = apiSrv.Shutdown(context.Background())
	}
	wg.Wait()
	return nil
}

func addrPort(addr string) int {
	if addr == "" {
		return 0
	}
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}
