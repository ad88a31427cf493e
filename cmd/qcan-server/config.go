package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// networkSpec is one --network flag occurrence, parsed from a
// comma-separated key=value list, e.g.:
//
//	--network name=CAN1,addr=:20000,nominal=500000,backend=socketcan,iface=can0
type networkSpec struct {
	name        string
	addr        string
	nominal     int32
	data        int32
	errorFrames bool
	fd          bool
	listenOnly  bool
	maxSessions int
	backend     string // "" (virtual, no hardware), "serial", "socketcan"
	serialDev   string
	baud        int
	canIf       string
}

func defaultNetworkSpec() networkSpec {
	return networkSpec{
		addr:        ":20000",
		nominal:     500000,
		data:        -1,
		maxSessions: 32,
		backend:     "",
		serialDev:   "/dev/ttyUSB0",
		baud:        115200,
		canIf:       "can0",
	}
}

func parseNetworkSpec(raw string) (networkSpec, error) {
	spec := defaultNetworkSpec()
	for _, kv := range strings.Split(raw, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return spec, fmt.Errorf("malformed --network field %q (want key=value)", kv)
		}
		key, val := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		var err error
		switch key {
		case "name":
			spec.name = val
		case "addr":
			spec.addr = val
		case "nominal":
			spec.nominal, err = parseInt32(val)
		case "data":
			spec.data, err = parseInt32(val)
		case "errors":
			spec.errorFrames, err = strconv.ParseBool(val)
		case "fd":
			spec.fd, err = strconv.ParseBool(val)
		case "listenonly":
			spec.listenOnly, err = strconv.ParseBool(val)
		case "maxsessions":
			var n int
			n, err = strconv.Atoi(val)
			spec.maxSessions = n
		case "backend":
			spec.backend = val
		case "serial":
			spec.serialDev = val
		case "baud":
			var n int
			n, err = strconv.Atoi(val)
			spec.baud = n
		case "iface":
			spec.canIf = val
		default:
			return spec, fmt.Errorf("unknown --network field %q", key)
		}
		if err != nil {
			return spec, fmt.Errorf("--network field %s=%s: %w", key, val, err)
		}
	}
	if spec.name == "" {
		return spec, fmt.Errorf("--network requires a name field")
	}
	switch spec.backend {
	case "", "serial", "socketcan":
	default:
		return spec, fmt.Errorf("--network backend must be serial|socketcan, got %q", spec.backend)
	}
	return spec, nil
}

func parseInt32(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	return int32(n), err
}

// appConfig holds the process-wide settings shared by every hosted
// network, plus the per-network specs collected from repeated
// --network flags.
type appConfig struct {
	networks []networkSpec

	logFormat       string
	logLevel        string
	metricsAddr     string
	apiAddr         string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsNamePrefix  string
}

func newServeFlags(fs *pflag.FlagSet) *appConfig {
	cfg := &appConfig{}
	fs.StringArrayVar(&rawNetworkFlags, "network", nil,
		"Define a hosted CAN network as key=value,... (name,addr,nominal,data,errors,fd,listenonly,maxsessions,backend,serial,baud,iface); repeatable")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.StringVar(&cfg.apiAddr, "api-addr", "", "HTTP listen address for /networks/{id}/stats and /networks/{id}/tail; empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS/Avahi advertisement per network")
	fs.StringVar(&cfg.mdnsNamePrefix, "mdns-name-prefix", "", "mDNS instance name prefix (default qcan-server-<hostname>)")
	return cfg
}

// rawNetworkFlags collects the --network flag occurrences; pflag
// binds directly into it since a []networkSpec has no pflag.Value.
var rawNetworkFlags []string

// finalize parses the collected --network occurrences, applies
// environment overrides for the global settings, and validates
// everything. It must be called after fs.Parse.
func (c *appConfig) finalize(setFlags map[string]struct{}) error {
	for _, raw := range rawNetworkFlags {
		spec, err := parseNetworkSpec(raw)
		if err != nil {
			return err
		}
		c.networks = append(c.networks, spec)
	}
	if len(c.networks) == 0 {
		c.networks = append(c.networks, defaultNetworkSpec())
		c.networks[0].name = "CAN1"
	}
	if err := applyEnvOverrides(c, setFlags); err != nil {
		return err
	}
	return c.validate()
}

func (c *appConfig) validate() error {
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	seen := map[string]struct{}{}
	for _, n := range c.networks {
		if _, dup := seen[n.name]; dup {
			return fmt.Errorf("duplicate network name %q", n.name)
		}
		seen[n.name] = struct{}{}
		if n.maxSessions <= 0 {
			return fmt.Errorf("network %s: maxsessions must be > 0", n.name)
		}
		if n.baud <= 0 {
			return fmt.Errorf("network %s: baud must be > 0", n.name)
		}
	}
	return nil
}

// applyEnvOverrides maps QCAN_SERVER_* environment variables onto the
// global settings unless the corresponding flag was explicitly set on
// the command line. Per-network settings are only configurable via
// --network, since QCAN_SERVER_NETWORK would need its own list syntax.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("QCAN_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("QCAN_SERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("QCAN_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["api-addr"]; !ok {
		if v, ok := get("QCAN_SERVER_API_ADDR"); ok {
			c.apiAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("QCAN_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid QCAN_SERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("QCAN_SERVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name-prefix"]; !ok {
		if v, ok := get("QCAN_SERVER_MDNS_NAME_PREFIX"); ok && v != "" {
			c.mdnsNamePrefix = v
		}
	}
	return firstErr
}
