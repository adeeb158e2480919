package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ndproxyd/nd"
)

const pollInterval = 250 * time.Millisecond

func main() {
	var (
		configPath = flag.String("c", "", "configuration file")
		debug      = flag.Bool("debug", false, "enable debug logging")
		traceLog   = flag.Bool("trace", false, "enable per-packet trace logging")
		noRestore  = flag.Bool("no-restore", false,
			"do not restore interface flags on shutdown (for re-exec)")
	)
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: ndproxyd -c <config>")
		fmt.Fprintln(os.Stderr, "       ndproxyd [flags] proxy <interface> <prefix>...")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := &config{debug: *debug, trace: *traceLog}
	switch {
	case *configPath != "":
		parsed, err := readConfig(*configPath)
		if err != nil {
			fatal(err.Error())
		}
		parsed.debug = parsed.debug || cfg.debug
		parsed.trace = parsed.trace || cfg.trace
		cfg = parsed
	case flag.Arg(0) == "proxy" && flag.NArg() >= 3:
		p := proxyConfig{iface: flag.Arg(1)}
		for _, arg := range flag.Args()[2:] {
			prefix, err := netip.ParsePrefix(arg)
			if err != nil {
				fatal(err.Error())
			}
			p.rules = append(p.rules, ruleConfig{prefix: prefix, mode: "static"})
		}
		cfg.proxies = append(cfg.proxies, p)
	default:
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	if cfg.trace {
		level = nd.LevelTrace
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	reg := nd.NewRegistry()
	reg.NoRestoreFlags = *noRestore
	if err := reg.Startup(); err != nil {
		fatal(err.Error())
	}
	defer reg.Cleanup()

	if err := reg.StartAddressMonitor(); err != nil {
		slog.Error("Address monitor unavailable, auto rules are frozen", "error", err)
	}

	proxies, err := wireProxies(reg, cfg)
	if err != nil {
		slog.Error("Startup failed", "error", err)
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	slog.Info("Running", "proxies", len(proxies))
	last := time.Now()
	for {
		select {
		case s := <-sig:
			slog.Info("Shutting down", "signal", s.String())
			return
		default:
		}

		if err := reg.Poll(pollInterval); err != nil {
			slog.Error("Poll failed", "error", err)
			return
		}
		now := time.Now()
		for _, p := range proxies {
			p.Update(now.Sub(last))
		}
		last = now
	}
}

// wireProxies opens every configured interface and builds its rule list.
// All proxied interfaces run in all-multicast mode; promiscuous mode is
// opt-in per interface.
func wireProxies(reg *nd.Registry, cfg *config) ([]*nd.Proxy, error) {
	var proxies []*nd.Proxy
	for _, pc := range cfg.proxies {
		ifc, err := reg.Open(pc.iface, 0)
		if err != nil {
			return nil, err
		}
		if err := ifc.SetAllmulti(true); err != nil {
			return nil, err
		}
		if pc.promisc {
			if err := ifc.SetPromisc(true); err != nil {
				return nil, err
			}
		}

		p := nd.NewProxy(reg, ifc, pc.router)
		for _, rc := range pc.rules {
			rule := nd.Rule{Prefix: rc.prefix}
			switch rc.mode {
			case "static":
				rule.Mode = nd.RuleStatic
			case "auto":
				rule.Mode = nd.RuleAuto
			case "iface":
				rule.Mode = nd.RuleIface
				via, err := reg.Open(rc.via, 0)
				if err != nil {
					return nil, err
				}
				if err := via.SetAllmulti(true); err != nil {
					return nil, err
				}
				rule.Via = via
			}
			if err := p.AddRule(rule); err != nil {
				return nil, err
			}
		}
		proxies = append(proxies, p)
	}
	return proxies, nil
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "Error:", msg)
	os.Exit(1)
}
