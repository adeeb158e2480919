package main

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"
)

// config is the parsed configuration file. The grammar is brace-delimited
// blocks, one per proxied interface:
//
//	// comment
//	debug
//	proxy eth0 {
//	    router
//	    promisc
//	    rule 2001:db8:1::/64 { static }
//	    rule 2001:db8:2::/64 { auto }
//	    rule 2001:db8:3::/64 { iface eth1 }
//	}
type config struct {
	debug   bool
	trace   bool
	proxies []proxyConfig
}

type proxyConfig struct {
	iface   string
	router  bool
	promisc bool
	rules   []ruleConfig
}

type ruleConfig struct {
	prefix netip.Prefix
	mode   string // static, auto or iface
	via    string
}

func readConfig(path string) (*config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &config{}
	sc := bufio.NewScanner(file)
	line := 0

	next := func() ([]string, bool) {
		for sc.Scan() {
			line++
			text := strings.TrimSpace(sc.Text())
			if text == "" || strings.HasPrefix(text, "//") || strings.HasPrefix(text, "#") {
				continue
			}
			return strings.Fields(text), true
		}
		return nil, false
	}

	for {
		fields, ok := next()
		if !ok {
			break
		}
		switch fields[0] {
		case "debug":
			cfg.debug = true
		case "trace":
			cfg.trace = true
		case "proxy":
			if len(fields) < 3 || fields[2] != "{" {
				return nil, fmt.Errorf("%s:%d: expected \"proxy <interface> {\"", path, line)
			}
			p, err := readProxyBlock(path, fields[1], next, &line)
			if err != nil {
				return nil, err
			}
			cfg.proxies = append(cfg.proxies, *p)
		default:
			return nil, fmt.Errorf("%s:%d: unknown directive %q", path, line, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readProxyBlock(path, iface string, next func() ([]string, bool), line *int) (*proxyConfig, error) {
	p := &proxyConfig{iface: iface}
	for {
		fields, ok := next()
		if !ok {
			return nil, fmt.Errorf("%s: unterminated proxy block for %s", path, iface)
		}
		switch fields[0] {
		case "}":
			return p, nil
		case "router":
			p.router = true
		case "promisc":
			p.promisc = true
		case "rule":
			if len(fields) < 3 || fields[2] != "{" {
				return nil, fmt.Errorf("%s:%d: expected \"rule <prefix> {\"", path, *line)
			}
			prefix, err := netip.ParsePrefix(fields[1])
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, *line, err)
			}
			r := ruleConfig{prefix: prefix}
			if err := readRuleBlock(path, &r, next, line); err != nil {
				return nil, err
			}
			p.rules = append(p.rules, r)
		default:
			return nil, fmt.Errorf("%s:%d: unknown proxy directive %q", path, *line, fields[0])
		}
	}
}

func readRuleBlock(path string, r *ruleConfig, next func() ([]string, bool), line *int) error {
	for {
		fields, ok := next()
		if !ok {
			return fmt.Errorf("%s: unterminated rule block for %s", path, r.prefix)
		}
		switch fields[0] {
		case "}":
			if r.mode == "" {
				r.mode = "static"
			}
			return nil
		case "static", "auto":
			r.mode = fields[0]
		case "iface":
			if len(fields) != 2 {
				return fmt.Errorf("%s:%d: expected \"iface <interface>\"", path, *line)
			}
			r.mode = "iface"
			r.via = fields[1]
		default:
			return fmt.Errorf("%s:%d: unknown rule directive %q", path, *line, fields[0])
		}
	}
}
