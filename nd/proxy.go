package nd

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// RuleMode selects how a matched target is verified before it is answered.
type RuleMode int

const (
	// RuleStatic answers immediately.
	RuleStatic RuleMode = iota
	// RuleAuto answers if the kernel currently owns the target address.
	RuleAuto
	// RuleIface first verifies reachability by soliciting the target on a
	// daughter interface through a session.
	RuleIface
)

func (m RuleMode) String() string {
	switch m {
	case RuleStatic:
		return "static"
	case RuleAuto:
		return "auto"
	case RuleIface:
		return "iface"
	}
	return "unknown"
}

// Rule matches a target prefix on a proxied interface. First matching rule
// wins.
type Rule struct {
	Prefix netip.Prefix
	Mode   RuleMode
	Via    *Iface // daughter interface, RuleIface only
}

// Proxy answers neighbor solicitations on one interface according to its rule
// list. It implements ProxyPolicy.
type Proxy struct {
	reg      *Registry
	ifc      *Iface
	router   bool
	rules    []Rule
	sessions []*Session
}

// NewProxy creates the policy for ifc and attaches it. router controls the
// Router flag on every advertisement sent on the proxy's behalf.
func NewProxy(reg *Registry, ifc *Iface, router bool) *Proxy {
	p := &Proxy{reg: reg, ifc: ifc, router: router}
	ifc.SetProxy(p)
	return p
}

func (p *Proxy) Iface() *Iface { return p.ifc }

func (p *Proxy) AddRule(r Rule) error {
	if !r.Prefix.IsValid() || !r.Prefix.Addr().Is6() || r.Prefix.Addr().Is4In6() {
		return fmt.Errorf("rule prefix %s is not IPv6", r.Prefix)
	}
	if r.Mode == RuleIface && r.Via == nil {
		return fmt.Errorf("rule %s: iface mode needs a daughter interface", r.Prefix)
	}
	slog.Debug("New rule", "interface", p.ifc.name, "prefix", r.Prefix, "mode", r.Mode)
	p.rules = append(p.rules, r)
	return nil
}

func (p *Proxy) match(target netip.Addr) *Rule {
	for i := range p.rules {
		if p.rules[i].Prefix.Contains(target) {
			return &p.rules[i]
		}
	}
	return nil
}

// HandleNS is invoked by the dispatcher for every valid solicitation on the
// proxied interface.
func (p *Proxy) HandleNS(src, dst, target netip.Addr, srcLL net.HardwareAddr) {
	r := p.match(target)
	if r == nil {
		return
	}
	slog.Debug("NS matched rule", "interface", p.ifc.name, "target", target,
		"prefix", r.Prefix, "mode", r.Mode, "src", src, "dst", dst)

	switch r.Mode {
	case RuleStatic:
		p.advert(src, srcLL, target)
	case RuleAuto:
		if p.reg.hasAddress(target) {
			p.advert(src, srcLL, target)
		}
	case RuleIface:
		s := p.session(target)
		if s == nil {
			s = p.newSession(target, r.Via)
		}
		switch s.state {
		case sessionValid, sessionRenewing:
			p.advert(src, srcLL, target)
		case sessionWaiting:
			s.addPending(src, srcLL)
		case sessionInvalid:
			// Negative cache until the session expires.
		}
	}
}

// advert sends the advertisement for target back to a solicitor.
// Duplicate-address-detection probes have no return address and are answered
// to all-nodes.
func (p *Proxy) advert(dst netip.Addr, dstLL net.HardwareAddr, target netip.Addr) {
	if dstLL == nil || dst.IsUnspecified() {
		dst = allNodesAddr
		ll := multicastLL(allNodesAddr)
		dstLL = ll[:]
	}
	if err := p.ifc.SendNA(dst, dstLL, target, p.router); err != nil {
		slog.Error("Failed to send NA", "interface", p.ifc.name, "target", target, "error", err)
	}
}

func (p *Proxy) session(target netip.Addr) *Session {
	for _, s := range p.sessions {
		if s.target == target {
			return s
		}
	}
	return nil
}

// Update advances every session owned by this proxy by elapsed wall time.
// The daemon loop calls it after each poll iteration; the core itself holds
// no timers.
func (p *Proxy) Update(elapsed time.Duration) {
	kept := p.sessions[:0]
	for _, s := range p.sessions {
		if s.update(elapsed) {
			kept = append(kept, s)
		}
	}
	// Keep dropped entries collectable.
	for i := len(kept); i < len(p.sessions); i++ {
		p.sessions[i] = nil
	}
	p.sessions = kept
}
