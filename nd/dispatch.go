package nd

import (
	"net"
	"net/netip"
)

// ProxyPolicy decides whether and how to answer a neighbor solicitation seen
// on an interface. srcLL is nil for duplicate-address-detection probes.
type ProxyPolicy interface {
	HandleNS(src, dst, target netip.Addr, srcLL net.HardwareAddr)
}

// handleFrame runs one captured frame through the codec and routes the result.
// Stateless; anything that fails validation is dropped without logging, since
// foreign and malformed traffic is continuous on a shared segment.
func handleFrame(ifc *Iface, b []byte) {
	f, ok := parseFrame(b)
	if !ok {
		return
	}
	switch f.icmp6[0] {
	case icmp6TypeNS:
		handleNS(ifc, f)
	case icmp6TypeNA:
		handleNA(ifc, f)
	}
}

func handleNS(ifc *Iface, f frame) {
	if ifc.proxy == nil {
		return
	}
	ns, ok := parseNS(f.src, f.icmp6)
	if !ok {
		return
	}
	var srcLL net.HardwareAddr
	if ns.srcLL != nil {
		srcLL = net.HardwareAddr(ns.srcLL)
	}
	ifc.proxy.HandleNS(addrFrom16(f.src), addrFrom16(f.dst), addrFrom16(ns.target), srcLL)
}

func handleNA(ifc *Iface, f frame) {
	target, ok := parseNA(f.icmp6)
	if !ok {
		return
	}
	tgt := addrFrom16(target)
	// Linear scan; sessions-per-interface stays small in practice. This is
	// the scaling bound if that ever changes.
	for _, s := range ifc.sessions {
		if s.target == tgt {
			s.handleNA()
			return
		}
	}
}
