package nd

import (
	"net"
	"net/netip"

	"log/slog"
)

// SendNA transmits a neighbor advertisement for target on this interface.
// The source address is the target itself; the Solicited flag is set when the
// destination is multicast, the Router flag when router is true. The target
// link-layer address option carries this interface's own address.
func (ifc *Iface) SendNA(dst netip.Addr, dstLL net.HardwareAddr, target netip.Addr, router bool) error {
	var flags byte
	if dst.IsMulticast() {
		flags |= naFlagSolicited
	}
	if router {
		flags |= naFlagRouter
	}

	t := target.As16()
	d := dst.As16()
	icmp6 := encodeNA(t[:], flags, ifc.lladdr[:])
	frame := encodeFrame(ifc.lladdr[:], dstLL, t[:], d[:], icmp6)

	slog.Info("Write NA", "target", target, "dst", dst,
		"dst_ll", macValue{dstLL}, "interface", ifc.name)
	return ifc.write(frame)
}

// SendNS transmits a neighbor solicitation for target on this interface. The
// source is the interface's EUI-64 link-local address, the destination the
// target's solicited-node multicast address and its Ethernet mapping.
func (ifc *Iface) SendNS(target netip.Addr) error {
	src := linkLocal(ifc.lladdr).As16()
	dst := solicitedNode(target).As16()
	dstLL := multicastLL(netip.AddrFrom16(dst))

	t := target.As16()
	icmp6 := encodeNS(t[:], ifc.lladdr[:])
	frame := encodeFrame(ifc.lladdr[:], dstLL[:], src[:], dst[:], icmp6)

	trace("Write NS", "target", target, "interface", ifc.name)
	return ifc.write(frame)
}
