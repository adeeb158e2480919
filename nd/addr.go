package nd

import (
	"fmt"
	"log/slog"
	"net/netip"
)

var allNodesAddr = netip.MustParseAddr("ff02::1")

func isUnspecified(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func addrFrom16(b []byte) netip.Addr {
	return netip.AddrFrom16([16]byte(b))
}

// solicitedNode derives the solicited-node multicast address ff02::1:ffXX:XXXX
// from the low 24 bits of target.
func solicitedNode(target netip.Addr) netip.Addr {
	t := target.As16()
	a := [16]byte{0: 0xff, 1: 0x02, 11: 0x01, 12: 0xff}
	a[13], a[14], a[15] = t[13], t[14], t[15]
	return netip.AddrFrom16(a)
}

// multicastLL maps an IPv6 multicast address to its Ethernet multicast
// address: 33:33 followed by the low 32 bits of the address.
func multicastLL(dst netip.Addr) [6]byte {
	d := dst.As16()
	return [6]byte{0x33, 0x33, d[12], d[13], d[14], d[15]}
}

// linkLocal derives the EUI-64 link-local address from a 6-byte hardware
// address, flipping the universal/local bit.
func linkLocal(lladdr [6]byte) netip.Addr {
	var a [16]byte
	a[0] = 0xfe
	a[1] = 0x80
	a[8] = lladdr[0] ^ 0x02
	a[9] = lladdr[1]
	a[10] = lladdr[2]
	a[11] = 0xff
	a[12] = 0xfe
	a[13] = lladdr[3]
	a[14] = lladdr[4]
	a[15] = lladdr[5]
	return netip.AddrFrom16(a)
}

type hexValue struct {
	arg []byte
}

func (v hexValue) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("%X", v.arg))
}

type ipValue struct {
	arg []byte
}

func (v ipValue) LogValue() slog.Value {
	if len(v.arg) != 16 {
		return slog.StringValue(fmt.Sprintf("%X", v.arg))
	}
	return slog.StringValue(netip.AddrFrom16([16]byte(v.arg)).String())
}

type macValue struct {
	arg []byte
}

func (v macValue) LogValue() slog.Value {
	if len(v.arg) != 6 {
		return slog.StringValue(fmt.Sprintf("%X", v.arg))
	}
	return slog.StringValue(fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		v.arg[0], v.arg[1], v.arg[2], v.arg[3], v.arg[4], v.arg[5]))
}
