package nd

import "encoding/binary"

// Wire layout constants. The BPF filter offsets in filter.go are derived from
// these, so they must stay in sync with the decode/encode code below.
const (
	ethHdrLen   = 14
	ip6HdrLen   = 40
	icmp6HdrLen = 8

	// Fixed portion of an NS or NA message: ICMPv6 header plus target address.
	ndMsgLen = icmp6HdrLen + 16

	// One link-layer address option: type, length, 6-byte address.
	llOptLen = 8

	etherTypeIPv6 = 0x86dd

	ipProtoHopByHop = 0
	ipProtoICMPv6   = 58

	icmp6TypeNS = 135
	icmp6TypeNA = 136

	optSourceLinkAddr = 1
	optTargetLinkAddr = 2

	naFlagRouter    = 0x80
	naFlagSolicited = 0x40
)

// frame is a validated view over a captured Ethernet+IPv6+ICMPv6 buffer. All
// slices alias the capture buffer and must not be retained past the dispatch
// call that produced them.
type frame struct {
	src   []byte // 16-byte IPv6 source address
	dst   []byte // 16-byte IPv6 destination address
	icmp6 []byte // ICMPv6 header and everything after it
}

// parseFrame validates one captured frame. It accepts exactly the frames the
// dispatcher acts on: Ethernet-framed IPv6, optionally a hop-by-hop option
// chain, then a checksum-valid ICMPv6 message. Anything else returns ok=false;
// malformed and foreign traffic is steady-state input and is not an error.
func parseFrame(b []byte) (frame, bool) {
	if len(b) < ethHdrLen+ip6HdrLen {
		return frame{}, false
	}
	if binary.BigEndian.Uint16(b[ethHdrLen-2:ethHdrLen]) != etherTypeIPv6 {
		return frame{}, false
	}

	// The declared payload length must account for the entire remainder of
	// the capture. Link padding or truncation both fail here.
	payload := b[ethHdrLen+ip6HdrLen:]
	if int(binary.BigEndian.Uint16(b[ethHdrLen+4:ethHdrLen+6])) != len(payload) {
		return frame{}, false
	}

	next := b[ethHdrLen+6]
	off := 0
	if next == ipProtoHopByHop {
		// Skip the hop-by-hop chain. Each extension header declares its own
		// length in 8-byte units beyond the first 8 bytes.
		for {
			if len(payload)-off < 8 {
				return frame{}, false
			}
			extLen := 8 + 8*int(payload[off+1])
			if len(payload)-off < extLen {
				return frame{}, false
			}
			next = payload[off]
			off += extLen
			if next == ipProtoICMPv6 {
				break
			}
			if next != ipProtoHopByHop {
				return frame{}, false
			}
		}
	} else if next != ipProtoICMPv6 {
		return frame{}, false
	}

	if len(payload)-off < icmp6HdrLen {
		return frame{}, false
	}
	icmp6 := payload[off:]

	if icmp6Checksum(b[ethHdrLen+8:ethHdrLen+24], b[ethHdrLen+24:ethHdrLen+40], icmp6) !=
		binary.BigEndian.Uint16(icmp6[2:4]) {
		return frame{}, false
	}

	return frame{
		src:   b[ethHdrLen+8 : ethHdrLen+24],
		dst:   b[ethHdrLen+24 : ethHdrLen+40],
		icmp6: icmp6,
	}, true
}

// neighborSolicit is the decoded content of an NS message. srcLL is nil for
// duplicate-address-detection probes (unspecified source address).
type neighborSolicit struct {
	target []byte
	srcLL  []byte
}

// parseNS validates an NS message. A message from a specified source must
// carry exactly one well-formed source link-layer address option; otherwise
// the whole message is discarded.
func parseNS(src, icmp6 []byte) (neighborSolicit, bool) {
	if len(icmp6) < ndMsgLen {
		return neighborSolicit{}, false
	}
	ns := neighborSolicit{target: icmp6[8:24]}

	if !isUnspecified(src) {
		if len(icmp6)-ndMsgLen < llOptLen {
			return neighborSolicit{}, false
		}
		opt := icmp6[ndMsgLen:]
		if opt[0] != optSourceLinkAddr || opt[1] != 1 {
			return neighborSolicit{}, false
		}
		ns.srcLL = opt[2:8]
	}
	return ns, true
}

// parseNA validates an NA message and extracts the target address.
func parseNA(icmp6 []byte) ([]byte, bool) {
	if len(icmp6) < ndMsgLen {
		return nil, false
	}
	return icmp6[8:24], true
}

// encodeFrame wraps an ICMPv6 message in Ethernet and IPv6 headers and fills
// in the checksum, producing a frame ready for transmission. src and dst are
// 16-byte IPv6 addresses, srcLL and dstLL 6-byte link-layer addresses.
func encodeFrame(srcLL, dstLL, src, dst, icmp6 []byte) []byte {
	b := make([]byte, ethHdrLen+ip6HdrLen+len(icmp6))
	copy(b[0:6], dstLL)
	copy(b[6:12], srcLL)
	binary.BigEndian.PutUint16(b[12:14], etherTypeIPv6)

	b[ethHdrLen] = 0x60 // version 6, no traffic class or flow label
	binary.BigEndian.PutUint16(b[ethHdrLen+4:], uint16(len(icmp6)))
	b[ethHdrLen+6] = ipProtoICMPv6
	b[ethHdrLen+7] = 255 // hop limit, required for ND
	copy(b[ethHdrLen+8:ethHdrLen+24], src)
	copy(b[ethHdrLen+24:ethHdrLen+40], dst)

	copy(b[ethHdrLen+ip6HdrLen:], icmp6)
	cs := icmp6Checksum(src, dst, b[ethHdrLen+ip6HdrLen:])
	binary.BigEndian.PutUint16(b[ethHdrLen+ip6HdrLen+2:], cs)
	return b
}

// encodeNS builds the ICMPv6 portion of a neighbor solicitation with a source
// link-layer address option. The checksum field is left zero for encodeFrame.
func encodeNS(target, srcLL []byte) []byte {
	m := make([]byte, ndMsgLen+llOptLen)
	m[0] = icmp6TypeNS
	copy(m[8:24], target)
	m[24] = optSourceLinkAddr
	m[25] = 1
	copy(m[26:32], srcLL)
	return m
}

// encodeNA builds the ICMPv6 portion of a neighbor advertisement with a
// target link-layer address option.
func encodeNA(target []byte, flags byte, targetLL []byte) []byte {
	m := make([]byte, ndMsgLen+llOptLen)
	m[0] = icmp6TypeNA
	m[4] = flags
	copy(m[8:24], target)
	m[24] = optTargetLinkAddr
	m[25] = 1
	copy(m[26:32], targetLL)
	return m
}
