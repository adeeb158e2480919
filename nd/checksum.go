package nd

import "encoding/binary"

// checksum folds b into sum as big-endian 16-bit words, carrying after every
// word (RFC 1071). A trailing odd byte counts as the high octet of a
// zero-padded word.
func checksum(sum uint32, b []byte) uint32 {
	for i := 0; i < len(b); i += 2 {
		if i+1 < len(b) {
			sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		} else {
			sum += uint32(b[i]) << 8
		}
		if sum > 0xffff {
			sum -= 0xffff
		}
	}
	return sum
}

// icmp6Checksum computes the value for the checksum field of the ICMPv6
// message icmp6, which must start at the ICMPv6 header. src and dst are the
// 16-byte IPv6 source and destination addresses; the checksum field itself
// reads as zero regardless of its current content.
func icmp6Checksum(src, dst, icmp6 []byte) uint16 {
	var pseudo [40]byte
	copy(pseudo[0:16], src)
	copy(pseudo[16:32], dst)
	binary.BigEndian.PutUint32(pseudo[32:36], uint32(len(icmp6)))
	pseudo[39] = ipProtoICMPv6

	sum := checksum(0xffff, pseudo[:])
	sum = checksum(sum, icmp6[:2])
	// Checksum field (bytes 2..3) is zero for the computation and
	// contributes nothing to the sum.
	sum = checksum(sum, icmp6[4:])
	return ^uint16(sum)
}
