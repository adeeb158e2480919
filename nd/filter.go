package nd

import "golang.org/x/net/bpf"

// Offsets the kernel filter loads from, derived from the header layout
// constants in packet.go.
const (
	etherTypeOff     = ethHdrLen - 2
	ip6NextHeaderOff = ethHdrLen + 6
	icmp6TypeOff     = ethHdrLen + ip6HdrLen
)

// snapLen is the packet portion delivered to user space on accept. One
// capture buffer covers it (see the backends).
const snapLen = 4096

// ndFilter is the logical classic-BPF program both kernel backends install
// before the first read: keep only Ethernet-framed IPv6 ICMPv6 neighbor
// solicitations and advertisements. The Linux socket-filter and BSD bpf
// encodings of this program differ only in how the assembled instructions are
// handed to the kernel.
func ndFilter() []bpf.Instruction {
	return []bpf.Instruction{
		// Load the EtherType field.
		bpf.LoadAbsolute{Off: etherTypeOff, Size: 2},
		// Drop unless IPv6.
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: etherTypeIPv6, SkipTrue: 5},
		// Load the IPv6 next-header byte.
		bpf.LoadAbsolute{Off: ip6NextHeaderOff, Size: 1},
		// Drop unless ICMPv6.
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: ipProtoICMPv6, SkipTrue: 3},
		// Load the ICMPv6 type byte.
		bpf.LoadAbsolute{Off: icmp6TypeOff, Size: 1},
		// Keep neighbor solicitations.
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: icmp6TypeNS, SkipTrue: 2},
		// Keep neighbor advertisements.
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: icmp6TypeNA, SkipTrue: 1},
		// Drop.
		bpf.RetConstant{Val: 0},
		// Keep.
		bpf.RetConstant{Val: snapLen},
	}
}
