package nd

import (
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// attachFilter assembles prog into the Linux socket-filter encoding and
// installs it on fd via SO_ATTACH_FILTER.
func attachFilter(fd int, prog []bpf.Instruction) error {
	assembled, err := bpf.Assemble(prog)
	if err != nil {
		return err
	}

	filter := make([]unix.SockFilter, len(assembled))
	for i, ins := range assembled {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	return unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog)
}
