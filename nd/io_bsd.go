//go:build dragonfly || freebsd || netbsd || openbsd

package nd

import (
	"fmt"
	"log/slog"
	"net"
	"unsafe"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// bpfBackend is the BSD-family transport: one cloned bpf device per
// interface, bound to it and configured for immediate delivery.
type bpfBackend struct {
	reg *Registry
	// Throwaway datagram socket for interface flag ioctls.
	ctl int
}

func newBackend() backend { return &bpfBackend{ctl: -1} }

func (b *bpfBackend) startup(reg *Registry) error {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	b.ctl = fd
	b.reg = reg
	return nil
}

func (b *bpfBackend) resolve(name string, index int) (string, int, net.HardwareAddr, error) {
	return resolveInterface(name, index)
}

func (b *bpfBackend) openCapture(ifc *Iface) (*handle, error) {
	// Requires a cloning bpf device; every current BSD has one.
	fd, err := unix.Open("/dev/bpf", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/bpf: %w", err)
	}

	if _, err := unix.SetBpfBuflen(fd, snapLen); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("BIOCSBLEN: %w", err)
	}
	if err := unix.SetBpfInterface(fd, ifc.name); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind to %s: %w", ifc.name, err)
	}
	if err := unix.SetBpfImmediate(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("BIOCIMMEDIATE: %w", err)
	}

	// Filter first, reads after: the device must never hand us unrelated
	// traffic.
	if err := installBpfFilter(fd, ndFilter()); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("install filter: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}

	h := &handle{fd: fd, handler: b.readReady, data: ifc, buf: make([]byte, snapLen)}
	b.reg.poller.register(h)
	return h, nil
}

// installBpfFilter assembles prog into the BSD bpf instruction encoding and
// installs it with the BIOCSETF ioctl.
func installBpfFilter(fd int, prog []bpf.Instruction) error {
	assembled, err := bpf.Assemble(prog)
	if err != nil {
		return err
	}
	insns := make([]unix.BpfInsn, len(assembled))
	for i, ins := range assembled {
		insns[i] = unix.BpfInsn{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return unix.SetBpf(fd, insns)
}

func bpfWordAlign(n int) int {
	return (n + (unix.BPF_ALIGNMENT - 1)) &^ (unix.BPF_ALIGNMENT - 1)
}

// readReady drains one bpf device. A read returns one or more frames packed
// back-to-back, each preceded by a bpf header and advanced with word-aligned
// lengths.
func (b *bpfBackend) readReady(h *handle) {
	ifc := h.data.(*Iface)
	for {
		n, err := unix.Read(h.fd, h.buf)
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			slog.Error("bpf read failed", "interface", ifc.name, "error", err)
			return
		}

		for off := 0; off < n; {
			if n-off < int(unsafe.Sizeof(unix.BpfHdr{})) {
				break
			}
			// The header is kernel-produced at a word-aligned offset, so
			// overlaying the struct is safe here.
			bh := (*unix.BpfHdr)(unsafe.Pointer(&h.buf[off]))
			frameStart := off + int(bh.Hdrlen)
			frameEnd := frameStart + int(bh.Caplen)
			off = bpfWordAlign(frameEnd)
			if frameEnd > n {
				break
			}
			handleFrame(ifc, h.buf[frameStart:frameEnd])
		}
	}
}

func (b *bpfBackend) send(ifc *Iface, frame []byte) (int, error) {
	if ifc.capture == nil {
		return 0, fmt.Errorf("interface %s has no capture device", ifc.name)
	}
	return unix.Write(ifc.capture.fd, frame)
}

// ifreqFlags mirrors the flags view of struct ifreq; the kernel copies the
// full union so the padding must be present.
type ifreqFlags struct {
	name  [unix.IFNAMSIZ]byte
	flags uint16
	_     [14]byte
}

func (b *bpfBackend) flags(name string) (uint16, error) {
	var ifr ifreqFlags
	copy(ifr.name[:], name)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.ctl),
		uintptr(unix.SIOCGIFFLAGS), uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		return 0, errno
	}
	return ifr.flags, nil
}

func (b *bpfBackend) setFlags(name string, flags uint16) error {
	var ifr ifreqFlags
	copy(ifr.name[:], name)
	ifr.flags = flags
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.ctl),
		uintptr(unix.SIOCSIFFLAGS), uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		return errno
	}
	return nil
}

func (b *bpfBackend) close() {
	if b.ctl >= 0 {
		unix.Close(b.ctl)
		b.ctl = -1
	}
}
