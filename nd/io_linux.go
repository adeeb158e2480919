package nd

import (
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"
)

// htons16 converts a uint16 to network byte order.
func htons16(v uint16) uint16 { return v<<8 | v>>8 }

// packetBackend is the Linux transport: one process-wide AF_PACKET socket
// bound to the IPv6 ethertype and shared by every interface. Inbound frames
// carry the originating interface index as socket address metadata; outbound
// frames name the destination interface per send.
type packetBackend struct {
	reg *Registry
	io  *handle
}

func newBackend() backend { return &packetBackend{} }

func (b *packetBackend) startup(reg *Registry) error {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK,
		int(htons16(unix.ETH_P_IPV6)))
	if err != nil {
		return fmt.Errorf("packet socket: %w", err)
	}

	// The filter must be in place before the first read so no unrelated
	// traffic is ever delivered. Failing to install it on the shared socket
	// aborts startup.
	if err := attachFilter(fd, ndFilter()); err != nil {
		unix.Close(fd)
		return fmt.Errorf("attach filter: %w", err)
	}

	b.reg = reg
	b.io = &handle{fd: fd, handler: b.readReady, buf: make([]byte, snapLen)}
	reg.poller.register(b.io)
	return nil
}

// readReady drains the shared socket. Would-block ends the drain normally;
// any other error is logged and ends this iteration, to be retried on the
// next readiness notification.
func (b *packetBackend) readReady(h *handle) {
	for {
		n, from, err := unix.Recvfrom(h.fd, h.buf, 0)
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			slog.Error("Packet socket read failed", "error", err)
			return
		}

		ll, ok := from.(*unix.SockaddrLinklayer)
		if !ok {
			continue
		}
		ifc := b.reg.ifaces[ll.Ifindex]
		if ifc == nil {
			continue
		}
		handleFrame(ifc, h.buf[:n])
	}
}

func (b *packetBackend) resolve(name string, index int) (string, int, net.HardwareAddr, error) {
	return resolveInterface(name, index)
}

// openCapture is a no-op: every interface shares the process-wide socket.
func (b *packetBackend) openCapture(ifc *Iface) (*handle, error) {
	return nil, nil
}

func (b *packetBackend) send(ifc *Iface, frame []byte) (int, error) {
	err := unix.Sendto(b.io.fd, frame, 0, &unix.SockaddrLinklayer{
		Protocol: htons16(unix.ETH_P_IPV6),
		Ifindex:  ifc.index,
	})
	if err != nil {
		return 0, err
	}
	return len(frame), nil
}

func (b *packetBackend) flags(name string) (uint16, error) {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(b.io.fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return 0, err
	}
	return ifr.Uint16(), nil
}

func (b *packetBackend) setFlags(name string, flags uint16) error {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	ifr.SetUint16(flags)
	return unix.IoctlIfreq(b.io.fd, unix.SIOCSIFFLAGS, ifr)
}

func (b *packetBackend) close() {
	if b.io != nil {
		b.io.close()
		b.io = nil
	}
}
