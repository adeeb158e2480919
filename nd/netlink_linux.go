package nd

import (
	"fmt"
	"log/slog"
	"net/netip"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StartAddressMonitor subscribes to kernel IPv6 address changes so auto rules
// track the address set without polling. The netlink socket joins the event
// loop like any capture handle.
func (r *Registry) StartAddressMonitor() error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK,
		unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("netlink socket: %w", err)
	}

	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: 1 << (unix.RTNLGRP_IPV6_IFADDR - 1),
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("netlink bind: %w", err)
	}

	h := &handle{fd: fd, handler: r.addrMessages, buf: make([]byte, 8192)}
	r.poller.register(h)
	return nil
}

func (r *Registry) addrMessages(h *handle) {
	for {
		n, from, err := unix.Recvfrom(h.fd, h.buf, 0)
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			slog.Error("Netlink read failed", "error", err)
			return
		}
		if n < unix.NLMSG_HDRLEN {
			continue
		}

		// Only the kernel may feed the address table.
		const kernelPid = 0
		if nl, ok := from.(*unix.SockaddrNetlink); !ok || nl.Pid != kernelPid {
			continue
		}

		msgs, err := syscall.ParseNetlinkMessage(h.buf[:n])
		if err != nil {
			continue
		}
		for i := range msgs {
			r.addrMessage(&msgs[i])
		}
	}
}

func (r *Registry) addrMessage(m *syscall.NetlinkMessage) {
	var deleted bool
	switch m.Header.Type {
	case unix.RTM_NEWADDR:
	case unix.RTM_DELADDR:
		deleted = true
	default:
		return
	}
	if len(m.Data) < unix.SizeofIfAddrmsg {
		return
	}

	ifam := (*unix.IfAddrmsg)(unsafe.Pointer(&m.Data[0]))
	if ifam.Family != unix.AF_INET6 {
		return
	}

	attrs, err := syscall.ParseNetlinkRouteAttr(m)
	if err != nil {
		return
	}
	for _, attr := range attrs {
		if attr.Attr.Type != unix.IFA_ADDRESS || len(attr.Value) != 16 {
			continue
		}
		addr := netip.AddrFrom16([16]byte(attr.Value))
		slog.Debug("Kernel address update", "addr", addr,
			"index", int(ifam.Index), "deleted", deleted)
		r.noteAddress(addr, deleted)
	}
}
