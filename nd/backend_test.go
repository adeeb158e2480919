package nd

import (
	"fmt"
	"net"
	"net/netip"
)

// fakeBackend stands in for the platform transport so registry and dispatch
// tests run without OS side effects.
type fakeBackend struct {
	ifaces   map[string]fakeIface
	ifFlags  map[string]uint16
	flagSets int
	sent     []sentFrame
	captures int
	closed   int
}

type fakeIface struct {
	index int
	hw    net.HardwareAddr
}

type sentFrame struct {
	ifindex int
	frame   []byte
}

func mustMAC(s string) net.HardwareAddr {
	hw, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return hw
}

func mustAddr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		ifaces: map[string]fakeIface{
			"eth0": {index: 2, hw: mustMAC("02:00:00:00:00:01")},
			"eth1": {index: 3, hw: mustMAC("02:00:00:00:00:02")},
		},
		ifFlags: map[string]uint16{"eth0": 0, "eth1": 0},
	}
}

func newFakeRegistry() (*Registry, *fakeBackend) {
	fb := newFakeBackend()
	return &Registry{
		backend: fb,
		ifaces:  make(map[int]*Iface),
		addrs:   make(map[netip.Addr]int),
	}, fb
}

func (f *fakeBackend) startup(reg *Registry) error { return nil }

func (f *fakeBackend) resolve(name string, index int) (string, int, net.HardwareAddr, error) {
	if name == "" && index == 0 {
		return "", 0, nil, fmt.Errorf("interface name or index required")
	}
	if name != "" {
		fi, ok := f.ifaces[name]
		if !ok {
			return name, index, nil, fmt.Errorf("no such interface %s", name)
		}
		if index != 0 && index != fi.index {
			return name, index, nil, fmt.Errorf("expected interface %s to have index %d, got %d", name, index, fi.index)
		}
		return name, fi.index, fi.hw, nil
	}
	for n, fi := range f.ifaces {
		if fi.index == index {
			return n, index, fi.hw, nil
		}
	}
	return "", index, nil, fmt.Errorf("no such interface index %d", index)
}

func (f *fakeBackend) openCapture(ifc *Iface) (*handle, error) {
	f.captures++
	return nil, nil
}

func (f *fakeBackend) send(ifc *Iface, frame []byte) (int, error) {
	f.sent = append(f.sent, sentFrame{ifindex: ifc.index, frame: append([]byte(nil), frame...)})
	return len(frame), nil
}

func (f *fakeBackend) flags(name string) (uint16, error) {
	fl, ok := f.ifFlags[name]
	if !ok {
		return 0, fmt.Errorf("no such interface %s", name)
	}
	return fl, nil
}

func (f *fakeBackend) setFlags(name string, flags uint16) error {
	if _, ok := f.ifFlags[name]; !ok {
		return fmt.Errorf("no such interface %s", name)
	}
	f.flagSets++
	f.ifFlags[name] = flags
	return nil
}

func (f *fakeBackend) close() { f.closed++ }
