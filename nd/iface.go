package nd

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

const flagUnknown int8 = -1

// backend is the platform capture transport behind the registry. The Linux
// implementation shares one AF_PACKET socket across all interfaces; the BSD
// implementation opens one bpf device per interface. Tests inject a fake.
type backend interface {
	// startup opens process-wide capture state and installs the kernel
	// filter before any frame can be read. Failure is fatal to the daemon.
	startup(reg *Registry) error
	// resolve maps a name and/or index to the canonical (name, index,
	// hardware address) triple, cross-checking when both are given.
	resolve(name string, index int) (string, int, net.HardwareAddr, error)
	// openCapture prepares per-interface capture state. Backends with a
	// shared socket return a nil handle.
	openCapture(ifc *Iface) (*handle, error)
	// send transmits one complete frame on the given interface.
	send(ifc *Iface, frame []byte) (int, error)
	flags(name string) (uint16, error)
	setFlags(name string, flags uint16) error
	close()
}

// Registry owns every open interface, keyed by kernel interface index. It is
// confined to the daemon goroutine and needs no locking.
type Registry struct {
	backend backend
	poller  poller
	ifaces  map[int]*Iface
	free    []*Iface
	addrs   map[netip.Addr]int

	// NoRestoreFlags suppresses interface flag restoration on close. Set
	// before re-exec so the parent does not undo settings a child that
	// inherited the sockets still depends on.
	NoRestoreFlags bool
}

func NewRegistry() *Registry {
	return &Registry{
		backend: newBackend(),
		ifaces:  make(map[int]*Iface),
		addrs:   make(map[netip.Addr]int),
	}
}

// Startup opens the process-wide capture state and seeds the kernel address
// table consulted by auto rules.
func (r *Registry) Startup() error {
	if err := r.backend.startup(r); err != nil {
		return err
	}
	r.seedAddresses()
	return nil
}

// Poll runs one iteration of the event loop, dispatching every frame
// currently available on any capture handle.
func (r *Registry) Poll(timeout time.Duration) error {
	return r.poller.poll(timeout)
}

// Iface is one reference-counted open interface.
type Iface struct {
	reg      *Registry
	index    int
	name     string
	lladdr   [6]byte
	refcount int

	// Original flag values, captured the first time this process toggles
	// the mode. flagUnknown means the mode was never touched.
	oldPromisc  int8
	oldAllmulti int8

	// Owned on backends with per-interface capture devices; nil on Linux
	// where the single process-wide socket is shared.
	capture *handle

	proxy    ProxyPolicy
	sessions []*Session
}

func (ifc *Iface) Name() string { return ifc.name }
func (ifc *Iface) Index() int   { return ifc.index }
func (ifc *Iface) HWAddr() net.HardwareAddr {
	return net.HardwareAddr(ifc.lladdr[:])
}

// SetProxy attaches the policy that answers solicitations seen on this
// interface. Without one, NS messages are ignored.
func (ifc *Iface) SetProxy(p ProxyPolicy) { ifc.proxy = p }

// Open returns the interface for the given name and/or index, opening it on
// first use. Repeated opens of the same interface share one record.
func (r *Registry) Open(name string, index int) (*Iface, error) {
	name, index, hw, err := r.backend.resolve(name, index)
	if err != nil {
		slog.Error("Failed to open interface", "interface", name, "index", index, "error", err)
		return nil, err
	}

	if ifc := r.ifaces[index]; ifc != nil {
		ifc.refcount++
		return ifc, nil
	}

	if len(hw) != 6 {
		err := fmt.Errorf("interface %s has no 48-bit hardware address", name)
		slog.Error("Failed to open interface", "interface", name, "error", err)
		return nil, err
	}

	var ifc *Iface
	if n := len(r.free); n > 0 {
		ifc, r.free = r.free[n-1], r.free[:n-1]
	} else {
		ifc = new(Iface)
	}
	*ifc = Iface{
		reg:         r,
		index:       index,
		name:        name,
		refcount:    1,
		oldPromisc:  flagUnknown,
		oldAllmulti: flagUnknown,
	}
	copy(ifc.lladdr[:], hw)

	capture, err := r.backend.openCapture(ifc)
	if err != nil {
		r.free = append(r.free, ifc)
		slog.Error("Failed to open capture", "interface", name, "error", err)
		return nil, err
	}
	ifc.capture = capture
	r.ifaces[index] = ifc

	slog.Info("New interface", "interface", name, "lladdr", macValue{ifc.lladdr[:]})
	return ifc, nil
}

// Close drops one reference. The last reference restores any interface flags
// this process changed (unless suppressed), releases the capture handle and
// recycles the record.
func (ifc *Iface) Close() {
	ifc.refcount--
	if ifc.refcount > 0 {
		return
	}

	r := ifc.reg
	if !r.NoRestoreFlags {
		if ifc.oldPromisc >= 0 {
			ifc.SetPromisc(ifc.oldPromisc != 0)
		}
		if ifc.oldAllmulti >= 0 {
			ifc.SetAllmulti(ifc.oldAllmulti != 0)
		}
	}

	if ifc.capture != nil {
		ifc.capture.close()
		ifc.capture = nil
	}

	delete(r.ifaces, ifc.index)
	ifc.proxy = nil
	ifc.sessions = nil
	r.free = append(r.free, ifc)
}

// SetPromisc toggles promiscuous mode, remembering the pre-existing state the
// first time so Close can restore it.
func (ifc *Iface) SetPromisc(on bool) error {
	return ifc.setFlag(on, unix.IFF_PROMISC, &ifc.oldPromisc, "promiscuous")
}

// SetAllmulti toggles all-multicast mode, remembering the pre-existing state
// the first time so Close can restore it.
func (ifc *Iface) SetAllmulti(on bool) error {
	return ifc.setFlag(on, unix.IFF_ALLMULTI, &ifc.oldAllmulti, "all-multicast")
}

func (ifc *Iface) setFlag(on bool, flag uint16, saved *int8, what string) error {
	slog.Debug("Toggling interface mode", "mode", what, "interface", ifc.name, "enable", on)

	flags, err := ifc.reg.backend.flags(ifc.name)
	if err != nil {
		slog.Error("Failed to get interface flags", "interface", ifc.name, "error", err)
		return err
	}

	// Only the first observed value is remembered, so restoration always
	// reflects the pre-daemon state.
	if *saved < 0 {
		if flags&flag != 0 {
			*saved = 1
		} else {
			*saved = 0
		}
	}

	if on == (flags&flag != 0) {
		return nil
	}
	if on {
		flags |= flag
	} else {
		flags &^= flag
	}
	if err := ifc.reg.backend.setFlags(ifc.name, flags); err != nil {
		slog.Error("Failed to set interface flags", "interface", ifc.name, "error", err)
		return err
	}
	return nil
}

// write hands a finished frame to the backend.
func (ifc *Iface) write(frame []byte) error {
	_, err := ifc.reg.backend.send(ifc, frame)
	return err
}

// Cleanup force-closes every outstanding interface so flags are restored and
// handles released even if callers leaked references, then shuts down the
// backend. Called once at process shutdown.
func (r *Registry) Cleanup() {
	for _, ifc := range r.ifaces {
		ifc.refcount = 1
		ifc.Close()
	}
	r.backend.close()
	r.poller.closeAll()
}

// resolveInterface is the OS-backed implementation of backend.resolve shared
// by the real backends.
func resolveInterface(name string, index int) (string, int, net.HardwareAddr, error) {
	if name == "" && index == 0 {
		return "", 0, nil, fmt.Errorf("interface name or index required")
	}
	if name != "" {
		ni, err := net.InterfaceByName(name)
		if err != nil {
			return name, index, nil, err
		}
		if index != 0 && ni.Index != index {
			return name, index, nil, fmt.Errorf("expected interface %s to have index %d, got %d", name, index, ni.Index)
		}
		return ni.Name, ni.Index, ni.HardwareAddr, nil
	}
	ni, err := net.InterfaceByIndex(index)
	if err != nil {
		return name, index, nil, err
	}
	return ni.Name, ni.Index, ni.HardwareAddr, nil
}

// seedAddresses records the kernel's current IPv6 addresses; the netlink
// monitor keeps the set current afterwards.
func (r *Registry) seedAddresses() {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipn.IP.To16(); ip != nil && ipn.IP.To4() == nil {
				r.noteAddress(netip.AddrFrom16([16]byte(ip)), false)
			}
		}
	}
}

func (r *Registry) noteAddress(addr netip.Addr, deleted bool) {
	if deleted {
		if r.addrs[addr] <= 1 {
			delete(r.addrs, addr)
		} else {
			r.addrs[addr]--
		}
		return
	}
	r.addrs[addr]++
}

// hasAddress reports whether the kernel currently owns addr on any interface.
func (r *Registry) hasAddress(addr netip.Addr) bool {
	return r.addrs[addr] > 0
}
