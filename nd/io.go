package nd

import (
	"time"

	"golang.org/x/sys/unix"
)

// handle is one registered nonblocking descriptor. Its handler runs on the
// daemon goroutine when the descriptor is readable and must drain until
// EAGAIN before returning; the core never blocks and never yields mid-drain.
type handle struct {
	fd      int
	handler func(*handle)
	data    any
	buf     []byte
	poller  *poller
}

func (h *handle) close() {
	if h.fd < 0 {
		return
	}
	if h.poller != nil {
		h.poller.unregister(h)
	}
	unix.Close(h.fd)
	h.fd = -1
}

// poller multiplexes readiness for every open capture and control descriptor.
// Everything runs on one goroutine, so registration never races a poll.
type poller struct {
	handles []*handle
}

func (p *poller) register(h *handle) {
	h.poller = p
	p.handles = append(p.handles, h)
}

func (p *poller) unregister(h *handle) {
	for i := range p.handles {
		if p.handles[i] == h {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			return
		}
	}
}

// poll blocks up to timeout for readiness and runs the handlers of every
// ready handle once.
func (p *poller) poll(timeout time.Duration) error {
	fds := make([]unix.PollFd, len(p.handles))
	for i, h := range p.handles {
		fds[i] = unix.PollFd{Fd: int32(h.fd), Events: unix.POLLIN}
	}

	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err == unix.EINTR || n == 0 {
		return nil
	}
	if err != nil {
		return err
	}

	// Handlers may close and unregister handles, so pick the ready set first.
	var ready []*handle
	for i := range fds {
		if fds[i].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			ready = append(ready, p.handles[i])
		}
	}
	for _, h := range ready {
		if h.fd >= 0 {
			h.handler(h)
		}
	}
	return nil
}

func (p *poller) closeAll() {
	for len(p.handles) > 0 {
		p.handles[0].close()
	}
}
