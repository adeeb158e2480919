package nd

import (
	"log/slog"
	"net"
	"net/netip"
	"time"
)

type sessionState int

const (
	// Waiting for an advertisement after soliciting on the daughter
	// interface.
	sessionWaiting sessionState = iota
	// The target answered; advertise on its behalf.
	sessionValid
	// The valid period lapsed; re-soliciting while still answering.
	sessionRenewing
	// The target never answered; negative cache.
	sessionInvalid
)

const (
	sessionRetransTime  = 1 * time.Second
	sessionRetransLimit = 3
	sessionValidTTL     = 30 * time.Second
	sessionRenewTTL     = 5 * time.Second
	sessionInvalidTTL   = 10 * time.Second

	// Solicitors queued while a session is still waiting. Oldest entries are
	// shed beyond this, like any overloaded ND cache would.
	maxPending = 32
)

type solicitor struct {
	addr netip.Addr
	ll   net.HardwareAddr
}

// Session tracks one target address being verified through a daughter
// interface. It is linked into the daughter interface's session list, which
// the dispatcher scans for matching advertisements.
type Session struct {
	proxy   *Proxy
	via     *Iface
	target  netip.Addr
	state   sessionState
	ttl     time.Duration
	fails   int
	pending []solicitor
}

func (p *Proxy) newSession(target netip.Addr, via *Iface) *Session {
	s := &Session{
		proxy:  p,
		via:    via,
		target: target,
		state:  sessionWaiting,
		ttl:    sessionRetransTime,
	}
	via.sessions = append(via.sessions, s)
	p.sessions = append(p.sessions, s)
	slog.Debug("New session", "target", target, "via", via.name)
	s.solicit()
	return s
}

func (s *Session) Target() netip.Addr { return s.target }

func (s *Session) solicit() {
	if err := s.via.SendNS(s.target); err != nil {
		slog.Error("Failed to send NS", "interface", s.via.name, "target", s.target, "error", err)
	}
}

func (s *Session) addPending(addr netip.Addr, ll net.HardwareAddr) {
	if len(s.pending) >= maxPending {
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, solicitor{addr: addr, ll: ll})
}

// handleNA records that a matching advertisement arrived on the daughter
// interface and answers everyone who asked in the meantime.
func (s *Session) handleNA() {
	was := s.state
	s.state = sessionValid
	s.ttl = sessionValidTTL
	s.fails = 0
	if was != sessionWaiting {
		return
	}
	slog.Debug("Session confirmed", "target", s.target, "via", s.via.name)
	for _, q := range s.pending {
		s.proxy.advert(q.addr, q.ll, s.target)
	}
	s.pending = nil
}

// update advances the session clock and reports whether the session survives.
func (s *Session) update(elapsed time.Duration) bool {
	s.ttl -= elapsed
	if s.ttl > 0 {
		return true
	}

	switch s.state {
	case sessionWaiting:
		s.fails++
		if s.fails <= sessionRetransLimit {
			s.ttl = sessionRetransTime
			s.solicit()
			return true
		}
		slog.Debug("Session gave up", "target", s.target, "via", s.via.name)
		s.state = sessionInvalid
		s.ttl = sessionInvalidTTL
		s.pending = nil
		return true
	case sessionValid:
		s.state = sessionRenewing
		s.ttl = sessionRenewTTL
		s.solicit()
		return true
	default: // sessionRenewing, sessionInvalid
		s.unlink()
		return false
	}
}

func (s *Session) unlink() {
	for i := range s.via.sessions {
		if s.via.sessions[i] == s {
			s.via.sessions = append(s.via.sessions[:i], s.via.sessions[i+1:]...)
			break
		}
	}
	slog.Debug("Session expired", "target", s.target, "via", s.via.name)
}
