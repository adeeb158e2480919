package nd

import (
	"net/netip"
	"testing"
)

// proxyFixture wires a proxied uplink and a daughter interface over the fake
// backend.
type proxyFixture struct {
	reg *Registry
	fb  *fakeBackend
	p   *Proxy
	upl *Iface
	dtr *Iface
}

func newProxyFixture(t *testing.T, router bool) *proxyFixture {
	t.Helper()
	reg, fb := newFakeRegistry()
	upl, err := reg.Open("eth0", 0)
	if err != nil {
		t.Fatalf("Open eth0: %v", err)
	}
	dtr, err := reg.Open("eth1", 0)
	if err != nil {
		t.Fatalf("Open eth1: %v", err)
	}
	return &proxyFixture{reg: reg, fb: fb, p: NewProxy(reg, upl, router), upl: upl, dtr: dtr}
}

// sentOn returns the transmitted ICMPv6 messages of one type on one interface.
func (fx *proxyFixture) sentOn(t *testing.T, ifc *Iface, typ byte) [][]byte {
	t.Helper()
	var out [][]byte
	for _, sf := range fx.fb.sent {
		if sf.ifindex != ifc.index {
			continue
		}
		f, ok := parseFrame(sf.frame)
		if !ok {
			t.Fatalf("transmitted frame failed to decode")
		}
		if f.icmp6[0] == typ {
			out = append(out, sf.frame)
		}
	}
	return out
}

func (fx *proxyFixture) deliverNA(target netip.Addr) {
	tgt := target.As16()
	na := encodeNA(tgt[:], naFlagSolicited, testSrcLL)
	handleFrame(fx.dtr, encodeFrame(testSrcLL, testDstLL, testSrcIP, testDstIP, na))
}

var (
	rulePrefix = netip.MustParsePrefix("2001:db8::/64")
	ruleTarget = netip.MustParseAddr("2001:db8::1")
	solicitor1 = netip.MustParseAddr("fd00::10")
	solicitor2 = netip.MustParseAddr("fd00::11")
)

func TestAddRuleValidation(t *testing.T) {
	fx := newProxyFixture(t, false)

	if err := fx.p.AddRule(Rule{Prefix: netip.MustParsePrefix("10.0.0.0/8")}); err == nil {
		t.Error("AddRule accepted an IPv4 prefix")
	}
	if err := fx.p.AddRule(Rule{Prefix: rulePrefix, Mode: RuleIface}); err == nil {
		t.Error("AddRule accepted an iface rule without a daughter interface")
	}
	if err := fx.p.AddRule(Rule{Prefix: rulePrefix, Mode: RuleStatic}); err != nil {
		t.Errorf("AddRule rejected a valid rule: %v", err)
	}
}

func TestStaticRule(t *testing.T) {
	fx := newProxyFixture(t, true)
	if err := fx.p.AddRule(Rule{Prefix: rulePrefix, Mode: RuleStatic}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	fx.p.HandleNS(solicitor1, solicitedNode(ruleTarget), ruleTarget, mustMAC("aa:bb:cc:dd:ee:01"))

	nas := fx.sentOn(t, fx.upl, icmp6TypeNA)
	if len(nas) != 1 {
		t.Fatalf("sent %d advertisements, want 1", len(nas))
	}
	f, _ := parseFrame(nas[0])
	if got := addrFrom16(f.dst); got != solicitor1 {
		t.Errorf("advertisement destination = %s, want %s", got, solicitor1)
	}
	if f.icmp6[4]&naFlagRouter == 0 {
		t.Error("router flag not set")
	}

	// A target outside every rule prefix is not answered.
	fx.p.HandleNS(solicitor1, solicitedNode(ruleTarget), mustAddr("2001:db9::1"), mustMAC("aa:bb:cc:dd:ee:01"))
	if nas := fx.sentOn(t, fx.upl, icmp6TypeNA); len(nas) != 1 {
		t.Fatalf("sent %d advertisements, want 1", len(nas))
	}
}

func TestStaticRuleAnswersDAD(t *testing.T) {
	fx := newProxyFixture(t, false)
	if err := fx.p.AddRule(Rule{Prefix: rulePrefix, Mode: RuleStatic}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	// A DAD probe has no return address; the answer goes to all-nodes.
	fx.p.HandleNS(netip.IPv6Unspecified(), solicitedNode(ruleTarget), ruleTarget, nil)

	nas := fx.sentOn(t, fx.upl, icmp6TypeNA)
	if len(nas) != 1 {
		t.Fatalf("sent %d advertisements, want 1", len(nas))
	}
	f, _ := parseFrame(nas[0])
	if got := addrFrom16(f.dst); got != allNodesAddr {
		t.Errorf("advertisement destination = %s, want %s", got, allNodesAddr)
	}
	want := multicastLL(allNodesAddr)
	if got := nas[0][0:6]; string(got) != string(want[:]) {
		t.Errorf("ethernet destination = %x, want %x", got, want)
	}
}

func TestAutoRule(t *testing.T) {
	fx := newProxyFixture(t, false)
	if err := fx.p.AddRule(Rule{Prefix: rulePrefix, Mode: RuleAuto}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	fx.p.HandleNS(solicitor1, solicitedNode(ruleTarget), ruleTarget, mustMAC("aa:bb:cc:dd:ee:01"))
	if nas := fx.sentOn(t, fx.upl, icmp6TypeNA); len(nas) != 0 {
		t.Fatalf("answered for an address the kernel does not own")
	}

	fx.reg.noteAddress(ruleTarget, false)
	fx.p.HandleNS(solicitor1, solicitedNode(ruleTarget), ruleTarget, mustMAC("aa:bb:cc:dd:ee:01"))
	if nas := fx.sentOn(t, fx.upl, icmp6TypeNA); len(nas) != 1 {
		t.Fatalf("sent %d advertisements, want 1", len(nas))
	}
}

func TestIfaceRuleSession(t *testing.T) {
	fx := newProxyFixture(t, false)
	if err := fx.p.AddRule(Rule{Prefix: rulePrefix, Mode: RuleIface, Via: fx.dtr}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	// The first solicitation opens a session and solicits on the daughter
	// interface; nothing is answered yet.
	fx.p.HandleNS(solicitor1, solicitedNode(ruleTarget), ruleTarget, mustMAC("aa:bb:cc:dd:ee:01"))
	if nss := fx.sentOn(t, fx.dtr, icmp6TypeNS); len(nss) != 1 {
		t.Fatalf("sent %d solicitations on the daughter interface, want 1", len(nss))
	}
	if nas := fx.sentOn(t, fx.upl, icmp6TypeNA); len(nas) != 0 {
		t.Fatal("answered before the target confirmed")
	}

	// A second solicitor queues on the same session without re-soliciting.
	fx.p.HandleNS(solicitor2, solicitedNode(ruleTarget), ruleTarget, mustMAC("aa:bb:cc:dd:ee:02"))
	if nss := fx.sentOn(t, fx.dtr, icmp6TypeNS); len(nss) != 1 {
		t.Fatalf("sent %d solicitations, want 1", len(nss))
	}

	// The target answers; both queued solicitors get their advertisement.
	fx.deliverNA(ruleTarget)
	nas := fx.sentOn(t, fx.upl, icmp6TypeNA)
	if len(nas) != 2 {
		t.Fatalf("sent %d advertisements, want 2", len(nas))
	}
	dsts := map[netip.Addr]bool{}
	for _, b := range nas {
		f, _ := parseFrame(b)
		dsts[addrFrom16(f.dst)] = true
	}
	if !dsts[solicitor1] || !dsts[solicitor2] {
		t.Errorf("advertisement destinations = %v", dsts)
	}

	// A valid session answers immediately.
	fx.p.HandleNS(solicitor1, solicitedNode(ruleTarget), ruleTarget, mustMAC("aa:bb:cc:dd:ee:01"))
	if nas := fx.sentOn(t, fx.upl, icmp6TypeNA); len(nas) != 3 {
		t.Fatalf("sent %d advertisements, want 3", len(nas))
	}
}

func TestSessionRetransmitThenInvalid(t *testing.T) {
	fx := newProxyFixture(t, false)
	if err := fx.p.AddRule(Rule{Prefix: rulePrefix, Mode: RuleIface, Via: fx.dtr}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	fx.p.HandleNS(solicitor1, solicitedNode(ruleTarget), ruleTarget, mustMAC("aa:bb:cc:dd:ee:01"))

	// Each elapsed retransmit interval re-solicits, up to the limit.
	for i := 0; i < sessionRetransLimit; i++ {
		fx.p.Update(sessionRetransTime)
	}
	if nss := fx.sentOn(t, fx.dtr, icmp6TypeNS); len(nss) != 1+sessionRetransLimit {
		t.Fatalf("sent %d solicitations, want %d", len(nss), 1+sessionRetransLimit)
	}

	// One more interval without an answer invalidates the session.
	fx.p.Update(sessionRetransTime)
	s := fx.p.session(ruleTarget)
	if s == nil || s.state != sessionInvalid {
		t.Fatal("session not invalidated after the retransmit limit")
	}

	// Invalid sessions are a negative cache: no answer, no new session.
	fx.p.HandleNS(solicitor1, solicitedNode(ruleTarget), ruleTarget, mustMAC("aa:bb:cc:dd:ee:01"))
	if nas := fx.sentOn(t, fx.upl, icmp6TypeNA); len(nas) != 0 {
		t.Fatal("answered from an invalid session")
	}

	// The negative cache expires and the session unlinks everywhere.
	fx.p.Update(sessionInvalidTTL)
	if fx.p.session(ruleTarget) != nil {
		t.Fatal("session survived its invalid TTL")
	}
	if len(fx.dtr.sessions) != 0 {
		t.Fatal("session still linked to the daughter interface")
	}
}

func TestSessionRenewal(t *testing.T) {
	fx := newProxyFixture(t, false)
	if err := fx.p.AddRule(Rule{Prefix: rulePrefix, Mode: RuleIface, Via: fx.dtr}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	fx.p.HandleNS(solicitor1, solicitedNode(ruleTarget), ruleTarget, mustMAC("aa:bb:cc:dd:ee:01"))
	fx.deliverNA(ruleTarget)

	s := fx.p.session(ruleTarget)
	if s == nil || s.state != sessionValid {
		t.Fatal("session not valid after the target answered")
	}

	// The valid period lapses; the session re-solicits but keeps answering.
	fx.p.Update(sessionValidTTL)
	if s.state != sessionRenewing {
		t.Fatalf("state = %d, want renewing", s.state)
	}
	if nss := fx.sentOn(t, fx.dtr, icmp6TypeNS); len(nss) != 2 {
		t.Fatalf("sent %d solicitations, want 2", len(nss))
	}
	fx.p.HandleNS(solicitor2, solicitedNode(ruleTarget), ruleTarget, mustMAC("aa:bb:cc:dd:ee:02"))
	if nas := fx.sentOn(t, fx.upl, icmp6TypeNA); len(nas) != 2 {
		t.Fatalf("sent %d advertisements, want 2", len(nas))
	}

	// The target confirms again before the renew window closes.
	fx.deliverNA(ruleTarget)
	if s.state != sessionValid {
		t.Fatal("session not revalidated")
	}

	// Without confirmation the renew window drops the session.
	fx.p.Update(sessionValidTTL)
	fx.p.Update(sessionRenewTTL)
	if fx.p.session(ruleTarget) != nil {
		t.Fatal("session survived an unanswered renewal")
	}
}

func TestSessionPendingCap(t *testing.T) {
	fx := newProxyFixture(t, false)
	if err := fx.p.AddRule(Rule{Prefix: rulePrefix, Mode: RuleIface, Via: fx.dtr}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	for i := 0; i < maxPending+8; i++ {
		addr := netip.AddrFrom16([16]byte{0: 0xfd, 15: byte(i + 1)})
		fx.p.HandleNS(addr, solicitedNode(ruleTarget), ruleTarget, mustMAC("aa:bb:cc:dd:ee:01"))
	}
	s := fx.p.session(ruleTarget)
	if s == nil {
		t.Fatal("no session")
	}
	if len(s.pending) != maxPending {
		t.Fatalf("pending = %d, want %d", len(s.pending), maxPending)
	}

	// Oldest entries were shed; the newest solicitor is still queued.
	last := s.pending[len(s.pending)-1]
	if last.addr != netip.AddrFrom16([16]byte{0: 0xfd, 15: byte(maxPending + 8)}) {
		t.Errorf("newest pending solicitor = %s", last.addr)
	}
}
