package network

import "testing"

func TestIPLimiterConnCap(t *testing.T) {
	lim := newIPLimiter(1, 0)
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected first conn acquire")
	}
	if lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected conn cap")
	}
	lim.releaseConn("1.2.3.4")
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterStreamCap(t *testing.T) {
	lim := newIPLimiter(0, 2)
	if !lim.acquireStream("1.2.3.4") || !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream acquire")
	}
	if lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream cap")
	}
	lim.releaseStream("1.2.3.4")
	if !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := newIPLimiter(1, 1)
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected first conn")
	}
	if !lim.acquireConn("2.3.4.5") {
		t.Fatalf("expected separate ip conn")
	}
	if !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream acquire")
	}
	if !lim.acquireStream("2.3.4.5") {
		t.Fatalf("expected separate ip stream")
	}
}

func TestIPLimiterReleaseWithoutAcquire(t *testing.T) {
	lim := newIPLimiter(1, 1)
	lim.releaseConn("1.2.3.4")
	lim.releaseStream("1.2.3.4")
	if n := lim.conns.holders("1.2.3.4"); n != 0 {
		t.Fatalf("expected no holders, got %d", n)
	}
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("spurious release must not block acquire")
	}
	if lim.acquireConn("1.2.3.4") {
		t.Fatalf("spurious release must not raise the cap")
	}
}

func TestHostOf(t *testing.T) {
	if got := hostOf("10.0.0.1:4242"); got != "10.0.0.1" {
		t.Fatalf("unexpected host %q", got)
	}
	if got := hostOf("[::1]:4242"); got != "::1" {
		t.Fatalf("unexpected host %q", got)
	}
	if got := hostOf("nohost"); got != "nohost" {
		t.Fatalf("unexpected fallback %q", got)
	}
}
