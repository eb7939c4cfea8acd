package peer_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"loopmvp/internal/crypto"
	"loopmvp/internal/metrics"
	"loopmvp/internal/peer"
	"loopmvp/internal/promise"
	"loopmvp/internal/proto"
	"loopmvp/internal/testutil"
)

type recordingLink struct {
	mu   sync.Mutex
	msgs []proto.Msg
}

func (l *recordingLink) Send(m proto.Msg) error {
	l.mu.Lock()
	l.msgs = append(l.msgs, m)
	l.mu.Unlock()
	return nil
}

func (l *recordingLink) ofType(t string) []proto.Msg {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []proto.Msg
	for _, m := range l.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (l *recordingLink) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

type routedCall struct {
	routing json.RawMessage
	payload proto.Routed
}

type recordingRouter struct {
	mu    sync.Mutex
	calls []routedCall
}

func (r *recordingRouter) SendToRouting(routing json.RawMessage, payload proto.Routed) error {
	r.mu.Lock()
	r.calls = append(r.calls, routedCall{routing: routing, payload: payload})
	r.mu.Unlock()
	return nil
}

func (r *recordingRouter) ofType(t string) []routedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []routedCall
	for _, c := range r.calls {
		if c.payload.Type == t {
			out = append(out, c)
		}
	}
	return out
}

func (r *recordingRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type refuseAll struct{}

func (refuseAll) Accept(promise.Promise) bool { return false }

type harness struct {
	peer    *peer.Peer
	link    *recordingLink
	router  *recordingRouter
	sched   *testutil.ManualScheduler
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, policy peer.Policy) *harness {
	t.Helper()
	h := &harness{
		link:    &recordingLink{},
		router:  &recordingRouter{},
		sched:   &testutil.ManualScheduler{},
		metrics: metrics.New(),
	}
	p, err := peer.New(peer.Options{
		Nick:      "test",
		Link:      h.link,
		Router:    h.router,
		Policy:    policy,
		Scheduler: h.sched,
		Metrics:   h.metrics,
	})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	h.peer = p
	return h
}

func (h *harness) handle(t *testing.T, m proto.Msg) {
	t.Helper()
	if err := h.peer.Handle(m); err != nil {
		t.Fatalf("handle %s: %v", m.Type, err)
	}
}

func testAsset(id string) proto.Asset {
	return proto.Asset{ID: id, Amount: decimal.RequireFromString("12.5")}
}

func condPromise(id, solution string) proto.Msg {
	a := testAsset(id)
	return proto.Msg{
		Type:      proto.MsgTypeConditionalPromise,
		Asset:     &a,
		Challenge: crypto.NewChallenge(solution),
		Routing:   json.RawMessage(`{"to":"carol"}`),
	}
}
