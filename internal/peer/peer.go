package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"loopmvp/internal/crypto"
	"loopmvp/internal/debuglog"
	"loopmvp/internal/ledger"
	"loopmvp/internal/metrics"
	"loopmvp/internal/promise"
	"loopmvp/internal/proto"
)

const DefaultForwardDelay = 100 * time.Millisecond

var (
	// ErrProtocolViolation is the only failure Handle surfaces for a message;
	// the link that produced it should not be trusted further.
	ErrProtocolViolation = errors.New("protocol violation")
	ErrAlreadyForwarded  = errors.New("promise already forwarded")
	ErrUpdatePending     = errors.New("update already pending")
)

// Link delivers messages to the directly connected neighbor.
type Link interface {
	Send(m proto.Msg) error
}

// Router hands a payload to the opposite side of the chain.
type Router interface {
	SendToRouting(routing json.RawMessage, payload proto.Routed) error
}

// Challenge verifies a solution against a hash-lock challenge without side effects.
type Challenge interface {
	Check(challenge, solution string) bool
}

// Policy decides whether this peer honors a received conditional promise.
type Policy interface {
	Accept(p promise.Promise) bool
}

// NeighborStatusFunc observes update-status messages before they are relayed.
type NeighborStatusFunc func(nick string, m proto.Msg)

type Options struct {
	Nick         string
	Ledger       *ledger.Ledger
	Link         Link
	Router       Router
	Challenge    Challenge
	Hash         ledger.HashFunc
	Policy       Policy
	Scheduler    promise.Scheduler
	ForwardDelay time.Duration
	Metrics      *metrics.Metrics

	UpdateNeighborStatus NeighborStatusFunc
}

type outbound struct {
	link    *proto.Msg
	routing json.RawMessage
	routed  *proto.Routed
}

// Peer is the protocol engine for one neighbor link. Every handler runs to
// completion under mu; outbound messages are queued in the order state
// changed and delivered after mu is released, by one drainer at a time.
type Peer struct {
	nick       string
	link       Link
	router     Router
	challenge  Challenge
	hash       ledger.HashFunc
	policy     Policy
	sched      promise.Scheduler
	delay      time.Duration
	metrics    *metrics.Metrics
	statusHook NeighborStatusFunc

	mu               sync.Mutex
	ledger           *ledger.Ledger
	rcvd             *promise.Registry
	sent             *promise.Registry
	updatesInitiated map[string]ledger.Entry
	queue            []outbound
	draining         bool
}

func New(opts Options) (*Peer, error) {
	if opts.Link == nil {
		return nil, fmt.Errorf("missing link")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("missing router")
	}
	p := &Peer{
		nick:             opts.Nick,
		link:             opts.Link,
		router:           opts.Router,
		challenge:        opts.Challenge,
		hash:             opts.Hash,
		policy:           opts.Policy,
		sched:            opts.Scheduler,
		delay:            opts.ForwardDelay,
		metrics:          opts.Metrics,
		statusHook:       opts.UpdateNeighborStatus,
		ledger:           opts.Ledger,
		rcvd:             promise.NewRegistry(),
		sent:             promise.NewRegistry(),
		updatesInitiated: make(map[string]ledger.Entry),
	}
	if p.nick == "" {
		p.nick = "peer"
	}
	if p.ledger == nil {
		p.ledger = ledger.New()
	}
	if p.challenge == nil {
		p.challenge = crypto.HashLock{}
	}
	if p.hash == nil {
		p.hash = ledger.ComputeHash
	}
	if p.sched == nil {
		p.sched = promise.TimerScheduler
	}
	if p.delay <= 0 {
		p.delay = DefaultForwardDelay
	}
	return p, nil
}

func (p *Peer) Nick() string {
	return p.nick
}

func (p *Peer) Ledger() *ledger.Ledger {
	return p.ledger
}

// Received returns a copy of the received-registry entry for assetID.
func (p *Peer) Received(assetID string) (promise.Promise, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.rcvd.Get(assetID)
	if !ok {
		return promise.Promise{}, false
	}
	return *pr, true
}

// Sent returns a copy of the sent-registry entry for assetID.
func (p *Peer) Sent(assetID string) (promise.Promise, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.sent.Get(assetID)
	if !ok {
		return promise.Promise{}, false
	}
	return *pr, true
}

func (p *Peer) ReceivedSnapshot() []promise.Promise {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rcvd.Snapshot()
}

func (p *Peer) SentSnapshot() []promise.Promise {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent.Snapshot()
}

// PendingUpdates lists the hashes waiting for a confirm-update.
func (p *Peer) PendingUpdates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.updatesInitiated))
	for h := range p.updatesInitiated {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (p *Peer) sendLocked(m proto.Msg) {
	p.queue = append(p.queue, outbound{link: &m})
}

func (p *Peer) routeLocked(routing json.RawMessage, r proto.Routed) {
	p.queue = append(p.queue, outbound{routing: routing, routed: &r})
}

// drain delivers queued messages. A call made while another goroutine (or an
// outer frame of this one) is draining returns at once; the active drainer
// picks up whatever was queued.
func (p *Peer) drain() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	for len(p.queue) > 0 {
		o := p.queue[0]
		p.queue[0] = outbound{}
		p.queue = p.queue[1:]
		p.mu.Unlock()
		p.deliver(o)
		p.mu.Lock()
	}
	p.queue = nil
	p.draining = false
	p.mu.Unlock()
}

func (p *Peer) deliver(o outbound) {
	if o.link != nil {
		if err := p.link.Send(*o.link); err != nil {
			p.metrics.IncDropByReason("send_failed")
			debuglog.Logf("peer %s: send %s failed: %v", p.nick, o.link.Type, err)
		}
		return
	}
	p.metrics.IncRouted()
	if err := p.router.SendToRouting(o.routing, *o.routed); err != nil {
		p.metrics.IncDropByReason("route_failed")
		debuglog.Logf("peer %s: route %s failed: %v", p.nick, o.routed.Type, err)
	}
}

func (p *Peer) drop(reason string, format string, args ...any) {
	p.metrics.IncDropByReason(reason)
	debuglog.Peerf(p.nick, "drop "+reason+": "+format, args...)
}

func (p *Peer) appendLocked(e ledger.Entry) error {
	stored, err := p.ledger.Append(e)
	if err != nil {
		return fmt.Errorf("append %s: %w", e.Kind, err)
	}
	p.metrics.ObserveAppend(metrics.LedgerHeader{
		Peer:         p.nick,
		Kind:         string(stored.Kind),
		Hash:         stored.Hash,
		PreviousHash: stored.PreviousHash,
	})
	return nil
}

func settlementOf(pr *promise.Promise, solution string) *ledger.Settlement {
	return &ledger.Settlement{
		AssetID:   pr.AssetID(),
		Amount:    pr.Asset.Amount.String(),
		Challenge: pr.Challenge,
		Solution:  solution,
	}
}

func pickRouting(primary, fallback json.RawMessage) json.RawMessage {
	if len(primary) > 0 {
		return primary
	}
	return fallback
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
