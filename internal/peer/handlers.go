package peer

import (
	"fmt"

	"loopmvp/internal/debuglog"
	"loopmvp/internal/ledger"
	"loopmvp/internal/promise"
	"loopmvp/internal/proto"
)

// HandleRaw decodes one wire message and handles it. A payload that does not
// decode is a protocol violation.
func (p *Peer) HandleRaw(data []byte) error {
	m, err := proto.DecodeMsg(data)
	if err != nil {
		p.metrics.IncRecvByType("undecodable")
		return fmt.Errorf("%w: decode: %v", ErrProtocolViolation, err)
	}
	return p.Handle(m)
}

// Handle dispatches one message from the neighbor. Stale, duplicate and
// unverifiable messages are dropped and return nil; only an unknown kind or a
// ledger write failure is returned.
func (p *Peer) Handle(m proto.Msg) error {
	if !proto.KnownType(m.Type) {
		p.metrics.IncRecvByType("unknown")
		debuglog.Peerf(p.nick, "unknown msg type %q", m.Type)
		return fmt.Errorf("%w: unknown msg type %q", ErrProtocolViolation, m.Type)
	}
	p.metrics.IncRecvByType(m.Type)
	if err := m.Validate(); err != nil {
		p.drop("malformed", "%v", err)
		return nil
	}

	p.mu.Lock()
	err := p.dispatchLocked(m)
	p.mu.Unlock()
	p.drain()

	if err == nil && m.Type == proto.MsgTypeUpdateStatus && p.statusHook != nil {
		p.statusHook(p.nick, m)
	}
	return err
}

func (p *Peer) dispatchLocked(m proto.Msg) error {
	switch m.Type {
	case proto.MsgTypeInitiateUpdate:
		return p.handleInitiateUpdate(m)
	case proto.MsgTypeConfirmUpdate:
		return p.handleConfirmUpdate(m)
	case proto.MsgTypeUpdateStatus, proto.MsgTypeProbe:
		p.routeLocked(m.Routing, proto.Routed{Type: proto.RoutedRelay, Relay: &m})
		return nil
	case proto.MsgTypeConditionalPromise:
		p.handleConditionalPromise(m)
		return nil
	case proto.MsgTypeSatisfyCondition:
		return p.handleSatisfyCondition(m)
	case proto.MsgTypePleaseReject:
		p.handlePleaseReject(m)
		return nil
	case proto.MsgTypeReject:
		p.handleReject(m)
		return nil
	}
	return fmt.Errorf("%w: unknown msg type %q", ErrProtocolViolation, m.Type)
}

func (p *Peer) handleInitiateUpdate(m proto.Msg) error {
	tail := p.ledger.TailHash()
	if m.PreviousHash != tail {
		p.drop("chain_mismatch", "initiate-update %s links to %s, tail is %s",
			short(m.Hash), short(m.PreviousHash), short(tail))
		return nil
	}
	e := ledger.Entry{
		PreviousHash: m.PreviousHash,
		Hash:         m.Hash,
		Kind:         ledger.KindInitiateUpdate,
		Content:      m.Content,
	}
	if got := p.hash(e); got != m.Hash {
		p.drop("hash_mismatch", "initiate-update claims %s, content hashes to %s", short(m.Hash), short(got))
		return nil
	}
	if err := p.appendLocked(e); err != nil {
		return err
	}
	p.sendLocked(proto.Msg{Type: proto.MsgTypeConfirmUpdate, Hash: m.Hash})
	return nil
}

func (p *Peer) handleConfirmUpdate(m proto.Msg) error {
	e, ok := p.updatesInitiated[m.Hash]
	if !ok {
		p.drop("stale", "confirm-update for unknown hash %s", short(m.Hash))
		return nil
	}
	delete(p.updatesInitiated, m.Hash)
	if tail := p.ledger.TailHash(); e.PreviousHash != tail {
		p.drop("chain_mismatch", "pending update %s links to %s, tail is %s",
			short(e.Hash), short(e.PreviousHash), short(tail))
		if e.Kind == ledger.KindSettledPromise && e.Settlement != nil {
			p.releaseStuckLocked(e.Settlement.AssetID)
		}
		return nil
	}
	if err := p.appendLocked(e); err != nil {
		return err
	}
	if e.Kind == ledger.KindSettledPromise && e.Settlement != nil {
		id := e.Settlement.AssetID
		if rp, ok := p.rcvd.Get(id); ok && rp.Status == promise.StatusSolved {
			p.rcvd.Remove(id, promise.StatusSolved)
			p.metrics.IncPromiseSettled()
		}
	}
	return nil
}

// releaseStuckLocked drops a solved promise whose settlement can no longer be
// committed on this ledger.
func (p *Peer) releaseStuckLocked(assetID string) {
	rp, ok := p.rcvd.Get(assetID)
	if !ok || rp.Status != promise.StatusSolved {
		return
	}
	p.rcvd.Remove(assetID, promise.StatusSolved)
	debuglog.Logf("peer %s: settlement of asset %s lost the ledger tail; promise released unsettled", p.nick, assetID)
}

func (p *Peer) handleConditionalPromise(m proto.Msg) {
	id := m.Asset.ID
	if cur, ok := p.rcvd.Get(id); ok && !cur.Status.Terminal() {
		p.drop("duplicate", "conditional-promise for in-flight asset %s", id)
		return
	}
	pr := &promise.Promise{
		Asset:     *m.Asset,
		Challenge: m.Challenge,
		Routing:   m.Routing,
		Status:    promise.StatusReceived,
		Forward:   promise.Pending,
	}
	p.metrics.IncPromiseReceived()
	if p.policy != nil && !p.policy.Accept(*pr) {
		pr.Status = promise.StatusRejected
		pr.Forward = promise.Removed
		p.metrics.IncPromiseRejected()
		debuglog.Peerf(p.nick, "policy refused asset %s", id)
		p.sendLocked(proto.Msg{Type: proto.MsgTypeReject, AssetID: id, Routing: m.Routing})
		return
	}
	if err := p.rcvd.Add(pr); err != nil {
		p.drop("duplicate", "conditional-promise for asset %s: %v", id, err)
		return
	}
	p.rcvd.Schedule(pr, p.sched, p.delay, func() { p.forward(pr) })
}

// forward runs from the scheduler. It acts only if pr is still the pending
// entry for its asset; a retraction that won the lock first leaves it Removed.
func (p *Peer) forward(pr *promise.Promise) {
	p.mu.Lock()
	if !p.rcvd.Current(pr) {
		p.mu.Unlock()
		return
	}
	pr.Forward = promise.Forwarded
	pr.Status = promise.StatusForwarded
	asset := pr.Asset
	p.routeLocked(pr.Routing, proto.Routed{
		Type:      proto.RoutedChallenge,
		AssetID:   asset.ID,
		Asset:     &asset,
		Challenge: pr.Challenge,
	})
	p.metrics.IncPromiseForwarded()
	p.mu.Unlock()
	p.drain()
}

func (p *Peer) handleSatisfyCondition(m proto.Msg) error {
	sp, ok := p.sent.Get(m.AssetID)
	if !ok || sp.Status != promise.StatusSent {
		p.drop("stale", "satisfy-condition for asset %s with no open promise", m.AssetID)
		return nil
	}
	if !p.challenge.Check(sp.Challenge, m.Solution) {
		p.drop("challenge_failed", "satisfy-condition for asset %s", m.AssetID)
		return nil
	}
	e := ledger.Entry{
		PreviousHash: p.ledger.TailHash(),
		Kind:         ledger.KindSettledPromise,
		Settlement:   settlementOf(sp, m.Solution),
	}
	e.Hash = p.hash(e)
	if err := p.appendLocked(e); err != nil {
		return err
	}
	sp.Solution = m.Solution
	p.sent.Remove(m.AssetID, promise.StatusSatisfied)
	p.metrics.IncPromiseSettled()
	p.sendLocked(proto.Msg{Type: proto.MsgTypeConfirmUpdate, Hash: e.Hash})
	p.routeLocked(pickRouting(m.Routing, sp.Routing), proto.Routed{
		Type:     proto.RoutedSolution,
		AssetID:  m.AssetID,
		Solution: m.Solution,
	})
	return nil
}

func (p *Peer) handlePleaseReject(m proto.Msg) {
	rp, ok := p.rcvd.Get(m.AssetID)
	if !ok {
		p.drop("stale", "please-reject for unknown asset %s", m.AssetID)
		return
	}
	switch rp.Forward {
	case promise.Pending:
		p.rcvd.Remove(m.AssetID, promise.StatusRejected)
		p.metrics.IncPromiseRejected()
		p.sendLocked(proto.Msg{
			Type:    proto.MsgTypeReject,
			AssetID: m.AssetID,
			Routing: pickRouting(m.Routing, rp.Routing),
		})
	case promise.Forwarded:
		if rp.Status == promise.StatusSolved {
			p.drop("stale", "please-reject for solved asset %s", m.AssetID)
			return
		}
		p.metrics.IncPromiseCascaded()
		p.routeLocked(pickRouting(m.Routing, rp.Routing), proto.Routed{
			Type:    proto.RoutedPleaseReject,
			AssetID: m.AssetID,
		})
	}
}

func (p *Peer) handleReject(m proto.Msg) {
	sp, ok := p.sent.Get(m.AssetID)
	if !ok || sp.Status != promise.StatusSent {
		p.drop("stale", "reject for asset %s with no open promise", m.AssetID)
		return
	}
	p.sent.Remove(m.AssetID, promise.StatusRejected)
	p.metrics.IncPromiseRejected()
	p.routeLocked(pickRouting(m.Routing, sp.Routing), proto.Routed{
		Type:    proto.RoutedReject,
		AssetID: m.AssetID,
	})
}
