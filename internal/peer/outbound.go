package peer

import (
	"encoding/json"
	"errors"
	"fmt"

	"loopmvp/internal/ledger"
	"loopmvp/internal/promise"
	"loopmvp/internal/proto"
)

// InitiateUpdate proposes content as the next ledger entry. The entry stays in
// updatesInitiated until the neighbor confirms it.
func (p *Peer) InitiateUpdate(content json.RawMessage) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty update content")
	}
	p.mu.Lock()
	e := ledger.Entry{
		PreviousHash: p.ledger.TailHash(),
		Kind:         ledger.KindConfirmedUpdate,
		Content:      content,
	}
	e.Hash = p.hash(e)
	if _, ok := p.updatesInitiated[e.Hash]; ok {
		p.mu.Unlock()
		return e.Hash, ErrUpdatePending
	}
	p.updatesInitiated[e.Hash] = e
	p.metrics.IncLedgerInitiated()
	p.sendLocked(proto.Msg{
		Type:         proto.MsgTypeInitiateUpdate,
		PreviousHash: e.PreviousHash,
		Hash:         e.Hash,
		Content:      content,
	})
	p.mu.Unlock()
	p.drain()
	return e.Hash, nil
}

// OfferPromise sends a conditional promise to the neighbor and tracks it in
// the sent registry.
func (p *Peer) OfferPromise(asset proto.Asset, challenge string, routing json.RawMessage) error {
	if asset.ID == "" || challenge == "" {
		return fmt.Errorf("offer needs asset id and challenge")
	}
	p.mu.Lock()
	err := p.offerLocked(asset, challenge, routing)
	p.mu.Unlock()
	p.drain()
	return err
}

func (p *Peer) offerLocked(asset proto.Asset, challenge string, routing json.RawMessage) error {
	sp := &promise.Promise{
		Asset:     asset,
		Challenge: challenge,
		Routing:   routing,
		Status:    promise.StatusSent,
	}
	if err := p.sent.Add(sp); err != nil {
		return err
	}
	p.metrics.IncPromiseOffered()
	p.sendLocked(proto.Msg{
		Type:      proto.MsgTypeConditionalPromise,
		Asset:     &asset,
		Challenge: challenge,
		Routing:   routing,
	})
	return nil
}

// RejectReceived declines a received promise before its challenge goes
// onward. Once forwarded the promise can only be retracted by please-reject.
func (p *Peer) RejectReceived(assetID string) error {
	p.mu.Lock()
	rp, ok := p.rcvd.Get(assetID)
	if !ok {
		p.mu.Unlock()
		return promise.ErrUnknownAsset
	}
	if rp.Forward != promise.Pending {
		p.mu.Unlock()
		return ErrAlreadyForwarded
	}
	p.rcvd.Remove(assetID, promise.StatusRejected)
	p.metrics.IncPromiseRejected()
	p.sendLocked(proto.Msg{Type: proto.MsgTypeReject, AssetID: assetID, Routing: rp.Routing})
	p.mu.Unlock()
	p.drain()
	return nil
}

// WithdrawSent forgets an open offer without telling the neighbor. A node at
// the edge of the chain uses it for the offer its routed challenge parked on
// the missing link.
func (p *Peer) WithdrawSent(assetID string, status promise.Status) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.sent.Get(assetID)
	if !ok || sp.Status != promise.StatusSent {
		return false
	}
	p.sent.Remove(assetID, status)
	return true
}

// HandleRouted accepts a payload that the other side of this node handed to
// the routing collaborator. Stale payloads are dropped; a malformed one is a
// protocol violation.
func (p *Peer) HandleRouted(routing json.RawMessage, r proto.Routed) error {
	p.mu.Lock()
	err := p.routedLocked(routing, r)
	p.mu.Unlock()
	p.drain()
	return err
}

func (p *Peer) routedLocked(routing json.RawMessage, r proto.Routed) error {
	switch r.Type {
	case proto.RoutedChallenge:
		if r.Asset == nil || r.Asset.ID == "" || r.Challenge == "" {
			return fmt.Errorf("%w: routed challenge without asset", ErrProtocolViolation)
		}
		err := p.offerLocked(*r.Asset, r.Challenge, routing)
		if errors.Is(err, promise.ErrDuplicateAsset) {
			p.drop("duplicate", "routed challenge for in-flight asset %s", r.Asset.ID)
			return nil
		}
		return err
	case proto.RoutedSolution:
		if r.AssetID == "" || r.Solution == "" {
			return fmt.Errorf("%w: routed solution without asset", ErrProtocolViolation)
		}
		p.solveLocked(r.AssetID, r.Solution)
		return nil
	case proto.RoutedPleaseReject:
		sp, ok := p.sent.Get(r.AssetID)
		if !ok || sp.Status != promise.StatusSent {
			p.drop("stale", "routed please-reject for asset %s with no open promise", r.AssetID)
			return nil
		}
		p.sendLocked(proto.Msg{
			Type:    proto.MsgTypePleaseReject,
			AssetID: r.AssetID,
			Routing: pickRouting(routing, sp.Routing),
		})
		return nil
	case proto.RoutedReject:
		rp, ok := p.rcvd.Remove(r.AssetID, promise.StatusRejectedByNextHop)
		if !ok {
			p.drop("stale", "routed reject for unknown asset %s", r.AssetID)
			return nil
		}
		p.metrics.IncPromiseRejected()
		p.sendLocked(proto.Msg{
			Type:    proto.MsgTypeReject,
			AssetID: r.AssetID,
			Routing: pickRouting(routing, rp.Routing),
		})
		return nil
	case proto.RoutedRelay:
		if r.Relay == nil {
			return fmt.Errorf("%w: routed relay without message", ErrProtocolViolation)
		}
		p.sendLocked(*r.Relay)
		return nil
	}
	return fmt.Errorf("%w: unknown routed payload %q", ErrProtocolViolation, r.Type)
}

// solveLocked stages the settlement of a forwarded promise and asks the
// upstream neighbor to satisfy it. The entry is committed on confirm-update.
func (p *Peer) solveLocked(assetID, solution string) {
	rp, ok := p.rcvd.Get(assetID)
	if !ok || rp.Forward != promise.Forwarded {
		p.drop("stale", "routed solution for asset %s with no forwarded promise", assetID)
		return
	}
	if rp.Status == promise.StatusSolved {
		p.drop("duplicate", "routed solution for solved asset %s", assetID)
		return
	}
	if !p.challenge.Check(rp.Challenge, solution) {
		p.drop("challenge_failed", "routed solution for asset %s", assetID)
		return
	}
	e := ledger.Entry{
		PreviousHash: p.ledger.TailHash(),
		Kind:         ledger.KindSettledPromise,
		Settlement:   settlementOf(rp, solution),
	}
	e.Hash = p.hash(e)
	p.updatesInitiated[e.Hash] = e
	rp.Solution = solution
	rp.Status = promise.StatusSolved
	p.sendLocked(proto.Msg{
		Type:     proto.MsgTypeSatisfyCondition,
		AssetID:  assetID,
		Solution: solution,
		Routing:  rp.Routing,
	})
}
