package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"loopmvp/internal/ledger"
	"loopmvp/internal/metrics"
	"loopmvp/internal/peer"
	"loopmvp/internal/promise"
	"loopmvp/internal/proto"
	"loopmvp/internal/routing"
	"loopmvp/internal/store"
)

var ErrNoNeighbor = errors.New("node: no neighbor on this side")

// Node pairs an in peer (facing the upstream neighbor) with an out peer
// (facing the downstream neighbor). Each peer keeps its own ledger, shared
// bilaterally with the neighbor on that link.
type Node struct {
	Nick string
	Home string
	In   *peer.Peer
	Out  *peer.Peer
	Pair *routing.Pair

	journals []store.Journal
	// outEdge is set when no downstream neighbor exists.
	outEdge bool
}

type Options struct {
	Store        string
	ForwardDelay time.Duration
	Scheduler    promise.Scheduler
	Metrics      *metrics.Metrics
	Policy       peer.Policy

	// InLink and OutLink reach the neighbors. A nil link marks the edge of
	// the chain: sends on it fail with ErrNoNeighbor.
	InLink  peer.Link
	OutLink peer.Link

	UpdateNeighborStatus peer.NeighborStatusFunc
}

type noLink struct{}

func (noLink) Send(proto.Msg) error { return ErrNoNeighbor }

// NewNode opens (or creates) both ledgers under home and wires the peers
// through a routing pair.
func NewNode(home, nick string, opts Options) (*Node, error) {
	if home == "" {
		return nil, fmt.Errorf("missing home")
	}
	if nick == "" {
		return nil, fmt.Errorf("missing nick")
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	n := &Node{Nick: nick, Home: home, Pair: routing.NewPair(), outEdge: opts.OutLink == nil}
	in, err := n.openPeer(proto.SideIn, opts.InLink, n.Pair.InRouter(), opts)
	if err != nil {
		n.Close()
		return nil, err
	}
	out, err := n.openPeer(proto.SideOut, opts.OutLink, n.Pair.OutRouter(), opts)
	if err != nil {
		n.Close()
		return nil, err
	}
	n.In, n.Out = in, out
	if err := n.Pair.Bind(in, out); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) openPeer(side string, link peer.Link, router peer.Router, opts Options) (*peer.Peer, error) {
	j, err := store.Open(opts.Store, filepath.Join(n.Home, side))
	if err != nil {
		return nil, err
	}
	n.journals = append(n.journals, j)
	l, err := ledger.Open(j)
	if err != nil {
		return nil, fmt.Errorf("%s ledger: %w", side, err)
	}
	if link == nil {
		link = noLink{}
	}
	return peer.New(peer.Options{
		Nick:                 n.Nick + "/" + side,
		Ledger:               l,
		Link:                 link,
		Router:               router,
		Policy:               opts.Policy,
		Scheduler:            opts.Scheduler,
		ForwardDelay:         opts.ForwardDelay,
		Metrics:              opts.Metrics,
		UpdateNeighborStatus: opts.UpdateNeighborStatus,
	})
}

// Peer returns the peer for side ("in" or "out").
func (n *Node) Peer(side string) (*peer.Peer, bool) {
	switch side {
	case proto.SideIn:
		return n.In, n.In != nil
	case proto.SideOut:
		return n.Out, n.Out != nil
	}
	return nil, false
}

// Pay offers a conditional promise to the downstream neighbor.
func (n *Node) Pay(asset proto.Asset, challenge string, routingInfo json.RawMessage) error {
	return n.Out.OfferPromise(asset, challenge, routingInfo)
}

// Retract asks the downstream neighbor to drop a promise this node offered.
func (n *Node) Retract(assetID string) error {
	return n.Out.HandleRouted(nil, proto.Routed{Type: proto.RoutedPleaseReject, AssetID: assetID})
}

// Solve releases a promise received from upstream, as the final recipient
// holding the solution.
func (n *Node) Solve(assetID, solution string) error {
	if err := n.In.HandleRouted(nil, proto.Routed{Type: proto.RoutedSolution, AssetID: assetID, Solution: solution}); err != nil {
		return err
	}
	n.withdrawEdgeOffer(assetID, promise.StatusSatisfied)
	return nil
}

// Decline refuses a forwarded promise received from upstream, as the final
// recipient.
func (n *Node) Decline(assetID string) error {
	if err := n.In.HandleRouted(nil, proto.Routed{Type: proto.RoutedReject, AssetID: assetID}); err != nil {
		return err
	}
	n.withdrawEdgeOffer(assetID, promise.StatusRejected)
	return nil
}

// withdrawEdgeOffer drops the offer a forwarded challenge left on the out
// side when there is nobody downstream to answer it.
func (n *Node) withdrawEdgeOffer(assetID string, status promise.Status) {
	if n.outEdge {
		n.Out.WithdrawSent(assetID, status)
	}
}

// Update proposes content as the next entry of the ledger on side.
func (n *Node) Update(side string, content json.RawMessage) (string, error) {
	p, ok := n.Peer(side)
	if !ok {
		return "", fmt.Errorf("unknown side %q", side)
	}
	return p.InitiateUpdate(content)
}

func (n *Node) Close() error {
	if n.Pair != nil {
		n.Pair.Close()
	}
	var first error
	for _, j := range n.journals {
		if err := j.Close(); err != nil && first == nil {
			first = err
		}
	}
	n.journals = nil
	return first
}

// LoadLedger replays the journal for side under home without starting a
// node, for offline inspection.
func LoadLedger(home, backend, side string) ([]ledger.Entry, error) {
	if side != proto.SideIn && side != proto.SideOut {
		return nil, fmt.Errorf("unknown side %q", side)
	}
	j, err := store.Open(backend, filepath.Join(home, side))
	if err != nil {
		return nil, err
	}
	defer j.Close()
	entries, err := j.Load()
	if err != nil {
		return nil, err
	}
	return entries, ledger.Verify(entries)
}
