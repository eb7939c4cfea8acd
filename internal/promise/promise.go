package promise

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"loopmvp/internal/proto"
)

var (
	ErrDuplicateAsset = errors.New("promise: asset already has an in-flight promise")
	ErrUnknownAsset   = errors.New("promise: unknown asset")
)

type Status string

const (
	// received registry
	StatusReceived          Status = "received"
	StatusForwarded         Status = "forwarded"
	StatusSolved            Status = "solved"
	StatusRejected          Status = "rejected"
	StatusRejectedByNextHop Status = "rejected-by-next-hop"

	// sent registry
	StatusSent      Status = "sent"
	StatusSatisfied Status = "satisfied"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusRejectedByNextHop, StatusSatisfied:
		return true
	}
	return false
}

// ForwardState tracks the race between the delayed forward of a received
// challenge and a retraction. Every transition happens under the owning
// peer's lock, so a reader sees exactly one of the three values.
type ForwardState int

const (
	Pending ForwardState = iota
	Forwarded
	Removed
)

func (s ForwardState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Forwarded:
		return "forwarded"
	case Removed:
		return "removed"
	}
	return "unknown"
}

type Promise struct {
	Asset     proto.Asset
	Challenge string
	Routing   json.RawMessage
	Solution  string
	Status    Status
	Forward   ForwardState

	stop func() bool
}

func (p *Promise) AssetID() string {
	return p.Asset.ID
}

// ChallengeReused reports whether the challenge already went onward, which
// makes a unilateral local retraction impossible.
func (p *Promise) ChallengeReused() bool {
	return p.Forward == Forwarded
}

// Scheduler runs fn after d. The returned func cancels the run and reports
// whether it was still pending.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

type timerScheduler struct{}

func (timerScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// TimerScheduler is the production Scheduler backed by time.AfterFunc.
var TimerScheduler Scheduler = timerScheduler{}

// Registry holds at most one live promise per asset id. It is not safe for
// concurrent use; the owning peer serializes access.
type Registry struct {
	byAsset map[string]*Promise
}

func NewRegistry() *Registry {
	return &Registry{byAsset: make(map[string]*Promise)}
}

// Add stores p. A live promise for the same asset is never overwritten;
// a terminal one is replaced.
func (r *Registry) Add(p *Promise) error {
	id := p.AssetID()
	if cur, ok := r.byAsset[id]; ok && !cur.Status.Terminal() {
		return ErrDuplicateAsset
	}
	r.byAsset[id] = p
	return nil
}

func (r *Registry) Get(assetID string) (*Promise, bool) {
	p, ok := r.byAsset[assetID]
	return p, ok
}

// Schedule ties a delayed callback to p's lifetime: removing p cancels it.
func (r *Registry) Schedule(p *Promise, s Scheduler, d time.Duration, fn func()) {
	if s == nil {
		s = TimerScheduler
	}
	p.stop = s.AfterFunc(d, fn)
}

// Current reports whether p is still the live entry for its asset and has
// not been forwarded or removed. Scheduled callbacks must check it before
// acting.
func (r *Registry) Current(p *Promise) bool {
	cur, ok := r.byAsset[p.AssetID()]
	return ok && cur == p && p.Forward == Pending
}

// Remove deletes the entry, cancels its scheduled callback and marks it
// Removed with the given terminal status.
func (r *Registry) Remove(assetID string, status Status) (*Promise, bool) {
	p, ok := r.byAsset[assetID]
	if !ok {
		return nil, false
	}
	delete(r.byAsset, assetID)
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
	p.Forward = Removed
	p.Status = status
	return p, true
}

func (r *Registry) Len() int {
	return len(r.byAsset)
}

// Snapshot returns copies of every entry ordered by asset id.
func (r *Registry) Snapshot() []Promise {
	out := make([]Promise, 0, len(r.byAsset))
	for _, p := range r.byAsset {
		c := *p
		c.stop = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AssetID() < out[j].AssetID()
	})
	return out
}
