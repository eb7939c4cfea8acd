package routing

import (
	"encoding/json"
	"errors"
	"sync"

	"loopmvp/internal/debuglog"
	"loopmvp/internal/proto"
)

var (
	ErrNotBound = errors.New("routing: pair not bound")
	ErrClosed   = errors.New("routing: pair closed")
)

// Target receives payloads routed from the opposite side of a node.
type Target interface {
	HandleRouted(routing json.RawMessage, payload proto.Routed) error
}

type delivery struct {
	routing json.RawMessage
	payload proto.Routed
}

// queue is an unbounded FIFO drained by one worker. Senders never block, so
// two workers feeding each other cannot deadlock.
type queue struct {
	name   string
	mu     sync.Mutex
	items  []delivery
	wake   chan struct{}
	target Target
}

func newQueue(name string) *queue {
	return &queue{name: name, wake: make(chan struct{}, 1)}
}

func (q *queue) push(d delivery) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return delivery{}, false
	}
	d := q.items[0]
	q.items[0] = delivery{}
	q.items = q.items[1:]
	return d, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pair is the in-process routing collaborator between the in and out peers
// of one node. A payload sent by one side is delivered to the other side's
// HandleRouted on that side's worker goroutine, in send order.
type Pair struct {
	toIn  *queue
	toOut *queue

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup

	// OnError observes HandleRouted failures. Optional.
	OnError func(side string, err error)
}

func NewPair() *Pair {
	return &Pair{
		toIn:  newQueue(proto.SideIn),
		toOut: newQueue(proto.SideOut),
		done:  make(chan struct{}),
	}
}

// Bind attaches both targets and starts the workers. It may be called once.
func (p *Pair) Bind(in, out Target) error {
	if in == nil || out == nil {
		return errors.New("routing: missing target")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.started {
		return errors.New("routing: pair already bound")
	}
	p.toIn.target = in
	p.toOut.target = out
	p.started = true
	p.wg.Add(2)
	go p.work(p.toIn)
	go p.work(p.toOut)
	return nil
}

// InRouter is the Router for the in peer; it delivers to the out peer.
func (p *Pair) InRouter() *Endpoint {
	return &Endpoint{pair: p, dst: p.toOut}
}

// OutRouter is the Router for the out peer; it delivers to the in peer.
func (p *Pair) OutRouter() *Endpoint {
	return &Endpoint{pair: p, dst: p.toIn}
}

// Pending counts undelivered payloads on both queues.
func (p *Pair) Pending() int {
	return p.toIn.len() + p.toOut.len()
}

func (p *Pair) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pair) work(q *queue) {
	defer p.wg.Done()
	for {
		for {
			d, ok := q.pop()
			if !ok {
				break
			}
			if err := q.target.HandleRouted(d.routing, d.payload); err != nil {
				debuglog.Logf("routing %s: %s failed: %v", q.name, d.payload.Type, err)
				if p.OnError != nil {
					p.OnError(q.name, err)
				}
			}
		}
		select {
		case <-q.wake:
		case <-p.done:
			return
		}
	}
}

// Endpoint is one side's view of the pair.
type Endpoint struct {
	pair *Pair
	dst  *queue
}

func (e *Endpoint) SendToRouting(routing json.RawMessage, payload proto.Routed) error {
	e.pair.mu.Lock()
	started, closed := e.pair.started, e.pair.closed
	e.pair.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotBound
	}
	e.dst.push(delivery{routing: routing, payload: payload})
	return nil
}
