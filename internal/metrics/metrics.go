package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type LedgerHeader struct {
	Peer         string `json:"peer"`
	Kind         string `json:"kind"`
	Hash         string `json:"hash"`
	PreviousHash string `json:"previous_hash"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Promises     PromiseMetrics    `json:"promises"`
	Ledger       LedgerMetrics     `json:"ledger"`
	Routed       uint64            `json:"routed"`
	Transport    TransportMetrics  `json:"transport"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	Recent       []LedgerHeader    `json:"recent"`
}

type PromiseMetrics struct {
	Received  uint64 `json:"received"`
	Offered   uint64 `json:"offered"`
	Forwarded uint64 `json:"forwarded"`
	Settled   uint64 `json:"settled"`
	Rejected  uint64 `json:"rejected"`
	Cascaded  uint64 `json:"cascaded"`
}

type TransportMetrics struct {
	CurrentConns   int64 `json:"current_conns"`
	CurrentStreams int64 `json:"current_streams"`
}

type LedgerMetrics struct {
	Appended  uint64 `json:"appended"`
	Initiated uint64 `json:"initiated"`
}

type Metrics struct {
	promisesReceived  atomic.Uint64
	promisesOffered   atomic.Uint64
	promisesForwarded atomic.Uint64
	promisesSettled   atomic.Uint64
	promisesRejected  atomic.Uint64
	promisesCascaded  atomic.Uint64
	ledgerAppended    atomic.Uint64
	ledgerInitiated   atomic.Uint64
	routed            atomic.Uint64
	currentConns      atomic.Int64
	currentStreams    atomic.Int64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64
	recent       *LedgerRecent
}

func New() *Metrics {
	return &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewLedgerRecent(64),
	}
}

func (m *Metrics) Recent() *LedgerRecent {
	if m == nil {
		return nil
	}
	return m.recent
}

func (m *Metrics) IncPromiseReceived() {
	if m != nil {
		m.promisesReceived.Add(1)
	}
}

func (m *Metrics) IncPromiseOffered() {
	if m != nil {
		m.promisesOffered.Add(1)
	}
}

func (m *Metrics) IncPromiseForwarded() {
	if m != nil {
		m.promisesForwarded.Add(1)
	}
}

func (m *Metrics) IncPromiseSettled() {
	if m != nil {
		m.promisesSettled.Add(1)
	}
}

func (m *Metrics) IncPromiseRejected() {
	if m != nil {
		m.promisesRejected.Add(1)
	}
}

func (m *Metrics) IncPromiseCascaded() {
	if m != nil {
		m.promisesCascaded.Add(1)
	}
}

func (m *Metrics) IncLedgerInitiated() {
	if m != nil {
		m.ledgerInitiated.Add(1)
	}
}

func (m *Metrics) IncRouted() {
	if m != nil {
		m.routed.Add(1)
	}
}

func (m *Metrics) SetCurrentConns(n int64) {
	if m == nil {
		return
	}
	m.currentConns.Store(n)
}

func (m *Metrics) SetCurrentStreams(n int64) {
	if m == nil {
		return
	}
	m.currentStreams.Store(n)
}

// ObserveAppend counts a ledger append and remembers its header.
func (m *Metrics) ObserveAppend(h LedgerHeader) {
	if m == nil {
		return
	}
	m.ledgerAppended.Add(1)
	m.recent.Add(h)
}

func (m *Metrics) IncRecvByType(msgType string) {
	if m == nil || msgType == "" {
		return
	}
	m.mu.Lock()
	m.recvByType[msgType]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	m.mu.Lock()
	recv := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		recv[k] = v
	}
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.mu.Unlock()
	recent := []LedgerHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Promises: PromiseMetrics{
			Received:  m.promisesReceived.Load(),
			Offered:   m.promisesOffered.Load(),
			Forwarded: m.promisesForwarded.Load(),
			Settled:   m.promisesSettled.Load(),
			Rejected:  m.promisesRejected.Load(),
			Cascaded:  m.promisesCascaded.Load(),
		},
		Ledger: LedgerMetrics{
			Appended:  m.ledgerAppended.Load(),
			Initiated: m.ledgerInitiated.Load(),
		},
		Routed:       m.routed.Load(),
		Transport: TransportMetrics{
			CurrentConns:   m.currentConns.Load(),
			CurrentStreams: m.currentStreams.Load(),
		},
		RecvByType:   recv,
		DropByReason: drops,
		Recent:       recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ReadSnapshot loads a snapshot written by WriteSnapshot. A missing or
// unreadable file yields an empty snapshot.
func ReadSnapshot(path string) Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}
	}
	return snap
}

type LedgerRecent struct {
	mu   sync.Mutex
	cap  int
	list []LedgerHeader
}

func NewLedgerRecent(capacity int) *LedgerRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &LedgerRecent{cap: capacity}
}

func (r *LedgerRecent) Add(h LedgerHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *LedgerRecent) List() []LedgerHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LedgerHeader, len(r.list))
	copy(out, r.list)
	return out
}
