package ledger

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrEmptyLedger = errors.New("ledger: empty")
	ErrBrokenChain = errors.New("ledger: previous hash does not match tail")
	ErrMissingHash = errors.New("ledger: entry has no hash")
)

// Journal persists entries in append order. Append must be durable before it
// returns; Load returns every entry ever appended.
type Journal interface {
	Append(Entry) error
	Load() ([]Entry, error)
}

// Ledger is an append-only hash chain. Entries are never mutated or removed.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	journal Journal
}

func New() *Ledger {
	return &Ledger{}
}

// Open replays j and verifies the chain before accepting new appends.
func Open(j Journal) (*Ledger, error) {
	if j == nil {
		return New(), nil
	}
	entries, err := j.Load()
	if err != nil {
		return nil, err
	}
	if err := Verify(entries); err != nil {
		return nil, err
	}
	return &Ledger{entries: entries, journal: j}, nil
}

// Verify checks that entries form an unbroken chain from GenesisHash.
func Verify(entries []Entry) error {
	prev := GenesisHash
	for i, e := range entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d", ErrBrokenChain, i)
		}
		if e.Hash == "" {
			return fmt.Errorf("%w: entry %d", ErrMissingHash, i)
		}
		prev = e.Hash
	}
	return nil
}

// Append links e to the tail and appends it. An empty PreviousHash is filled
// from the tail; a non-empty one must match it. The caller supplies Hash.
func (l *Ledger) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tail := l.tailHashLocked()
	if e.PreviousHash == "" {
		e.PreviousHash = tail
	} else if e.PreviousHash != tail {
		return Entry{}, ErrBrokenChain
	}
	if e.Hash == "" {
		return Entry{}, ErrMissingHash
	}
	if l.journal != nil {
		if err := l.journal.Append(e); err != nil {
			return Entry{}, err
		}
	}
	l.entries = append(l.entries, e)
	return e, nil
}

func (l *Ledger) Tail() (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Entry{}, ErrEmptyLedger
	}
	return l.entries[len(l.entries)-1], nil
}

// TailHash is the hash the next entry must link to.
func (l *Ledger) TailHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tailHashLocked()
}

func (l *Ledger) tailHashLocked() string {
	if len(l.entries) == 0 {
		return GenesisHash
	}
	return l.entries[len(l.entries)-1].Hash
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
