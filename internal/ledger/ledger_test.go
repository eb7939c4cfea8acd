package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

type memJournal struct {
	entries []Entry
	fail    error
}

func (j *memJournal) Append(e Entry) error {
	if j.fail != nil {
		return j.fail
	}
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) Load() ([]Entry, error) {
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out, nil
}

func updateEntry(l *Ledger, n int) Entry {
	e := Entry{
		PreviousHash: l.TailHash(),
		Kind:         KindConfirmedUpdate,
		Content:      json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)),
	}
	e.Hash = ComputeHash(e)
	return e
}

func TestAppendKeepsChainUnbroken(t *testing.T) {
	l := New()
	if _, err := l.Tail(); !errors.Is(err, ErrEmptyLedger) {
		t.Fatalf("expected empty ledger error, got %v", err)
	}
	if l.TailHash() != GenesisHash {
		t.Fatalf("expected genesis tail hash")
	}
	for i := 0; i < 10; i++ {
		if _, err := l.Append(updateEntry(l, i)); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
	entries := l.Entries()
	if len(entries) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(entries))
	}
	if entries[0].PreviousHash != GenesisHash {
		t.Fatalf("first entry must link to genesis")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PreviousHash != entries[i-1].Hash {
			t.Fatalf("chain broken at %d", i)
		}
		if entries[i].Hash != ComputeHash(entries[i]) {
			t.Fatalf("hash mismatch at %d", i)
		}
	}
	if err := Verify(entries); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestAppendFillsPreviousHashFromTail(t *testing.T) {
	l := New()
	first := updateEntry(l, 1)
	if _, err := l.Append(first); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	e := Entry{Kind: KindInitiateUpdate, Hash: "h2"}
	got, err := l.Append(e)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if got.PreviousHash != first.Hash {
		t.Fatalf("expected previous hash %s, got %s", first.Hash, got.PreviousHash)
	}
}

func TestAppendRejectsStaleLinkAndMissingHash(t *testing.T) {
	l := New()
	if _, err := l.Append(updateEntry(l, 1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	stale := Entry{PreviousHash: GenesisHash, Kind: KindConfirmedUpdate, Hash: "x"}
	if _, err := l.Append(stale); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("expected broken chain, got %v", err)
	}
	if _, err := l.Append(Entry{Kind: KindConfirmedUpdate}); !errors.Is(err, ErrMissingHash) {
		t.Fatalf("expected missing hash, got %v", err)
	}
	if l.Len() != 1 {
		t.Fatalf("rejected appends must not change the ledger")
	}
}

func TestUpdateHashIgnoresProvenanceKind(t *testing.T) {
	a := Entry{PreviousHash: GenesisHash, Kind: KindInitiateUpdate, Content: json.RawMessage(`{"a": 1, "b": 2}`)}
	b := Entry{PreviousHash: GenesisHash, Kind: KindConfirmedUpdate, Content: json.RawMessage(`{"b":2,"a":1}`)}
	if ComputeHash(a) != ComputeHash(b) {
		t.Fatalf("both sides of an update must hash alike")
	}
	s := Entry{PreviousHash: GenesisHash, Kind: KindSettledPromise, Settlement: &Settlement{AssetID: "a1", Solution: "s"}}
	if ComputeHash(s) == ComputeHash(a) {
		t.Fatalf("settlement and update must not collide")
	}
	s2 := s
	s2.Settlement = &Settlement{AssetID: "a1", Solution: "other"}
	if ComputeHash(s) == ComputeHash(s2) {
		t.Fatalf("solution must be covered by the hash")
	}
}

func TestOpenReplaysJournal(t *testing.T) {
	j := &memJournal{}
	l, err := Open(j)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Append(updateEntry(l, i)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	reopened, err := Open(j)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Len() != 3 || reopened.TailHash() != l.TailHash() {
		t.Fatalf("replay mismatch")
	}

	j.entries[1].PreviousHash = "tampered"
	if _, err := Open(j); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("expected broken chain on replay, got %v", err)
	}
}

func TestJournalFailureLeavesLedgerUntouched(t *testing.T) {
	j := &memJournal{}
	l, err := Open(j)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	j.fail = errors.New("disk full")
	if _, err := l.Append(updateEntry(l, 1)); err == nil {
		t.Fatalf("expected journal error")
	}
	if l.Len() != 0 {
		t.Fatalf("entry must not become visible when the journal fails")
	}
}

func TestUpdateHashKeepsNumberPrecision(t *testing.T) {
	a := Entry{PreviousHash: GenesisHash, Kind: KindConfirmedUpdate, Content: json.RawMessage(`{"amount":12345678901234567890}`)}
	b := Entry{PreviousHash: GenesisHash, Kind: KindConfirmedUpdate, Content: json.RawMessage(`{"amount":12345678901234567000}`)}
	if ComputeHash(a) == ComputeHash(b) {
		t.Fatalf("distinct large integers must hash differently")
	}
	c := Entry{PreviousHash: GenesisHash, Kind: KindConfirmedUpdate, Content: json.RawMessage(`{"amount":1.0}`)}
	d := Entry{PreviousHash: GenesisHash, Kind: KindConfirmedUpdate, Content: json.RawMessage(`{"amount":1}`)}
	if ComputeHash(c) == ComputeHash(d) {
		t.Fatalf("number text must be covered by the hash")
	}
	spaced := Entry{PreviousHash: GenesisHash, Kind: KindInitiateUpdate, Content: json.RawMessage("{ \"amount\" : 12345678901234567890 }")}
	if ComputeHash(spaced) != ComputeHash(a) {
		t.Fatalf("whitespace must not change the hash")
	}
}
