package ledger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/davecgh/go-xdr/xdr"

	"loopmvp/internal/crypto"
)

type Kind string

const (
	// KindInitiateUpdate is appended by the side that received an
	// initiate-update and committed it on receipt.
	KindInitiateUpdate Kind = "initiate-update"
	// KindConfirmedUpdate is appended by the initiator once the neighbor
	// confirmed the update.
	KindConfirmedUpdate Kind = "confirmed-update"
	// KindSettledPromise records a conditional promise released by its solution.
	KindSettledPromise Kind = "settled-conditional-promise"
)

// GenesisHash anchors the first entry of every ledger.
var GenesisHash = strings.Repeat("0", 64)

// Settlement is the payload of a KindSettledPromise entry.
type Settlement struct {
	AssetID   string `json:"assetId"`
	Amount    string `json:"amount"`
	Challenge string `json:"challenge"`
	Solution  string `json:"solution"`
}

type Entry struct {
	PreviousHash string          `json:"previousHash"`
	Hash         string          `json:"hash"`
	Kind         Kind            `json:"kind"`
	Content      json.RawMessage `json:"content,omitempty"`
	Settlement   *Settlement     `json:"settlement,omitempty"`
}

// HashFunc computes the content hash of an entry. The Hash field of the
// argument is ignored.
type HashFunc func(Entry) string

// body groups kinds that hash alike. Both neighbors must derive the same hash
// for an update even though one records it as initiate-update and the other as
// confirmed-update.
func (k Kind) body() string {
	switch k {
	case KindInitiateUpdate, KindConfirmedUpdate:
		return "update"
	case KindSettledPromise:
		return "settlement"
	}
	return string(k)
}

type canonicalEntry struct {
	PreviousHash string
	Body         string
	Content      []byte
	AssetID      string
	Amount       string
	Challenge    string
	Solution     string
}

func canonicalBytes(e Entry) ([]byte, error) {
	c := canonicalEntry{
		PreviousHash: e.PreviousHash,
		Body:         e.Kind.body(),
		Content:      compactJSON(e.Content),
	}
	if e.Settlement != nil {
		c.AssetID = e.Settlement.AssetID
		c.Amount = e.Settlement.Amount
		c.Challenge = e.Settlement.Challenge
		c.Solution = e.Settlement.Solution
	}
	return xdr.Marshal(c)
}

// compactJSON re-encodes content with sorted object keys. Numbers keep their
// literal text, so contents that differ in any digit hash differently.
func compactJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte{}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return []byte(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return []byte(raw)
	}
	return out
}

// ComputeHash is the default HashFunc: SHA3-256 over the XDR encoding of the
// entry's canonical content, previous hash included.
func ComputeHash(e Entry) string {
	b, err := canonicalBytes(e)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(crypto.SHA3_256(b))
}
