package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Message kinds exchanged between directly linked peers.
const (
	MsgTypeInitiateUpdate     = "initiate-update"
	MsgTypeConfirmUpdate      = "confirm-update"
	MsgTypeUpdateStatus       = "update-status"
	MsgTypeProbe              = "probe"
	MsgTypeConditionalPromise = "conditional-promise"
	MsgTypeSatisfyCondition   = "satisfy-condition"
	MsgTypePleaseReject       = "please-reject"
	MsgTypeReject             = "reject"
)

var (
	ErrUnknownType   = errors.New("unknown msg type")
	ErrMissingFields = errors.New("missing required fields")
)

// Asset identifies what a conditional promise transfers. Amount is carried
// for the ledger record only; no balance is derived from it.
type Asset struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
}

// Msg is the single wire shape for every message kind. Fields that a kind
// does not use are left empty.
type Msg struct {
	Type         string          `json:"msgType"`
	PreviousHash string          `json:"previousHash,omitempty"`
	Hash         string          `json:"hash,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Asset        *Asset          `json:"asset,omitempty"`
	AssetID      string          `json:"assetId,omitempty"`
	Challenge    string          `json:"challenge,omitempty"`
	Solution     string          `json:"solution,omitempty"`
	Routing      json.RawMessage `json:"routing,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
}

// KnownType reports whether t is part of the wire contract.
func KnownType(t string) bool {
	switch t {
	case MsgTypeInitiateUpdate, MsgTypeConfirmUpdate, MsgTypeUpdateStatus, MsgTypeProbe,
		MsgTypeConditionalPromise, MsgTypeSatisfyCondition, MsgTypePleaseReject, MsgTypeReject:
		return true
	}
	return false
}

// Validate checks the per-kind required fields.
func (m Msg) Validate() error {
	var missing string
	switch m.Type {
	case MsgTypeInitiateUpdate:
		if m.PreviousHash == "" || m.Hash == "" || len(m.Content) == 0 {
			missing = "previousHash, hash, content"
		}
	case MsgTypeConfirmUpdate:
		if m.Hash == "" {
			missing = "hash"
		}
	case MsgTypeUpdateStatus, MsgTypeProbe:
	case MsgTypeConditionalPromise:
		if m.Asset == nil || m.Asset.ID == "" || m.Challenge == "" {
			missing = "asset.id, challenge"
		}
	case MsgTypeSatisfyCondition:
		if m.AssetID == "" || m.Solution == "" {
			missing = "assetId, solution"
		}
	case MsgTypePleaseReject, MsgTypeReject:
		if m.AssetID == "" {
			missing = "assetId"
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if missing != "" {
		return fmt.Errorf("%w: %s needs %s", ErrMissingFields, m.Type, missing)
	}
	return nil
}

func EncodeMsg(m Msg) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("missing msg type")
	}
	return json.Marshal(m)
}

// DecodeMsg parses a message without validating it, so that the caller can
// tell an unknown kind apart from a malformed known one.
func DecodeMsg(data []byte) (Msg, error) {
	var m Msg
	if err := json.Unmarshal(data, &m); err != nil {
		return Msg{}, err
	}
	return m, nil
}
