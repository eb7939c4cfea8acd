package proto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"loopmvp/internal/crypto"
)

// Operator commands carried by control frames from the local CLI to a
// running node.
const (
	MsgTypeControl = "control"
	SideControl    = "control"

	ControlPay     = "pay"
	ControlRetract = "retract"
	ControlSolve   = "solve"
	ControlDecline = "decline"
	ControlUpdate  = "update"

	labelControlKey = "loop:control:v1"
	controlFrom     = "operator"
)

// Control is one operator command. Fields an op does not use stay empty.
type Control struct {
	Op        string          `json:"op"`
	Side      string          `json:"side,omitempty"`
	Asset     *Asset          `json:"asset,omitempty"`
	AssetID   string          `json:"assetId,omitempty"`
	Challenge string          `json:"challenge,omitempty"`
	Solution  string          `json:"solution,omitempty"`
	Routing   json.RawMessage `json:"routing,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

func (c Control) Validate() error {
	switch c.Op {
	case ControlPay:
		if c.Asset == nil || c.Asset.ID == "" || c.Challenge == "" {
			return fmt.Errorf("%w: pay needs asset and challenge", ErrMissingFields)
		}
		if !c.Asset.Amount.GreaterThan(decimal.Zero) {
			return fmt.Errorf("pay amount must be positive")
		}
	case ControlRetract, ControlDecline:
		if c.AssetID == "" {
			return fmt.Errorf("%w: %s needs asset id", ErrMissingFields, c.Op)
		}
	case ControlSolve:
		if c.AssetID == "" || c.Solution == "" {
			return fmt.Errorf("%w: solve needs asset id and solution", ErrMissingFields)
		}
	case ControlUpdate:
		if c.Side != SideIn && c.Side != SideOut {
			return fmt.Errorf("bad update side: %q", c.Side)
		}
		if len(c.Content) == 0 || !json.Valid(c.Content) {
			return fmt.Errorf("update content must be JSON")
		}
	default:
		return fmt.Errorf("unknown control op %q", c.Op)
	}
	return nil
}

// ControlKey derives the control frame key from the node's local secret.
func ControlKey(secret []byte) []byte {
	return crypto.KDF(labelControlKey, secret)
}

func SealControl(key []byte, c Control) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	plain, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	nonce, sealed, err := crypto.XSeal(key, plain, linkAAD(controlFrom, SideControl))
	if err != nil {
		return nil, err
	}
	return json.Marshal(LinkFrame{
		Type:   MsgTypeControl,
		From:   controlFrom,
		To:     SideControl,
		Nonce:  base64.StdEncoding.EncodeToString(nonce),
		Sealed: base64.StdEncoding.EncodeToString(sealed),
	})
}

func OpenControl(key []byte, data []byte) (Control, error) {
	var f LinkFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Control{}, err
	}
	if f.Type != MsgTypeControl || f.To != SideControl {
		return Control{}, fmt.Errorf("not a control frame")
	}
	nonce, err := base64.StdEncoding.DecodeString(f.Nonce)
	if err != nil {
		return Control{}, fmt.Errorf("bad nonce encoding")
	}
	sealed, err := base64.StdEncoding.DecodeString(f.Sealed)
	if err != nil {
		return Control{}, fmt.Errorf("bad sealed encoding")
	}
	plain, err := crypto.XOpen(key, nonce, sealed, linkAAD(f.From, f.To))
	if err != nil {
		return Control{}, err
	}
	var c Control
	if err := json.Unmarshal(plain, &c); err != nil {
		return Control{}, err
	}
	return c, c.Validate()
}
