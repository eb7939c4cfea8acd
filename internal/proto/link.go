package proto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"loopmvp/internal/crypto"
)

const (
	MsgTypeLink = "link"

	SideIn  = "in"
	SideOut = "out"

	labelLinkKey = "loop:link:v1"
	labelLinkAAD = "loop:link:aad:v1|"
)

// LinkFrame carries one sealed Msg between neighboring nodes. To names the
// receiving node's side: a node's out peer talks to its neighbor's in peer.
type LinkFrame struct {
	Type   string `json:"type"`
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Nonce  string `json:"nonce"`
	Sealed string `json:"sealed"`
}

// LinkKey derives the 32-byte frame key from a shared link secret.
func LinkKey(secret string) []byte {
	return crypto.KDF(labelLinkKey, []byte(secret))
}

// OppositeSide maps a local side to the side addressed on the neighbor.
func OppositeSide(side string) string {
	if side == SideIn {
		return SideOut
	}
	return SideIn
}

func linkAAD(from, to string) []byte {
	return []byte(labelLinkAAD + from + "|" + to)
}

func SealLinkFrame(key []byte, from, to string, m Msg) ([]byte, error) {
	if to != SideIn && to != SideOut {
		return nil, fmt.Errorf("bad link side: %q", to)
	}
	plain, err := EncodeMsg(m)
	if err != nil {
		return nil, err
	}
	nonce, sealed, err := crypto.XSeal(key, plain, linkAAD(from, to))
	if err != nil {
		return nil, err
	}
	return json.Marshal(LinkFrame{
		Type:   MsgTypeLink,
		From:   from,
		To:     to,
		Nonce:  base64.StdEncoding.EncodeToString(nonce),
		Sealed: base64.StdEncoding.EncodeToString(sealed),
	})
}

// OpenLinkFrame returns the addressed side and the decoded Msg.
func OpenLinkFrame(key []byte, data []byte) (string, Msg, error) {
	var f LinkFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", Msg{}, err
	}
	if f.Type != MsgTypeLink {
		return "", Msg{}, fmt.Errorf("unexpected frame type: %s", f.Type)
	}
	if f.To != SideIn && f.To != SideOut {
		return "", Msg{}, fmt.Errorf("bad link side: %q", f.To)
	}
	nonce, err := base64.StdEncoding.DecodeString(f.Nonce)
	if err != nil {
		return "", Msg{}, fmt.Errorf("bad nonce encoding")
	}
	sealed, err := base64.StdEncoding.DecodeString(f.Sealed)
	if err != nil {
		return "", Msg{}, fmt.Errorf("bad sealed encoding")
	}
	plain, err := crypto.XOpen(key, nonce, sealed, linkAAD(f.From, f.To))
	if err != nil {
		return "", Msg{}, err
	}
	m, err := DecodeMsg(plain)
	if err != nil {
		return "", Msg{}, err
	}
	return f.To, m, nil
}
