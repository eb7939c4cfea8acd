package proto

import (
	"encoding/json"
	"testing"
)

func TestLinkFrameRoundTrip(t *testing.T) {
	key := LinkKey("shared")
	m := Msg{Type: MsgTypeReject, AssetID: "a1", Routing: json.RawMessage(`"r"`)}
	data, err := SealLinkFrame(key, "bob", SideIn, m)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	side, got, err := OpenLinkFrame(key, data)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if side != SideIn {
		t.Fatalf("expected side in, got %s", side)
	}
	if got.Type != MsgTypeReject || got.AssetID != "a1" {
		t.Fatalf("unexpected msg %+v", got)
	}
}

func TestLinkFrameWrongKey(t *testing.T) {
	data, err := SealLinkFrame(LinkKey("a"), "bob", SideOut, Msg{Type: MsgTypeProbe})
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, _, err := OpenLinkFrame(LinkKey("b"), data); err == nil {
		t.Fatalf("expected open with wrong key to fail")
	}
}

func TestLinkFrameSideIsAuthenticated(t *testing.T) {
	key := LinkKey("shared")
	data, err := SealLinkFrame(key, "bob", SideOut, Msg{Type: MsgTypeProbe})
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	var f LinkFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	f.To = SideIn
	tampered, _ := json.Marshal(f)
	if _, _, err := OpenLinkFrame(key, tampered); err == nil {
		t.Fatalf("expected tampered side to fail")
	}
	if OppositeSide(SideIn) != SideOut || OppositeSide(SideOut) != SideIn {
		t.Fatalf("OppositeSide mismatch")
	}
}
