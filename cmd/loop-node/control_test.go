package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"loopmvp/internal/config"
	"loopmvp/internal/crypto"
	"loopmvp/internal/daemon"
	"loopmvp/internal/proto"
	"loopmvp/internal/testutil"
)

const upstreamSecret = "bob-carol"

// upstreamRecorder stands in for the in neighbor and keeps what the node sent it.
type upstreamRecorder struct {
	mu   sync.Mutex
	msgs []proto.Msg
}

func (u *upstreamRecorder) send(_ context.Context, _ string, frame []byte) error {
	_, m, err := proto.OpenLinkFrame(proto.LinkKey(upstreamSecret), frame)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.msgs = append(u.msgs, m)
	u.mu.Unlock()
	return nil
}

func (u *upstreamRecorder) has(msgType, assetID string) func() bool {
	return func() bool {
		u.mu.Lock()
		defer u.mu.Unlock()
		for _, m := range u.msgs {
			if m.Type == msgType && m.AssetID == assetID {
				return true
			}
		}
		return false
	}
}

// startNode runs carol, the last hop of a chain, with bob upstream.
func startNode(t *testing.T) (cfgPath, addr string, r *daemon.Runner, up *upstreamRecorder) {
	t.Helper()
	home := t.TempDir()
	cfgPath = filepath.Join(home, "carol.toml")
	body := fmt.Sprintf(`nick = "carol"
home = %q
listen = "127.0.0.1:0"
forward_delay_ms = 1

[in]
addr = "127.0.0.1:1"
secret = %q
`, home, upstreamSecret)
	if err := os.WriteFile(cfgPath, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	up = &upstreamRecorder{}
	r, err = daemon.NewRunner(cfg, daemon.Options{Send: up.send})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx, ready)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = r.Close()
	})
	select {
	case addr = <-ready:
	case <-time.After(3 * time.Second):
		t.Fatalf("node not ready")
	}
	return cfgPath, addr, r, up
}

// offerFromUpstream delivers a conditional promise from bob and waits for
// carol to forward its challenge to her edge.
func offerFromUpstream(t *testing.T, r *daemon.Runner, id, solution string) {
	t.Helper()
	a := proto.Asset{ID: id, Amount: decimal.RequireFromString("4")}
	m := proto.Msg{Type: proto.MsgTypeConditionalPromise, Asset: &a, Challenge: crypto.NewChallenge(solution)}
	frame, err := proto.SealLinkFrame(proto.LinkKey(upstreamSecret), "bob", proto.SideIn, m)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := r.HandleFrame("127.0.0.1:7401", frame); err != nil {
		t.Fatalf("deliver %s: %v", id, err)
	}
	testutil.WaitFor(t, 2*time.Second, "challenge "+id+" forwarded", func() bool {
		_, ok := r.Node.Out.Sent(id)
		return ok
	})
}

func runOK(t *testing.T, args ...string) string {
	t.Helper()
	var out, errOut bytes.Buffer
	if code := run(args, &out, &errOut); code != 0 {
		t.Fatalf("%s failed: %s", args[0], errOut.String())
	}
	return out.String()
}

func TestPayAndRetractReachRunningNode(t *testing.T) {
	cfgPath, addr, r, _ := startNode(t)

	out := runOK(t, "pay", "--config", cfgPath, "--addr", addr, "--asset", "m1", "--amount", "2.5", "--solution", "s")
	if !strings.Contains(out, "sent pay") {
		t.Fatalf("unexpected output %q", out)
	}
	testutil.WaitFor(t, 3*time.Second, "pay to run", func() bool {
		sp, ok := r.Node.Out.Sent("m1")
		return ok && sp.Asset.Amount.Equal(decimal.RequireFromString("2.5")) && sp.Challenge == crypto.NewChallenge("s")
	})

	// carol has nobody downstream, so the offer itself fails to send
	testutil.WaitFor(t, 3*time.Second, "offer to hit the missing link", func() bool {
		return r.Metrics.Snapshot().DropByReason["send_failed"] >= 1
	})
	failedBefore := r.Metrics.Snapshot().DropByReason["send_failed"]
	runOK(t, "retract", "--config", cfgPath, "--addr", addr, "--asset", "m1")
	testutil.WaitFor(t, 3*time.Second, "please-reject to be attempted", func() bool {
		return r.Metrics.Snapshot().DropByReason["send_failed"] > failedBefore
	})
}

func TestSolveAndDeclineReachRunningNode(t *testing.T) {
	cfgPath, addr, r, up := startNode(t)
	offerFromUpstream(t, r, "m2", "open")
	offerFromUpstream(t, r, "m3", "shut")

	runOK(t, "solve", "--config", cfgPath, "--addr", addr, "--asset", "m2", "--solution", "open")
	testutil.WaitFor(t, 3*time.Second, "satisfy-condition upstream", up.has(proto.MsgTypeSatisfyCondition, "m2"))

	runOK(t, "decline", "--config", cfgPath, "--addr", addr, "--asset", "m3")
	testutil.WaitFor(t, 3*time.Second, "reject upstream", up.has(proto.MsgTypeReject, "m3"))
	testutil.WaitFor(t, 3*time.Second, "edge offers withdrawn", func() bool {
		return len(r.Node.Out.SentSnapshot()) == 0
	})
}

func TestUpdateReachesRunningNode(t *testing.T) {
	cfgPath, addr, r, up := startNode(t)
	runOK(t, "update", "--config", cfgPath, "--addr", addr, "--side", "in", "--content", `{"memo":"limit 10"}`)
	testutil.WaitFor(t, 3*time.Second, "initiate-update upstream", func() bool {
		return len(r.Node.In.PendingUpdates()) == 1 && up.has(proto.MsgTypeInitiateUpdate, "")()
	})
}

func TestControlCommandsRefuseBadInput(t *testing.T) {
	cfgPath, addr, _, _ := startNode(t)
	var out, errOut bytes.Buffer
	cases := [][]string{
		{"pay", "--config", cfgPath, "--addr", addr, "--asset", "m4", "--amount", "lots", "--solution", "s"},
		{"pay", "--config", cfgPath, "--addr", addr, "--asset", "m4", "--amount", "1"},
		{"solve", "--config", cfgPath, "--addr", addr, "--asset", "m4"},
		{"update", "--config", cfgPath, "--addr", addr, "--side", "up", "--content", `{}`},
		{"decline", "--config", cfgPath, "--addr", addr},
	}
	for _, args := range cases {
		if code := run(args, &out, &errOut); code != 1 {
			t.Fatalf("expected %v to fail", args)
		}
	}

	// a home without a running node has no control key
	t.Setenv("LOOP_HOME", t.TempDir())
	errOut.Reset()
	if code := run([]string{"decline", "--addr", addr, "--asset", "m4"}, &out, &errOut); code != 1 {
		t.Fatalf("expected failure without control key")
	}
	if !strings.Contains(errOut.String(), "control key") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}

func TestDialAddr(t *testing.T) {
	cases := map[string]string{
		"0.0.0.0:7400":   "127.0.0.1:7400",
		":7400":          "127.0.0.1:7400",
		"[::]:7400":      "127.0.0.1:7400",
		"10.1.2.3:7400":  "10.1.2.3:7400",
		"127.0.0.1:7401": "127.0.0.1:7401",
	}
	for in, want := range cases {
		if got := dialAddr(in); got != want {
			t.Fatalf("dialAddr(%q) = %q, want %q", in, got, want)
		}
	}
}
