package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/shopspring/decimal"

	"loopmvp/internal/config"
	"loopmvp/internal/crypto"
	"loopmvp/internal/daemon"
	"loopmvp/internal/proto"
)

const controlTimeout = 10 * time.Second

type controlFlags struct {
	cfgPath *string
	addr    *string
}

func newControlFlags(fs *flag.FlagSet) controlFlags {
	return controlFlags{
		cfgPath: fs.String("config", "", "node config file (toml)"),
		addr:    fs.String("addr", "", "running node address (default: listen from config)"),
	}
}

func runPay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := newControlFlags(fs)
	assetID := fs.String("asset", "", "asset id")
	amount := fs.String("amount", "", "amount (decimal)")
	challenge := fs.String("challenge", "", "hash-lock challenge (hex)")
	solution := fs.String("solution", "", "derive the challenge from this solution")
	routing := fs.String("routing", "", "routing info (JSON)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		fmt.Fprintf(stderr, "bad --amount: %v\n", err)
		return 1
	}
	ch := *challenge
	if ch == "" && *solution != "" {
		ch = crypto.NewChallenge(*solution)
	}
	c := proto.Control{
		Op:        proto.ControlPay,
		Asset:     &proto.Asset{ID: *assetID, Amount: amt},
		Challenge: ch,
	}
	if *routing != "" {
		if !json.Valid([]byte(*routing)) {
			fmt.Fprintln(stderr, "--routing must be JSON")
			return 1
		}
		c.Routing = json.RawMessage(*routing)
	}
	return sendControl(cf, c, stdout, stderr)
}

func runAssetCommand(op string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(op, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := newControlFlags(fs)
	assetID := fs.String("asset", "", "asset id")
	var solution *string
	if op == proto.ControlSolve {
		solution = fs.String("solution", "", "solution releasing the promise")
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	c := proto.Control{Op: op, AssetID: *assetID}
	if solution != nil {
		c.Solution = *solution
	}
	return sendControl(cf, c, stdout, stderr)
}

func runUpdate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := newControlFlags(fs)
	side := fs.String("side", "", "ledger side (in|out)")
	content := fs.String("content", "", "entry content (JSON)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return sendControl(cf, proto.Control{Op: proto.ControlUpdate, Side: *side, Content: json.RawMessage(*content)}, stdout, stderr)
}

func sendControl(cf controlFlags, c proto.Control, stdout, stderr io.Writer) int {
	if err := c.Validate(); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", c.Op, err)
		return 1
	}
	cfg, err := config.Load(*cf.cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	addr := *cf.addr
	if addr == "" {
		addr = dialAddr(cfg.Listen)
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := daemon.SendControl(ctx, cfg, addr, c); err != nil {
		fmt.Fprintf(stderr, "%s failed: %v\n", c.Op, err)
		return 1
	}
	fmt.Fprintf(stdout, "sent %s to %s\n", c.Op, addr)
	return 0
}

// dialAddr turns a wildcard listen address into a loopback one.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
