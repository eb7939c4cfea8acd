package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"loopmvp/internal/config"
	"loopmvp/internal/crypto"
	"loopmvp/internal/daemon"
	"loopmvp/internal/ledger"
	"loopmvp/internal/metrics"
	"loopmvp/internal/node"
	"loopmvp/internal/pprofutil"
	"loopmvp/internal/proto"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "ledger":
		return runLedger(args[1:], stdout, stderr)
	case "hashlock":
		return runHashlock(args[1:], stdout, stderr)
	case "pay":
		return runPay(args[1:], stdout, stderr)
	case "update":
		return runUpdate(args[1:], stdout, stderr)
	case proto.ControlRetract, proto.ControlSolve, proto.ControlDecline:
		return runAssetCommand(args[0], args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: loop-node <command> [args]")
	fmt.Fprintln(w, "  run      --config <file> [--debug]")
	fmt.Fprintln(w, "  status   [--config <file>] [--n 10]")
	fmt.Fprintln(w, "  ledger   <in|out> [--config <file>]")
	fmt.Fprintln(w, "  hashlock <solution>")
	fmt.Fprintln(w, "commands sent to a running node ([--config <file>] [--addr host:port]):")
	fmt.Fprintln(w, "  pay      --asset <id> --amount <n> (--challenge <hex>|--solution <s>) [--routing <json>]")
	fmt.Fprintln(w, "  retract  --asset <id>")
	fmt.Fprintln(w, "  solve    --asset <id> --solution <s>")
	fmt.Fprintln(w, "  decline  --asset <id>")
	fmt.Fprintln(w, "  update   --side <in|out> --content <json>")
	fmt.Fprintln(w, "env: LOOP_HOME LOOP_NICK LOOP_LISTEN LOOP_STORE LOOP_FORWARD_DELAY_MS LOOP_DEBUG LOOP_PPROF")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "node config file (toml)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *cfgPath == "" {
		fmt.Fprintln(stderr, "missing --config")
		return 1
	}
	if *debug {
		_ = os.Setenv("LOOP_DEBUG", "1")
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	banner(stderr, cfg)
	runner, err := daemon.NewRunner(cfg, daemon.Options{
		Metrics: metrics.New(),
		OnViolation: func(side string, err error) {
			fmt.Fprintf(stderr, "protocol violation on %s: %v\n", side, err)
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	defer runner.Close()
	dbg, err := pprofutil.StartFromEnv(stderr, runner.Metrics.Snapshot)
	if err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}
	defer dbg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ready := make(chan string, 1)
	go func() {
		select {
		case addr := <-ready:
			fmt.Fprintf(stdout, "READY addr=%s nick=%s in=%t out=%t\n", addr, cfg.Nick, cfg.In.Configured(), cfg.Out.Configured())
		case <-ctx.Done():
		}
	}()
	if err := runner.Run(ctx, ready); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "node config file (toml)")
	n := fs.Int("n", 10, "recent ledger entries to show")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	snap := metrics.ReadSnapshot(cfg.MetricsPath())
	fmt.Fprintf(stdout, "Local observation summary for %s:\n", cfg.Nick)
	if snap.GeneratedAt.IsZero() {
		fmt.Fprintln(stdout, "  no metrics snapshot yet")
		return 0
	}
	fmt.Fprintf(stdout, "  snapshot: %s\n", snap.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))
	p := snap.Promises
	fmt.Fprintf(stdout, "  promises: received=%d offered=%d forwarded=%d settled=%d rejected=%d cascaded=%d\n",
		p.Received, p.Offered, p.Forwarded, p.Settled, p.Rejected, p.Cascaded)
	fmt.Fprintf(stdout, "  ledger: appended=%d initiated=%d\n", snap.Ledger.Appended, snap.Ledger.Initiated)
	fmt.Fprintf(stdout, "  routed: %d\n", snap.Routed)
	fmt.Fprintf(stdout, "  transport: conns=%d streams=%d\n", snap.Transport.CurrentConns, snap.Transport.CurrentStreams)
	if len(snap.DropByReason) > 0 {
		fmt.Fprintf(stdout, "  dropped:%s\n", formatCounts(snap.DropByReason))
	}
	recent := snap.Recent
	if *n > 0 && len(recent) > *n {
		recent = recent[len(recent)-*n:]
	}
	for _, h := range recent {
		fmt.Fprintf(stdout, "  %s %s %s <- %s\n", h.Peer, h.Kind, short(h.Hash), short(h.PreviousHash))
	}
	return 0
}

func runLedger(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || (args[0] != proto.SideIn && args[0] != proto.SideOut) {
		fmt.Fprintln(stderr, "usage: loop-node ledger <in|out> [--config <file>]")
		return 1
	}
	side := args[0]
	fs := flag.NewFlagSet("ledger", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "node config file (toml)")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	entries, err := node.LoadLedger(cfg.Home, cfg.Store, side)
	if err != nil {
		fmt.Fprintf(stderr, "ledger %s: %v\n", side, err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Fprintf(stdout, "ledger %s: empty\n", side)
		return 0
	}
	for i, e := range entries {
		fmt.Fprintf(stdout, "%4d %s %s <- %s%s\n", i, e.Kind, short(e.Hash), short(e.PreviousHash), describe(e))
	}
	return 0
}

func runHashlock(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(stderr, "usage: loop-node hashlock <solution>")
		return 1
	}
	fmt.Fprintln(stdout, crypto.NewChallenge(args[0]))
	return 0
}

func describe(e ledger.Entry) string {
	if e.Settlement != nil {
		s := e.Settlement
		return fmt.Sprintf(" asset=%s amount=%s", s.AssetID, s.Amount)
	}
	if len(e.Content) > 0 {
		return " content=" + string(e.Content)
	}
	return ""
}

func formatCounts(m map[string]uint64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		out += fmt.Sprintf(" %s=%d", k, m[k])
	}
	return out
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
