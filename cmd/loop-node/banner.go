package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"loopmvp/internal/config"
)

// banner summarizes the node's configuration before the listener starts.
func banner(w io.Writer, cfg config.Config) {
	title := color.New(color.FgCyan, color.Bold)
	warn := color.New(color.FgYellow)
	title.Fprintf(w, "loop-node %s\n", cfg.Nick)
	fmt.Fprintf(w, "  Listen: %s\n", cfg.Listen)
	fmt.Fprintf(w, "  Home: %s (store=%s)\n", cfg.Home, cfg.Store)
	fmt.Fprintf(w, "  Forward delay: %s\n", cfg.ForwardDelay())
	fmt.Fprintf(w, "  Links: in=%s out=%s\n", linkLabel(cfg.In), linkLabel(cfg.Out))
	if cfg.Limits.Enabled() {
		fmt.Fprintf(w, "  Limits: max_amount=%s max_exposure=%s\n", orNone(cfg.Limits.MaxAmount), orNone(cfg.Limits.MaxExposure))
	} else {
		fmt.Fprintln(w, "  Limits: none (every promise accepted)")
	}
	if cfg.DevTLS {
		warn.Fprintln(w, "  WARNING: using deterministic dev TLS certificates")
	}
}

func linkLabel(n config.Neighbor) string {
	if !n.Configured() {
		return "edge"
	}
	return n.Addr
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
