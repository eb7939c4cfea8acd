package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"loopmvp/internal/config"
	"loopmvp/internal/debuglog"
	"loopmvp/internal/network"
	"loopmvp/internal/proto"
)

const controlKeyFile = "control.key"

var ErrNoControlKey = errors.New("no control key under home; start the node first")

// loadControlSecret reads the node's local control secret, creating it on
// first use when create is set.
func loadControlSecret(home string, create bool) ([]byte, error) {
	path := filepath.Join(home, controlKeyFile)
	data, err := os.ReadFile(path)
	if err == nil {
		secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(secret) < 16 {
			return nil, fmt.Errorf("bad control key in %s", path)
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	if !create {
		return nil, ErrNoControlKey
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)+"\n"), 0600); err != nil {
		return nil, err
	}
	return secret, nil
}

// SendControl seals c with the control key of the node living under cfg.Home
// and delivers it to that node's listener at addr.
func SendControl(ctx context.Context, cfg config.Config, addr string, c proto.Control) error {
	secret, err := loadControlSecret(cfg.Home, false)
	if err != nil {
		return err
	}
	frame, err := proto.SealControl(proto.ControlKey(secret), c)
	if err != nil {
		return err
	}
	return network.Send(ctx, addr, frame, cfg.DevTLS, "")
}

// Exec runs one operator command against the node. Update returns the hash
// of the proposed entry.
func (r *Runner) Exec(c proto.Control) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	switch c.Op {
	case proto.ControlPay:
		return "", r.Node.Pay(*c.Asset, c.Challenge, c.Routing)
	case proto.ControlRetract:
		return "", r.Node.Retract(c.AssetID)
	case proto.ControlSolve:
		return "", r.Node.Solve(c.AssetID, c.Solution)
	case proto.ControlDecline:
		return "", r.Node.Decline(c.AssetID)
	case proto.ControlUpdate:
		return r.Node.Update(c.Side, c.Content)
	}
	return "", fmt.Errorf("unknown control op %q", c.Op)
}

func (r *Runner) handleControl(senderAddr string, data []byte, reject func(string, error) error) error {
	if !isLoopbackAddr(senderAddr) {
		return reject("control_remote", fmt.Errorf("control frame from %s", senderAddr))
	}
	c, err := proto.OpenControl(r.controlKey, data)
	if err != nil {
		return reject("control_open", err)
	}
	hash, err := r.Exec(c)
	if err != nil {
		debuglog.Logf("control %s failed: %v", c.Op, err)
		return err
	}
	if hash != "" {
		debuglog.Logf("control %s on %s proposed %s", c.Op, c.Side, hash)
	} else {
		debuglog.Logf("control %s asset=%s", c.Op, controlAsset(c))
	}
	return nil
}

func controlAsset(c proto.Control) string {
	if c.Asset != nil {
		return c.Asset.ID
	}
	return c.AssetID
}

func isLoopbackAddr(addr string) bool {
	ip := net.ParseIP(hostForAddr(addr))
	return ip != nil && ip.IsLoopback()
}
