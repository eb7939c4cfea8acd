package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"loopmvp/internal/config"
	"loopmvp/internal/debuglog"
	"loopmvp/internal/metrics"
	"loopmvp/internal/network"
	"loopmvp/internal/node"
	"loopmvp/internal/peer"
	"loopmvp/internal/policy"
	"loopmvp/internal/promise"
	"loopmvp/internal/proto"
)

const devTLSCAFile = "devtls_ca.pem"

var errRateLimited = errors.New("rate limited")

// Runner hosts one node on a QUIC listener. Frames from the neighbors are
// opened with the key of the side they address and handed to that side's
// peer; outbound messages are sealed and sent to the configured neighbor.
type Runner struct {
	Cfg     config.Config
	Node    *node.Node
	Metrics *metrics.Metrics

	keys        map[string][]byte
	controlKey  []byte
	send        SendFunc
	onViolation func(side string, err error)
	hostLimiter *rateLimiter

	ctxMu sync.RWMutex
	ctx   context.Context

	listenMu   sync.RWMutex
	listenAddr string
	snapPath   string
	stopSnap   chan struct{}
}

// SendFunc delivers one sealed frame to addr.
type SendFunc func(ctx context.Context, addr string, frame []byte) error

type Options struct {
	Metrics   *metrics.Metrics
	Scheduler promise.Scheduler
	Policy    peer.Policy
	// Send replaces the QUIC client.
	Send SendFunc
	// OnViolation is told about every ProtocolViolation raised by dispatch.
	OnViolation func(side string, err error)
}

type recvError struct {
	msg string
	err error
}

func (e *recvError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

func (e *recvError) Unwrap() error { return e.err }

func NewRunner(cfg config.Config, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return nil, err
	}
	r := &Runner{
		Cfg:         cfg,
		Metrics:     opts.Metrics,
		keys:        make(map[string][]byte),
		send:        opts.Send,
		onViolation: opts.OnViolation,
		hostLimiter: newRateLimiter(defaultHostRateLimit, defaultRateWindow),
		ctx:         context.Background(),
		snapPath:    cfg.MetricsPath(),
		stopSnap:    make(chan struct{}, 1),
	}
	if r.Metrics == nil {
		r.Metrics = metrics.New()
	}
	secret, err := loadControlSecret(cfg.Home, true)
	if err != nil {
		return nil, err
	}
	r.controlKey = proto.ControlKey(secret)
	if r.send == nil {
		r.send = func(ctx context.Context, addr string, frame []byte) error {
			return network.Send(ctx, addr, frame, r.Cfg.DevTLS, "")
		}
	}
	pol := opts.Policy
	if pol == nil && cfg.Limits.Enabled() {
		maxAmount, maxExposure, err := cfg.Limits.Decimals()
		if err != nil {
			return nil, err
		}
		pol = policy.NewLimits(policy.Options{MaxAmount: maxAmount, MaxExposure: maxExposure})
	}
	links := map[string]peer.Link{}
	for side, nb := range map[string]config.Neighbor{proto.SideIn: cfg.In, proto.SideOut: cfg.Out} {
		if !nb.Configured() {
			continue
		}
		key := proto.LinkKey(nb.Secret)
		r.keys[side] = key
		links[side] = &neighborLink{r: r, side: side, addr: nb.Addr, key: key}
	}
	n, err := node.NewNode(cfg.Home, cfg.Nick, node.Options{
		Store:                cfg.Store,
		ForwardDelay:         cfg.ForwardDelay(),
		Scheduler:            opts.Scheduler,
		Metrics:              r.Metrics,
		Policy:               pol,
		InLink:               links[proto.SideIn],
		OutLink:              links[proto.SideOut],
		UpdateNeighborStatus: r.neighborStatus,
	})
	if err != nil {
		return nil, err
	}
	r.Node = n
	return r, nil
}

// neighborLink seals messages for the neighbor on one side. The frame
// addresses the neighbor's opposite side.
type neighborLink struct {
	r    *Runner
	side string
	addr string
	key  []byte
}

func (l *neighborLink) Send(m proto.Msg) error {
	frame, err := proto.SealLinkFrame(l.key, l.r.Cfg.Nick, proto.OppositeSide(l.side), m)
	if err != nil {
		return err
	}
	return l.r.send(l.r.sendContext(), l.addr, frame)
}

func (r *Runner) neighborStatus(nick string, m proto.Msg) {
	debuglog.RateLimitedf("status:"+nick, 5*time.Second, "neighbor status on %s: %s", nick, string(m.Body))
}

// HandleFrame opens one sealed link frame and dispatches it to the peer on
// the addressed side. Control frames from the local operator run against the
// node instead.
func (r *Runner) HandleFrame(senderAddr string, data []byte) error {
	reject := func(reason string, err error) error {
		r.Metrics.IncDropByReason(reason)
		debuglog.RateLimitedf("recv:"+reason, time.Second, "recv reject from %s: %s: %v", senderAddr, reason, err)
		return &recvError{msg: reason, err: err}
	}
	if len(data) == 0 || len(data) > proto.MaxFrameSize {
		return reject("frame_size", fmt.Errorf("frame size %d", len(data)))
	}
	if senderAddr != "" && !r.hostLimiter.Allow(hostForAddr(senderAddr)) {
		return reject("rate_limit_host", errRateLimited)
	}
	var hdr proto.LinkFrame
	if err := json.Unmarshal(data, &hdr); err != nil {
		return reject("frame_decode", err)
	}
	if hdr.Type == proto.MsgTypeControl {
		return r.handleControl(senderAddr, data, reject)
	}
	key, ok := r.keys[hdr.To]
	if !ok {
		return reject("frame_side", fmt.Errorf("no neighbor on side %q", hdr.To))
	}
	side, m, err := proto.OpenLinkFrame(key, data)
	if err != nil {
		return reject("frame_open", err)
	}
	p, _ := r.Node.Peer(side)
	if err := p.Handle(m); err != nil {
		if errors.Is(err, peer.ErrProtocolViolation) {
			debuglog.Logf("protocol violation from %s on %s: %v", senderAddr, side, err)
			if r.onViolation != nil {
				r.onViolation(side, err)
			}
		} else {
			debuglog.Logf("dispatch on %s failed: %v", side, err)
		}
		return err
	}
	return nil
}

// Run listens on the configured address until ctx is cancelled. The bound
// address is sent on ready once the listener is up.
func (r *Runner) Run(ctx context.Context, ready chan<- string) error {
	if r == nil {
		return fmt.Errorf("missing runner")
	}
	r.setContext(ctx)
	if r.Cfg.DevTLS {
		if err := network.WriteDevTLSCA(filepath.Join(r.Cfg.Home, devTLSCAFile)); err != nil {
			return err
		}
	}
	r.StartSnapshotWriter(time.Second)
	defer r.StopSnapshotWriter()
	internalReady := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- network.ListenAndServe(ctx, r.Cfg.Listen, internalReady, r.Cfg.DevTLS, func(senderAddr string, data []byte) {
			_ = r.HandleFrame(senderAddr, data)
		})
	}()
	select {
	case actual := <-internalReady:
		r.setListenAddr(actual)
		debuglog.Logf("%s listening on %s", r.Cfg.Nick, actual)
		if ready != nil {
			select {
			case ready <- actual:
			default:
			}
		}
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
	err := <-errCh
	_ = r.Metrics.WriteSnapshot(r.snapPath)
	return err
}

// Close releases the node's journals and the pooled client connections.
func (r *Runner) Close() error {
	if r == nil || r.Node == nil {
		return nil
	}
	network.ClosePool()
	return r.Node.Close()
}

func (r *Runner) StartSnapshotWriter(interval time.Duration) {
	if r == nil || r.Metrics == nil || r.snapPath == "" {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Metrics.SetCurrentConns(network.CurrentConns())
				r.Metrics.SetCurrentStreams(network.CurrentStreams())
				_ = r.Metrics.WriteSnapshot(r.snapPath)
			case <-r.stopSnap:
				return
			}
		}
	}()
}

func (r *Runner) StopSnapshotWriter() {
	if r == nil {
		return
	}
	select {
	case r.stopSnap <- struct{}{}:
	default:
	}
}

func (r *Runner) ListenAddr() string {
	if r == nil {
		return ""
	}
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listenAddr
}

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listenAddr = addr
	r.listenMu.Unlock()
}

func (r *Runner) sendContext() context.Context {
	r.ctxMu.RLock()
	defer r.ctxMu.RUnlock()
	return r.ctx
}

func (r *Runner) setContext(ctx context.Context) {
	r.ctxMu.Lock()
	r.ctx = ctx
	r.ctxMu.Unlock()
}
