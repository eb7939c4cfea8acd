package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"loopmvp/internal/store"
)

const (
	DefaultForwardDelayMS = 100
	DefaultListen         = "127.0.0.1:7400"
)

// Neighbor is one directly linked node. Secret is shared with that node only
// and keys the sealed link frames.
type Neighbor struct {
	Addr   string `toml:"addr"`
	Secret string `toml:"secret"`
}

func (n Neighbor) Configured() bool {
	return n.Addr != ""
}

// Config describes one node. In is the upstream neighbor that offers promises
// to this node; Out is the downstream neighbor this node forwards to.
type Config struct {
	Nick           string   `toml:"nick"`
	Listen         string   `toml:"listen"`
	Home           string   `toml:"home"`
	ForwardDelayMS int      `toml:"forward_delay_ms"`
	Store          string   `toml:"store"`
	DevTLS         bool     `toml:"devtls"`
	In             Neighbor `toml:"in"`
	Out            Neighbor `toml:"out"`
	Limits         Limits   `toml:"limits"`
}

// Limits bounds which received promises the node honors. Empty values leave
// the bound off; with both empty every promise is accepted.
type Limits struct {
	MaxAmount   string `toml:"max_amount"`
	MaxExposure string `toml:"max_exposure"`
}

func (l Limits) Enabled() bool {
	return l.MaxAmount != "" || l.MaxExposure != ""
}

// Decimals parses both bounds; an empty bound is zero.
func (l Limits) Decimals() (maxAmount, maxExposure decimal.Decimal, err error) {
	parse := func(name, v string) (decimal.Decimal, error) {
		if v == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "config: limits.%s", name)
		}
		if d.IsNegative() {
			return decimal.Zero, errors.Errorf("config: limits.%s must not be negative", name)
		}
		return d, nil
	}
	if maxAmount, err = parse("max_amount", l.MaxAmount); err != nil {
		return
	}
	maxExposure, err = parse("max_exposure", l.MaxExposure)
	return
}

func DefaultHome() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".loopmvp")
}

func Default() Config {
	return Config{
		Nick:           "node",
		Listen:         DefaultListen,
		Home:           DefaultHome(),
		ForwardDelayMS: DefaultForwardDelayMS,
		Store:          store.BackendJSONL,
		DevTLS:         true,
	}
}

// Load reads path (if non-empty) over the defaults, then applies LOOP_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "config: read")
		}
		if cfg, err = parseOver(cfg, string(data)); err != nil {
			return Config{}, errors.Wrapf(err, "config: %s", path)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML over the defaults without consulting the environment.
func Parse(data string) (Config, error) {
	cfg, err := parseOver(Default(), data)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func parseOver(cfg Config, data string) (Config, error) {
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, errors.Wrap(err, "decode toml")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, errors.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("LOOP_HOME")); v != "" {
		cfg.Home = v
	}
	if v := strings.TrimSpace(os.Getenv("LOOP_NICK")); v != "" {
		cfg.Nick = v
	}
	if v := strings.TrimSpace(os.Getenv("LOOP_LISTEN")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("LOOP_STORE")); v != "" {
		cfg.Store = v
	}
	if v := strings.TrimSpace(os.Getenv("LOOP_FORWARD_DELAY_MS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "config: LOOP_FORWARD_DELAY_MS=%q", v)
		}
		cfg.ForwardDelayMS = n
	}
	return nil
}

func (c Config) Validate() error {
	if c.Nick == "" {
		return errors.New("config: missing nick")
	}
	if c.Home == "" {
		return errors.New("config: missing home")
	}
	if c.ForwardDelayMS <= 0 {
		return errors.Errorf("config: forward_delay_ms must be positive, got %d", c.ForwardDelayMS)
	}
	switch strings.ToLower(c.Store) {
	case store.BackendJSONL, store.BackendLevelDB:
	default:
		return errors.Errorf("config: unknown store %q", c.Store)
	}
	for _, side := range []struct {
		name string
		n    Neighbor
	}{{"in", c.In}, {"out", c.Out}} {
		if side.n.Configured() && side.n.Secret == "" {
			return errors.Errorf("config: %s neighbor needs a secret", side.name)
		}
	}
	if _, _, err := c.Limits.Decimals(); err != nil {
		return err
	}
	return nil
}

func (c Config) ForwardDelay() time.Duration {
	return time.Duration(c.ForwardDelayMS) * time.Millisecond
}

func (c Config) MetricsPath() string {
	return filepath.Join(c.Home, "metrics.json")
}
