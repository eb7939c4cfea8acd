package policy

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"loopmvp/internal/promise"
)

type Options struct {
	// MaxAmount caps a single promise. Zero means no cap.
	MaxAmount decimal.Decimal
	// MaxExposure caps the decayed sum of accepted amounts. Zero means
	// 5 * MaxAmount, or no cap when MaxAmount is zero as well.
	MaxExposure      decimal.Decimal
	AlphaNumerator   int64
	AlphaDenominator int64
}

// Limits is a local acceptance guard for received promises. Exposure decays
// by alpha on every check, so a burst of large promises is refused while a
// steady trickle is not. These are heuristics, not protocol rules.
type Limits struct {
	mu       sync.Mutex
	opts     Options
	exposure decimal.Decimal
}

const (
	defaultAlphaNumerator int64 = 9
	defaultAlphaDenom     int64 = 10
)

func NewLimits(opts Options) *Limits {
	return &Limits{opts: normalizeOptions(opts)}
}

func normalizeOptions(opts Options) Options {
	if opts.MaxExposure.IsZero() && opts.MaxAmount.IsPositive() {
		opts.MaxExposure = opts.MaxAmount.Mul(decimal.NewFromInt(5))
	}
	if opts.AlphaNumerator <= 0 || opts.AlphaDenominator <= 0 || opts.AlphaNumerator > opts.AlphaDenominator {
		opts.AlphaNumerator = defaultAlphaNumerator
		opts.AlphaDenominator = defaultAlphaDenom
	}
	return opts
}

// Check records amount against the exposure budget, or returns why it cannot.
func (l *Limits) Check(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if l.opts.MaxAmount.IsPositive() && amount.GreaterThan(l.opts.MaxAmount) {
		return fmt.Errorf("amount %s exceeds max %s", amount, l.opts.MaxAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.decay(l.exposure).Add(amount)
	if l.opts.MaxExposure.IsPositive() && next.GreaterThan(l.opts.MaxExposure) {
		return fmt.Errorf("exposure threshold exceeded")
	}
	l.exposure = next
	return nil
}

func (l *Limits) Accept(p promise.Promise) bool {
	return l.Check(p.Asset.Amount) == nil
}

func (l *Limits) Exposure() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exposure
}

func (l *Limits) decay(v decimal.Decimal) decimal.Decimal {
	return v.Mul(decimal.NewFromInt(l.opts.AlphaNumerator)).Div(decimal.NewFromInt(l.opts.AlphaDenominator))
}
