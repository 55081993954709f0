// Package limits evaluates account-level usage policy over a usage
// ledger. Two regimes exist: lifetime caps that never reset (anonymous
// and new accounts) and rolling hourly/monthly windows (paid tiers).
// Administrative accounts and a global billing-disabled switch bypass
// both.
package limits

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Tier is the account pricing tier.
type Tier string

const (
	// TierAnonymous covers new and anonymous accounts; they run under
	// the lifetime regime.
	TierAnonymous Tier = "anonymous"
	// TierStarter and TierPro are paid tiers under the period regime.
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
)

// Window lengths for the period regime. Both windows are rolling, not
// calendar-aligned.
const (
	hourWindow  = time.Hour
	monthWindow = 30 * 24 * time.Hour
)

// bytesPerUnit is the fallback ratio for deriving cost units from raw
// byte lengths when the caller has no exact count.
const bytesPerUnit = 4

// Account identifies the subject of a limit check.
type Account struct {
	ID string
	// Tier selects the regime.
	Tier Tier
	// Unlimited short-circuits every check to an allow.
	Unlimited bool
}

// ActionCaps configures the caps of one action for one tier. A zero
// value means "no cap configured" for that field.
type ActionCaps struct {
	Lifetime int64 `yaml:"lifetime"`
	Hourly   int64 `yaml:"hourly"`
	Monthly  int64 `yaml:"monthly"`
}

// Config holds the limiter policy.
type Config struct {
	// BillingEnabled gates the whole limiter; when false every check
	// allows.
	BillingEnabled bool `yaml:"billing_enabled"`
	// Caps maps tier -> action -> caps.
	Caps map[Tier]map[string]ActionCaps `yaml:"caps"`
}

// Result is one limit evaluation. For the period regime the monthly
// result carries the hourly one for visibility.
type Result struct {
	Allowed   bool       `json:"allowed"`
	Limit     int64      `json:"limit"`
	Used      int64      `json:"used"`
	Remaining int64      `json:"remaining"`
	ResetAt   *time.Time `json:"resetAt,omitempty"`
	Hourly    *Result    `json:"hourly,omitempty"`
}

// Entry is one usage ledger row.
type Entry struct {
	UserID    string
	Action    string
	Provider  string
	Model     string
	Units     int64
	Tokens    int64
	CreatedAt time.Time
}

// Ledger is the external usage store.
type Ledger interface {
	// Append records one action.
	Append(ctx context.Context, e Entry) error
	// Count returns how many units of an action a user has consumed
	// since the given time; a nil since counts all time.
	Count(ctx context.Context, userID, action string, since *time.Time) (int64, error)
}

// Usage describes one rate-limited action for recording. When Units is
// zero a fallback estimate is derived from the byte lengths; a
// caller-supplied exact count is never overridden.
type Usage struct {
	Provider      string
	Model         string
	Units         int64
	Tokens        int64
	RequestBytes  int
	ResponseBytes int
}

// Limiter is the stateless policy evaluator.
type Limiter struct {
	ledger Ledger
	cfg    Config
	now    func() time.Time
}

// New creates a limiter over the given ledger.
func New(ledger Ledger, cfg Config) *Limiter {
	return &Limiter{ledger: ledger, cfg: cfg, now: time.Now}
}

// unlimited is the short-circuit allow result.
func unlimited() Result {
	return Result{Allowed: true, Limit: math.MaxInt64, Used: 0, Remaining: math.MaxInt64}
}

// Check evaluates the policy for one action.
func (l *Limiter) Check(ctx context.Context, acct Account, action string) (Result, error) {
	if !l.cfg.BillingEnabled || acct.Unlimited {
		return unlimited(), nil
	}

	caps := l.cfg.Caps[acct.Tier][action]

	if acct.Tier == TierAnonymous || acct.Tier == "" {
		return l.checkLifetime(ctx, acct.ID, action, caps.Lifetime)
	}
	return l.checkPeriod(ctx, acct.ID, action, caps)
}

// checkLifetime compares the all-time counter against a fixed cap. Once
// reached the action stays denied forever: ResetAt is always nil.
func (l *Limiter) checkLifetime(ctx context.Context, userID, action string, limit int64) (Result, error) {
	if limit <= 0 {
		return unlimited(), nil
	}

	used, err := l.ledger.Count(ctx, userID, action, nil)
	if err != nil {
		return Result{}, fmt.Errorf("count lifetime usage: %w", err)
	}

	return Result{
		Allowed:   used < limit,
		Limit:     limit,
		Used:      used,
		Remaining: maxInt64(limit-used, 0),
	}, nil
}

// checkPeriod evaluates the hourly window first and returns immediately
// when it denies. Otherwise the monthly result (annotated with the
// hourly one) wins when a monthly cap is configured, then the hourly
// result, then unlimited.
func (l *Limiter) checkPeriod(ctx context.Context, userID, action string, caps ActionCaps) (Result, error) {
	var hourly *Result
	if caps.Hourly > 0 {
		r, err := l.checkWindow(ctx, userID, action, caps.Hourly, hourWindow)
		if err != nil {
			return Result{}, err
		}
		if !r.Allowed {
			return r, nil
		}
		hourly = &r
	}

	if caps.Monthly > 0 {
		r, err := l.checkWindow(ctx, userID, action, caps.Monthly, monthWindow)
		if err != nil {
			return Result{}, err
		}
		r.Hourly = hourly
		return r, nil
	}

	if hourly != nil {
		return *hourly, nil
	}
	return unlimited(), nil
}

func (l *Limiter) checkWindow(ctx context.Context, userID, action string, limit int64, window time.Duration) (Result, error) {
	now := l.now()
	since := now.Add(-window)

	used, err := l.ledger.Count(ctx, userID, action, &since)
	if err != nil {
		return Result{}, fmt.Errorf("count windowed usage: %w", err)
	}

	resetAt := now.Add(window)
	return Result{
		Allowed:   used < limit,
		Limit:     limit,
		Used:      used,
		Remaining: maxInt64(limit-used, 0),
		ResetAt:   &resetAt,
	}, nil
}

// RecordUsage appends one ledger entry for the action. The byte-derived
// unit estimate (rounded up) is only a fallback for callers without an
// exact count.
func (l *Limiter) RecordUsage(ctx context.Context, acct Account, action string, u Usage) error {
	units := u.Units
	if units <= 0 {
		units = EstimateUnits(u.RequestBytes, u.ResponseBytes)
	}

	err := l.ledger.Append(ctx, Entry{
		UserID:    acct.ID,
		Action:    action,
		Provider:  u.Provider,
		Model:     u.Model,
		Units:     units,
		Tokens:    u.Tokens,
		CreatedAt: l.now(),
	})
	if err != nil {
		return fmt.Errorf("append usage entry: %w", err)
	}
	return nil
}

// EstimateUnits derives cost units from raw byte lengths at the fixed
// bytes-per-unit ratio, rounded up, with a floor of one unit.
func EstimateUnits(requestBytes, responseBytes int) int64 {
	total := int64(requestBytes) + int64(responseBytes)
	units := (total + bytesPerUnit - 1) / bytesPerUnit
	if units < 1 {
		units = 1
	}
	return units
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// WithClock overrides the limiter's time source. Test hook.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}
