package limits

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLedger is an in-memory usage ledger.
type memLedger struct {
	entries []Entry
}

func (m *memLedger) Append(_ context.Context, e Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memLedger) Count(_ context.Context, userID, action string, since *time.Time) (int64, error) {
	var n int64
	for _, e := range m.entries {
		if e.UserID != userID || e.Action != action {
			continue
		}
		if since != nil && e.CreatedAt.Before(*since) {
			continue
		}
		n += e.Units
	}
	return n, nil
}

func (m *memLedger) add(userID, action string, units int64, at time.Time) {
	m.entries = append(m.entries, Entry{
		UserID: userID, Action: action, Units: units, CreatedAt: at,
	})
}

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLimiter(ledger *memLedger, cfg Config) *Limiter {
	return New(ledger, cfg).WithClock(func() time.Time { return testTime })
}

func TestCheck_BillingDisabled(t *testing.T) {
	ledger := &memLedger{}
	ledger.add("u1", "message", 1_000_000, testTime)

	l := newTestLimiter(ledger, Config{BillingEnabled: false})
	res, err := l.Check(context.Background(), Account{ID: "u1", Tier: TierAnonymous}, "message")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheck_UnlimitedAccount(t *testing.T) {
	cfg := Config{
		BillingEnabled: true,
		Caps: map[Tier]map[string]ActionCaps{
			TierAnonymous: {"message": {Lifetime: 1}},
		},
	}
	ledger := &memLedger{}
	ledger.add("u1", "message", 100, testTime)

	l := newTestLimiter(ledger, cfg)
	res, err := l.Check(context.Background(), Account{ID: "u1", Tier: TierAnonymous, Unlimited: true}, "message")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheck_LifetimeRegime(t *testing.T) {
	cfg := Config{
		BillingEnabled: true,
		Caps: map[Tier]map[string]ActionCaps{
			TierAnonymous: {"message": {Lifetime: 10}},
		},
	}
	ledger := &memLedger{}
	// Old usage still counts: the lifetime counter never resets.
	ledger.add("u1", "message", 6, testTime.Add(-90*24*time.Hour))
	ledger.add("u1", "message", 3, testTime)

	l := newTestLimiter(ledger, cfg)
	ctx := context.Background()

	res, err := l.Check(ctx, Account{ID: "u1", Tier: TierAnonymous}, "message")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(9), res.Used)
	assert.Equal(t, int64(1), res.Remaining)
	assert.Nil(t, res.ResetAt, "lifetime denials never reset")

	ledger.add("u1", "message", 1, testTime)
	res, err = l.Check(ctx, Account{ID: "u1", Tier: TierAnonymous}, "message")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Nil(t, res.ResetAt)
}

func TestCheck_EmptyTierUsesLifetime(t *testing.T) {
	cfg := Config{
		BillingEnabled: true,
		Caps: map[Tier]map[string]ActionCaps{
			"": {"message": {Lifetime: 1}},
		},
	}
	ledger := &memLedger{}
	ledger.add("u1", "message", 1, testTime)

	l := newTestLimiter(ledger, cfg)
	res, err := l.Check(context.Background(), Account{ID: "u1"}, "message")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Nil(t, res.ResetAt)
}

func TestCheck_HourlyDeniesFirst(t *testing.T) {
	cfg := Config{
		BillingEnabled: true,
		Caps: map[Tier]map[string]ActionCaps{
			TierStarter: {"message": {Hourly: 5, Monthly: 1000}},
		},
	}
	ledger := &memLedger{}
	ledger.add("u1", "message", 5, testTime.Add(-30*time.Minute))

	l := newTestLimiter(ledger, cfg)
	res, err := l.Check(context.Background(), Account{ID: "u1", Tier: TierStarter}, "message")
	require.NoError(t, err)

	// The hourly denial short-circuits; no monthly annotation.
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(5), res.Limit)
	assert.Nil(t, res.Hourly)
	require.NotNil(t, res.ResetAt)
	assert.Equal(t, testTime.Add(time.Hour), *res.ResetAt)
}

func TestCheck_RollingHourWindow(t *testing.T) {
	cfg := Config{
		BillingEnabled: true,
		Caps: map[Tier]map[string]ActionCaps{
			TierStarter: {"message": {Hourly: 5}},
		},
	}
	ledger := &memLedger{}
	// Outside the rolling hour, does not count.
	ledger.add("u1", "message", 5, testTime.Add(-61*time.Minute))
	ledger.add("u1", "message", 2, testTime.Add(-10*time.Minute))

	l := newTestLimiter(ledger, cfg)
	res, err := l.Check(context.Background(), Account{ID: "u1", Tier: TierStarter}, "message")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(2), res.Used)
	assert.Equal(t, int64(3), res.Remaining)
}

func TestCheck_MonthlyCarriesHourly(t *testing.T) {
	cfg := Config{
		BillingEnabled: true,
		Caps: map[Tier]map[string]ActionCaps{
			TierPro: {"message": {Hourly: 100, Monthly: 1000}},
		},
	}
	ledger := &memLedger{}
	ledger.add("u1", "message", 10, testTime.Add(-10*time.Minute))
	ledger.add("u1", "message", 200, testTime.Add(-15*24*time.Hour))

	l := newTestLimiter(ledger, cfg)
	res, err := l.Check(context.Background(), Account{ID: "u1", Tier: TierPro}, "message")
	require.NoError(t, err)

	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1000), res.Limit)
	assert.Equal(t, int64(210), res.Used)
	require.NotNil(t, res.Hourly)
	assert.Equal(t, int64(10), res.Hourly.Used)
	assert.Equal(t, int64(100), res.Hourly.Limit)
}

func TestCheck_NoCapsConfigured(t *testing.T) {
	cfg := Config{BillingEnabled: true}
	ledger := &memLedger{}
	ledger.add("u1", "message", 999, testTime)

	l := newTestLimiter(ledger, cfg)
	res, err := l.Check(context.Background(), Account{ID: "u1", Tier: TierPro}, "message")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRecordUsage_ExactUnits(t *testing.T) {
	ledger := &memLedger{}
	l := newTestLimiter(ledger, Config{BillingEnabled: true})

	err := l.RecordUsage(context.Background(), Account{ID: "u1"}, "message", Usage{
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Units:    7,
		Tokens:   120,
	})
	require.NoError(t, err)

	require.Len(t, ledger.entries, 1)
	e := ledger.entries[0]
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, int64(7), e.Units)
	assert.Equal(t, int64(120), e.Tokens)
	assert.Equal(t, testTime, e.CreatedAt)
}

func TestRecordUsage_FallbackEstimate(t *testing.T) {
	ledger := &memLedger{}
	l := newTestLimiter(ledger, Config{BillingEnabled: true})

	err := l.RecordUsage(context.Background(), Account{ID: "u1"}, "message", Usage{
		RequestBytes:  10,
		ResponseBytes: 5,
	})
	require.NoError(t, err)

	require.Len(t, ledger.entries, 1)
	// ceil(15/4) = 4
	assert.Equal(t, int64(4), ledger.entries[0].Units)
}

func TestEstimateUnits(t *testing.T) {
	tests := []struct {
		req, resp int
		want      int64
	}{
		{0, 0, 1},
		{1, 0, 1},
		{4, 0, 1},
		{5, 0, 2},
		{10, 5, 4},
		{100, 100, 50},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateUnits(tt.req, tt.resp), "req=%d resp=%d", tt.req, tt.resp)
	}
}
