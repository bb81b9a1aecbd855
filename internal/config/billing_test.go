package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBillingConfigHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "billing.yml")
	content := `billing:
  currency: cad
  trialDays: 10
  coolingOffDays: 30
  retrySchedule: ["12h", "48h"]
  plans:
    - { tier: premium, cadence: monthly, amount: 1299 }
  taxJurisdictions:
    - code: CA-ON
      components:
        - { label: HST, rate: 0.13 }
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	holder, err := NewBillingConfigHolder(Config{BillingConfigPath: path}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, "CAD", cfg.Currency)
	assert.Equal(t, 10*24*time.Hour, cfg.TrialDuration())
	assert.Equal(t, 30*24*time.Hour, cfg.CoolingOffWindow())
	assert.Equal(t, []time.Duration{12 * time.Hour, 48 * time.Hour}, cfg.RetrySchedule)
	assert.Equal(t, 3, cfg.ConcurrencyRetries)

	amount, ok := cfg.PlanAmount("Premium", "monthly")
	require.True(t, ok)
	assert.Equal(t, int64(1299), amount)

	_, ok = cfg.PlanAmount("basic", "monthly")
	assert.False(t, ok)
}

func TestBillingConfigDefaultsWhenFileMissing(t *testing.T) {
	holder, err := NewBillingConfigHolder(Config{}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 14, cfg.TrialDays)
	assert.Equal(t, 14, cfg.CoolingOffDays)
	assert.Len(t, cfg.RetrySchedule, 3)
	assert.True(t, cfg.HasTier("premium"))
}

func TestValidateBillingConfigRejectsUnorderedSchedule(t *testing.T) {
	cfg := DefaultBillingConfig()
	cfg.RetrySchedule = []time.Duration{72 * time.Hour, 24 * time.Hour}

	_, err := NewStaticBillingConfigHolder(cfg)
	require.Error(t, err)
}
