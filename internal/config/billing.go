package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	CadenceMonthly = "monthly"
	CadenceAnnual  = "annual"
)

// BillingConfig is the lifecycle policy for trials, cancellations and recovery.
type BillingConfig struct {
	Currency           string            `mapstructure:"currency"`
	TrialDays          int               `mapstructure:"trialDays"`
	CoolingOffDays     int               `mapstructure:"coolingOffDays"`
	LateConversionDays int               `mapstructure:"lateConversionDays"`
	UsageBucket        time.Duration     `mapstructure:"usageBucket"`
	RetrySchedule      []time.Duration   `mapstructure:"retrySchedule"`
	ConcurrencyRetries int               `mapstructure:"concurrencyRetries"`
	Plans              []PlanPrice       `mapstructure:"plans"`
	TaxJurisdictions   []TaxJurisdiction `mapstructure:"taxJurisdictions"`
}

type PlanPrice struct {
	Tier    string `mapstructure:"tier"`
	Cadence string `mapstructure:"cadence"`
	Amount  int64  `mapstructure:"amount"`
}

type TaxJurisdiction struct {
	Code       string             `mapstructure:"code"`
	Components []TaxComponentRate `mapstructure:"components"`
}

type TaxComponentRate struct {
	Label string  `mapstructure:"label"`
	Rate  float64 `mapstructure:"rate"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Currency:           "CAD",
		TrialDays:          14,
		CoolingOffDays:     14,
		LateConversionDays: 7,
		UsageBucket:        time.Minute,
		RetrySchedule:      []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour},
		ConcurrencyRetries: 3,
		Plans: []PlanPrice{
			{Tier: "basic", Cadence: CadenceMonthly, Amount: 499},
			{Tier: "basic", Cadence: CadenceAnnual, Amount: 4990},
			{Tier: "premium", Cadence: CadenceMonthly, Amount: 999},
			{Tier: "premium", Cadence: CadenceAnnual, Amount: 9990},
		},
		TaxJurisdictions: []TaxJurisdiction{
			{Code: "CA-AB", Components: []TaxComponentRate{{Label: "GST", Rate: 0.05}}},
			{Code: "CA-BC", Components: []TaxComponentRate{{Label: "GST", Rate: 0.05}, {Label: "PST", Rate: 0.07}}},
			{Code: "CA-ON", Components: []TaxComponentRate{{Label: "HST", Rate: 0.13}}},
			{Code: "CA-QC", Components: []TaxComponentRate{{Label: "GST", Rate: 0.05}, {Label: "QST", Rate: 0.09975}}},
			{Code: "CA-NS", Components: []TaxComponentRate{{Label: "HST", Rate: 0.14}}},
		},
	}
}

func (c BillingConfig) withDefaults() BillingConfig {
	defaults := DefaultBillingConfig()
	if strings.TrimSpace(c.Currency) == "" {
		c.Currency = defaults.Currency
	}
	if c.TrialDays <= 0 {
		c.TrialDays = defaults.TrialDays
	}
	if c.CoolingOffDays <= 0 {
		c.CoolingOffDays = defaults.CoolingOffDays
	}
	if c.LateConversionDays < 0 {
		c.LateConversionDays = 0
	}
	if c.UsageBucket <= 0 {
		c.UsageBucket = defaults.UsageBucket
	}
	if len(c.RetrySchedule) == 0 {
		c.RetrySchedule = defaults.RetrySchedule
	}
	if c.ConcurrencyRetries <= 0 {
		c.ConcurrencyRetries = defaults.ConcurrencyRetries
	}
	if len(c.Plans) == 0 {
		c.Plans = defaults.Plans
	}
	if len(c.TaxJurisdictions) == 0 {
		c.TaxJurisdictions = defaults.TaxJurisdictions
	}
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	return c
}

func (c BillingConfig) TrialDuration() time.Duration {
	return time.Duration(c.TrialDays) * 24 * time.Hour
}

func (c BillingConfig) CoolingOffWindow() time.Duration {
	return time.Duration(c.CoolingOffDays) * 24 * time.Hour
}

func (c BillingConfig) LateConversionWindow() time.Duration {
	return time.Duration(c.LateConversionDays) * 24 * time.Hour
}

// PlanAmount returns the recurring price in minor units for a tier and cadence.
func (c BillingConfig) PlanAmount(tier, cadence string) (int64, bool) {
	tier = strings.ToLower(strings.TrimSpace(tier))
	cadence = strings.ToLower(strings.TrimSpace(cadence))
	for _, plan := range c.Plans {
		if strings.EqualFold(plan.Tier, tier) && strings.EqualFold(plan.Cadence, cadence) {
			return plan.Amount, true
		}
	}
	return 0, false
}

func (c BillingConfig) HasTier(tier string) bool {
	tier = strings.TrimSpace(tier)
	for _, plan := range c.Plans {
		if strings.EqualFold(plan.Tier, tier) {
			return true
		}
	}
	return false
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder wraps a fixed policy without file watching.
func NewStaticBillingConfigHolder(cfg BillingConfig) (*BillingConfigHolder, error) {
	cfg = cfg.withDefaults()
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewBillingConfigHolder(appCfg Config, log *zap.Logger) (*BillingConfigHolder, error) {
	log = log.Named("billing.config")
	v := viper.New()

	if appCfg.BillingConfigPath != "" {
		v.SetConfigFile(appCfg.BillingConfigPath)
	} else {
		v.SetConfigName("billing")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/nestbill")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("NESTBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("billing config file not found, using defaults")
		return NewStaticBillingConfigHolder(DefaultBillingConfig())
	}

	cfg, err := decodeBillingConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeBillingConfig(v)
		if err != nil {
			log.Warn("billing config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("billing config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func decodeBillingConfig(v *viper.Viper) (BillingConfig, error) {
	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return BillingConfig{}, err
	}
	cfg = cfg.withDefaults()
	if err := validateBillingConfig(cfg); err != nil {
		return BillingConfig{}, err
	}
	return cfg, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	for i, d := range cfg.RetrySchedule {
		if d <= 0 {
			return fmt.Errorf("billing.retrySchedule[%d] must be positive", i)
		}
		if i > 0 && d <= cfg.RetrySchedule[i-1] {
			return errors.New("billing.retrySchedule must be strictly increasing")
		}
	}
	for _, plan := range cfg.Plans {
		if strings.TrimSpace(plan.Tier) == "" {
			return errors.New("billing.plans tier cannot be empty")
		}
		if plan.Cadence != CadenceMonthly && plan.Cadence != CadenceAnnual {
			return fmt.Errorf("billing.plans cadence %q is not supported", plan.Cadence)
		}
		if plan.Amount <= 0 {
			return fmt.Errorf("billing.plans amount for %s/%s must be positive", plan.Tier, plan.Cadence)
		}
	}
	for _, j := range cfg.TaxJurisdictions {
		if strings.TrimSpace(j.Code) == "" {
			return errors.New("billing.taxJurisdictions code cannot be empty")
		}
		for _, c := range j.Components {
			if c.Rate < 0 || c.Rate >= 1 {
				return fmt.Errorf("billing.taxJurisdictions %s rate %v out of range", j.Code, c.Rate)
			}
		}
	}
	return nil
}
