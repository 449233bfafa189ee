package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig holds the operator-tunable billing knobs and the plan
// catalog seed set. It is read on every job run so a hot reload takes
// effect on the next scheduler tick.
type BillingConfig struct {
	// HoursInMonth is the fixed pro-ration divisor for hourly storage
	// overage. Always 720 in production; never derived from the calendar.
	HoursInMonth     int        `mapstructure:"hoursInMonth"`
	WalletFloorRub   float64    `mapstructure:"walletFloorRub"`
	GraceDays        int        `mapstructure:"graceDays"`
	ExpiryNoticeDays int        `mapstructure:"expiryNoticeDays"`
	Plans            []PlanSeed `mapstructure:"plans"`
}

// PlanSeed is the bootstrap definition of one plan tier. Zero or negative
// limits mean "no cap".
type PlanSeed struct {
	Code                    string  `mapstructure:"code"`
	PriceRubMonthly         float64 `mapstructure:"priceRubMonthly"`
	LimitProjects           int64   `mapstructure:"limitProjects"`
	LimitSeats              int64   `mapstructure:"limitSeats"`
	LimitTasksWeekly        int64   `mapstructure:"limitTasksWeekly"`
	LimitPublicTasksMonthly int64   `mapstructure:"limitPublicTasksMonthly"`
	StorageIncludedGb       float64 `mapstructure:"storageIncludedGb"`
	StorageOverageRubPerGb  float64 `mapstructure:"storageOverageRubPerGb"`
	StoragePackageGb        float64 `mapstructure:"storagePackageGb"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		HoursInMonth:     720,
		WalletFloorRub:   0,
		GraceDays:        3,
		ExpiryNoticeDays: 3,
		Plans: []PlanSeed{
			{
				Code:                    "basic",
				PriceRubMonthly:         0,
				LimitProjects:           1,
				LimitSeats:              5,
				LimitTasksWeekly:        20,
				LimitPublicTasksMonthly: 3,
				StorageIncludedGb:       1,
				StorageOverageRubPerGb:  100,
			},
			{
				Code:                    "team",
				PriceRubMonthly:         1990,
				LimitProjects:           10,
				LimitSeats:              50,
				LimitTasksWeekly:        500,
				LimitPublicTasksMonthly: 50,
				StorageIncludedGb:       10,
				StorageOverageRubPerGb:  100,
			},
			{
				Code:                    "pro",
				PriceRubMonthly:         4990,
				LimitProjects:           0,
				LimitSeats:              200,
				LimitTasksWeekly:        0,
				LimitPublicTasksMonthly: 0,
				StorageIncludedGb:       50,
				StorageOverageRubPerGb:  75,
				StoragePackageGb:        100,
			},
		},
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/opsfield/config")
	v.AddConfigPath("/etc/opsfield")
	v.AddConfigPath(".")

	v.SetEnvPrefix("OPSFIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		v.SetDefault("billing.hoursInMonth", defaults.HoursInMonth)
		v.SetDefault("billing.walletFloorRub", defaults.WalletFloorRub)
		v.SetDefault("billing.graceDays", defaults.GraceDays)
		v.SetDefault("billing.expiryNoticeDays", defaults.ExpiryNoticeDays)
		v.SetDefault("billing.plans", defaults.Plans)
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	cfg = withBillingDefaults(cfg, defaults)
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		updated = withBillingDefaults(updated, defaults)
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder wraps a fixed config; used by tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(withBillingDefaults(cfg, DefaultBillingConfig()))
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func withBillingDefaults(cfg, defaults BillingConfig) BillingConfig {
	if cfg.HoursInMonth <= 0 {
		cfg.HoursInMonth = defaults.HoursInMonth
	}
	if cfg.GraceDays <= 0 {
		cfg.GraceDays = defaults.GraceDays
	}
	if cfg.ExpiryNoticeDays <= 0 {
		cfg.ExpiryNoticeDays = defaults.ExpiryNoticeDays
	}
	if len(cfg.Plans) == 0 {
		cfg.Plans = defaults.Plans
	}
	return cfg
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.HoursInMonth <= 0 {
		return errors.New("billing.hoursInMonth must be positive")
	}
	if len(cfg.Plans) == 0 {
		return errors.New("billing.plans cannot be empty")
	}
	for _, plan := range cfg.Plans {
		if strings.TrimSpace(plan.Code) == "" {
			return errors.New("billing.plans entries require a code")
		}
	}
	return nil
}
