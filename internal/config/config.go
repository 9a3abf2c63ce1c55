package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DiscountTier maps a minimum confirmed size to a discount rate.
type DiscountTier struct {
	MinSize int     `yaml:"min_size" json:"min_size"`
	Rate    float64 `yaml:"rate" json:"rate"`
}

// ClusteringConfig controls the clusterer and its rolling window.
type ClusteringConfig struct {
	MinGroupSize     int  `yaml:"min_group_size" json:"min_group_size"`
	MaxGroupSize     int  `yaml:"max_group_size" json:"max_group_size"`
	WindowPastDays   int  `yaml:"window_past_days" json:"window_past_days"`
	WindowFutureDays int  `yaml:"window_future_days" json:"window_future_days"`
	RefineEnabled    bool `yaml:"refine_enabled" json:"refine_enabled"`
}

// CompatConfig holds the compatibility scoring weights and thresholds.
// Weights must sum to 1.0.
type CompatConfig struct {
	DateWeight   float64 `yaml:"date_weight" json:"date_weight"`
	SizeWeight   float64 `yaml:"size_weight" json:"size_weight"`
	BudgetWeight float64 `yaml:"budget_weight" json:"budget_weight"`
	LeadWeight   float64 `yaml:"lead_weight" json:"lead_weight"`

	ThresholdAdmit   float64 `yaml:"threshold_admit" json:"threshold_admit"`
	ThresholdQuality float64 `yaml:"threshold_quality" json:"threshold_quality"`
}

// PricingConfig holds the tiered discount schedule.
type PricingConfig struct {
	Tiers       []DiscountTier `yaml:"tiers" json:"tiers"`
	MaxDiscount float64        `yaml:"max_discount" json:"max_discount"`
}

// WorkflowConfig controls the group formation state machine.
type WorkflowConfig struct {
	ConfirmationWindowDays   int     `yaml:"confirmation_window_days" json:"confirmation_window_days"`
	DepositFraction          float64 `yaml:"deposit_fraction" json:"deposit_fraction"`
	MinimumConfirmationRate  float64 `yaml:"minimum_confirmation_rate" json:"minimum_confirmation_rate"`
	AutoConfirmEnabled       bool    `yaml:"auto_confirm_enabled" json:"auto_confirm_enabled"`
	CountUnpaidConfirmations bool    `yaml:"count_unpaid_confirmations" json:"count_unpaid_confirmations"`
	RefundMaxAttempts        int     `yaml:"refund_max_attempts" json:"refund_max_attempts"`
}

// OptimizerConfig controls the periodic admit and merge passes over
// forming groups.
type OptimizerConfig struct {
	AdmitCompatibility  float64 `yaml:"admit_compatibility" json:"admit_compatibility"`
	MergeCompatibility  float64 `yaml:"merge_compatibility" json:"merge_compatibility"`
	SmallGroupThreshold int     `yaml:"small_group_threshold" json:"small_group_threshold"`
	AdmitSlackDays      int     `yaml:"admit_slack_days" json:"admit_slack_days"`
	MergeStartSlackDays int     `yaml:"merge_start_slack_days" json:"merge_start_slack_days"`
}

// SchedulerConfig holds the periodic job cadence and job timeouts.
type SchedulerConfig struct {
	PeriodCluster  time.Duration `yaml:"period_cluster" json:"period_cluster"`
	PeriodOptimize time.Duration `yaml:"period_optimize" json:"period_optimize"`
	PeriodSweep    time.Duration `yaml:"period_sweep" json:"period_sweep"`
	PeriodReap     time.Duration `yaml:"period_reap" json:"period_reap"`
	PeriodFollowUp time.Duration `yaml:"period_follow_up" json:"period_follow_up"`
	SoftTimeout    time.Duration `yaml:"soft_timeout" json:"soft_timeout"`
	HardTimeout    time.Duration `yaml:"hard_timeout" json:"hard_timeout"`
}

// Config holds application settings (in-memory representation).
type Config struct {
	Clustering ClusteringConfig `yaml:"clustering" json:"clustering"`
	Compat     CompatConfig     `yaml:"compat" json:"compat"`
	Pricing    PricingConfig    `yaml:"pricing" json:"pricing"`
	Optimizer  OptimizerConfig  `yaml:"optimizer" json:"optimizer"`
	Workflow   WorkflowConfig   `yaml:"workflow" json:"workflow"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	LogLevel   string           `yaml:"log_level" json:"log_level"`
}

// Default returns a Config with the standard defaults.
func Default() *Config {
	return &Config{
		Clustering: ClusteringConfig{
			MinGroupSize:     4,
			MaxGroupSize:     20,
			WindowPastDays:   7,
			WindowFutureDays: 60,
			RefineEnabled:    false,
		},
		Compat: CompatConfig{
			DateWeight:       0.40,
			SizeWeight:       0.25,
			BudgetWeight:     0.20,
			LeadWeight:       0.15,
			ThresholdAdmit:   0.3,
			ThresholdQuality: 0.6,
		},
		Pricing: PricingConfig{
			Tiers: []DiscountTier{
				{MinSize: 4, Rate: 0.05},
				{MinSize: 7, Rate: 0.10},
				{MinSize: 10, Rate: 0.15},
				{MinSize: 13, Rate: 0.20},
				{MinSize: 16, Rate: 0.25},
			},
			MaxDiscount: 0.25,
		},
		Workflow: WorkflowConfig{
			ConfirmationWindowDays:   7,
			DepositFraction:          0.30,
			MinimumConfirmationRate:  0.75,
			AutoConfirmEnabled:       true,
			CountUnpaidConfirmations: true,
			RefundMaxAttempts:        5,
		},
		Optimizer: OptimizerConfig{
			AdmitCompatibility:  0.75,
			MergeCompatibility:  0.70,
			SmallGroupThreshold: 6,
			AdmitSlackDays:      3,
			MergeStartSlackDays: 5,
		},
		Scheduler: SchedulerConfig{
			PeriodCluster:  time.Hour,
			PeriodOptimize: 4 * time.Hour,
			PeriodSweep:    30 * time.Minute,
			PeriodReap:     time.Hour,
			PeriodFollowUp: 2 * time.Hour,
			SoftTimeout:    8 * time.Minute,
			HardTimeout:    10 * time.Minute,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults. A missing file is
// not an error: defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	sum := c.Compat.DateWeight + c.Compat.SizeWeight + c.Compat.BudgetWeight + c.Compat.LeadWeight
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("compat weights must sum to 1.0, got %.4f", sum)
	}
	if c.Clustering.MinGroupSize < 2 {
		return fmt.Errorf("clustering.min_group_size must be >= 2, got %d", c.Clustering.MinGroupSize)
	}
	if c.Clustering.MaxGroupSize < c.Clustering.MinGroupSize {
		return fmt.Errorf("clustering.max_group_size %d < min_group_size %d",
			c.Clustering.MaxGroupSize, c.Clustering.MinGroupSize)
	}
	if c.Workflow.DepositFraction < 0 || c.Workflow.DepositFraction > 1 {
		return fmt.Errorf("workflow.deposit_fraction must be in [0,1], got %v", c.Workflow.DepositFraction)
	}
	for i := 1; i < len(c.Pricing.Tiers); i++ {
		if c.Pricing.Tiers[i].MinSize <= c.Pricing.Tiers[i-1].MinSize {
			return fmt.Errorf("pricing.tiers must have strictly increasing min_size")
		}
	}
	return nil
}
