package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_Values(t *testing.T) {
	c := Default()
	if c == nil {
		t.Fatal("Default() returned nil")
	}
	if c.Clustering.MinGroupSize != 4 || c.Clustering.MaxGroupSize != 20 {
		t.Errorf("group size bounds = %d..%d, want 4..20",
			c.Clustering.MinGroupSize, c.Clustering.MaxGroupSize)
	}
	if c.Compat.DateWeight != 0.40 || c.Compat.SizeWeight != 0.25 ||
		c.Compat.BudgetWeight != 0.20 || c.Compat.LeadWeight != 0.15 {
		t.Errorf("compat weights = %+v, want 0.40/0.25/0.20/0.15", c.Compat)
	}
	if len(c.Pricing.Tiers) != 5 {
		t.Fatalf("pricing tiers = %d, want 5", len(c.Pricing.Tiers))
	}
	if c.Pricing.Tiers[0].MinSize != 4 || c.Pricing.Tiers[0].Rate != 0.05 {
		t.Errorf("first tier = %+v, want {4 0.05}", c.Pricing.Tiers[0])
	}
	if c.Pricing.MaxDiscount != 0.25 {
		t.Errorf("MaxDiscount = %v, want 0.25", c.Pricing.MaxDiscount)
	}
	if c.Workflow.ConfirmationWindowDays != 7 {
		t.Errorf("ConfirmationWindowDays = %d, want 7", c.Workflow.ConfirmationWindowDays)
	}
	if c.Workflow.DepositFraction != 0.30 {
		t.Errorf("DepositFraction = %v, want 0.30", c.Workflow.DepositFraction)
	}
	if c.Workflow.MinimumConfirmationRate != 0.75 {
		t.Errorf("MinimumConfirmationRate = %v, want 0.75", c.Workflow.MinimumConfirmationRate)
	}
	if c.Scheduler.PeriodCluster != time.Hour {
		t.Errorf("PeriodCluster = %v, want 1h", c.Scheduler.PeriodCluster)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("default config failed validation: %v", err)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Clustering.MinGroupSize != 4 {
		t.Errorf("MinGroupSize = %d, want default 4", c.Clustering.MinGroupSize)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "travelkit.yaml")
	yaml := "clustering:\n  min_group_size: 5\n  max_group_size: 12\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Clustering.MinGroupSize != 5 || c.Clustering.MaxGroupSize != 12 {
		t.Errorf("group size bounds = %d..%d, want 5..12",
			c.Clustering.MinGroupSize, c.Clustering.MaxGroupSize)
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", c.LogLevel)
	}
	// Sections not in the file keep their defaults.
	if c.Workflow.DepositFraction != 0.30 {
		t.Errorf("DepositFraction = %v, want default 0.30", c.Workflow.DepositFraction)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"weights not summing to 1", func(c *Config) { c.Compat.DateWeight = 0.9 }},
		{"min group size below 2", func(c *Config) { c.Clustering.MinGroupSize = 1 }},
		{"max below min", func(c *Config) { c.Clustering.MaxGroupSize = 3 }},
		{"deposit fraction above 1", func(c *Config) { c.Workflow.DepositFraction = 1.5 }},
		{"non-increasing tiers", func(c *Config) { c.Pricing.Tiers[1].MinSize = 4 }},
	}
	for _, tc := range cases {
		c := Default()
		tc.mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want error", tc.name)
		}
	}
}
