package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"travelkit/internal/config"
)

// Runtime config overrides live in the config kv table, one JSON blob
// per section. Values set through the API survive restarts and win
// over the YAML file.

var configSections = []string{"clustering", "compat", "pricing", "optimizer", "workflow"}

// LoadConfigOverrides overlays persisted section overrides onto cfg.
func (d *DB) LoadConfigOverrides(cfg *config.Config) error {
	rows, err := d.sql.Query(`SELECT key, value FROM config`)
	if err != nil {
		return fmt.Errorf("load config overrides: %w", err)
	}
	defer rows.Close()

	m := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		m[k] = v
	}
	if err := rows.Err(); err != nil {
		return err
	}

	targets := map[string]any{
		"clustering": &cfg.Clustering,
		"compat":     &cfg.Compat,
		"pricing":    &cfg.Pricing,
		"optimizer":  &cfg.Optimizer,
		"workflow":   &cfg.Workflow,
	}
	for section, target := range targets {
		v, ok := m[section]
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(v), target); err != nil {
			return fmt.Errorf("parse %s override: %w", section, err)
		}
	}
	return nil
}

// SaveConfigOverrides upserts all sections of cfg as overrides.
func (d *DB) SaveConfigOverrides(cfg *config.Config) error {
	sections := map[string]any{
		"clustering": cfg.Clustering,
		"compat":     cfg.Compat,
		"pricing":    cfg.Pricing,
		"optimizer":  cfg.Optimizer,
		"workflow":   cfg.Workflow,
	}
	return d.WithTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, section := range configSections {
			b, err := json.Marshal(sections[section])
			if err != nil {
				return fmt.Errorf("encode %s: %w", section, err)
			}
			if _, err := stmt.Exec(section, string(b)); err != nil {
				return fmt.Errorf("save %s: %w", section, err)
			}
		}
		return nil
	})
}
