// Package config loads daemon settings from YAML, JSON or TOML files.
// Zero values mean "unspecified"; each subsystem applies its own defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"visiond/pkg/types"
)

// Config holds runtime parameters for the daemon.
type Config struct {
	Addr            string `json:"addr" yaml:"addr" toml:"addr"`
	Variant         string `json:"variant" yaml:"variant" toml:"variant"`
	FallbackVariant string `json:"fallback_variant" yaml:"fallback_variant" toml:"fallback_variant"`

	Engine      Engine      `json:"engine" yaml:"engine" toml:"engine"`
	Resources   Resources   `json:"resources" yaml:"resources" toml:"resources"`
	Generation  Generation  `json:"generation" yaml:"generation" toml:"generation"`
	Pipeline    Pipeline    `json:"pipeline" yaml:"pipeline" toml:"pipeline"`
	Supervision Supervision `json:"supervision" yaml:"supervision" toml:"supervision"`
}

// Engine configures the inference server adapter.
type Engine struct {
	BaseURL          string  `json:"base_url" yaml:"base_url" toml:"base_url"`
	APIKey           string  `json:"api_key" yaml:"api_key" toml:"api_key"`
	RequestTimeoutMS int     `json:"request_timeout_ms" yaml:"request_timeout_ms" toml:"request_timeout_ms"`
	ConnectTimeoutMS int     `json:"connect_timeout_ms" yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
	MaxTokens        int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	Temperature      float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
}

// Resources configures memory sampling and pressure band thresholds,
// expressed as fractions of total system memory.
type Resources struct {
	SampleIntervalMS int     `json:"sample_interval_ms" yaml:"sample_interval_ms" toml:"sample_interval_ms"`
	MediumFraction   float64 `json:"medium_fraction" yaml:"medium_fraction" toml:"medium_fraction"`
	HighFraction     float64 `json:"high_fraction" yaml:"high_fraction" toml:"high_fraction"`
	CriticalFraction float64 `json:"critical_fraction" yaml:"critical_fraction" toml:"critical_fraction"`
}

// Generation configures session scheduling.
type Generation struct {
	CancelGraceMS int `json:"cancel_grace_ms" yaml:"cancel_grace_ms" toml:"cancel_grace_ms"`
	UpdateStride  int `json:"update_stride" yaml:"update_stride" toml:"update_stride"`
	RepeatWindow  int `json:"repeat_window" yaml:"repeat_window" toml:"repeat_window"`
}

// Pipeline configures frame production and admission.
type Pipeline struct {
	Continuous        bool   `json:"continuous" yaml:"continuous" toml:"continuous"`
	Prompt            string `json:"prompt" yaml:"prompt" toml:"prompt"`
	Suffix            string `json:"suffix" yaml:"suffix" toml:"suffix"`
	FrameIntervalMS   int    `json:"frame_interval_ms" yaml:"frame_interval_ms" toml:"frame_interval_ms"`
	PerMinuteCap      int    `json:"per_minute_cap" yaml:"per_minute_cap" toml:"per_minute_cap"`
	HighBandStride    int    `json:"high_band_stride" yaml:"high_band_stride" toml:"high_band_stride"`
	ContinuousDelayMS int    `json:"continuous_delay_ms" yaml:"continuous_delay_ms" toml:"continuous_delay_ms"`
	SingleShotDelayMS int    `json:"single_shot_delay_ms" yaml:"single_shot_delay_ms" toml:"single_shot_delay_ms"`
}

// Supervision configures model switching and emergency recovery.
type Supervision struct {
	SwitchQuiesceMS     int `json:"switch_quiesce_ms" yaml:"switch_quiesce_ms" toml:"switch_quiesce_ms"`
	MaxRecoveryAttempts int `json:"max_recovery_attempts" yaml:"max_recovery_attempts" toml:"max_recovery_attempts"`
	PressureCooldownMS  int `json:"pressure_cooldown_ms" yaml:"pressure_cooldown_ms" toml:"pressure_cooldown_ms"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values no subsystem default can repair.
func (c Config) Validate() error {
	if c.Variant != "" {
		if _, ok := types.LookupVariant(types.Variant(c.Variant)); !ok {
			return fmt.Errorf("unknown variant %q", c.Variant)
		}
	}
	if c.FallbackVariant != "" {
		if _, ok := types.LookupVariant(types.Variant(c.FallbackVariant)); !ok {
			return fmt.Errorf("unknown fallback variant %q", c.FallbackVariant)
		}
	}
	r := c.Resources
	set := r.MediumFraction != 0 || r.HighFraction != 0 || r.CriticalFraction != 0
	if set {
		if r.MediumFraction <= 0 || r.HighFraction <= r.MediumFraction || r.CriticalFraction <= r.HighFraction || r.CriticalFraction > 1 {
			return fmt.Errorf("band thresholds must satisfy 0 < medium < high < critical <= 1")
		}
	}
	return nil
}
