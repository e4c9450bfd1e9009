package quota

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Limit holds the three ceilings enforced for one model.
type Limit struct {
	RPM int `json:"rpm" yaml:"rpm"`
	TPM int `json:"tpm" yaml:"tpm"`
	RPD int `json:"rpd" yaml:"rpd"`
}

// TierConfig maps a tier name to the limits of each model in that tier.
type TierConfig map[string]map[string]Limit

// Lookup returns the limit for model in tier. The second result is false when
// the tier or the model is not configured, meaning no policy applies.
func (c TierConfig) Lookup(tier, model string) (Limit, bool) {
	models, ok := c[tier]
	if !ok {
		return Limit{}, false
	}
	limit, ok := models[model]
	return limit, ok
}

// HasTier reports whether tier is configured.
func (c TierConfig) HasTier(tier string) bool {
	_, ok := c[tier]
	return ok
}

// Tiers returns the configured tier names, sorted.
func (c TierConfig) Tiers() []string {
	tiers := make([]string, 0, len(c))
	for t := range c {
		tiers = append(tiers, t)
	}
	sort.Strings(tiers)
	return tiers
}

// Models returns the models configured for tier, sorted.
func (c TierConfig) Models(tier string) []string {
	models := make([]string, 0, len(c[tier]))
	for m := range c[tier] {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// Validate rejects non-positive limits. A zero ceiling could never be
// satisfied by waiting and would block callers forever.
func (c TierConfig) Validate() error {
	for _, tier := range c.Tiers() {
		for _, model := range c.Models(tier) {
			l := c[tier][model]
			if l.RPM <= 0 || l.TPM <= 0 || l.RPD <= 0 {
				return fmt.Errorf("tier %q model %q: rpm, tpm and rpd must be positive, got %+v", tier, model, l)
			}
		}
	}
	return nil
}

// LoadTierConfig reads a tier configuration file. Files ending in .yaml or
// .yml are parsed as YAML, everything else as JSON.
func LoadTierConfig(path string) (TierConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier config: %w", err)
	}
	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}
	return ParseTierConfig(data, format)
}

// ParseTierConfig decodes and validates a tier configuration document.
func ParseTierConfig(data []byte, format string) (TierConfig, error) {
	var cfg TierConfig
	var err error
	switch format {
	case "yaml":
		err = yaml.Unmarshal(data, &cfg)
	case "json":
		err = json.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("unsupported tier config format: %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse tier config: %w", err)
	}
	if cfg == nil {
		cfg = TierConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tier config: %w", err)
	}
	return cfg, nil
}
