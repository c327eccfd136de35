package rules

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultRulesFS embed.FS

var (
	defaults     Config
	defaultsOnce sync.Once
)

// Defaults returns a copy of the embedded default configuration.
// If the embedded file cannot be parsed, a hardcoded fallback is used.
func Defaults() Config {
	defaultsOnce.Do(func() {
		cfg, err := loadEmbedded()
		if err != nil {
			log.Error().Err(err).Msg("Failed to load default rules, using fallback")
			cfg = fallbackConfig()
		}
		defaults = cfg
	})
	return defaults.clone()
}

func loadEmbedded() (Config, error) {
	data, err := defaultRulesFS.ReadFile("defaults.yaml")
	if err != nil {
		return Config{}, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}

	log.Debug().
		Int("categories", len(cfg.Categories)).
		Int("domains", len(cfg.Domains)).
		Int("mobile_categories", len(cfg.Mobile.Categories)).
		Msg("Default rules loaded")

	return cfg, nil
}

// fallbackConfig returns hardcoded defaults.
func fallbackConfig() Config {
	return Config{
		Lists: Lists{
			Categories: []string{"image", "font", "media"},
			Domains: []string{
				"google-analytics.com",
				"googletagmanager.com",
				"doubleclick.net",
				"connect.facebook.net",
			},
		},
	}
}

// Parse decodes YAML rule data and validates it by compiling a RuleSet.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid YAML: %w", err)
	}
	if _, err := New(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads a YAML rule file and compiles it.
func LoadFile(path string) (*RuleSet, error) {
	cfg, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// ReadFile reads and validates a YAML rule file without compiling it.
func ReadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read rules file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	return cfg, nil
}

// ClearList is the single list entry that empties a list when merged.
const ClearList = "none"

// Merge returns a config where every non-empty list of over replaces the
// corresponding list of c. A list holding only ClearList empties it.
// Overrides are appended.
func (c Config) Merge(over Config) Config {
	merged := c.clone()
	merged.Lists = mergeLists(merged.Lists, over.Lists)
	merged.Mobile = mergeLists(merged.Mobile, over.Mobile)
	merged.Overrides = append(merged.Overrides, over.Overrides...)
	return merged
}

func mergeLists(base, over Lists) Lists {
	base.Categories = mergeList(base.Categories, over.Categories)
	base.Domains = mergeList(base.Domains, over.Domains)
	base.Paths = mergeList(base.Paths, over.Paths)
	base.Keywords = mergeList(base.Keywords, over.Keywords)
	return base
}

func mergeList(base, over []string) []string {
	switch {
	case isClear(over):
		return nil
	case len(over) > 0:
		return over
	}
	return base
}

func isClear(list []string) bool {
	return len(list) == 1 && strings.EqualFold(strings.TrimSpace(list[0]), ClearList)
}

func (c Config) clone() Config {
	out := Config{
		Lists:     c.Lists.clone(),
		Mobile:    c.Mobile.clone(),
		Overrides: append([]Override(nil), c.Overrides...),
	}
	return out
}

func (l Lists) clone() Lists {
	return Lists{
		Categories: append([]string(nil), l.Categories...),
		Domains:    append([]string(nil), l.Domains...),
		Paths:      append([]string(nil), l.Paths...),
		Keywords:   append([]string(nil), l.Keywords...),
	}
}
