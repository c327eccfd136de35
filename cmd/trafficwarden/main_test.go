package main

import (
	"slices"
	"testing"

	"github.com/Rorqualx/trafficwarden/internal/config"
	"github.com/Rorqualx/trafficwarden/internal/rules"
	"github.com/Rorqualx/trafficwarden/internal/types"
)

func TestBaseRules(t *testing.T) {
	defaults := rules.Defaults()

	got := baseRules(&config.Config{})
	for _, pair := range [][2][]string{
		{got.Lists.Categories, defaults.Lists.Categories},
		{got.Lists.Domains, defaults.Lists.Domains},
		{got.Lists.Paths, defaults.Lists.Paths},
		{got.Lists.Keywords, defaults.Lists.Keywords},
	} {
		if !slices.Equal(pair[0], pair[1]) {
			t.Errorf("empty environment lists changed defaults: %v != %v", pair[0], pair[1])
		}
	}

	got = baseRules(&config.Config{
		BlockedCategories: []string{"font"},
		BlockedDomains:    []string{"ads.example"},
	})
	if !slices.Equal(got.Lists.Categories, []string{"font"}) {
		t.Errorf("Categories = %v, want [font]", got.Lists.Categories)
	}
	if !slices.Equal(got.Lists.Domains, []string{"ads.example"}) {
		t.Errorf("Domains = %v, want [ads.example]", got.Lists.Domains)
	}
	if !slices.Equal(got.Lists.Paths, defaults.Lists.Paths) {
		t.Errorf("Paths = %v, want defaults %v", got.Lists.Paths, defaults.Lists.Paths)
	}
	if _, err := rules.New(got); err != nil {
		t.Errorf("merged rules are invalid: %v", err)
	}
}

func TestBaseRules_ClearDefaults(t *testing.T) {
	got := baseRules(&config.Config{
		BlockedCategories: []string{"none"},
		BlockedDomains:    []string{"NONE"},
	})
	if len(got.Lists.Categories) != 0 || len(got.Lists.Domains) != 0 {
		t.Errorf("lists not cleared: categories=%v domains=%v", got.Lists.Categories, got.Lists.Domains)
	}

	rs, err := rules.New(got)
	if err != nil {
		t.Fatalf("rules.New() error = %v", err)
	}
	if _, blocked := rs.Evaluate(types.CategoryImage, "https://www.google-analytics.com/collect.gif"); blocked {
		t.Error("cleared defaults still block requests")
	}
}

func TestRun_Usage(t *testing.T) {
	if code := run(nil); code != exitUsage {
		t.Errorf("run(nil) = %d, want %d", code, exitUsage)
	}
	if code := run([]string{"--help"}); code != exitUsage {
		t.Errorf("run(--help) = %d, want %d", code, exitUsage)
	}
	if code := run([]string{"--version"}); code != exitOK {
		t.Errorf("run(--version) = %d, want %d", code, exitOK)
	}
}
