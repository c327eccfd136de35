package rules

import (
	"errors"
	"sync"
	"testing"

	"github.com/Rorqualx/trafficwarden/internal/types"
)

func exampleConfig() Config {
	return Config{
		Lists: Lists{
			Categories: []string{"image", "font", "media"},
			Domains:    []string{"google-analytics.com"},
		},
	}
}

func TestEvaluate_ExampleScenario(t *testing.T) {
	rs := MustNew(exampleConfig())

	tests := []struct {
		name     string
		category types.ResourceCategory
		url      string
		blocked  bool
		group    Group
	}{
		{"document allowed", types.CategoryDocument, "https://example.com/", false, GroupNone},
		{"image blocked by category", types.CategoryImage, "https://example.com/logo.png", true, GroupCategory},
		{"analytics blocked by domain", types.CategoryScript, "https://google-analytics.com/ga.js", true, GroupDomain},
		{"app script allowed", types.CategoryScript, "https://example.com/app.js", false, GroupNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, blocked := rs.Evaluate(tt.category, tt.url)
			if blocked != tt.blocked {
				t.Fatalf("Evaluate() blocked = %v, want %v", blocked, tt.blocked)
			}
			if m.Group != tt.group {
				t.Errorf("Evaluate() group = %v, want %v", m.Group, tt.group)
			}
		})
	}
}

func TestEvaluate_Precedence(t *testing.T) {
	rs := MustNew(Config{Lists: Lists{
		Categories: []string{"image"},
		Domains:    []string{"ads.example"},
		Paths:      []string{"/track"},
		Keywords:   []string{"beacon"},
	}})

	tests := []struct {
		name     string
		category types.ResourceCategory
		url      string
		want     RuleID
	}{
		{"category beats everything", types.CategoryImage, "https://ads.example/track?beacon=1", "category:image"},
		{"domain beats path", types.CategoryScript, "https://ads.example/track?beacon=1", "domain:ads.example"},
		{"path beats keyword", types.CategoryScript, "https://cdn.test/track?beacon=1", "path:/track"},
		{"keyword last", types.CategoryScript, "https://cdn.test/x.js?BEACON=1", "keyword:beacon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, blocked := rs.Evaluate(tt.category, tt.url)
			if !blocked {
				t.Fatal("Evaluate() not blocked")
			}
			if m.ID() != tt.want {
				t.Errorf("Evaluate() rule = %s, want %s", m.ID(), tt.want)
			}
		})
	}
}

func TestEvaluate_DomainMatching(t *testing.T) {
	rs := MustNew(Config{Lists: Lists{
		Domains: []string{"Google-Analytics.com", "doubleclick", ".ads."},
	}})

	tests := []struct {
		url     string
		blocked bool
	}{
		{"https://google-analytics.com/ga.js", true},
		{"https://www.google-analytics.com/ga.js", true},
		{"https://GOOGLE-ANALYTICS.COM/collect", true},
		{"https://notgoogle-analytics.com/ga.js", false},
		{"https://google-analytics.com.evil.test/", false},
		{"https://example.com/?ref=google-analytics.com", false},
		{"https://stats.doubleclick.net/x", true},
		{"https://cdn.ads.example.org/x", true},
		{"https://ads.example.org/x", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			_, blocked := rs.Evaluate(types.CategoryScript, tt.url)
			if blocked != tt.blocked {
				t.Errorf("Evaluate(%q) blocked = %v, want %v", tt.url, blocked, tt.blocked)
			}
		})
	}
}

func TestEvaluate_NoHostIsNotDomainMatch(t *testing.T) {
	rs := MustNew(Config{Lists: Lists{
		Domains:  []string{"example.com"},
		Paths:    []string{"image/png"},
		Keywords: []string{"secret"},
	}})

	if _, blocked := rs.Evaluate(types.CategoryOther, "/relative/example.com"); blocked {
		t.Error("URL without host matched a domain rule")
	}

	m, blocked := rs.Evaluate(types.CategoryImage, "data:image/png;base64,AAAA")
	if !blocked || m.Group != GroupPath {
		t.Errorf("data URL: got %v blocked=%v, want path match", m.ID(), blocked)
	}

	m, blocked = rs.Evaluate(types.CategoryOther, "::not a url::secret")
	if !blocked || m.Group != GroupKeyword {
		t.Errorf("unparseable URL: got %v blocked=%v, want keyword match", m.ID(), blocked)
	}
}

func TestEvaluate_OtherNeverMatchesCategory(t *testing.T) {
	rs := MustNew(exampleConfig())

	for _, raw := range []string{"other", "Unknown", "", "CSPViolationReport"} {
		cat := types.ParseCategory(raw)
		if _, blocked := rs.Evaluate(cat, "https://example.com/"); blocked {
			t.Errorf("category %q was blocked", raw)
		}
	}
}

func TestEvaluate_Mobile(t *testing.T) {
	rs := MustNew(Config{Mobile: Lists{Categories: []string{"stylesheet"}}})

	if _, blocked := rs.Evaluate(types.CategoryStylesheet, "https://example.com/a.css"); blocked {
		t.Error("base lists should not block stylesheet")
	}
	m, blocked := rs.EvaluateMobile(types.CategoryStylesheet, "https://example.com/a.css")
	if !blocked || m.ID() != "category:stylesheet" {
		t.Errorf("EvaluateMobile() = %v, %v", m.ID(), blocked)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"empty domain", Config{Lists: Lists{Domains: []string{"  "}}}, "domains"},
		{"domain with path", Config{Lists: Lists{Domains: []string{"example.com/ads"}}}, "domains"},
		{"domain with scheme", Config{Lists: Lists{Domains: []string{"https://example.com"}}}, "domains"},
		{"domain with port", Config{Lists: Lists{Domains: []string{"ads.example.com:8443"}}}, "domains"},
		{"bare scheme", Config{Lists: Lists{Domains: []string{"https:"}}}, "domains"},
		{"domain with query", Config{Lists: Lists{Domains: []string{"ads?x"}}}, "domains"},
		{"domain with fragment", Config{Lists: Lists{Domains: []string{"ads#x"}}}, "domains"},
		{"domain with userinfo", Config{Lists: Lists{Domains: []string{"user@ads.example"}}}, "domains"},
		{"unicode domain", Config{Lists: Lists{Domains: []string{"bücher.example"}}}, "domains"},
		{"mobile domain with port", Config{Mobile: Lists{Domains: []string{"m.example:80"}}}, "mobile.domains"},
		{"unknown category", Config{Lists: Lists{Categories: []string{"video"}}}, "categories"},
		{"other category", Config{Lists: Lists{Categories: []string{"other"}}}, "categories"},
		{"path with space", Config{Lists: Lists{Paths: []string{"/a b"}}}, "paths"},
		{"empty keyword", Config{Lists: Lists{Keywords: []string{""}}}, "keywords"},
		{"mobile empty path", Config{Mobile: Lists{Paths: []string{""}}}, "mobile.paths"},
		{"override without match", Config{Overrides: []Override{{StatusCode: 200, Body: "x"}}}, "overrides[0]"},
		{"override bad status", Config{Overrides: []Override{{URLContains: "a", StatusCode: 700, Body: "x"}}}, "overrides[0]"},
		{"override without body", Config{Overrides: []Override{{URLContains: "a", StatusCode: 200}}}, "overrides[0]"},
		{"override bad category", Config{Overrides: []Override{{URLContains: "a", Category: "nope", StatusCode: 200, Body: "x"}}}, "overrides[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if err == nil {
				t.Fatal("New() expected error")
			}
			if !errors.Is(err, types.ErrConfiguration) {
				t.Errorf("error %v is not ErrConfiguration", err)
			}
			var ce *types.ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("error %T is not *ConfigurationError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}

func TestNew_DomainCharacters(t *testing.T) {
	for _, d := range []string{"Google-Analytics.com", ".ads.", "doubleclick", "xn--bcher-kva.example", "_tracking.example", "cdn-01.example"} {
		if _, err := New(Config{Lists: Lists{Domains: []string{d}}}); err != nil {
			t.Errorf("New() rejected domain %q: %v", d, err)
		}
	}
}

func TestNew_NoContentOverrideNeedsNoBody(t *testing.T) {
	_, err := New(Config{Overrides: []Override{{URLContains: "beacon", StatusCode: 204}}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
}

func TestNew_EmptyConfigBlocksNothing(t *testing.T) {
	rs := MustNew(Config{})
	for _, cat := range types.Categories {
		if _, blocked := rs.Evaluate(cat, "https://example.com/x"); blocked {
			t.Errorf("empty rule set blocked %s", cat)
		}
	}
}

func TestOverride_Matches(t *testing.T) {
	o := Override{URLContains: "/ads.js", Category: "script", StatusCode: 200, Body: "//"}

	if !o.Matches(types.CategoryScript, "https://cdn.test/ads.js") {
		t.Error("expected match")
	}
	if o.Matches(types.CategoryImage, "https://cdn.test/ads.js") {
		t.Error("category mismatch should not match")
	}
	o.Category = ""
	if !o.Matches(types.CategoryImage, "https://cdn.test/ads.js") {
		t.Error("override without category should match any category")
	}
}

func TestEvaluate_Concurrent(t *testing.T) {
	rs := MustNew(Defaults())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, blocked := rs.Evaluate(types.CategoryImage, "https://example.com/a.png"); !blocked {
					t.Error("image should be blocked by defaults")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if len(cfg.Categories) != 3 {
		t.Errorf("Defaults() categories = %v, want image, font, media", cfg.Categories)
	}
	if len(cfg.Domains) == 0 {
		t.Error("Defaults() has no tracker domains")
	}

	// Callers get a copy.
	cfg.Categories[0] = "script"
	if Defaults().Categories[0] == "script" {
		t.Error("Defaults() returned shared slice")
	}
}

func TestConfig_Merge(t *testing.T) {
	base := exampleConfig()
	merged := base.Merge(Config{Lists: Lists{Paths: []string{"/pixel"}}})

	if len(merged.Categories) != 3 || len(merged.Domains) != 1 {
		t.Errorf("Merge() lost base lists: %+v", merged.Lists)
	}
	if len(merged.Paths) != 1 || merged.Paths[0] != "/pixel" {
		t.Errorf("Merge() paths = %v", merged.Paths)
	}
}

func TestConfig_MergeClearList(t *testing.T) {
	base := exampleConfig()
	merged := base.Merge(Config{
		Lists:  Lists{Categories: []string{" None "}, Keywords: []string{"beacon"}},
		Mobile: Lists{Domains: []string{ClearList}},
	})

	if len(merged.Categories) != 0 {
		t.Errorf("Categories = %v, want cleared", merged.Categories)
	}
	if len(merged.Domains) != 1 {
		t.Errorf("Domains = %v, want base list kept", merged.Domains)
	}
	if len(merged.Keywords) != 1 || merged.Keywords[0] != "beacon" {
		t.Errorf("Keywords = %v", merged.Keywords)
	}
	if len(base.Categories) != 3 {
		t.Errorf("Merge() modified the receiver: %v", base.Categories)
	}

	rs, err := New(merged)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, blocked := rs.Evaluate(types.CategoryImage, "https://example.com/a.png"); blocked {
		t.Error("cleared category list still blocks images")
	}
}

func TestParse_ClearList(t *testing.T) {
	cfg, err := Parse([]byte("categories: [none]\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	merged := exampleConfig().Merge(cfg)
	if len(merged.Categories) != 0 {
		t.Errorf("Categories = %v, want cleared by the file", merged.Categories)
	}
}
