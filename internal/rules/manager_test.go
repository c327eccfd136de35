package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Rorqualx/trafficwarden/internal/types"
)

func writeRules(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write rules file: %v", err)
	}
}

func TestNewManager_BaseOnly(t *testing.T) {
	m, err := NewManager(exampleConfig(), "", false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	rs := m.Get()
	if rs == nil {
		t.Fatal("Get() returned nil")
	}
	if _, blocked := rs.Evaluate(types.CategoryImage, "https://example.com/a.png"); !blocked {
		t.Error("Expected image to be blocked by base rules")
	}
}

func TestNewManager_InvalidBase(t *testing.T) {
	_, err := NewManager(Config{Lists: Lists{Categories: []string{"bogus"}}}, "", false)
	if err == nil {
		t.Fatal("NewManager() expected error for invalid base config")
	}
}

func TestNewManager_ExternalFile(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, tmpFile, `
paths:
  - /pixel
overrides:
  - name: stub-ads
    url_contains: /ads.js
    category: script
    status: 200
    body: "// stubbed"
    headers:
      Content-Type: application/javascript
`)

	m, err := NewManager(exampleConfig(), tmpFile, false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	rs := m.Get()
	if _, blocked := rs.Evaluate(types.CategoryImage, "https://example.com/a.png"); !blocked {
		t.Error("Base categories should be kept when the file leaves them empty")
	}
	if match, blocked := rs.Evaluate(types.CategoryScript, "https://example.com/pixel?id=1"); !blocked || match.Group != GroupPath {
		t.Error("Expected path rule from file")
	}
	if len(rs.Overrides()) != 1 || rs.Overrides()[0].Name != "stub-ads" {
		t.Errorf("Overrides() = %+v", rs.Overrides())
	}

	stats := m.Stats()
	if stats.ReloadCount != 1 {
		t.Errorf("ReloadCount = %d, want 1", stats.ReloadCount)
	}
}

func TestNewManager_BadFile(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string // Not written when empty
	}{
		{name: "missing"},
		{name: "unknown category", content: "categories: [imagez]\n"},
		{name: "malformed yaml", content: "domains: [unclosed\n"},
		{name: "invalid domain", content: "domains: [ads.example.com:8443]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			if tt.content != "" {
				writeRules(t, path, tt.content)
			}

			m, err := NewManager(Config{}, path, true)
			if err == nil {
				m.Close()
				t.Fatal("NewManager() expected error for a bad rules file")
			}
			if !errors.Is(err, types.ErrConfiguration) {
				t.Errorf("NewManager() error = %v, want ErrConfiguration", err)
			}
			if m != nil {
				t.Error("NewManager() returned a manager alongside the error")
			}
		})
	}
}

func TestManager_ReloadKeepsPreviousOnError(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, tmpFile, "keywords: [beacon]\n")

	m, err := NewManager(Config{}, tmpFile, false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	before := m.Get()

	writeRules(t, tmpFile, "categories: [not-a-category]\n")
	if err := m.Reload(); err == nil {
		t.Fatal("Reload() expected error for invalid file")
	}
	if m.Get() != before {
		t.Error("Failed reload replaced the rule set")
	}

	writeRules(t, tmpFile, "keywords: [beacon, pixel]\n")
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if _, blocked := m.Get().Evaluate(types.CategoryOther, "https://x.test/pixel"); !blocked {
		t.Error("Expected new keyword after reload")
	}
	if m.Stats().ReloadCount != 2 {
		t.Errorf("ReloadCount = %d, want 2", m.Stats().ReloadCount)
	}
}

func TestManager_ReloadWithoutPath(t *testing.T) {
	m, err := NewManager(Config{}, "", false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if err := m.Reload(); err == nil {
		t.Error("Reload() expected error without external path")
	}
}

func TestManager_ReloadHook(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, tmpFile, "paths: [/a]\n")

	var calls int
	m, err := NewManager(Config{}, tmpFile, false, WithReloadHook(func(*RuleSet) { calls++ }))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if calls != 1 {
		t.Errorf("reload hook calls = %d, want 1", calls)
	}
}

func TestManager_HotReload(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file watcher test in short mode")
	}

	tmpFile := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, tmpFile, "paths: [/first]\n")

	m, err := NewManager(Config{}, tmpFile, true)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	writeRules(t, tmpFile, "paths: [/second]\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, blocked := m.Get().Evaluate(types.CategoryOther, "https://x.test/second"); blocked {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("Rules were not hot-reloaded")
}

func TestManager_CloseIdempotent(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, tmpFile, "paths: [/a]\n")

	m, err := NewManager(Config{}, tmpFile, true)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := m.Close(); err != nil {
		t.Errorf("first Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
