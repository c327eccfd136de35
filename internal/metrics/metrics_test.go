package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	return w.Body.String()
}

func TestHandler(t *testing.T) {
	if Handler() == nil {
		t.Fatal("Handler() returned nil")
	}

	UpdatePoolMetrics(3, 2)
	UpdateSessionMetrics(1)

	body := scrape(t)
	for _, metric := range []string{
		"trafficwarden_browser_pool_size",
		"trafficwarden_browser_pool_available",
		"trafficwarden_active_sessions",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in output", metric)
		}
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "go1.24")

	body := scrape(t)
	if !strings.Contains(body, `version="1.0.0"`) {
		t.Error("Expected version label in build_info")
	}
	if !strings.Contains(body, `go_version="go1.24"`) {
		t.Error("Expected go_version label in build_info")
	}
}

func TestRecordDecision(t *testing.T) {
	RecordDecision("abort", "blocked-domain", "script")
	RecordDecision("continue", "", "document")

	body := scrape(t)
	if !strings.Contains(body, `trafficwarden_decisions_total{category="script",kind="abort",reason="blocked-domain"} 1`) {
		t.Error("Expected abort decision counter")
	}
}

func TestRecordBytes(t *testing.T) {
	RecordBytes("substituted", 42)
	RecordBytes("substituted", 0)
	RecordBytes("substituted", -7)

	body := scrape(t)
	if !strings.Contains(body, `trafficwarden_bytes_total{counter="substituted"} 42`) {
		t.Error("Expected substituted bytes to be 42")
	}
}

func TestRecordSession(t *testing.T) {
	RecordSession("ok", 2*time.Second)
	RecordProtocolViolation()
	RecordRuleReload(12)

	body := scrape(t)
	for _, want := range []string{
		`trafficwarden_sessions_total{result="ok"}`,
		"trafficwarden_session_duration_seconds",
		"trafficwarden_protocol_violations_total",
		"trafficwarden_rule_entries 12",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in output", want)
		}
	}
}

func TestUpdateSessionMetrics(t *testing.T) {
	UpdateSessionMetrics(5)

	if !strings.Contains(scrape(t), "trafficwarden_active_sessions 5") {
		t.Error("Expected active_sessions to be 5")
	}
}

func TestStartMemoryCollector(t *testing.T) {
	stopCh := make(chan struct{})
	go StartMemoryCollector(50*time.Millisecond, stopCh)
	time.Sleep(150 * time.Millisecond)
	close(stopCh)

	body := scrape(t)
	if !strings.Contains(body, "trafficwarden_memory_usage_bytes") {
		t.Error("Expected trafficwarden_memory_usage_bytes metric")
	}
	if !strings.Contains(body, "trafficwarden_goroutines") {
		t.Error("Expected trafficwarden_goroutines metric")
	}
}
