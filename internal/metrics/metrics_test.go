package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は名前とラベルが一致するメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

func TestRecordTierFailure_IncrementsCounterWithLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTierFailure("database", "load")
	c.RecordTierFailure("database", "load")
	c.RecordTierFailure("disk", "save")

	m := findMetric(t, reg, "fakturidias_token_tier_failures_total", map[string]string{"tier": "database", "op": "load"})
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("tier_failures{database,load} = %v, want 2", got)
	}
	m = findMetric(t, reg, "fakturidias_token_tier_failures_total", map[string]string{"tier": "disk", "op": "save"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("tier_failures{disk,save} = %v, want 1", got)
	}
}

func TestRecordMigration_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMigration("disk", "database")

	m := findMetric(t, reg, "fakturidias_token_migrations_total", map[string]string{"from": "disk", "to": "database"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("migrations = %v, want 1", got)
	}
}

// TestRecordHandoff_SeparatesResults は引き換え結果がラベルで分かれることを検証する。
func TestRecordHandoff_SeparatesResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHandoffIssued()
	c.RecordHandoffRedeemed(true)
	c.RecordHandoffRedeemed(false)
	c.RecordHandoffRedeemed(false)

	if got := findMetric(t, reg, "fakturidias_handoff_issued_total", nil).GetCounter().GetValue(); got != 1 {
		t.Errorf("handoff_issued = %v, want 1", got)
	}
	if got := findMetric(t, reg, "fakturidias_handoff_redeemed_total", map[string]string{"result": "success"}).GetCounter().GetValue(); got != 1 {
		t.Errorf("handoff_redeemed{success} = %v, want 1", got)
	}
	if got := findMetric(t, reg, "fakturidias_handoff_redeemed_total", map[string]string{"result": "failure"}).GetCounter().GetValue(); got != 2 {
		t.Errorf("handoff_redeemed{failure} = %v, want 2", got)
	}
}

func TestRecordTokenRefresh_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTokenRefresh(false)

	m := findMetric(t, reg, "fakturidias_token_refresh_total", map[string]string{"result": "failure"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("token_refresh{failure} = %v, want 1", got)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(401)

	if got := findMetric(t, reg, "fakturidias_http_status_total", map[string]string{"status_code": "200"}).GetCounter().GetValue(); got != 2 {
		t.Errorf("http_status{200} = %v, want 2", got)
	}
	if got := findMetric(t, reg, "fakturidias_http_status_total", map[string]string{"status_code": "401"}).GetCounter().GetValue(); got != 1 {
		t.Errorf("http_status{401} = %v, want 1", got)
	}
}

func TestOrNop(t *testing.T) {
	if _, ok := OrNop(nil).(Nop); !ok {
		t.Error("OrNop(nil) should return Nop")
	}
	c := NewCollector(prometheus.NewRegistry())
	if OrNop(c) != MetricsCollector(c) {
		t.Error("OrNop should return the given collector")
	}
}

// TestHandler_ServesMetrics は/metricsハンドラーがテキスト形式で出力することを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordHandoffIssued()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("failed to GET metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if !strings.Contains(string(body), "fakturidias_handoff_issued_total 1") {
		t.Errorf("body does not contain handoff counter:\n%s", body)
	}
}
