package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/hitoshi/laptopinv/internal/model"
)

// findMetric は指定名・ラベルのメトリクスを返す。
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
			if matchLabels(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func matchLabels(m *dto.Metric, labels map[string]string) bool {
	if len(m.GetLabel()) != len(labels) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if labels[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestSessionRestored_CountsByResult は復元結果別にカウントされることを検証する。
func TestSessionRestored_CountsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SessionRestored(true)
	c.SessionRestored(true)
	c.SessionRestored(false)

	if v := findMetric(t, reg, "laptopinv_session_restores_total", map[string]string{"result": "authenticated"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("authenticated restores = %v, want 2", v)
	}
	if v := findMetric(t, reg, "laptopinv_session_restores_total", map[string]string{"result": "anonymous"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("anonymous restores = %v, want 1", v)
	}
}

// TestSessionEnded_CountsByReason は終了理由別にカウントされることを検証する。
func TestSessionEnded_CountsByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SessionEnded(model.EndReasonIdleTimeout)
	c.SessionEnded(model.EndReasonRevoked)
	c.SessionEnded(model.EndReasonRevoked)

	if v := findMetric(t, reg, "laptopinv_session_ends_total", map[string]string{"reason": "idle_timeout"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("idle_timeout ends = %v, want 1", v)
	}
	if v := findMetric(t, reg, "laptopinv_session_ends_total", map[string]string{"reason": "revoked"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("revoked ends = %v, want 2", v)
	}
}

// TestSetActiveClients_SetsGauge はゲージが最新値になることを検証する。
func TestSetActiveClients_SetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetActiveClients(5)
	c.SetActiveClients(3)

	if v := findMetric(t, reg, "laptopinv_active_clients", map[string]string{}).GetGauge().GetValue(); v != 3 {
		t.Errorf("active_clients = %v, want 3", v)
	}
}

// TestRecordLoginAndRevocations はログイン試行と失効数が記録されることを検証する。
func TestRecordLoginAndRevocations(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogin(false)
	c.RecordLogin(true)
	c.RecordRevocations(2)

	if v := findMetric(t, reg, "laptopinv_login_attempts_total", map[string]string{"result": "failure"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("login failures = %v, want 1", v)
	}
	if v := findMetric(t, reg, "laptopinv_revoked_clients_total", map[string]string{}).GetCounter().GetValue(); v != 2 {
		t.Errorf("revoked clients = %v, want 2", v)
	}
}

// TestRecordHTTPStatus_LabelsByCode はステータスコード別にカウントされることを検証する。
func TestRecordHTTPStatus_LabelsByCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(http.StatusSeeOther)

	if v := findMetric(t, reg, "laptopinv_http_status_total", map[string]string{"status_code": "303"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("http_status_total{303} = %v, want 1", v)
	}
}

// TestHandler_ServesMetrics はハンドラーがメトリクスを返すことを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.SessionEnded(model.EndReasonLogout)

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `laptopinv_session_ends_total{reason="logout"} 1`) {
		t.Error("response should contain the session end counter")
	}
}
