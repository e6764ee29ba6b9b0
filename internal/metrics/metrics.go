// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/laptopinv/internal/model"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッションストア、クライアントレジストリ、ハンドラーから利用する。
type MetricsCollector interface {
	SessionRestored(authenticated bool)
	SessionEnded(reason model.EndReason)
	SetActiveClients(n int)
	RecordLogin(success bool)
	RecordRevocations(count int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	restores      *prometheus.CounterVec
	sessionEnds   *prometheus.CounterVec
	activeClients prometheus.Gauge
	logins        *prometheus.CounterVec
	revocations   prometheus.Counter
	httpStatus    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "laptopinv_session_restores_total",
			Help: "セッション復元の合計数（結果別）",
		}, []string{"result"}),
		sessionEnds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "laptopinv_session_ends_total",
			Help: "セッション終了の合計数（理由別）",
		}, []string{"reason"}),
		activeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "laptopinv_active_clients",
			Help: "メモリ上のクライアントランタイム数",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "laptopinv_login_attempts_total",
			Help: "ログイン試行の合計数（結果別）",
		}, []string{"result"}),
		revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "laptopinv_revoked_clients_total",
			Help: "外部からの失効通知で失効したクライアントの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "laptopinv_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.restores,
		c.sessionEnds,
		c.activeClients,
		c.logins,
		c.revocations,
		c.httpStatus,
	)

	return c
}

// SessionRestored はセッション復元の結果を記録する。
func (c *Collector) SessionRestored(authenticated bool) {
	result := "anonymous"
	if authenticated {
		result = "authenticated"
	}
	c.restores.WithLabelValues(result).Inc()
}

// SessionEnded はセッション終了を理由別に記録する。
func (c *Collector) SessionEnded(reason model.EndReason) {
	label := string(reason)
	if label == "" {
		label = "none"
	}
	c.sessionEnds.WithLabelValues(label).Inc()
}

// SetActiveClients はクライアントランタイム数を記録する。
func (c *Collector) SetActiveClients(n int) {
	c.activeClients.Set(float64(n))
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.logins.WithLabelValues(result).Inc()
}

// RecordRevocations は失効させたクライアント数を記録する。
func (c *Collector) RecordRevocations(count int) {
	c.revocations.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
