// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// トークンストア、認証サービス、資格情報リゾルバーから利用する。
type MetricsCollector interface {
	RecordTierFailure(tier string, op string)
	RecordMigration(from string, to string)
	RecordHandoffIssued()
	RecordHandoffRedeemed(success bool)
	RecordTokenRefresh(success bool)
	RecordHTTPStatus(statusCode int)
}

// Nop は何も記録しない MetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordTierFailure(string, string) {}
func (Nop) RecordMigration(string, string)   {}
func (Nop) RecordHandoffIssued()             {}
func (Nop) RecordHandoffRedeemed(bool)       {}
func (Nop) RecordTokenRefresh(bool)          {}
func (Nop) RecordHTTPStatus(int)             {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// OrNop は nil の場合に Nop を返す。
func OrNop(c MetricsCollector) MetricsCollector {
	if c == nil {
		return Nop{}
	}
	return c
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	tierFailures    *prometheus.CounterVec
	migrations      *prometheus.CounterVec
	handoffIssued   prometheus.Counter
	handoffRedeemed *prometheus.CounterVec
	tokenRefresh    *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tierFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fakturidias_token_tier_failures_total",
			Help: "ストレージ層ごとの到達不能・失敗回数",
		}, []string{"tier", "op"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fakturidias_token_migrations_total",
			Help: "下位層から上位層へのトークン複製回数",
		}, []string{"from", "to"}),
		handoffIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fakturidias_handoff_issued_total",
			Help: "発行したハンドオフコードの合計数",
		}),
		handoffRedeemed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fakturidias_handoff_redeemed_total",
			Help: "ハンドオフコード引き換えの結果別の合計数",
		}, []string{"result"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fakturidias_token_refresh_total",
			Help: "アクセストークン更新の結果別の合計数",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fakturidias_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.tierFailures,
		c.migrations,
		c.handoffIssued,
		c.handoffRedeemed,
		c.tokenRefresh,
		c.httpStatus,
	)

	return c
}

// RecordTierFailure はストレージ層の失敗を記録する。
func (c *Collector) RecordTierFailure(tier string, op string) {
	c.tierFailures.WithLabelValues(tier, op).Inc()
}

// RecordMigration は層間の複製を記録する。
func (c *Collector) RecordMigration(from string, to string) {
	c.migrations.WithLabelValues(from, to).Inc()
}

// RecordHandoffIssued はハンドオフコード発行を記録する。
func (c *Collector) RecordHandoffIssued() {
	c.handoffIssued.Inc()
}

// RecordHandoffRedeemed はハンドオフコード引き換えの結果を記録する。
func (c *Collector) RecordHandoffRedeemed(success bool) {
	c.handoffRedeemed.WithLabelValues(result(success)).Inc()
}

// RecordTokenRefresh はトークン更新の結果を記録する。
func (c *Collector) RecordTokenRefresh(success bool) {
	c.tokenRefresh.WithLabelValues(result(success)).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
