// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベルの値
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultTaken   = "taken"
	ResultInvalid = "invalid"
	ResultDup     = "duplicate"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラーやサービス層から利用する。
type MetricsCollector interface {
	RecordOAuthCallback(result string)
	RecordRegistration(result string)
	RecordLookupFailure()
	RecordWebhookEvent(kind string, result string)
	RecordHTTPStatus(statusCode int)
	RecordUpstreamLatency(operation string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	oauthCallbacks  *prometheus.CounterVec
	registrations   *prometheus.CounterVec
	lookupFailures  prometheus.Counter
	webhookEvents   *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		oauthCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sublink_oauth_callbacks_total",
			Help: "OAuthコールバックの結果別件数",
		}, []string{"result"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sublink_registrations_total",
			Help: "サブドメイン登録の結果別件数",
		}, []string{"result"}),
		lookupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sublink_availability_lookup_failures_total",
			Help: "空き確認で発生したnot found以外のエラー件数",
		}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sublink_webhook_events_total",
			Help: "Webhookイベントの種別・結果別件数",
		}, []string{"kind", "result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sublink_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sublink_upstream_latency_seconds",
			Help:    "GitHub API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(
		c.oauthCallbacks,
		c.registrations,
		c.lookupFailures,
		c.webhookEvents,
		c.httpStatus,
		c.upstreamLatency,
	)

	return c
}

// RecordOAuthCallback はOAuthコールバックの結果を記録する。
func (c *Collector) RecordOAuthCallback(result string) {
	c.oauthCallbacks.WithLabelValues(result).Inc()
}

// RecordRegistration はサブドメイン登録の結果を記録する。
func (c *Collector) RecordRegistration(result string) {
	c.registrations.WithLabelValues(result).Inc()
}

// RecordLookupFailure は空き確認の失敗を記録する。
func (c *Collector) RecordLookupFailure() {
	c.lookupFailures.Inc()
}

// RecordWebhookEvent はWebhookイベントの処理結果を記録する。
func (c *Collector) RecordWebhookEvent(kind string, result string) {
	c.webhookEvents.WithLabelValues(kind, result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordUpstreamLatency は上流API呼び出しのレイテンシを記録する。
func (c *Collector) RecordUpstreamLatency(operation string, duration time.Duration) {
	c.upstreamLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordOAuthCallback(string)                  {}
func (Nop) RecordRegistration(string)                   {}
func (Nop) RecordLookupFailure()                        {}
func (Nop) RecordWebhookEvent(string, string)           {}
func (Nop) RecordHTTPStatus(int)                        {}
func (Nop) RecordUpstreamLatency(string, time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
