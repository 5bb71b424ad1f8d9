// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// APIクライアント、セッション管理、ハンドラーから利用する。
type MetricsCollector interface {
	RecordUpstreamRequest(endpoint string, statusCode int, duration time.Duration)
	RecordUpstreamFailure(endpoint string, reason string)
	RecordBootstrap(outcome string)
	RecordAuthSubmit(mode string, outcome string)
	RecordUploadRejected(reason string)
	RecordInference(outcome string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	upstreamRequests *prometheus.CounterVec
	upstreamFailures *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	bootstraps       *prometheus.CounterVec
	authSubmits      *prometheus.CounterVec
	uploadRejects    *prometheus.CounterVec
	inferences       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepdistill_upstream_requests_total",
			Help: "バックエンドAPIへのリクエスト数（エンドポイント・ステータス別）",
		}, []string{"endpoint", "status_code"}),
		upstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepdistill_upstream_failures_total",
			Help: "バックエンドAPI呼び出しの通信失敗数",
		}, []string{"endpoint", "reason"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deepdistill_upstream_latency_seconds",
			Help:    "バックエンドAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		bootstraps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepdistill_session_bootstrap_total",
			Help: "セッションブートストラップの結果別件数",
		}, []string{"outcome"}),
		authSubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepdistill_auth_submit_total",
			Help: "認証フォーム送信のモード・結果別件数",
		}, []string{"mode", "outcome"}),
		uploadRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepdistill_upload_rejected_total",
			Help: "ローカル検証で拒否されたアップロード数",
		}, []string{"reason"}),
		inferences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepdistill_inference_total",
			Help: "推論リクエストの結果別件数",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.upstreamRequests,
		c.upstreamFailures,
		c.upstreamLatency,
		c.bootstraps,
		c.authSubmits,
		c.uploadRejects,
		c.inferences,
	)

	return c
}

// RecordUpstreamRequest はレスポンスを受け取れたAPI呼び出しを記録する。
func (c *Collector) RecordUpstreamRequest(endpoint string, statusCode int, duration time.Duration) {
	c.upstreamRequests.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	c.upstreamLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordUpstreamFailure はレスポンスを受け取れなかったAPI呼び出しを記録する。
func (c *Collector) RecordUpstreamFailure(endpoint string, reason string) {
	c.upstreamFailures.WithLabelValues(endpoint, reason).Inc()
}

// RecordBootstrap はブートストラップの結果を記録する。
func (c *Collector) RecordBootstrap(outcome string) {
	c.bootstraps.WithLabelValues(outcome).Inc()
}

// RecordAuthSubmit は認証フォーム送信の結果を記録する。
func (c *Collector) RecordAuthSubmit(mode string, outcome string) {
	c.authSubmits.WithLabelValues(mode, outcome).Inc()
}

// RecordUploadRejected はアップロード拒否を記録する。
func (c *Collector) RecordUploadRejected(reason string) {
	c.uploadRejects.WithLabelValues(reason).Inc()
}

// RecordInference は推論リクエストの結果を記録する。
func (c *Collector) RecordInference(outcome string) {
	c.inferences.WithLabelValues(outcome).Inc()
}

// Nop は何も記録しないMetricsCollector。テストや計測不要な経路で使う。
type Nop struct{}

func (Nop) RecordUpstreamRequest(string, int, time.Duration) {}
func (Nop) RecordUpstreamFailure(string, string)             {}
func (Nop) RecordBootstrap(string)                           {}
func (Nop) RecordAuthSubmit(string, string)                  {}
func (Nop) RecordUploadRejected(string)                      {}
func (Nop) RecordInference(string)                           {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
