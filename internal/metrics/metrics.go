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
// サービス層・ミラーディスパッチャ・リアルタイムハブから利用する。
type MetricsCollector interface {
	RecordRequestCreated(category string)
	RecordRequestUpdated()
	RecordRequestDeleted()
	RecordMirrorFailure(operation string)
	RecordMirrorDropped()
	RecordHTTPStatus(statusCode int)
	RecordHTTPLatency(duration time.Duration)
	RecordEventPublished(event string)
	IncWebsocketConnections()
	DecWebsocketConnections()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	requestsCreated *prometheus.CounterVec
	requestsUpdated prometheus.Counter
	requestsDeleted prometheus.Counter
	mirrorFailures  *prometheus.CounterVec
	mirrorDropped   prometheus.Counter
	httpStatus      *prometheus.CounterVec
	httpLatency     prometheus.Histogram
	eventsPublished *prometheus.CounterVec
	wsConnections   prometheus.Gauge
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requestsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servicedesk_requests_created_total",
			Help: "作成されたサービスリクエストのカテゴリ別合計数",
		}, []string{"category"}),
		requestsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "servicedesk_requests_updated_total",
			Help: "更新されたサービスリクエストの合計数",
		}),
		requestsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "servicedesk_requests_deleted_total",
			Help: "削除されたサービスリクエストの合計数",
		}),
		mirrorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servicedesk_mirror_failures_total",
			Help: "外部ミラー書き込み失敗の操作別合計数",
		}, []string{"operation"}),
		mirrorDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "servicedesk_mirror_dropped_total",
			Help: "キュー満杯により破棄されたミラージョブの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servicedesk_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		httpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "servicedesk_http_latency_seconds",
			Help:    "HTTPリクエスト処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servicedesk_events_published_total",
			Help: "配信されたリアルタイムイベントの種別合計数",
		}, []string{"event"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "servicedesk_websocket_connections",
			Help: "現在のWebSocket接続数",
		}),
	}

	reg.MustRegister(
		c.requestsCreated,
		c.requestsUpdated,
		c.requestsDeleted,
		c.mirrorFailures,
		c.mirrorDropped,
		c.httpStatus,
		c.httpLatency,
		c.eventsPublished,
		c.wsConnections,
	)

	return c
}

// RecordRequestCreated はサービスリクエスト作成を記録する。
func (c *Collector) RecordRequestCreated(category string) {
	c.requestsCreated.WithLabelValues(category).Inc()
}

// RecordRequestUpdated はサービスリクエスト更新を記録する。
func (c *Collector) RecordRequestUpdated() {
	c.requestsUpdated.Inc()
}

// RecordRequestDeleted はサービスリクエスト削除を記録する。
func (c *Collector) RecordRequestDeleted() {
	c.requestsDeleted.Inc()
}

// RecordMirrorFailure はミラー書き込み失敗を記録する。
func (c *Collector) RecordMirrorFailure(operation string) {
	c.mirrorFailures.WithLabelValues(operation).Inc()
}

// RecordMirrorDropped はキュー満杯によるミラージョブ破棄を記録する。
func (c *Collector) RecordMirrorDropped() {
	c.mirrorDropped.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordHTTPLatency はHTTPリクエスト処理のレイテンシを記録する。
func (c *Collector) RecordHTTPLatency(duration time.Duration) {
	c.httpLatency.Observe(duration.Seconds())
}

// RecordEventPublished はリアルタイムイベントの配信を記録する。
func (c *Collector) RecordEventPublished(event string) {
	c.eventsPublished.WithLabelValues(event).Inc()
}

// IncWebsocketConnections はWebSocket接続数を増やす。
func (c *Collector) IncWebsocketConnections() {
	c.wsConnections.Inc()
}

// DecWebsocketConnections はWebSocket接続数を減らす。
func (c *Collector) DecWebsocketConnections() {
	c.wsConnections.Dec()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NopCollector は何も記録しないMetricsCollector実装。
// テストで使用する。
type NopCollector struct{}

// compile-time interface check
var _ MetricsCollector = (*NopCollector)(nil)

func (NopCollector) RecordRequestCreated(category string)    {}
func (NopCollector) RecordRequestUpdated()                   {}
func (NopCollector) RecordRequestDeleted()                   {}
func (NopCollector) RecordMirrorFailure(operation string)    {}
func (NopCollector) RecordMirrorDropped()                    {}
func (NopCollector) RecordHTTPStatus(statusCode int)         {}
func (NopCollector) RecordHTTPLatency(duration time.Duration) {}
func (NopCollector) RecordEventPublished(event string)       {}
func (NopCollector) IncWebsocketConnections()                {}
func (NopCollector) DecWebsocketConnections()                {}
