// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// トークン検証結果のラベル値。
const (
	TokenValid   = "valid"
	TokenInvalid = "invalid"
	TokenAbsent  = "absent"
)

// ログイン結果のラベル値。
const (
	LoginSuccess = "success"
	LoginFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ミドルウェア、サービス層、定期ジョブから利用する。
type MetricsCollector interface {
	RecordTokenValidation(result string)
	RecordLogin(result string)
	RecordAuditEvent(eventType string)
	RecordSweep(job string, deleted, failed int, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	tokenValidations *prometheus.CounterVec
	logins           *prometheus.CounterVec
	auditEvents      *prometheus.CounterVec
	sweepDeleted     *prometheus.CounterVec
	sweepFailed      *prometheus.CounterVec
	sweepDuration    *prometheus.HistogramVec
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_token_validations_total",
			Help: "リクエストごとのトークン検証結果の数",
		}, []string{"result"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_logins_total",
			Help: "ログイン試行の結果別の数",
		}, []string{"result"}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_audit_events_total",
			Help: "保存した監査記録の種別ごとの数",
		}, []string{"type"}),
		sweepDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_sweep_deleted_total",
			Help: "定期削除ジョブが削除したレコード数",
		}, []string{"job"}),
		sweepFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_sweep_failed_total",
			Help: "定期削除ジョブで削除に失敗したレコード数",
		}, []string{"job"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authcore_sweep_duration_seconds",
			Help:    "定期削除ジョブの実行時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.tokenValidations,
		c.logins,
		c.auditEvents,
		c.sweepDeleted,
		c.sweepFailed,
		c.sweepDuration,
		c.httpStatus,
	)

	return c
}

// RecordTokenValidation はトークン検証結果を記録する。
func (c *Collector) RecordTokenValidation(result string) {
	c.tokenValidations.WithLabelValues(result).Inc()
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordAuditEvent は保存した監査記録を記録する。
func (c *Collector) RecordAuditEvent(eventType string) {
	c.auditEvents.WithLabelValues(eventType).Inc()
}

// RecordSweep は定期削除ジョブ1回分の結果を記録する。
func (c *Collector) RecordSweep(job string, deleted, failed int, duration time.Duration) {
	c.sweepDeleted.WithLabelValues(job).Add(float64(deleted))
	c.sweepFailed.WithLabelValues(job).Add(float64(failed))
	c.sweepDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクス不要な構成とテストで使用する。
type Nop struct{}

func (Nop) RecordTokenValidation(string) {}

func (Nop) RecordLogin(string) {}

func (Nop) RecordAuditEvent(string) {}

func (Nop) RecordSweep(string, int, int, time.Duration) {}

func (Nop) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
