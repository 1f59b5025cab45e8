package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 入库计数
	ItemsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workitems_ingested_total",
			Help: "Total number of work items accepted by the ingestion gateway",
		},
		[]string{"source", "result"}, // result: inserted, duplicate
	)

	// 终态计数
	ItemsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workitems_finalized_total",
			Help: "Total number of work items that reached a terminal status",
		},
		[]string{"status"},
	)

	// 各 stage 耗时（秒）
	StageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
		},
		[]string{"stage", "outcome"},
	)

	// 外部协作服务调用延迟（毫秒）
	CollaboratorCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collaborator_call_latency_ms",
			Help:    "External collaborator call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"collaborator", "status"},
	)

	// claim 耗时（秒）
	ClaimDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workitem_claim_duration_seconds",
			Help:    "Duration of the claim transaction in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"result"}, // result: claimed, empty, error
	)

	// 空轮询计数
	IdlePolls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_idle_polls_total",
			Help: "Number of polls that found no pending work item",
		},
	)

	// worker 循环级错误
	LoopErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_loop_errors_total",
			Help: "Loop-level worker errors by error type",
		},
		[]string{"type"},
	)

	// 慢查询计数
	SlowQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Number of queries slower than the configured threshold",
		},
	)

	// 慢查询耗时（秒）
	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 卡在 PROCESSING 的条目数
	StuckItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workitems_stuck",
			Help: "Work items in PROCESSING longer than the stuck threshold",
		},
	)

	// outbox 发布计数
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events handed to the broker",
		},
		[]string{"routing_key", "result"},
	)
)

// IncrementIngested 增加入库计数
func IncrementIngested(source, result string, n int) {
	ItemsIngested.WithLabelValues(source, result).Add(float64(n))
}

// IncrementFinalized 增加终态计数
func IncrementFinalized(status string) {
	ItemsFinalized.WithLabelValues(status).Inc()
}

// RecordStageLatency 记录 stage 耗时
func RecordStageLatency(stage, outcome string, duration time.Duration) {
	StageLatency.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

// RecordCollaboratorCallLatency 记录外部调用延迟
func RecordCollaboratorCallLatency(collaborator, status string, duration time.Duration) {
	CollaboratorCallLatency.WithLabelValues(collaborator, status).Observe(float64(duration.Milliseconds()))
}

// RecordClaim 记录 claim 耗时
func RecordClaim(result string, duration time.Duration) {
	ClaimDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// IncrementIdlePoll 增加空轮询计数
func IncrementIdlePoll() {
	IdlePolls.Inc()
}

// IncrementLoopError 增加循环错误计数
func IncrementLoopError(errType string) {
	LoopErrors.WithLabelValues(errType).Inc()
}

// IncrementSlowQuery 记录一次慢查询
func IncrementSlowQuery(duration time.Duration) {
	SlowQueries.Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// SetStuckItems 设置卡住条目数
func SetStuckItems(n int) {
	StuckItems.Set(float64(n))
}

// IncrementOutboxPublished 增加 outbox 发布计数
func IncrementOutboxPublished(routingKey, result string) {
	OutboxPublished.WithLabelValues(routingKey, result).Inc()
}
