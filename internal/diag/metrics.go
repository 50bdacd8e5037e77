package diag

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "llmextract"

// Registry 为进程内指标注册表（不污染 prometheus 默认注册表）。
var Registry = prometheus.NewRegistry()

var (
	opTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "op_total",
			Help:      "Component operations by stage and result",
		},
		[]string{"comp", "stage", "result"},
	)
	errorTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_total",
			Help:      "Component errors by classified code",
		},
		[]string{"comp", "code"},
	)
	opDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "op_duration_ms",
			Help:      "Component stage duration in milliseconds",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
		},
		[]string{"comp", "stage"},
	)
	unitsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Terminal unit outcomes",
		},
		[]string{"status"},
	)
	rateLimitedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Rate-limit rejections seen per retry layer",
		},
		[]string{"layer"},
	)
	gateInFlight = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_in_flight",
			Help:      "Concurrency permits currently held",
		},
	)
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { opTotal.WithLabelValues(comp, stage, result).Inc() }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { errorTotal.WithLabelValues(comp, code).Inc() }

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// IncUnit 记录单元终态（SUCCESS|FAILED）。
func IncUnit(status string) { unitsTotal.WithLabelValues(status).Inc() }

// IncRateLimited 记录限流拒绝；layer=queue|driver。
func IncRateLimited(layer string) { rateLimitedTotal.WithLabelValues(layer).Inc() }

// SetInFlight 更新当前持有的并发许可数。
func SetInFlight(n int) { gateInFlight.Set(float64(n)) }

// ServeMetrics 在 addr 上暴露 /metrics，直到 ctx 结束。
func ServeMetrics(ctx context.Context, addr string, logger *Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	logger.Start("metrics", "listen", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
