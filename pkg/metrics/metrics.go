// Package metrics 提供 Prometheus 指标集合与暴露端点
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/margintrading/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数（method, path, status）
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTP 请求耗时
	HTTPRequestDuration *prometheus.HistogramVec

	// 订单计数（type, status）
	OrdersTotal *prometheus.CounterVec
	// 成交计数（side）
	FillsTotal *prometheus.CounterVec
	// 累计手续费
	FeesTotal prometheus.Counter
	// 风控触发计数（liquidation, take_profit, stop_loss）
	RiskTriggersTotal *prometheus.CounterVec
	// 风控循环耗时
	RiskCycleDuration prometheus.Histogram
	// 当前持仓数
	PositionsOpen prometheus.Gauge
	// 挂单中的条件单数
	ConditionalOrders prometheus.Gauge
	// 成交后持久化失败次数
	PersistFailuresTotal prometheus.Counter
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "orders_total",
			Help:      "Orders processed by type and resulting status",
		}, []string{"type", "status"}),
		FillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "fills_total",
			Help:      "Executed fills by side",
		}, []string{"side"}),
		FeesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "fees_total",
			Help:      "Trading fees charged in quote currency",
		}),
		RiskTriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "risk_triggers_total",
			Help:      "Positions closed by the risk loop",
		}, []string{"kind"}),
		RiskCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "risk_cycle_duration_seconds",
			Help:      "Duration of one risk loop iteration",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2},
		}),
		PositionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "positions_open",
			Help:      "Open positions seen by the last risk scan",
		}),
		ConditionalOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "conditional_orders",
			Help:      "Pending conditional orders",
		}),
		PersistFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "persist_failures_total",
			Help:      "Ledger writes that failed after an in-memory mutation",
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.OrdersTotal,
		m.FillsTotal,
		m.FeesTotal,
		m.RiskTriggersTotal,
		m.RiskCycleDuration,
		m.PositionsOpen,
		m.ConditionalOrders,
		m.PersistFailuresTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return nil
}

// ObserveHTTP 记录一次 HTTP 请求
func (m *Metrics) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, fmt.Sprintf("%d", status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// NewHTTPServer 创建 Prometheus 暴露服务，由调用方负责启动与关闭
func NewHTTPServer(port int, path string, gatherer prometheus.Gatherer) *http.Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Serve 运行指标服务直到 ctx 取消
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Starting Prometheus HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
