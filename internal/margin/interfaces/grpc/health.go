// Package grpc 提供交易核心的 gRPC 健康检查
package grpc

import (
	"context"
	"sync/atomic"

	"github.com/wyfcoding/margintrading/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthReporter 风控循环完成第一轮之前报告 NOT_SERVING
type HealthReporter struct {
	server  *health.Server
	service string
	ready   atomic.Bool
}

// NewHealthReporter 创建健康检查，service 为空时只维护整体状态
func NewHealthReporter(service string) *HealthReporter {
	h := &HealthReporter{server: health.NewServer(), service: service}
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if service != "" {
		h.server.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return h
}

// Register 注册到 gRPC 服务
func (h *HealthReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// MarkReady 作为风控循环的 OnCycle 回调，只在第一次调用时切换状态
func (h *HealthReporter) MarkReady() {
	if !h.ready.CompareAndSwap(false, true) {
		return
	}
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if h.service != "" {
		h.server.SetServingStatus(h.service, healthpb.HealthCheckResponse_SERVING)
	}
	logger.Info(context.Background(), "risk loop completed first cycle, reporting SERVING")
}

// Ready 是否已完成第一轮风控
func (h *HealthReporter) Ready() bool {
	return h.ready.Load()
}

// Shutdown 关停时所有服务转为 NOT_SERVING
func (h *HealthReporter) Shutdown() {
	h.server.Shutdown()
}

// Check 供 HTTP 探针复用
func (h *HealthReporter) Check(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.server.Check(ctx, &healthpb.HealthCheckRequest{Service: h.service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
