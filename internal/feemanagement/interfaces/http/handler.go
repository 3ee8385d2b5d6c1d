// Package http 提供费率管理的 HTTP 接口
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/margintrading/internal/feemanagement/application"
	"github.com/wyfcoding/margintrading/internal/feemanagement/domain"
)

// FeeHandler 费率管理 HTTP 处理器
type FeeHandler struct {
	service *application.FeeService
}

// NewFeeHandler 创建处理器
func NewFeeHandler(service *application.FeeService) *FeeHandler {
	return &FeeHandler{service: service}
}

// RegisterRoutes 注册路由
func (h *FeeHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/fee-schedules")
	{
		api.POST("", h.CreateSchedule)
		api.GET("", h.ListSchedules)
		api.GET("/active", h.GetActive)
	}
}

// CreateSchedule 创建费率表
func (h *FeeHandler) CreateSchedule(c *gin.Context) {
	var cmd application.CreateScheduleCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	schedule, err := h.service.CreateSchedule(c.Request.Context(), cmd)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrInvalidFeeRate) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

// ListSchedules 列出费率表
func (h *FeeHandler) ListSchedules(c *gin.Context) {
	schedules, err := h.service.ListSchedules(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

// GetActive 查询生效费率
func (h *FeeHandler) GetActive(c *gin.Context) {
	cfg, err := h.service.GetActiveFeeConfig(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if cfg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active fee schedule"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"maker_fee_percent": cfg.MakerFeePercent,
		"taker_fee_percent": cfg.TakerFeePercent,
	})
}
