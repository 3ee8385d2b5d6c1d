// Package http 提供杠杆交易核心的 HTTP 接口
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/margintrading/internal/margin/application"
	"github.com/wyfcoding/margintrading/internal/margin/domain"
	"github.com/wyfcoding/margintrading/pkg/logger"
)

// MarginHandler 交易核心 HTTP 处理器
type MarginHandler struct {
	service *application.MarginService
}

// NewMarginHandler 创建处理器
func NewMarginHandler(service *application.MarginService) *MarginHandler {
	return &MarginHandler{service: service}
}

// RegisterRoutes 注册路由，orderLimits 只作用于下单接口
func (h *MarginHandler) RegisterRoutes(router *gin.RouterGroup, orderLimits ...gin.HandlerFunc) {
	orders := router.Group("/orders")
	{
		orders.POST("", append(orderLimits, h.CreateOrder)...)
		orders.GET("/:id", h.GetOrder)
		orders.DELETE("/:id", h.CancelOrder)
	}

	users := router.Group("/users/:user_id")
	{
		users.GET("/orders", h.GetUserOrders)
		users.GET("/positions", h.GetUserPositions)
		users.GET("/positions/:symbol", h.GetUserPosition)
		users.PUT("/positions/:symbol/risk", h.UpdatePositionRisk)
		users.POST("/positions/:symbol/close", h.ClosePosition)
		users.GET("/balance", h.GetUserBalance)
		users.POST("/balance/adjust", h.AdjustUserBalance)
		users.GET("/transactions", h.GetUserTransactions)
	}

	router.GET("/positions", h.GetAllPositions)
	router.GET("/conditional-orders", h.GetOpenConditionalOrders)
}

// CreateOrderRequest 下单请求
type CreateOrderRequest struct {
	UserID           string           `json:"user_id" binding:"required"`
	Symbol           string           `json:"symbol" binding:"required"`
	Side             string           `json:"side" binding:"required"`
	Type             string           `json:"type" binding:"required"`
	Quantity         decimal.Decimal  `json:"quantity"`
	LimitPrice       *decimal.Decimal `json:"limit_price"`
	StopPrice        *decimal.Decimal `json:"stop_price"`
	Leverage         int              `json:"leverage"`
	ReduceOnly       bool             `json:"reduce_only"`
	TargetPositionID string           `json:"target_position_id"`
}

// CreateOrder 下单；被拒绝的订单同样以 200 返回，状态见 status 字段
func (h *MarginHandler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := h.service.CreateOrder(c.Request.Context(), application.CreateOrderCommand{
		UserID:           req.UserID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		Type:             req.Type,
		Quantity:         req.Quantity,
		LimitPrice:       req.LimitPrice,
		StopPrice:        req.StopPrice,
		Leverage:         req.Leverage,
		ReduceOnly:       req.ReduceOnly,
		TargetPositionID: req.TargetPositionID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// GetOrder 查询订单
func (h *MarginHandler) GetOrder(c *gin.Context) {
	order, err := h.service.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// CancelOrder 撤单
func (h *MarginHandler) CancelOrder(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	ok, err := h.service.CancelOrder(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"cancelled": false, "error": "order is not cancellable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// GetUserOrders 用户订单
func (h *MarginHandler) GetUserOrders(c *gin.Context) {
	orders, err := h.service.GetUserOrders(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// GetUserPositions 用户持仓
func (h *MarginHandler) GetUserPositions(c *gin.Context) {
	positions, err := h.service.GetUserPositions(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

// GetUserPosition 用户在某交易对的持仓
func (h *MarginHandler) GetUserPosition(c *gin.Context) {
	position, err := h.service.GetUserPosition(c.Request.Context(), c.Param("user_id"), c.Param("symbol"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, position)
}

// UpdateRiskRequest 止盈止损请求，字段缺省表示不修改，0 表示清除
type UpdateRiskRequest struct {
	PositionID      string           `json:"position_id"`
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price"`
	StopLossPrice   *decimal.Decimal `json:"stop_loss_price"`
}

// UpdatePositionRisk 设置止盈止损
func (h *MarginHandler) UpdatePositionRisk(c *gin.Context) {
	var req UpdateRiskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ok, err := h.service.UpdatePositionRisk(c.Request.Context(), application.UpdatePositionRiskCommand{
		UserID:          c.Param("user_id"),
		Symbol:          c.Param("symbol"),
		PositionID:      req.PositionID,
		TakeProfitPrice: req.TakeProfitPrice,
		StopLossPrice:   req.StopLossPrice,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"updated": false, "error": domain.ErrPositionNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// ClosePositionRequest 平仓请求
type ClosePositionRequest struct {
	PositionID string `json:"position_id"`
}

// ClosePosition 平仓
func (h *MarginHandler) ClosePosition(c *gin.Context) {
	var req ClosePositionRequest
	// 请求体可以为空
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	ok, err := h.service.ClosePosition(c.Request.Context(), c.Param("user_id"), c.Param("symbol"), req.PositionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": ok})
}

// GetUserBalance 用户资金
func (h *MarginHandler) GetUserBalance(c *gin.Context) {
	balance, err := h.service.GetUserBalance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// AdjustBalanceRequest 调账请求
type AdjustBalanceRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" binding:"required"`
}

// AdjustUserBalance 人工调账
func (h *MarginHandler) AdjustUserBalance(c *gin.Context) {
	var req AdjustBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	balance, err := h.service.AdjustUserBalance(c.Request.Context(), application.AdjustBalanceCommand{
		UserID: c.Param("user_id"),
		Amount: req.Amount,
		Reason: req.Reason,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// GetUserTransactions 用户流水
func (h *MarginHandler) GetUserTransactions(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	txs, err := h.service.GetUserTransactions(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

// GetAllPositions 全部持仓
func (h *MarginHandler) GetAllPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": h.service.GetAllPositions(c.Request.Context())})
}

// GetOpenConditionalOrders 挂单中的条件单
func (h *MarginHandler) GetOpenConditionalOrders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": h.service.GetOpenConditionalOrders(c.Request.Context())})
}

// fail 将领域错误映射为 HTTP 状态码
func (h *MarginHandler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrPositionNotFound),
		errors.Is(err, domain.ErrBalanceNotFound),
		errors.Is(err, domain.ErrNoOpenPosition):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidUser),
		errors.Is(err, domain.ErrInvalidSymbol),
		errors.Is(err, domain.ErrInvalidAdjustment),
		errors.Is(err, domain.ErrInvalidRiskPrice):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPriceUnavailable), errors.Is(err, domain.ErrAbnormalPrice):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "margin request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
