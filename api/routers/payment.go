package routers

import (
	"errors"
	"strconv"

	"usdt-gateway/internal/allocator"
	"usdt-gateway/internal/notification"
	"usdt-gateway/internal/order"
	"usdt-gateway/pkg/httputil"

	"github.com/gin-gonic/gin"
)

// PaymentHandler 支付订单处理器
type PaymentHandler struct {
	orders   order.Service
	notifier notification.Service
}

// NewPaymentHandler 创建支付处理器
func NewPaymentHandler(orders order.Service, notifier notification.Service) *PaymentHandler {
	return &PaymentHandler{orders: orders, notifier: notifier}
}

// Register 注册路由
func (h *PaymentHandler) Register(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:orderNo", h.GetOrder)
	r.POST("/orders/:orderNo/cancel", h.CancelOrder)

	r.POST("/webhooks", h.RegisterWebhook)
	r.GET("/notifications", h.ListNotifications)
}

// CreateOrder 创建订单
func (h *PaymentHandler) CreateOrder(c *gin.Context) {
	var req order.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	req.UserID = GetUserID(c)

	o, err := h.orders.CreateOrder(&req)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrUnsupportedNetwork),
			errors.Is(err, order.ErrInvalidAmount),
			errors.Is(err, order.ErrAmountBelowMinimum):
			httputil.BadRequest(c, err.Error())
		case errors.Is(err, allocator.ErrNoWalletAvailable):
			httputil.Error(c, httputil.ErrCodeNoWallet, "no payment address available, please retry later")
		default:
			httputil.InternalError(c, err.Error())
		}
		return
	}

	httputil.Success(c, o.View())
}

// GetOrder 查询订单
func (h *PaymentHandler) GetOrder(c *gin.Context) {
	o, err := h.orders.GetOrder(c.Param("orderNo"))
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			httputil.NotFound(c, "order not found")
			return
		}
		httputil.InternalError(c, err.Error())
		return
	}

	httputil.Success(c, o.View())
}

// ListOrders 用户订单分页
func (h *PaymentHandler) ListOrders(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	orders, total, err := h.orders.ListOrders(GetUserID(c), page, pageSize)
	if err != nil {
		httputil.InternalError(c, err.Error())
		return
	}

	views := make([]*order.OrderView, len(orders))
	for i, o := range orders {
		views[i] = o.View()
	}
	httputil.Success(c, gin.H{
		"orders": views,
		"total":  total,
		"page":   page,
	})
}

// CancelOrderRequest 取消订单请求
type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

// CancelOrder 取消订单
func (h *PaymentHandler) CancelOrder(c *gin.Context) {
	var req CancelOrderRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}

	err := h.orders.CancelOrder(c.Param("orderNo"), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			httputil.NotFound(c, "order not found")
		case errors.Is(err, order.ErrInvalidState):
			httputil.Conflict(c, "order cannot be cancelled in its current state")
		default:
			httputil.InternalError(c, err.Error())
		}
		return
	}

	httputil.Success(c, nil)
}

// RegisterWebhookRequest 登记回调地址请求
type RegisterWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

// RegisterWebhook 登记商户回调地址
func (h *PaymentHandler) RegisterWebhook(c *gin.Context) {
	var req RegisterWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	w, err := h.notifier.RegisterWebhook(GetUserID(c), req.URL, req.Secret, req.Events)
	if err != nil {
		httputil.InternalError(c, err.Error())
		return
	}
	httputil.Success(c, w)
}

// ListNotifications 用户通知列表
func (h *PaymentHandler) ListNotifications(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	notifications, total, err := h.notifier.ListNotifications(GetUserID(c), page, pageSize)
	if err != nil {
		httputil.InternalError(c, err.Error())
		return
	}
	httputil.Success(c, gin.H{
		"notifications": notifications,
		"total":         total,
		"page":          page,
	})
}
