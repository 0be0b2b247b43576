package routers

import (
	"errors"
	"strconv"

	"usdt-gateway/internal/consolidation"
	"usdt-gateway/internal/order"
	"usdt-gateway/internal/syncer"
	"usdt-gateway/internal/wallet"
	"usdt-gateway/pkg/httputil"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// AdminHandler 管理接口处理器
type AdminHandler struct {
	wallets       wallet.Service
	orders        order.Service
	syncer        syncer.Service
	consolidation consolidation.Service
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(
	wallets wallet.Service,
	orders order.Service,
	sync syncer.Service,
	cons consolidation.Service,
) *AdminHandler {
	return &AdminHandler{
		wallets:       wallets,
		orders:        orders,
		syncer:        sync,
		consolidation: cons,
	}
}

// Register 注册路由
func (h *AdminHandler) Register(r *gin.RouterGroup) {
	r.POST("/wallets/provision", h.ProvisionWallets)
	r.GET("/wallets", h.ListWallets)
	r.GET("/wallets/:id", h.GetWallet)
	r.PUT("/wallets/:id/maintenance", h.SetMaintenance)
	r.POST("/wallets/:id/sync", h.SyncWallet)
	r.GET("/pool/statistics", h.PoolStatistics)

	r.POST("/transactions/process", h.ProcessTransaction)

	r.POST("/consolidation/scan", h.ScanConsolidation)
	r.GET("/consolidation/statistics", h.ConsolidationStatistics)
}

// ProvisionWalletsRequest 批量生成钱包请求
type ProvisionWalletsRequest struct {
	Network      string `json:"network" binding:"required"`
	Count        int    `json:"count" binding:"required,min=1,max=100"`
	DailyLimit   string `json:"daily_limit" binding:"required"`
	MonthlyLimit string `json:"monthly_limit" binding:"required"`
	RiskLevel    string `json:"risk_level"`
}

// ProvisionWallets 批量生成池钱包
func (h *AdminHandler) ProvisionWallets(c *gin.Context) {
	var req ProvisionWalletsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	dailyLimit, err := decimal.NewFromString(req.DailyLimit)
	if err != nil {
		httputil.BadRequest(c, "invalid daily_limit")
		return
	}
	monthlyLimit, err := decimal.NewFromString(req.MonthlyLimit)
	if err != nil {
		httputil.BadRequest(c, "invalid monthly_limit")
		return
	}

	risk := wallet.RiskLevel(req.RiskLevel)
	if req.RiskLevel == "" {
		risk = wallet.RiskLow
	}

	wallets, err := h.wallets.ProvisionWallets(wallet.Network(req.Network), req.Count, dailyLimit, monthlyLimit, risk)
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidNetwork) {
			httputil.BadRequest(c, err.Error())
			return
		}
		httputil.InternalError(c, err.Error())
		return
	}
	httputil.Success(c, gin.H{"provisioned": len(wallets), "wallets": wallets})
}

// ListWallets 钱包列表
func (h *AdminHandler) ListWallets(c *gin.Context) {
	network := wallet.Network(c.Query("network"))
	status := wallet.WalletStatus(c.Query("status"))

	wallets, err := h.wallets.ListWallets(network, status)
	if err != nil {
		httputil.InternalError(c, err.Error())
		return
	}
	httputil.Success(c, wallets)
}

// GetWallet 获取钱包
func (h *AdminHandler) GetWallet(c *gin.Context) {
	id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
	w, err := h.wallets.GetWallet(uint(id))
	if err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			httputil.NotFound(c, "wallet not found")
			return
		}
		httputil.InternalError(c, err.Error())
		return
	}
	httputil.Success(c, w)
}

// SetMaintenanceRequest 维护状态请求
type SetMaintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

// SetMaintenance 设置/解除钱包维护状态
func (h *AdminHandler) SetMaintenance(c *gin.Context) {
	id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
	var req SetMaintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	if err := h.wallets.SetMaintenance(uint(id), req.Enabled); err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			httputil.NotFound(c, "wallet not found")
			return
		}
		httputil.InternalError(c, err.Error())
		return
	}
	httputil.Success(c, nil)
}

// SyncWallet 强制同步单钱包余额
func (h *AdminHandler) SyncWallet(c *gin.Context) {
	id, _ := strconv.ParseUint(c.Param("id"), 10, 64)

	result, err := h.syncer.SyncWallet(c.Request.Context(), uint(id), true)
	if err != nil {
		if errors.Is(err, syncer.ErrWalletNotFound) {
			httputil.NotFound(c, "wallet not found")
			return
		}
		httputil.InternalError(c, err.Error())
		return
	}
	httputil.Success(c, result)
}

// PoolStatistics 钱包池统计
func (h *AdminHandler) PoolStatistics(c *gin.Context) {
	stats, err := h.wallets.GetPoolStatistics(c.Request.Context())
	if err != nil {
		httputil.InternalError(c, err.Error())
		return
	}
	httputil.Success(c, stats)
}

// ProcessTransactionRequest 手工对账请求
type ProcessTransactionRequest struct {
	TxHash    string `json:"tx_hash" binding:"required"`
	ToAddress string `json:"to_address" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Network   string `json:"network" binding:"required"`
}

// ProcessTransaction 手工对账，用于监控漏报后的人工兜底
func (h *AdminHandler) ProcessTransaction(c *gin.Context) {
	var req ProcessTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	err := h.orders.ProcessTransaction(req.TxHash, req.ToAddress, req.Amount, req.Network)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrUnsupportedNetwork), errors.Is(err, order.ErrInvalidAmount):
			httputil.BadRequest(c, err.Error())
		default:
			httputil.InternalError(c, err.Error())
		}
		return
	}
	httputil.Success(c, nil)
}

// ScanConsolidationRequest 归集扫描请求
type ScanConsolidationRequest struct {
	Deep bool `json:"deep"`
}

// ScanConsolidation 手动触发归集扫描
func (h *AdminHandler) ScanConsolidation(c *gin.Context) {
	var req ScanConsolidationRequest
	_ = c.ShouldBindJSON(&req)

	created, err := h.consolidation.ScanForOpportunities(c.Request.Context(), req.Deep)
	if err != nil {
		httputil.InternalError(c, err.Error())
		return
	}
	httputil.Success(c, gin.H{"tasks_created": created})
}

// ConsolidationStatistics 归集统计
func (h *AdminHandler) ConsolidationStatistics(c *gin.Context) {
	stats, err := h.consolidation.GetStatistics(c.Request.Context())
	if err != nil {
		httputil.InternalError(c, err.Error())
		return
	}
	httputil.Success(c, stats)
}
