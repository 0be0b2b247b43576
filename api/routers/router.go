package routers

import (
	"net/http"
	"time"

	"usdt-gateway/internal/consolidation"
	"usdt-gateway/internal/notification"
	"usdt-gateway/internal/order"
	"usdt-gateway/internal/syncer"
	"usdt-gateway/internal/wallet"

	"github.com/gin-gonic/gin"
)

// Services 服务集合
type Services struct {
	Wallet        wallet.Service
	Order         order.Service
	Syncer        syncer.Service
	Consolidation consolidation.Service
	Notification  notification.Service
}

// SetupRouter 设置路由
func SetupRouter(svc *Services) *gin.Engine {
	router := gin.New()
	router.Use(LoggerMiddleware())
	router.Use(RecoveryMiddleware())
	router.Use(CORSMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// API v1
	apiV1 := router.Group("/api/v1")
	{
		protected := apiV1.Group("")
		protected.Use(AuthMiddleware())
		{
			paymentHandler := NewPaymentHandler(svc.Order, svc.Notification)
			paymentHandler.Register(protected)
		}

		admin := apiV1.Group("/admin")
		admin.Use(AuthMiddleware(), AdminMiddleware())
		{
			adminHandler := NewAdminHandler(svc.Wallet, svc.Order, svc.Syncer, svc.Consolidation)
			adminHandler.Register(admin)
		}
	}

	return router
}
