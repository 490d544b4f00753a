package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterConfig carries the middleware settings of NewRouter.
type RouterConfig struct {
	ServiceName string
	CORSOrigins []string
	Logger      *slog.Logger
}

// NewRouter wires every route of the service onto a gin engine.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.RecoveryWithWriter(gin.DefaultWriter, func(c *gin.Context, recovered any) {
		logger.ErrorContext(c.Request.Context(), "panic recovered", "panic", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatus(http.StatusInternalServerError)
	}))
	r.Use(otelgin.Middleware(cfg.ServiceName))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/health", h.HealthCheck)

	o := r.Group("/orders")
	o.POST("", h.CreateOrder)
	o.GET("", h.ListOrders)
	o.GET("/number/:number", h.GetOrderByNumber)
	o.GET("/:id", h.GetOrder)
	o.PUT("/:id/status", h.UpdateOrderStatus)
	o.PUT("/:id/payment", h.UpdateOrderPayment)
	o.GET("/:id/payments", h.ListOrderPayments)

	p := r.Group("/payments")
	p.POST("/mpesa", h.InitiateMpesa)
	p.POST("/mpesa/callback", h.MpesaCallback)
	p.GET("/mpesa/status", h.MpesaStatus)
	p.POST("/stripe", h.CreateStripePayment)

	r.POST("/webhooks/stripe", h.StripeWebhook)

	r.POST("/invoices", h.CreateInvoice)
	r.GET("/invoices/:id", h.GetInvoice)

	// dtm message branch
	r.POST("/api/orders/paid", h.OrderPaidAction)

	a := r.Group("/admin")
	a.GET("/anomalies", h.ListAnomalies)
	a.POST("/reconciliations/sweep", h.Sweep)

	return r
}
