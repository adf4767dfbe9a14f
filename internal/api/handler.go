package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"checkout-reconciler/internal/models"
	"checkout-reconciler/internal/service"
	"checkout-reconciler/internal/store"
	"checkout-reconciler/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SeenChecker reports whether a payment reference was recently reconciled.
// Used only to log webhook redeliveries; correctness never depends on it.
type SeenChecker interface {
	IsPaymentSeen(ctx context.Context, paymentRef string) (bool, error)
}

// Handler contains HTTP handlers
type Handler struct {
	reconciler    *service.ReconciliationService
	seen          SeenChecker
	apiToken      string
	webhookSecret string
}

// NewHandler creates a new HTTP handler. seen may be nil.
func NewHandler(reconciler *service.ReconciliationService, seen SeenChecker, apiToken, webhookSecret string) *Handler {
	return &Handler{
		reconciler:    reconciler,
		seen:          seen,
		apiToken:      apiToken,
		webhookSecret: webhookSecret,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout/complete", h.requireAuth, h.completeCheckout)
		v1.POST("/webhooks/payment", h.requireWebhookSecret, h.paymentWebhook)
		v1.GET("/orders/:id", h.requireAuth, h.getOrder)
		v1.GET("/orders", h.requireAuth, h.listOrders)
		v1.PUT("/orders/:id/status", h.requireAuth, h.updateOrderStatus)
		v1.GET("/inventory/:productId/status", h.stockStatus)
		v1.PUT("/inventory/:productId", h.requireAuth, h.setInventory)
	}
}

// checkoutProduct is the cart's view of a product at add-to-cart time.
type checkoutProduct struct {
	ID            string          `json:"_id" binding:"required"`
	Name          string          `json:"name" binding:"required"`
	OriginalPrice decimal.Decimal `json:"originalPrice"`
}

type checkoutItem struct {
	Product  checkoutProduct `json:"product" binding:"required"`
	Quantity int             `json:"quantity" binding:"required,min=1"`
}

type addressPayload struct {
	Line1      string `json:"line1" binding:"required"`
	Line2      string `json:"line2"`
	City       string `json:"city" binding:"required"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode" binding:"required"`
	Country    string `json:"country" binding:"required"`
}

// completeCheckoutRequest is the inbound reconciliation body, shared by the
// client fallback path and the gateway webhook relay.
type completeCheckoutRequest struct {
	PaymentIntentID string           `json:"paymentIntentId" binding:"required"`
	Items           []checkoutItem   `json:"items" binding:"required,min=1,dive"`
	Subtotal        decimal.Decimal  `json:"subtotal"`
	ShippingCost    decimal.Decimal  `json:"shippingCost"`
	TotalAmount     *decimal.Decimal `json:"totalAmount,omitempty"`
	Email           string           `json:"email" binding:"required,email"`
	BillingAddress  *addressPayload  `json:"billingAddress,omitempty"`
	ShippingAddress *addressPayload  `json:"shippingAddress,omitempty"`
}

type reconcileResponse struct {
	Success        bool     `json:"success"`
	OrderID        string   `json:"orderId"`
	Message        string   `json:"message"`
	FailedProducts []string `json:"failedProducts,omitempty"`
}

// requireAuth rejects requests without a valid bearer token. No side effects
// run before this check.
func (h *Handler) requireAuth(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" || token != h.apiToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, reconcileResponse{
			Success: false,
			Message: "authentication required",
		})
		return
	}
	c.Next()
}

// requireWebhookSecret authenticates the gateway callback path.
func (h *Handler) requireWebhookSecret(c *gin.Context) {
	if h.webhookSecret == "" || c.GetHeader("X-Webhook-Secret") != h.webhookSecret {
		c.AbortWithStatusJSON(http.StatusUnauthorized, reconcileResponse{
			Success: false,
			Message: "invalid webhook secret",
		})
		return
	}
	c.Next()
}

// completeCheckout handles the client-side fallback reconciliation call.
func (h *Handler) completeCheckout(c *gin.Context) {
	h.reconcile(c)
}

// paymentWebhook handles the asynchronous gateway callback. It runs the same
// reconciliation core; the idempotency guarantee makes the overlap with the
// client path harmless.
func (h *Handler) paymentWebhook(c *gin.Context) {
	h.reconcile(c)
}

func (h *Handler) reconcile(c *gin.Context) {
	var req completeCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, reconcileResponse{
			Success: false,
			Message: "invalid request body: " + err.Error(),
		})
		return
	}

	ctx := c.Request.Context()

	if h.seen != nil {
		if seen, err := h.seen.IsPaymentSeen(ctx, req.PaymentIntentID); err == nil && seen {
			util.GetLogger().Info("Redelivery for already-reconciled payment",
				zap.String("payment_reference", req.PaymentIntentID))
		}
	}

	result, err := h.reconciler.Reconcile(ctx, toReconcileRequest(&req))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrPaymentNotSucceeded):
			c.JSON(http.StatusBadRequest, reconcileResponse{
				Success: false,
				Message: err.Error(),
			})
		default:
			// Payment is already captured at the gateway. Tell the caller to
			// retry; the idempotency guarantee makes retries safe.
			c.JSON(http.StatusInternalServerError, reconcileResponse{
				Success: false,
				Message: "failed to record order, please retry: " + err.Error(),
			})
		}
		return
	}

	msg := "order recorded"
	if result.Duplicate {
		msg = "order already recorded"
	}

	c.JSON(http.StatusOK, reconcileResponse{
		Success:        true,
		OrderID:        result.OrderID,
		Message:        msg,
		FailedProducts: result.FailedProducts,
	})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, items, err := h.reconciler.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch order"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// listOrders handles a buyer's order history lookup
func (h *Handler) listOrders(c *gin.Context) {
	email := c.Query("email")
	orders, err := h.reconciler.ListOrders(c.Request.Context(), email)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list orders"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// updateOrderStatus handles administrative status corrections
func (h *Handler) updateOrderStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := h.reconciler.UpdateOrderStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		case errors.Is(err, service.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update order status"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// stockStatus serves the catalog's stock label for a product
func (h *Handler) stockStatus(c *gin.Context) {
	productID := c.Param("productId")
	status, err := h.reconciler.StockStatus(c.Request.Context(), productID)
	if err != nil {
		if errors.Is(err, store.ErrInventoryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read stock status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"productId": productID, "status": status})
}

type setInventoryRequest struct {
	Available *int `json:"available" binding:"required"`
}

// setInventory handles admin stock edits
func (h *Handler) setInventory(c *gin.Context) {
	var req setInventoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	status, err := h.reconciler.SetInventory(c.Request.Context(), c.Param("productId"), *req.Available)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update inventory"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"productId": c.Param("productId"),
		"available": *req.Available,
		"status":    status,
	})
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func toReconcileRequest(req *completeCheckoutRequest) *service.ReconcileRequest {
	items := make([]service.CartItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, service.CartItem{
			ProductID: it.Product.ID,
			Name:      it.Product.Name,
			UnitPrice: it.Product.OriginalPrice,
			Quantity:  it.Quantity,
		})
	}

	out := &service.ReconcileRequest{
		PaymentReference: req.PaymentIntentID,
		Email:            req.Email,
		Items:            items,
		Subtotal:         req.Subtotal,
		ShippingCost:     req.ShippingCost,
		TotalAmount:      req.TotalAmount,
	}
	if req.BillingAddress != nil {
		out.BillingAddress = toAddress(req.BillingAddress)
	}
	if req.ShippingAddress != nil {
		out.ShippingAddress = toAddress(req.ShippingAddress)
	}
	return out
}

func toAddress(p *addressPayload) *models.Address {
	return &models.Address{
		Line1:      p.Line1,
		Line2:      p.Line2,
		City:       p.City,
		State:      p.State,
		PostalCode: p.PostalCode,
		Country:    p.Country,
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
