package settlement

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Michaelmk708/proofcart/internal/catalog"
	"github.com/Michaelmk708/proofcart/internal/dispute"
	"github.com/Michaelmk708/proofcart/internal/faults"
	"github.com/Michaelmk708/proofcart/internal/gateway"
	"github.com/Michaelmk708/proofcart/internal/identity"
	"github.com/Michaelmk708/proofcart/internal/metrics"
	"github.com/Michaelmk708/proofcart/internal/money"
	"github.com/Michaelmk708/proofcart/internal/order"
)

// Handler provides HTTP endpoints for order settlement.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a new settlement handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes sets up authenticated order and dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/orders/:id/transactions", h.ListTransactions)
	r.POST("/orders/:id/shipping", h.SetShipping)
	r.POST("/orders/:id/confirm-delivery", h.ConfirmDelivery)
	r.POST("/orders/:id/retry", h.RetryOrder)
	r.POST("/disputes", h.OpenDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// RegisterWebhookRoutes sets up the unauthenticated gateway callback.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/payments/webhook", h.PaymentWebhook)
}

// CreateOrderRequest is the POST /v1/orders body.
type CreateOrderRequest struct {
	ProductID       string `json:"product_id" binding:"required"`
	Quantity        int64  `json:"quantity" binding:"required"`
	ShippingAddress string `json:"shipping_address" binding:"required"`
	Phone           string `json:"phone"`
	Email           string `json:"email"`
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ord, err := h.orch.Checkout(c.Request.Context(), CheckoutRequest{
		BuyerID:         callerID(c),
		ProductID:       req.ProductID,
		Quantity:        req.Quantity,
		ShippingAddress: req.ShippingAddress,
		BuyerPhone:      req.Phone,
		BuyerEmail:      req.Email,
	})
	if err != nil {
		// The gateway is the only adapter checkout talks to: a fault from
		// it means no payment link exists and the order was cancelled.
		if adapterName(err) == "gateway" {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "gateway_init_error",
				"message": "Payment could not be initialized",
			})
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order":        ord,
		"payment_link": ord.GatewayPaymentLink,
	})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	ord, err := h.orch.GetOrder(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": ord})
}

// ListOrders handles GET /v1/orders?role=buyer|seller&limit=N&cursor=...
func (h *Handler) ListOrders(c *gin.Context) {
	role := order.RoleBuyer
	if c.Query("role") == "seller" {
		role = order.RoleSeller
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 100 {
				limit = 100
			}
		}
	}

	orders, next, hasMore, err := h.orch.ListOrders(c.Request.Context(), callerID(c), role, limit, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":      orders,
		"count":       len(orders),
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

// ListTransactions handles GET /v1/orders/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	txs, err := h.orch.Transactions(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// SetShipping handles POST /v1/orders/:id/shipping
func (h *Handler) SetShipping(c *gin.Context) {
	var req struct {
		TrackingNumber string `json:"tracking_number" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ord, err := h.orch.SetShipping(c.Request.Context(), c.Param("id"), callerID(c), req.TrackingNumber)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": ord})
}

// ConfirmDelivery handles POST /v1/orders/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	ord, err := h.orch.ConfirmDelivery(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": ord})
}

// RetryOrder handles POST /v1/orders/:id/retry
func (h *Handler) RetryOrder(c *gin.Context) {
	admin, err := h.orch.identity.IsAdmin(c.Request.Context(), callerID(c))
	if err != nil || !admin {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Admin access required",
		})
		return
	}

	ord, err := h.orch.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": ord})
}

// OpenDisputeRequestBody is the POST /v1/disputes body.
type OpenDisputeRequestBody struct {
	OrderID  string `json:"order_id" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
	Evidence string `json:"evidence"`
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenDisputeRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.orch.OpenDispute(c.Request.Context(), OpenDisputeRequest{
		OrderID:  req.OrderID,
		OpenerID: callerID(c),
		Reason:   req.Reason,
		Evidence: []byte(req.Evidence),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ResolveDisputeRequestBody is the POST /v1/disputes/:id/resolve body.
type ResolveDisputeRequestBody struct {
	Resolution   string `json:"resolution" binding:"required"`
	Notes        string `json:"notes"`
	ReleaseUnits int64  `json:"release_units"`
	RefundUnits  int64  `json:"refund_units"`
	Currency     string `json:"currency"`
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveDisputeRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ord, err := h.orch.ResolveDispute(c.Request.Context(), ResolveDisputeRequest{
		DisputeID:     c.Param("id"),
		ResolverID:    callerID(c),
		Resolution:    dispute.Resolution(req.Resolution),
		Notes:         req.Notes,
		ReleaseAmount: money.New(req.ReleaseUnits, req.Currency),
		RefundAmount:  money.New(req.RefundUnits, req.Currency),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": ord})
}

// PaymentWebhook handles POST /payments/webhook. The gateway retries
// non-2xx responses, so transient failures return 503 and replays of
// already-settled payments return 200.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
		return
	}
	signature := c.GetHeader("X-Signature")
	if signature == "" {
		signature = c.GetHeader("Stripe-Signature")
	}

	if err := h.orch.HandleWebhook(c.Request.Context(), raw, signature); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		switch {
		case errors.Is(err, gateway.ErrBadSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad_signature", "message": "Signature verification failed"})
		case errors.Is(err, ErrUnknownReference):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_reference", "message": "No such payment"})
		case faults.IsRetryable(err):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Retry later"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "rejected", "message": err.Error()})
		}
		return
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// adapterName reports which adapter produced a fault, or "" for non-adapter
// errors.
func adapterName(err error) string {
	var (
		unavailableErr *faults.UnavailableError
		rejectedErr    *faults.RejectedError
	)
	switch {
	case errors.As(err, &unavailableErr):
		return unavailableErr.Adapter
	case errors.As(err, &rejectedErr):
		return rejectedErr.Adapter
	}
	return ""
}

// callerID returns the authenticated user set by the auth middleware.
func callerID(c *gin.Context) string {
	return c.GetString("authUserID")
}

// writeError maps domain errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	var (
		validationErr   *faults.ValidationError
		conflictErr     *faults.ConflictError
		unavailableErr  *faults.UnavailableError
		rejectedErr     *faults.RejectedError
		inconsistentErr *faults.InconsistentError
	)

	switch {
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, order.ErrTxNotFound),
		errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, identity.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Resource not found",
		})

	case errors.Is(err, ErrNotYourOrder):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Order does not belong to caller",
		})

	case errors.Is(err, catalog.ErrInsufficientStock):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "insufficient_stock",
			"message": "Not enough stock to fulfil the order",
		})

	case errors.Is(err, catalog.ErrUnverified):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unverified_product",
			"message": "Product is not verified for sale",
		})

	case errors.Is(err, dispute.ErrActiveDispute):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "active_dispute",
			"message": "Order already has an active dispute",
		})

	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": validationErr.Error(),
		})

	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "status_conflict",
			"message": conflictErr.Error(),
			"state":   conflictErr.State,
		})

	case errors.Is(err, order.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "status_conflict",
			"message": "Order changed concurrently, re-read and retry",
		})

	case errors.As(err, &inconsistentErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "inconsistent_state",
			"message": inconsistentErr.Error(),
		})

	case errors.As(err, &rejectedErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "rejected",
			"message": rejectedErr.Error(),
		})

	case errors.As(err, &unavailableErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "An upstream dependency is unavailable, retry later",
		})

	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
