package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-reconciler/internal/models"
	"checkout-reconciler/internal/store"
	"checkout-reconciler/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Validation errors returned before any store mutation.
var (
	ErrInvalidInput        = errors.New("invalid reconcile input")
	ErrPaymentNotSucceeded = errors.New("payment has not succeeded")
)

// OrderStore is the slice of order persistence the service needs.
// *store.Store satisfies it; tests inject in-memory fakes.
type OrderStore interface {
	GetOrderByPaymentReference(ctx context.Context, ref string) (*models.Order, error)
	CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID string) ([]models.OrderItem, error)
	GetOrdersByEmail(ctx context.Context, email string) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID, status string) error
}

// InventoryStore is the slice of inventory persistence the service needs.
type InventoryStore interface {
	GetInventory(ctx context.Context, productID string) (*models.Inventory, error)
	DecrementStock(ctx context.Context, productID string, quantity int) (int, error)
	SetStockStatus(ctx context.Context, productID, status string) error
	UpsertInventory(ctx context.Context, productID string, available int, status string) error
}

// StatusCache mirrors stock labels and seen payment references into Redis.
// All calls are best effort; a cache failure never fails reconciliation.
type StatusCache interface {
	GetStockStatus(ctx context.Context, productID string) (string, error)
	SetStockStatus(ctx context.Context, productID, status string) error
	MarkPaymentSeen(ctx context.Context, paymentRef string, ttl time.Duration) error
}

// EventPublisher publishes reconciliation domain events.
type EventPublisher interface {
	PublishOrderRecorded(ctx context.Context, event *models.OrderRecordedEvent) error
	PublishStockDepleted(ctx context.Context, event *models.StockDepletedEvent) error
	PublishInventoryDrift(ctx context.Context, event *models.InventoryDriftEvent) error
}

// ReconciliationService converts a confirmed payment plus cart snapshot into
// exactly one persisted order and at-most-once inventory decrements.
type ReconciliationService struct {
	orders    OrderStore
	inventory InventoryStore
	cache     StatusCache
	events    EventPublisher
	verifier  PaymentVerifier

	currency          string
	lowStockThreshold int
	logger            *zap.Logger
}

// NewReconciliationService creates a new reconciliation service. cache,
// events, and verifier may be nil; the corresponding steps are skipped.
func NewReconciliationService(
	orders OrderStore,
	inventory InventoryStore,
	cache StatusCache,
	events EventPublisher,
	verifier PaymentVerifier,
	currency string,
	lowStockThreshold int,
) *ReconciliationService {
	return &ReconciliationService{
		orders:            orders,
		inventory:         inventory,
		cache:             cache,
		events:            events,
		verifier:          verifier,
		currency:          currency,
		lowStockThreshold: lowStockThreshold,
		logger:            util.GetLogger(),
	}
}

// CartItem is one line of the client's cart snapshot. The snapshot is passed
// by value and never mutated.
type CartItem struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// ReconcileRequest carries everything needed to record an order for a
// confirmed payment.
type ReconcileRequest struct {
	PaymentReference string
	Email            string
	Items            []CartItem
	Subtotal         decimal.Decimal
	ShippingCost     decimal.Decimal
	// TotalAmount is optional; when nil it is recomputed as
	// subtotal + shipping. A supplied value is never trusted either.
	TotalAmount     *decimal.Decimal
	BillingAddress  *models.Address
	ShippingAddress *models.Address
}

// ReconcileResult reports the recorded order and any line items whose stock
// decrement failed. Duplicate means an order already existed for the payment
// reference and nothing was mutated.
type ReconcileResult struct {
	OrderID        string
	Duplicate      bool
	FailedProducts []string
}

// Reconcile ensures exactly one order exists for the payment reference and
// decrements inventory per line item at most once. Safe to call repeatedly
// and concurrently for the same payment: the unique constraint on the
// payment reference makes duplicate creation impossible, and the losing
// writer returns the winner's order id.
func (s *ReconciliationService) Reconcile(ctx context.Context, req *ReconcileRequest) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationService.Reconcile")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconcileLatency.Observe(time.Since(start).Seconds())
	}()

	if err := validateRequest(req); err != nil {
		util.ReconcileFailedTotal.WithLabelValues("invalid_input").Inc()
		return nil, err
	}

	// Fast path. The constraint check on create is what actually closes the
	// race; this lookup avoids a doomed insert and a gateway round-trip on
	// webhook redelivery.
	existing, err := s.orders.GetOrderByPaymentReference(ctx, req.PaymentReference)
	if err != nil {
		util.ReconcileFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to check for existing order: %w", err)
	}
	if existing != nil {
		util.DuplicateReconciliationsTotal.Inc()
		s.logger.Info("Duplicate reconciliation short-circuited",
			zap.String("payment_reference", req.PaymentReference),
			zap.String("order_id", existing.ID))
		return &ReconcileResult{OrderID: existing.ID, Duplicate: true}, nil
	}

	if s.verifier != nil {
		conf, err := s.verifier.VerifyPayment(ctx, req.PaymentReference)
		if err != nil {
			util.PaymentVerificationsTotal.WithLabelValues("error").Inc()
			util.ReconcileFailedTotal.WithLabelValues("gateway_error").Inc()
			return nil, fmt.Errorf("failed to verify payment: %w", err)
		}
		util.PaymentVerificationsTotal.WithLabelValues(conf.Status).Inc()
		if conf.Status != models.PaymentStatusSucceeded {
			util.ReconcileFailedTotal.WithLabelValues("not_succeeded").Inc()
			return nil, fmt.Errorf("%w: gateway reports %q for %s",
				ErrPaymentNotSucceeded, conf.Status, req.PaymentReference)
		}
	}

	subtotal, total := s.computeTotals(req)

	order := &models.Order{
		ID:               uuid.NewString(),
		PaymentReference: req.PaymentReference,
		Email:            req.Email,
		Subtotal:         subtotal,
		ShippingCost:     req.ShippingCost,
		TotalAmount:      total,
		Currency:         s.currency,
		Status:           models.OrderStatusPaid,
	}
	if req.BillingAddress != nil {
		addr := models.AddressJSON(*req.BillingAddress)
		order.BillingAddress = &addr
	}
	if req.ShippingAddress != nil {
		addr := models.AddressJSON(*req.ShippingAddress)
		order.ShippingAddress = &addr
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, models.OrderItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		})
	}

	if err := s.orders.CreateOrder(ctx, order, items); err != nil {
		if errors.Is(err, store.ErrDuplicatePaymentRef) {
			// Lost the race to a concurrent reconciliation. The winner's
			// order is the order; return its id without touching inventory.
			winner, lookupErr := s.orders.GetOrderByPaymentReference(ctx, req.PaymentReference)
			if lookupErr != nil {
				util.ReconcileFailedTotal.WithLabelValues("db_error").Inc()
				return nil, fmt.Errorf("failed to fetch winning order for %s: %w",
					req.PaymentReference, lookupErr)
			}
			if winner == nil {
				util.ReconcileFailedTotal.WithLabelValues("db_error").Inc()
				return nil, fmt.Errorf("duplicate reported but no order found for %s", req.PaymentReference)
			}
			util.DuplicateReconciliationsTotal.Inc()
			s.logger.Info("Lost creation race, returning winner",
				zap.String("payment_reference", req.PaymentReference),
				zap.String("order_id", winner.ID))
			return &ReconcileResult{OrderID: winner.ID, Duplicate: true}, nil
		}
		util.ReconcileFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersRecordedTotal.Inc()
	s.logger.Info("Order recorded",
		zap.String("order_id", order.ID),
		zap.String("payment_reference", order.PaymentReference),
		zap.String("total", order.TotalAmount.String()))

	if s.cache != nil {
		if err := s.cache.MarkPaymentSeen(ctx, req.PaymentReference, 24*time.Hour); err != nil {
			s.logger.Warn("Failed to mark payment seen in cache", zap.Error(err))
		}
	}

	s.publishOrderRecorded(ctx, order, items)

	failed := s.decrementInventory(ctx, order, items)
	if len(failed) > 0 {
		s.publishInventoryDrift(ctx, order, failed)
	}

	return &ReconcileResult{OrderID: order.ID, FailedProducts: failed}, nil
}

// decrementInventory applies each line item's decrement independently.
// A failed item is recorded and skipped; it never aborts the rest, and the
// order stands regardless (payment is already captured).
func (s *ReconciliationService) decrementInventory(ctx context.Context, order *models.Order, items []models.OrderItem) []string {
	var failed []string

	for _, item := range items {
		remaining, err := s.inventory.DecrementStock(ctx, item.ProductID, item.Quantity)
		if err != nil {
			util.StockDecrementsFailedTotal.Inc()
			s.logger.Error("Stock decrement failed",
				zap.String("order_id", order.ID),
				zap.String("product_id", item.ProductID),
				zap.Int("quantity", item.Quantity),
				zap.Error(err))
			failed = append(failed, item.ProductID)
			continue
		}

		status := models.StockStatusFor(remaining, s.lowStockThreshold)
		if err := s.inventory.SetStockStatus(ctx, item.ProductID, status); err != nil {
			s.logger.Warn("Failed to update stock status",
				zap.String("product_id", item.ProductID),
				zap.Error(err))
		}
		if s.cache != nil {
			if err := s.cache.SetStockStatus(ctx, item.ProductID, status); err != nil {
				s.logger.Warn("Failed to cache stock status",
					zap.String("product_id", item.ProductID),
					zap.Error(err))
			}
		}

		if remaining == 0 {
			util.StockDepletedTotal.Inc()
			s.publishStockDepleted(ctx, order.ID, item.ProductID)
		}
	}

	return failed
}

// computeTotals recomputes money server-side. The client's totalAmount is
// ignored outside of a mismatch log line; a zero subtotal with priced items
// is rebuilt from the line items.
func (s *ReconciliationService) computeTotals(req *ReconcileRequest) (subtotal, total decimal.Decimal) {
	subtotal = req.Subtotal
	if subtotal.IsZero() && len(req.Items) > 0 {
		for _, it := range req.Items {
			subtotal = subtotal.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
		}
	}

	total = subtotal.Add(req.ShippingCost)

	if req.TotalAmount != nil && !req.TotalAmount.Equal(total) {
		s.logger.Warn("Client total disagrees with server total",
			zap.String("payment_reference", req.PaymentReference),
			zap.String("client_total", req.TotalAmount.String()),
			zap.String("server_total", total.String()))
	}
	return subtotal, total
}

func (s *ReconciliationService) publishOrderRecorded(ctx context.Context, order *models.Order, items []models.OrderItem) {
	if s.events == nil {
		return
	}

	eventItems := make([]models.OrderItemData, 0, len(items))
	for _, it := range items {
		eventItems = append(eventItems, models.OrderItemData{
			ProductID: it.ProductID,
			Name:      it.Name,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		})
	}

	event := &models.OrderRecordedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypeOrderRecorded,
			Timestamp: time.Now(),
		},
		OrderID:          order.ID,
		PaymentReference: order.PaymentReference,
		Email:            order.Email,
		TotalAmount:      order.TotalAmount,
		Currency:         order.Currency,
		Items:            eventItems,
	}

	if err := s.events.PublishOrderRecorded(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderRecorded event", zap.Error(err))
	}
}

func (s *ReconciliationService) publishStockDepleted(ctx context.Context, orderID, productID string) {
	if s.events == nil {
		return
	}

	event := &models.StockDepletedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypeStockDepleted,
			Timestamp: time.Now(),
		},
		ProductID: productID,
		OrderID:   orderID,
	}

	if err := s.events.PublishStockDepleted(ctx, event); err != nil {
		s.logger.Error("Failed to publish StockDepleted event", zap.Error(err))
	}
}

func (s *ReconciliationService) publishInventoryDrift(ctx context.Context, order *models.Order, failed []string) {
	if s.events == nil {
		return
	}

	event := &models.InventoryDriftEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypeInventoryDrift,
			Timestamp: time.Now(),
		},
		OrderID:          order.ID,
		PaymentReference: order.PaymentReference,
		FailedProducts:   failed,
	}

	if err := s.events.PublishInventoryDrift(ctx, event); err != nil {
		s.logger.Error("Failed to publish InventoryDrift event", zap.Error(err))
	}
}

// GetOrder retrieves an order with its line items.
func (s *ReconciliationService) GetOrder(ctx context.Context, orderID string) (*models.Order, []models.OrderItem, error) {
	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	items, err := s.orders.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	return order, items, nil
}

// ListOrders retrieves a buyer's order history, newest first.
func (s *ReconciliationService) ListOrders(ctx context.Context, email string) ([]models.Order, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: missing email", ErrInvalidInput)
	}
	return s.orders.GetOrdersByEmail(ctx, email)
}

// UpdateOrderStatus applies an administrative status correction. Orders
// leave reconciliation as paid; the only legal moves from there are failed
// and canceled.
func (s *ReconciliationService) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}

	allowed := order.Status == models.OrderStatusPaid &&
		(status == models.OrderStatusFailed || status == models.OrderStatusCanceled)
	if !allowed {
		return fmt.Errorf("%w: cannot move order from %q to %q", ErrInvalidInput, order.Status, status)
	}

	if err := s.orders.UpdateOrderStatus(ctx, orderID, status); err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	s.logger.Info("Order status corrected",
		zap.String("order_id", orderID),
		zap.String("status", status))
	return nil
}

// StockStatus returns the catalog label for a product, preferring the cache
// and falling back to a Postgres read.
func (s *ReconciliationService) StockStatus(ctx context.Context, productID string) (string, error) {
	if s.cache != nil {
		if status, err := s.cache.GetStockStatus(ctx, productID); err == nil && status != "" {
			return status, nil
		}
	}

	inv, err := s.inventory.GetInventory(ctx, productID)
	if err != nil {
		return "", err
	}

	status := models.StockStatusFor(inv.Available, s.lowStockThreshold)
	if s.cache != nil {
		if err := s.cache.SetStockStatus(ctx, productID, status); err != nil {
			s.logger.Warn("Failed to cache stock status", zap.Error(err))
		}
	}
	return status, nil
}

// SetInventory is the admin stock-edit path. It overwrites the available
// count, rederives the label, and refreshes the cache.
func (s *ReconciliationService) SetInventory(ctx context.Context, productID string, available int) (string, error) {
	if productID == "" || available < 0 {
		return "", fmt.Errorf("%w: bad inventory update", ErrInvalidInput)
	}

	status := models.StockStatusFor(available, s.lowStockThreshold)
	if err := s.inventory.UpsertInventory(ctx, productID, available, status); err != nil {
		return "", fmt.Errorf("failed to upsert inventory: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetStockStatus(ctx, productID, status); err != nil {
			s.logger.Warn("Failed to cache stock status", zap.Error(err))
		}
	}
	return status, nil
}

func validateRequest(req *ReconcileRequest) error {
	if req.PaymentReference == "" {
		return fmt.Errorf("%w: missing payment reference", ErrInvalidInput)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: empty cart", ErrInvalidInput)
	}
	for i, it := range req.Items {
		if it.ProductID == "" {
			return fmt.Errorf("%w: item %d has no product reference", ErrInvalidInput, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d has non-positive quantity", ErrInvalidInput, i)
		}
	}
	return nil
}
