package worker

import (
	"context"

	"checkout-reconciler/internal/broker"
	"checkout-reconciler/internal/models"
	"checkout-reconciler/internal/redisclient"
	"checkout-reconciler/internal/store"
	"checkout-reconciler/internal/util"

	"go.uber.org/zap"
)

// CacheWorker keeps the Redis stock-status cache in step with recorded
// orders by replaying reconciliation events. It never retries failed
// decrements; drift stays visible until an operator corrects it.
type CacheWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	store        *store.Store
	cache        *redisclient.Client
	lowThreshold int
	logger       *zap.Logger
}

// NewCacheWorker creates a new cache refresh worker
func NewCacheWorker(
	consumer *broker.Consumer,
	st *store.Store,
	cache *redisclient.Client,
	lowThreshold int,
) *CacheWorker {
	w := &CacheWorker{
		consumer:     consumer,
		store:        st,
		cache:        cache,
		lowThreshold: lowThreshold,
		logger:       util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnOrderRecorded(w.handleOrderRecorded)
	eventHandler.OnStockDepleted(w.handleStockDepleted)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *CacheWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting cache refresh worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CacheWorker) Stop() error {
	w.logger.Info("Stopping cache refresh worker")
	return w.consumer.Close()
}

// handleOrderRecorded re-reads inventory for each purchased product and
// refreshes its cached label. Reading back from Postgres rather than
// trusting the event keeps the cache right even when events arrive late
// or out of order.
func (w *CacheWorker) handleOrderRecorded(ctx context.Context, event *models.OrderRecordedEvent) error {
	for _, item := range event.Items {
		inv, err := w.store.GetInventory(ctx, item.ProductID)
		if err != nil {
			w.logger.Warn("Failed to read inventory for cache refresh",
				zap.String("product_id", item.ProductID),
				zap.Error(err))
			continue
		}

		status := models.StockStatusFor(inv.Available, w.lowThreshold)
		if err := w.cache.SetStockStatus(ctx, item.ProductID, status); err != nil {
			w.logger.Warn("Failed to refresh cached stock status",
				zap.String("product_id", item.ProductID),
				zap.Error(err))
		}
	}
	return nil
}

func (w *CacheWorker) handleStockDepleted(ctx context.Context, event *models.StockDepletedEvent) error {
	w.logger.Info("Product depleted",
		zap.String("product_id", event.ProductID),
		zap.String("order_id", event.OrderID))

	return w.cache.SetStockStatus(ctx, event.ProductID, models.StockStatusOutOfStock)
}
