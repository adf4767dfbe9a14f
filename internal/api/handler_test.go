package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"checkout-reconciler/internal/models"
	"checkout-reconciler/internal/service"
	"checkout-reconciler/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAPIToken      = "test-api-token"
	testWebhookSecret = "test-webhook-secret"
)

type memOrderStore struct {
	mu     sync.Mutex
	orders map[string]*models.Order
	items  map[string][]models.OrderItem
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{
		orders: make(map[string]*models.Order),
		items:  make(map[string][]models.OrderItem),
	}
}

func (m *memOrderStore) GetOrderByPaymentReference(_ context.Context, ref string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[ref]; ok {
		return o, nil
	}
	return nil, nil
}

func (m *memOrderStore) CreateOrder(_ context.Context, order *models.Order, items []models.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.PaymentReference]; ok {
		return fmt.Errorf("%w: %s", store.ErrDuplicatePaymentRef, order.PaymentReference)
	}
	m.orders[order.PaymentReference] = order
	m.items[order.ID] = items
	return nil
}

func (m *memOrderStore) GetOrderByID(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ID == id {
			return o, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", store.ErrOrderNotFound, id)
}

func (m *memOrderStore) GetOrderItemsByOrderID(_ context.Context, orderID string) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[orderID], nil
}

func (m *memOrderStore) GetOrdersByEmail(_ context.Context, email string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.Email == email {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memOrderStore) UpdateOrderStatus(_ context.Context, orderID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ID == orderID {
			o.Status = status
			return nil
		}
	}
	return fmt.Errorf("%w: %s", store.ErrOrderNotFound, orderID)
}

type memInventoryStore struct {
	mu    sync.Mutex
	stock map[string]int
}

func (m *memInventoryStore) GetInventory(_ context.Context, productID string) (*models.Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	available, ok := m.stock[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrInventoryNotFound, productID)
	}
	return &models.Inventory{ProductID: productID, Available: available}, nil
}

func (m *memInventoryStore) UpsertInventory(_ context.Context, productID string, available int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[productID] = available
	return nil
}

func (m *memInventoryStore) DecrementStock(_ context.Context, productID string, quantity int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.stock[productID] - quantity
	if next < 0 {
		next = 0
	}
	m.stock[productID] = next
	return next, nil
}

func (m *memInventoryStore) SetStockStatus(_ context.Context, _, _ string) error {
	return nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *memOrderStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	orders := newMemOrderStore()
	inv := &memInventoryStore{stock: map[string]int{"prod-1": 10}}
	reconciler := service.NewReconciliationService(orders, inv, nil, nil, nil, "usd", 5)

	router := gin.New()
	handler := NewHandler(reconciler, nil, testAPIToken, testWebhookSecret)
	handler.SetupRoutes(router)
	return router, orders
}

func checkoutBody() map[string]interface{} {
	return map[string]interface{}{
		"paymentIntentId": "pi_test_123",
		"email":           "buyer@example.com",
		"subtotal":        49.98,
		"shippingCost":    5.00,
		"items": []map[string]interface{}{
			{
				"product": map[string]interface{}{
					"_id":           "prod-1",
					"name":          "Desk Lamp",
					"originalPrice": 24.99,
				},
				"quantity": 2,
			},
		},
	}
}

func postJSON(router *gin.Engine, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCompleteCheckoutUnauthenticated(t *testing.T) {
	router, orders := newTestRouter(t)

	w := postJSON(router, "/api/v1/checkout/complete", checkoutBody(), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// No side effects before the auth check.
	existing, _ := orders.GetOrderByPaymentReference(context.Background(), "pi_test_123")
	assert.Nil(t, existing)
}

func TestCompleteCheckoutMissingFields(t *testing.T) {
	router, _ := newTestRouter(t)
	auth := map[string]string{"Authorization": "Bearer " + testAPIToken}

	body := checkoutBody()
	delete(body, "paymentIntentId")
	w := postJSON(router, "/api/v1/checkout/complete", body, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body = checkoutBody()
	body["items"] = []map[string]interface{}{}
	w = postJSON(router, "/api/v1/checkout/complete", body, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompleteCheckoutRecordsOrder(t *testing.T) {
	router, _ := newTestRouter(t)
	auth := map[string]string{"Authorization": "Bearer " + testAPIToken}

	w := postJSON(router, "/api/v1/checkout/complete", checkoutBody(), auth)
	require.Equal(t, http.StatusOK, w.Code)

	var resp reconcileResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.OrderID)
	assert.Equal(t, "order recorded", resp.Message)
}

func TestWebhookDuplicateReturnsSameOrder(t *testing.T) {
	router, _ := newTestRouter(t)
	auth := map[string]string{"Authorization": "Bearer " + testAPIToken}
	webhook := map[string]string{"X-Webhook-Secret": testWebhookSecret}

	// Client fallback path records the order first.
	w := postJSON(router, "/api/v1/checkout/complete", checkoutBody(), auth)
	require.Equal(t, http.StatusOK, w.Code)
	var first reconcileResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))

	// The gateway callback fires for the same charge.
	w = postJSON(router, "/api/v1/webhooks/payment", checkoutBody(), webhook)
	require.Equal(t, http.StatusOK, w.Code)
	var second reconcileResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))

	assert.True(t, second.Success)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, "order already recorded", second.Message)
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	router, _ := newTestRouter(t)

	w := postJSON(router, "/api/v1/webhooks/payment", checkoutBody(),
		map[string]string{"X-Webhook-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStockStatusEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	// Public route; the catalog polls it without credentials.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/inventory/prod-1/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.StockStatusInStock, resp["status"])

	req = httptest.NewRequest(http.MethodGet, "/api/v1/inventory/prod-missing/status", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateOrderStatusEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	auth := map[string]string{"Authorization": "Bearer " + testAPIToken}

	w := postJSON(router, "/api/v1/checkout/complete", checkoutBody(), auth)
	require.Equal(t, http.StatusOK, w.Code)
	var created reconcileResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	payload, _ := json.Marshal(map[string]string{"status": models.OrderStatusCanceled})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/orders/"+created.OrderID+"/status", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A second correction off a terminal state is rejected.
	req = httptest.NewRequest(http.MethodPut, "/api/v1/orders/"+created.OrderID+"/status", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrder(t *testing.T) {
	router, _ := newTestRouter(t)
	auth := map[string]string{"Authorization": "Bearer " + testAPIToken}

	w := postJSON(router, "/api/v1/checkout/complete", checkoutBody(), auth)
	require.Equal(t, http.StatusOK, w.Code)
	var created reconcileResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+created.OrderID, nil)
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders/nope", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
