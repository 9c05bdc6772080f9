package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/shopassist/internal/observability"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestGetCartRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Get("/api/cart/{customerID}", func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "busy"})
			return
		}
		assert.Equal(t, "123", chi.URLParam(req, "customerID"))
		writeJSON(w, http.StatusOK, Cart{
			Items:    []CartItem{{ProductID: "rose-1", Name: "Rose", Quantity: 2, PricePerUnit: 4.5, ItemTotal: 9}},
			Subtotal: 9,
		})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := observability.NewMetrics("test", reg)
	c := New(srv.URL, WithMetrics(m), WithRetry(3, time.Millisecond, 5*time.Millisecond))

	cart, err := c.GetCart(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 9.0, cart.Subtotal)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StorefrontRequests.WithLabelValues("get_cart", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StorefrontRequests.WithLabelValues("get_cart", "ok")))
}

func TestMutationsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, WithRetry(3, time.Millisecond, time.Millisecond)).AddItem(context.Background(), "123", "rose-1", 1)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.True(t, apiErr.Retryable)
	assert.Equal(t, "boom", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAddItemSendsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/cart/123/item", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "rose-1", body["product_id"])
		assert.Equal(t, 2.0, body["quantity"])
		writeJSON(w, http.StatusOK, Result{Status: "success", Message: "added"})
	}))
	defer srv.Close()

	res, err := New(srv.URL).AddItem(context.Background(), "123", "rose-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
}

func TestIdentifyImageUploadsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/identify-image", r.URL.Path)
		f, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "rose.png", hdr.Filename)
		assert.Equal(t, "image/png", hdr.Header.Get("Content-Type"))
		assert.Equal(t, []byte{1, 2, 3}, data)
		writeJSON(w, http.StatusOK, map[string]string{"identified_item": "Red Rose"})
	}))
	defer srv.Close()

	label, err := New(srv.URL).IdentifyImage(context.Background(), "rose.png", "image/png", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "Red Rose", label)
}

func TestIdentifyImageWithoutLabel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	}))
	defer srv.Close()

	_, err := New(srv.URL).IdentifyImage(context.Background(), "x.jpg", "image/jpeg", []byte{1})
	assert.True(t, errors.Is(err, ErrUnidentified))
}

func TestListProductsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "rose", r.URL.Query().Get("name"))
		assert.Equal(t, "Flowers", r.URL.Query().Get("category"))
		writeJSON(w, http.StatusOK, []Product{{ID: "rose-1", Name: "Rose", Price: 4.5}})
	}))
	defer srv.Close()

	products, err := New(srv.URL).ListProducts(context.Background(), ProductFilter{Name: "rose", Category: "Flowers"})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "rose-1", products[0].ID)
}

func TestPlaceOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/checkout/place_order", r.URL.Path)
		var req OrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "123", req.CustomerID)
		writeJSON(w, http.StatusCreated, Order{Status: "success", OrderID: "SIM_1"})
	}))
	defer srv.Close()

	order, err := New(srv.URL).PlaceOrder(context.Background(), OrderRequest{
		CustomerID:      "123",
		Items:           []CartItem{{ProductID: "rose-1", Quantity: 1}},
		ShippingDetails: map[string]any{"method": "home_delivery"},
		TotalAmount:     4.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "SIM_1", order.OrderID)
}

func TestCartAndProductRoutes(t *testing.T) {
	var seen []string
	r := chi.NewRouter()
	r.Get("/api/products/{id}", func(w http.ResponseWriter, req *http.Request) {
		seen = append(seen, "get "+chi.URLParam(req, "id"))
		writeJSON(w, http.StatusOK, Product{ID: chi.URLParam(req, "id"), Name: "Fern"})
	})
	r.Delete("/api/cart/{customerID}/item/{productID}", func(w http.ResponseWriter, req *http.Request) {
		seen = append(seen, "remove "+chi.URLParam(req, "productID"))
		writeJSON(w, http.StatusOK, Result{Status: "success"})
	})
	r.Delete("/api/cart/{customerID}/clear", func(w http.ResponseWriter, req *http.Request) {
		seen = append(seen, "clear "+chi.URLParam(req, "customerID"))
		writeJSON(w, http.StatusOK, Result{Status: "success", Message: "Cart cleared"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()
	p, err := c.GetProduct(ctx, "fern-2")
	require.NoError(t, err)
	assert.Equal(t, "Fern", p.Name)

	_, err = c.RemoveItem(ctx, "123", "fern-2")
	require.NoError(t, err)
	res, err := c.ClearCart(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, "Cart cleared", res.Message)

	assert.Equal(t, []string{"get fern-2", "remove fern-2", "clear 123"}, seen)
}
