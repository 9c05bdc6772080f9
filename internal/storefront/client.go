// Package storefront is a client for the shop's product, cart, order and
// image identification API.
package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/shopassist/internal/observability"
	"github.com/ent0n29/shopassist/internal/reliability"
)

// ErrUnidentified means the identification service answered without a label.
var ErrUnidentified = errors.New("image not identified")

// APIError is a non-2xx response from the storefront.
type APIError struct {
	Op        string
	Status    int
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("storefront %s: HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("storefront %s: HTTP %d: %s", e.Op, e.Status, e.Message)
}

type Product struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
	PlantType   string  `json:"plant_type,omitempty"`
	Price       float64 `json:"price"`
	Stock       int     `json:"stock"`
	ImageURL    string  `json:"image_url,omitempty"`
}

type ProductFilter struct {
	Name      string
	Category  string
	PlantType string
}

type CartItem struct {
	ProductID    string  `json:"product_id"`
	Name         string  `json:"name"`
	Quantity     int     `json:"quantity"`
	PricePerUnit float64 `json:"price_per_unit"`
	ItemTotal    float64 `json:"item_total"`
}

type Cart struct {
	Items    []CartItem `json:"items"`
	Subtotal float64    `json:"subtotal"`
}

// Result is the status body returned by cart mutations.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type OrderRequest struct {
	CustomerID      string         `json:"customer_id"`
	Items           []CartItem     `json:"items"`
	ShippingDetails map[string]any `json:"shipping_details"`
	PaymentMethod   string         `json:"payment_method,omitempty"`
	TotalAmount     float64        `json:"total_amount"`
}

type Order struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	OrderID string `json:"order_id"`
}

type Client struct {
	baseURL string
	http    *http.Client
	metrics *observability.Metrics

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithRetry sets how often idempotent reads are attempted.
func WithRetry(attempts int, base, cap time.Duration) Option {
	return func(cl *Client) {
		cl.maxAttempts = attempts
		cl.backoffBase = base
		cl.backoffCap = cap
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:        &http.Client{Timeout: 30 * time.Second},
		maxAttempts: 3,
		backoffBase: 200 * time.Millisecond,
		backoffCap:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 1
	}
	return c
}

func (c *Client) ListProducts(ctx context.Context, f ProductFilter) ([]Product, error) {
	q := url.Values{}
	if f.Name != "" {
		q.Set("name", f.Name)
	}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	if f.PlantType != "" {
		q.Set("plant_type", f.PlantType)
	}
	path := "/api/products"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []Product
	err := c.retrying(ctx, "list_products", func(ctx context.Context) error {
		return c.do(ctx, "list_products", http.MethodGet, path, nil, "", &out)
	})
	return out, err
}

func (c *Client) GetProduct(ctx context.Context, id string) (Product, error) {
	var out Product
	err := c.retrying(ctx, "get_product", func(ctx context.Context) error {
		return c.do(ctx, "get_product", http.MethodGet, "/api/products/"+url.PathEscape(id), nil, "", &out)
	})
	return out, err
}

func (c *Client) GetCart(ctx context.Context, customerID string) (Cart, error) {
	var out Cart
	err := c.retrying(ctx, "get_cart", func(ctx context.Context) error {
		return c.do(ctx, "get_cart", http.MethodGet, "/api/cart/"+url.PathEscape(customerID), nil, "", &out)
	})
	return out, err
}

// AddItem adds quantity units of a product. A quantity of zero or less removes it.
func (c *Client) AddItem(ctx context.Context, customerID, productID string, quantity int) (Result, error) {
	body, err := json.Marshal(map[string]any{"product_id": productID, "quantity": quantity})
	if err != nil {
		return Result{}, fmt.Errorf("marshal cart item: %w", err)
	}
	var out Result
	err = c.do(ctx, "add_item", http.MethodPost, "/api/cart/"+url.PathEscape(customerID)+"/item", body, "application/json", &out)
	return out, err
}

func (c *Client) RemoveItem(ctx context.Context, customerID, productID string) (Result, error) {
	var out Result
	path := "/api/cart/" + url.PathEscape(customerID) + "/item/" + url.PathEscape(productID)
	err := c.do(ctx, "remove_item", http.MethodDelete, path, nil, "", &out)
	return out, err
}

func (c *Client) ClearCart(ctx context.Context, customerID string) (Result, error) {
	var out Result
	err := c.do(ctx, "clear_cart", http.MethodDelete, "/api/cart/"+url.PathEscape(customerID)+"/clear", nil, "", &out)
	return out, err
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Order{}, fmt.Errorf("marshal order: %w", err)
	}
	var out Order
	err = c.do(ctx, "place_order", http.MethodPost, "/api/checkout/place_order", body, "application/json", &out)
	return out, err
}

// IdentifyImage uploads an image as the multipart field "image" and returns
// the identified item name.
func (c *Client) IdentifyImage(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)
	fw, err := mw.CreatePart(h)
	if err != nil {
		_ = mw.Close()
		return "", fmt.Errorf("create image part: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		_ = mw.Close()
		return "", fmt.Errorf("write image part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	var out struct {
		IdentifiedItem string `json:"identified_item"`
	}
	if err := c.do(ctx, "identify_image", http.MethodPost, "/api/identify-image", body.Bytes(), mw.FormDataContentType(), &out); err != nil {
		return "", err
	}
	label := strings.TrimSpace(out.IdentifiedItem)
	if label == "" {
		return "", ErrUnidentified
	}
	return label, nil
}

// retrying repeats fn while it fails with a retryable API error.
func (c *Client) retrying(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, c.backoffBase, c.backoffCap)
			observability.Logger(ctx).Debug("retrying storefront request", "op", op, "attempt", attempt+1, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		err = fn(ctx)
		var apiErr *APIError
		if err == nil || !errors.As(err, &apiErr) || !apiErr.Retryable {
			return err
		}
	}
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, contentType string, out any) (err error) {
	ctx, span := observability.StartSpan(ctx, "storefront."+op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.SetStatus(codes.Error, err.Error())
		}
		if c.metrics != nil {
			c.metrics.StorefrontRequests.WithLabelValues(op, result).Inc()
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("storefront %s: %w", op, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &APIError{
			Op:        op,
			Status:    res.StatusCode,
			Message:   errorMessage(raw),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		switch {
		case body.Error != "" && body.Message != "":
			return body.Error + ": " + body.Message
		case body.Error != "":
			return body.Error
		case body.Message != "":
			return body.Message
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
