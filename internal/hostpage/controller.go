// Package hostpage is the storefront page hosting the assistant. It follows the
// commands relayed by the widget (theme, cart refresh, checkout modals) and
// reports the shopper's own checkout choices back to the widget.
package hostpage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ent0n29/shopassist/internal/observability"
	"github.com/ent0n29/shopassist/internal/protocol"
	"github.com/ent0n29/shopassist/internal/storefront"
)

type Step string

const (
	StepBrowsing        Step = "browsing"
	StepCartReview      Step = "cart_review"
	StepShipping        Step = "shipping"
	StepPickupLocations Step = "pickup_locations"
	StepHomeDelivery    Step = "home_delivery"
	StepPayment         Step = "payment"
	StepConfirmed       Step = "confirmed"
)

const (
	ShippingHomeDelivery   = "home_delivery"
	ShippingPickup         = "pickup_initiated"
	ShippingPickupAddress  = "pickup_address"
	backToCartReviewReason = "back_to_cart_review"
)

var (
	ErrInvalidChoice      = errors.New("invalid shipping choice")
	ErrUnknownLocation    = errors.New("unknown pickup location")
	ErrShippingIncomplete = errors.New("shipping selection incomplete")
	ErrOrderRejected      = errors.New("order rejected")
	ErrMissingProduct     = errors.New("product id is required")
)

type PickupLocation struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// DefaultPickupLocations is the list the agent refers to by index.
var DefaultPickupLocations = []PickupLocation{
	{Name: "Cymbal Store Downtown", Address: "123 Main St, Anytown, USA"},
	{Name: "Cymbal Garden Center North", Address: "789 Oak Ave, Anytown, USA"},
	{Name: "Partner Locker Hub", Address: "456 Pine Rd, Anytown, USA"},
}

// Shipping is the current shipping selection.
type Shipping struct {
	Type        string `json:"type,omitempty"`
	PickupIndex *int   `json:"pickup_index,omitempty"`
	Name        string `json:"name,omitempty"`
	Address     string `json:"address,omitempty"`
}

// AddedItem is the detail attached to a cart refresh when the agent added a
// product, used for the add-to-cart animation.
type AddedItem struct {
	ProductID string `json:"product_id,omitempty"`
	Name      string `json:"name,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
}

type Component struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type State struct {
	Theme         string           `json:"theme,omitempty"`
	Step          Step             `json:"step"`
	Cart          storefront.Cart  `json:"cart"`
	Shipping      Shipping         `json:"shipping"`
	PaymentMethod string           `json:"payment_method,omitempty"`
	LastComponent *Component       `json:"last_component,omitempty"`
	AddedItem     *AddedItem       `json:"added_item,omitempty"`
	LastOrder     json.RawMessage  `json:"last_order,omitempty"`
	Notification  string           `json:"notification,omitempty"`
	Locations     []PickupLocation `json:"pickup_locations"`
	CartError     string           `json:"cart_error,omitempty"`
}

// Widget receives the host page's messages.
type Widget interface {
	Deliver(msg protocol.HostMessage)
}

// Shop is the storefront surface the page needs.
type Shop interface {
	ListProducts(ctx context.Context, f storefront.ProductFilter) ([]storefront.Product, error)
	GetProduct(ctx context.Context, id string) (storefront.Product, error)
	GetCart(ctx context.Context, customerID string) (storefront.Cart, error)
	AddItem(ctx context.Context, customerID, productID string, quantity int) (storefront.Result, error)
	RemoveItem(ctx context.Context, customerID, productID string) (storefront.Result, error)
	ClearCart(ctx context.Context, customerID string) (storefront.Result, error)
	PlaceOrder(ctx context.Context, req storefront.OrderRequest) (storefront.Order, error)
}

type Controller struct {
	shop       Shop
	widget     Widget
	customerID string
	locations  []PickupLocation

	mu       sync.RWMutex
	state    State
	products []storefront.Product
	byID     map[string]storefront.Product
}

func NewController(shop Shop, widget Widget, customerID string) *Controller {
	return &Controller{
		shop:       shop,
		widget:     widget,
		customerID: customerID,
		locations:  DefaultPickupLocations,
		state:      State{Step: StepBrowsing},
		byID:       make(map[string]storefront.Product),
	}
}

// Run applies relayed messages until ctx ends or the channel closes.
func (c *Controller) Run(ctx context.Context, in <-chan protocol.RelayMessage) error {
	c.RefreshCart(ctx)
	if _, err := c.LoadProducts(ctx, storefront.ProductFilter{}); err != nil {
		observability.Logger(ctx).Warn("product listing failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			c.Handle(ctx, msg)
		}
	}
}

// Handle applies one relayed message.
func (c *Controller) Handle(ctx context.Context, msg protocol.RelayMessage) {
	log := observability.Logger(ctx)
	switch msg.Type {
	case protocol.RelaySetTheme:
		theme := msg.Theme()
		if theme == "" {
			log.Warn("theme message without theme")
			return
		}
		c.update(func(s *State) { s.Theme = theme })
	case protocol.RelayRefreshCart:
		var added *AddedItem
		if len(msg.AddedItemDetails) > 0 {
			var item AddedItem
			if err := json.Unmarshal(msg.AddedItemDetails, &item); err == nil {
				c.fillFromCatalog(&item)
				added = &item
			}
		}
		c.update(func(s *State) { s.AddedItem = added })
		c.RefreshCart(ctx)
	case protocol.RelayDisplayComponent:
		c.update(func(s *State) { s.LastComponent = &Component{Name: msg.UIElement, Payload: msg.Payload} })
	case protocol.RelayLegacyUICommand:
		c.update(func(s *State) { s.LastComponent = &Component{Name: msg.CommandName, Payload: msg.Payload} })
	case protocol.RelayShowCheckout:
		var cart storefront.Cart
		if err := json.Unmarshal(msg.Cart, &cart); err != nil {
			log.Warn("checkout modal with unreadable cart", "error", err)
			return
		}
		c.update(func(s *State) {
			s.Cart = cart
			s.Step = StepCartReview
		})
	case protocol.RelayShowShipping:
		c.update(func(s *State) {
			s.Step = StepShipping
			s.Shipping = Shipping{}
		})
	case protocol.RelayShowPayment:
		c.update(func(s *State) { s.Step = StepPayment })
	case protocol.RelaySelectHomeDelivery:
		c.update(func(s *State) {
			s.Step = StepHomeDelivery
			s.Shipping = Shipping{Type: ShippingHomeDelivery}
		})
	case protocol.RelayShowPickupLocations:
		c.update(func(s *State) {
			s.Step = StepPickupLocations
			s.Shipping = Shipping{Type: ShippingPickup}
		})
	case protocol.RelaySelectPickupAddress:
		if msg.AddressIndex == nil {
			return
		}
		if err := c.selectPickup(*msg.AddressIndex); err != nil {
			log.Warn("agent selected unknown pickup location", "index", *msg.AddressIndex)
		}
	case protocol.RelayOrderConfirmed:
		c.update(func(s *State) {
			s.Step = StepConfirmed
			s.LastOrder = msg.Data
			s.Notification = "Order successfully submitted!"
		})
		c.RefreshCart(ctx)
	default:
		log.Debug("relay message not handled", "type", msg.Type)
	}
}

// RefreshCart reloads the cart from the storefront. A failure keeps the last
// known cart.
func (c *Controller) RefreshCart(ctx context.Context) {
	cart, err := c.shop.GetCart(ctx, c.customerID)
	if err != nil {
		observability.Logger(ctx).Warn("cart refresh failed", "customer_id", c.customerID, "error", err)
		c.update(func(s *State) { s.CartError = err.Error() })
		return
	}
	c.update(func(s *State) {
		s.Cart = cart
		s.CartError = ""
	})
}

// LoadProducts lists the catalog. An unfiltered listing replaces the cached
// catalog used to decorate added items.
func (c *Controller) LoadProducts(ctx context.Context, f storefront.ProductFilter) ([]storefront.Product, error) {
	products, err := c.shop.ListProducts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	if f == (storefront.ProductFilter{}) {
		c.mu.Lock()
		c.products = append([]storefront.Product(nil), products...)
		c.byID = make(map[string]storefront.Product, len(products))
		for _, p := range products {
			c.byID[p.ID] = p
		}
		c.mu.Unlock()
	}
	return products, nil
}

// Products returns the cached catalog.
func (c *Controller) Products() []storefront.Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]storefront.Product(nil), c.products...)
}

// AddToCart adds one unit of a product and refreshes the cart.
func (c *Controller) AddToCart(ctx context.Context, productID string) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return ErrMissingProduct
	}
	if _, err := c.shop.AddItem(ctx, c.customerID, productID, 1); err != nil {
		return fmt.Errorf("add to cart: %w", err)
	}
	item := AddedItem{ProductID: productID, Quantity: 1}
	if !c.fillFromCatalog(&item) {
		if p, err := c.shop.GetProduct(ctx, productID); err == nil {
			item.Name, item.ImageURL = p.Name, p.ImageURL
		} else {
			observability.Logger(ctx).Debug("added product lookup failed", "product_id", productID, "error", err)
		}
	}
	c.update(func(s *State) { s.AddedItem = &item })
	c.RefreshCart(ctx)
	return nil
}

func (c *Controller) RemoveFromCart(ctx context.Context, productID string) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return ErrMissingProduct
	}
	if _, err := c.shop.RemoveItem(ctx, c.customerID, productID); err != nil {
		return fmt.Errorf("remove from cart: %w", err)
	}
	c.RefreshCart(ctx)
	return nil
}

func (c *Controller) ClearCart(ctx context.Context) error {
	if _, err := c.shop.ClearCart(ctx, c.customerID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	c.update(func(s *State) { s.AddedItem = nil })
	c.RefreshCart(ctx)
	return nil
}

// ChooseShipping records the shopper's shipping choice and tells the widget.
func (c *Controller) ChooseShipping(choice string) error {
	switch choice {
	case ShippingHomeDelivery:
		c.update(func(s *State) {
			s.Step = StepHomeDelivery
			s.Shipping = Shipping{Type: ShippingHomeDelivery}
		})
	case ShippingPickup:
		c.update(func(s *State) {
			s.Step = StepPickupLocations
			s.Shipping = Shipping{Type: ShippingPickup}
		})
	default:
		return fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}
	c.widget.Deliver(protocol.HostMessage{Type: protocol.HostShippingOptionChosen, Choice: choice})
	return nil
}

func (c *Controller) ChoosePickupAddress(index int) error {
	if err := c.selectPickup(index); err != nil {
		return err
	}
	loc := c.locations[index]
	c.widget.Deliver(protocol.HostMessage{
		Type:         protocol.HostPickupAddressChosen,
		AddressText:  loc.Name + " - " + loc.Address,
		AddressIndex: &index,
	})
	return nil
}

// BackToCart leaves the shipping step. An unknown cart is fetched first.
func (c *Controller) BackToCart(ctx context.Context) {
	c.mu.RLock()
	known := c.state.Cart.Items != nil
	c.mu.RUnlock()
	if !known {
		c.RefreshCart(ctx)
	}
	c.update(func(s *State) {
		s.Step = StepCartReview
		s.Shipping = Shipping{}
	})
	c.widget.Deliver(protocol.HostMessage{Type: protocol.HostShippingFlowInterrupted, Reason: backToCartReviewReason})
}

func (c *Controller) ChoosePayment(method string, details map[string]any) error {
	method = strings.TrimSpace(method)
	if method == "" {
		return errors.New("payment method is required")
	}
	out := map[string]any{"method": method}
	for k, v := range details {
		out[k] = v
	}
	c.update(func(s *State) {
		s.Step = StepPayment
		s.PaymentMethod = method
	})
	c.widget.Deliver(protocol.HostMessage{Type: protocol.HostPaymentMethodChosen, Details: out})
	return nil
}

// PlaceOrder submits the reviewed cart with the chosen shipping. The shipping
// selection must name a delivery address or pickup point.
func (c *Controller) PlaceOrder(ctx context.Context) (storefront.Order, error) {
	st := c.State()
	switch st.Shipping.Type {
	case ShippingHomeDelivery, ShippingPickupAddress:
	default:
		return storefront.Order{}, ErrShippingIncomplete
	}

	address := "User's home address"
	if st.Shipping.Type == ShippingPickupAddress {
		address = st.Shipping.Name + ", " + st.Shipping.Address
	}
	items := st.Cart.Items
	if items == nil {
		items = []storefront.CartItem{}
	}
	order, err := c.shop.PlaceOrder(ctx, storefront.OrderRequest{
		CustomerID: c.customerID,
		Items:      items,
		ShippingDetails: map[string]any{
			"type":    st.Shipping.Type,
			"address": address,
			"notes":   "No specific shipping notes.",
		},
		PaymentMethod: st.PaymentMethod,
		TotalAmount:   st.Cart.Subtotal,
	})
	if err != nil {
		return storefront.Order{}, fmt.Errorf("place order: %w", err)
	}
	if order.Status != "success" {
		return order, fmt.Errorf("%w: %s", ErrOrderRejected, order.Message)
	}

	raw, _ := json.Marshal(order)
	c.update(func(s *State) {
		s.Step = StepConfirmed
		s.LastOrder = raw
		s.Notification = "Order successfully submitted!"
	})
	c.RefreshCart(ctx)
	return order, nil
}

// DismissNotification clears the order banner.
func (c *Controller) DismissNotification() {
	c.update(func(s *State) { s.Notification = "" })
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.state
	out.Cart.Items = append([]storefront.CartItem(nil), c.state.Cart.Items...)
	out.Locations = append([]PickupLocation(nil), c.locations...)
	if c.state.AddedItem != nil {
		item := *c.state.AddedItem
		out.AddedItem = &item
	}
	if c.state.LastComponent != nil {
		comp := *c.state.LastComponent
		out.LastComponent = &comp
	}
	if c.state.Shipping.PickupIndex != nil {
		idx := *c.state.Shipping.PickupIndex
		out.Shipping.PickupIndex = &idx
	}
	return out
}

// fillFromCatalog completes item from the cached catalog and reports whether
// the product was known.
func (c *Controller) fillFromCatalog(item *AddedItem) bool {
	c.mu.RLock()
	p, ok := c.byID[item.ProductID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if item.Name == "" {
		item.Name = p.Name
	}
	if item.ImageURL == "" {
		item.ImageURL = p.ImageURL
	}
	return true
}

func (c *Controller) selectPickup(index int) error {
	if index < 0 || index >= len(c.locations) {
		return fmt.Errorf("%w: %d", ErrUnknownLocation, index)
	}
	loc := c.locations[index]
	c.update(func(s *State) {
		s.Step = StepPickupLocations
		s.Shipping = Shipping{Type: ShippingPickupAddress, PickupIndex: &index, Name: loc.Name, Address: loc.Address}
	})
	return nil
}

func (c *Controller) update(fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	c.mu.Unlock()
}
