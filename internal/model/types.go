package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// -----------------------------------------------------------------------------
// Notification Types
// -----------------------------------------------------------------------------

// NotificationType identifies the kind of event a notification carries.
// The set is open for extension: unknown types still parse and are dispatched
// to whatever handlers are registered for them.
type NotificationType string

const (
	TypeNewOrder       NotificationType = "new_order"
	TypeOrderUpdated   NotificationType = "order_updated"
	TypeOrderCancelled NotificationType = "order_cancelled"
	TypeLowStock       NotificationType = "low_stock"
)

// StrictTenancy reports whether events of this type must carry a resolvable
// tenant identifier to be dispatched at all. Inventory-scoped alerts are
// rejected when ownership cannot be determined.
func (t NotificationType) StrictTenancy() bool {
	return t == TypeLowStock
}

// ResourceRef points at the backend resource a notification is about.
type ResourceRef struct {
	Type string `json:"type"` // "order", "stock_item", ...
	ID   string `json:"id"`   // May be composite: "<restaurantID>-<resourceID>"
}

// Notification is the durable record of a single backend event.
type Notification struct {
	ID           string           `json:"id"` // Globally unique (assigned by backend)
	Type         NotificationType `json:"type"`
	RestaurantID int64            `json:"restaurant_id,omitempty"` // 0 when absent on the wire
	Resource     ResourceRef      `json:"resource"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
	Meta         map[string]any   `json:"meta,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Local-only fields, never sent by the server.
	DisplayTimestamp     time.Time `json:"display_timestamp,omitzero"`
	AcknowledgedByServer bool      `json:"acknowledged_by_server"`
	AcknowledgedLocally  bool      `json:"acknowledged_locally"`
	SyncedWithServer     bool      `json:"synced_with_server"`
	RetryCount           int       `json:"retry_count"`
}

// UnmarshalJSON decodes a notification, normalizing the id to a string.
// Most backend emitters send ids as strings, but some serialize the raw
// numeric primary key; both forms name the same notification.
func (n *Notification) UnmarshalJSON(data []byte) error {
	type plain Notification
	aux := struct {
		ID json.RawMessage `json:"id"`
		*plain
	}{plain: (*plain)(n)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	n.ID = ""
	if len(aux.ID) == 0 || string(aux.ID) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(aux.ID, &s); err == nil {
		n.ID = s
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(aux.ID, &num); err != nil {
		return fmt.Errorf("notification id must be a string or number: %w", err)
	}
	n.ID = num.String()
	return nil
}

// ParseNotification decodes a wire-format notification event.
func ParseNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("parse notification: %w", err)
	}
	if n.ID == "" {
		return Notification{}, fmt.Errorf("parse notification: missing id")
	}
	return n, nil
}

// DedupKey returns the deduplication key for this notification.
//
// Order-scoped types are uniquely keyed by id: a redelivery is always the
// same event. Stock alerts fold in the reported quantity so that distinct
// stock levels for the same item are dispatched separately.
func (n Notification) DedupKey() string {
	if n.Type == TypeLowStock {
		if p, err := DecodeLowStock(n.Payload); err == nil {
			return n.ID + ":" + strconv.Itoa(p.Quantity)
		}
	}
	return n.ID
}

// -----------------------------------------------------------------------------
// Typed Payloads
// -----------------------------------------------------------------------------

// NewOrderPayload accompanies TypeNewOrder.
type NewOrderPayload struct {
	OrderID      string `json:"order_id"`
	RestaurantID int64  `json:"restaurant_id"`
	TotalCents   int64  `json:"total_cents"`
	ItemCount    int    `json:"item_count"`
}

// OrderUpdatedPayload accompanies TypeOrderUpdated and TypeOrderCancelled.
type OrderUpdatedPayload struct {
	OrderID      string `json:"order_id"`
	RestaurantID int64  `json:"restaurant_id"`
	Status       string `json:"status"`
}

// LowStockPayload accompanies TypeLowStock.
type LowStockPayload struct {
	ItemID       string `json:"item_id"`
	ItemName     string `json:"item_name"`
	RestaurantID int64  `json:"restaurant_id"`
	Quantity     int    `json:"quantity"`
	Threshold    int    `json:"threshold"`
}

// DecodeLowStock decodes a low-stock payload.
func DecodeLowStock(raw json.RawMessage) (LowStockPayload, error) {
	var p LowStockPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return LowStockPayload{}, fmt.Errorf("decode low_stock payload: %w", err)
	}
	return p, nil
}

// PayloadRestaurantID extracts a restaurant id declared directly inside the
// payload body, regardless of payload shape. Returns false when absent.
func (n Notification) PayloadRestaurantID() (int64, bool) {
	if len(n.Payload) == 0 {
		return 0, false
	}
	var probe struct {
		RestaurantID *int64 `json:"restaurant_id"`
	}
	if err := json.Unmarshal(n.Payload, &probe); err != nil || probe.RestaurantID == nil {
		return 0, false
	}
	return *probe.RestaurantID, true
}

// -----------------------------------------------------------------------------
// Connection State
// -----------------------------------------------------------------------------

// ConnectionState is the lifecycle state of a managed connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Tenant & Subscriptions
// -----------------------------------------------------------------------------

// TenantContext scopes a connection session to a single restaurant.
type TenantContext struct {
	RestaurantID int64 // Active tenant
	AdminContext bool  // True when running inside the admin surface
}

// SubscriptionParams parameterize a channel subscription. Page/PerPage can be
// updated live via an update_subscription command without resubscribing.
type SubscriptionParams struct {
	RestaurantID int64 `json:"restaurant_id"`
	Page         int   `json:"page,omitempty"`
	PerPage      int   `json:"per_page,omitempty"`
}

// ChannelSubscription names a server-side channel plus its parameters.
type ChannelSubscription struct {
	Channel string             `json:"channel"`
	Params  SubscriptionParams `json:"params"`
}
