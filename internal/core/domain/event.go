package domain

import "time"

type EventType string

const (
	EventReserved    EventType = "inventory.reserved"
	EventCommitted   EventType = "inventory.committed"
	EventRolledBack  EventType = "inventory.rolled_back"
	EventExpired     EventType = "inventory.expired"
	EventReceived    EventType = "inventory.received"
	EventAdjusted    EventType = "inventory.adjusted"
	EventTransferred EventType = "inventory.transferred"
	EventLowStock    EventType = "inventory.low_stock"
	EventExpiring    EventType = "inventory.expiring"
)

// Event is published after the unit of work that produced it has committed.
// Delivery is at-least-once; (Type, Key) identifies the event for consumers.
type Event struct {
	EventID    string    `json:"event_id"`
	Type       EventType `json:"type"`
	Key        string    `json:"key"`
	ItemID     string    `json:"item_id"`
	ItemName   string    `json:"item_name,omitempty"`
	LocationID string    `json:"location_id,omitempty"`
	FacilityID string    `json:"facility_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

// CatalogEntry is read-only item metadata used to enrich events.
type CatalogEntry struct {
	ItemID      string
	Name        string
	GenericName string
	Form        string
	Strength    string
}
