// Package models defines the data structures shared across the sync engine.
package models

import "time"

// RemoteProduct is a product as returned by the remote catalog API.
type RemoteProduct struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Vendor      string          `json:"vendor"`
	Status      string          `json:"status"`
	Price       string          `json:"price"`
	Images      []RemoteImage   `json:"images"`
	Variants    []RemoteVariant `json:"variants"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RemoteImage is an image reference attached to a remote product.
type RemoteImage struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Position int    `json:"position"`
}

// RemoteVariant is a purchasable variation of a remote product.
type RemoteVariant struct {
	ID      string            `json:"id"`
	Title   string            `json:"title"`
	SKU     string            `json:"sku"`
	Price   string            `json:"price"`
	Options map[string]string `json:"options"`
	ImageID string            `json:"image_id"`
}

// OrderUpdate carries local order state pushed back to the remote API.
type OrderUpdate struct {
	OrderID        string    `json:"order_id"`
	RemoteID       string    `json:"remote_id"`
	Status         string    `json:"status"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
