package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Attachment outcomes recorded per card.
const (
	AttachmentAbsent    = "absent"
	AttachmentEmbedded  = "embedded"
	AttachmentGenerated = "generated"
	AttachmentFailed    = "failed"
)

// Delivery outcomes recorded per card.
const (
	DeliverySkipped  = "skipped"
	DeliveryUploaded = "uploaded"
	DeliverySent     = "sent"
	DeliveryFailed   = "failed"
)

// Card is one entry of the render log.
type Card struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"created_at"`
	FileName         string    `json:"file_name"`
	Path             string    `json:"path"`
	Nickname         string    `json:"nickname"`
	Personality      string    `json:"personality"`
	PayloadShape     string    `json:"payload_shape"`
	LegacyPayload    bool      `json:"legacy_payload"`
	AttachmentID     string    `json:"attachment_id,omitempty"`
	AttachmentStatus string    `json:"attachment_status"`
	ImageKey         string    `json:"image_key,omitempty"`
	DeliveryStatus   string    `json:"delivery_status"`
	ContainerID      string    `json:"container_id,omitempty"`
	CollectionID     string    `json:"collection_id,omitempty"`
	EntryID          string    `json:"entry_id,omitempty"`
	Warnings         []string  `json:"warnings"`
}

// CardFilter narrows ListCards. Zero values match everything.
type CardFilter struct {
	Personality string
	Since       time.Time
	Limit       int
}
