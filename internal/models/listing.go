package models

import (
	"time"

	"github.com/google/uuid"
)

// Listing is the marketplace item a conversation is about. Listing CRUD
// lives elsewhere; the messaging core reads listings for existence checks
// and display metadata, and bumps InquiryCount when a conversation starts.
type Listing struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	ImageURL     string    `json:"image_url,omitempty"`
	OwnerID      uuid.UUID `json:"owner_id"`
	InquiryCount int       `json:"inquiry_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListingPreview is the listing metadata attached to a thread summary.
type ListingPreview struct {
	ID       uuid.UUID `json:"id"`
	Title    string    `json:"title"`
	ImageURL string    `json:"image_url,omitempty"`
	OwnerID  uuid.UUID `json:"owner_id"`
}

// Preview trims a listing row to the fields a thread list needs.
func (l *Listing) Preview() *ListingPreview {
	return &ListingPreview{
		ID:       l.ID,
		Title:    l.Title,
		ImageURL: l.ImageURL,
		OwnerID:  l.OwnerID,
	}
}
