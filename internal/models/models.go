// internal/models/models.go
package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("asset not found")

type Status string

const (
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

type Variant struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Asset is one uploaded image and its derived variants.
type Asset struct {
	ID             uuid.UUID          `json:"id" db:"id"`
	SourceFilename string             `json:"source_filename" db:"source_filename"`
	CanonicalURL   string             `json:"canonical_url" db:"canonical_url"`
	Status         Status             `json:"status" db:"status"`
	ErrorMessage   string             `json:"error_message,omitempty" db:"error_message"` // only set when Status == error
	Width          int                `json:"width" db:"width"`
	Height         int                `json:"height" db:"height"`
	ByteSize       int64              `json:"byte_size" db:"byte_size"`
	MimeType       string             `json:"mime_type" db:"mime_type"`
	Variants       map[string]Variant `json:"variants" db:"variants"`
	AltText        string             `json:"alt_text" db:"alt_text"`
	Title          string             `json:"title" db:"title"`
	Caption        string             `json:"caption" db:"caption"`
	Description    string             `json:"description" db:"description"`
	CreatedAt      time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at" db:"updated_at"`
}

// FileURLs returns the canonical URL followed by every variant URL.
func (a *Asset) FileURLs() []string {
	urls := make([]string, 0, len(a.Variants)+1)
	if a.CanonicalURL != "" {
		urls = append(urls, a.CanonicalURL)
	}
	for _, v := range a.Variants {
		if v.URL != "" {
			urls = append(urls, v.URL)
		}
	}
	return urls
}

// ResetFiles clears everything derived from the image bytes.
func (a *Asset) ResetFiles() {
	a.CanonicalURL = ""
	a.Width = 0
	a.Height = 0
	a.ByteSize = 0
	a.Variants = map[string]Variant{}
}

func (a *Asset) Clone() *Asset {
	c := *a
	c.Variants = make(map[string]Variant, len(a.Variants))
	for k, v := range a.Variants {
		c.Variants[k] = v
	}
	return &c
}

// Metadata carries optional edits to the user-editable fields. Nil fields are left untouched.
type Metadata struct {
	AltText     *string `json:"alt_text" form:"alt_text" validate:"omitempty,max=500"`
	Title       *string `json:"title" form:"title" validate:"omitempty,max=200"`
	Caption     *string `json:"caption" form:"caption" validate:"omitempty,max=1000"`
	Description *string `json:"description" form:"description" validate:"omitempty,max=5000"`
}

func (m Metadata) Apply(a *Asset) {
	if m.AltText != nil {
		a.AltText = *m.AltText
	}
	if m.Title != nil {
		a.Title = *m.Title
	}
	if m.Caption != nil {
		a.Caption = *m.Caption
	}
	if m.Description != nil {
		a.Description = *m.Description
	}
}
