package fetcher

import (
	"context"
	"time"
)

// LoadRequest describes one page load.
type LoadRequest struct {
	URL string
	// WaitSelector must become visible before the page counts as loaded.
	// Empty waits for the document body only.
	WaitSelector string
	UserAgent    string
	Headers      map[string]string
	// Settle is slept after the selector appears.
	Settle  time.Duration
	Timeout time.Duration
}

// Page is a rendered document.
type Page struct {
	URL  string
	HTML string
}

// Navigator loads pages. Failures that deserve a retry are returned as
// *TransientFetchError; a partially rendered page may still be returned
// alongside the error for diagnostics.
type Navigator interface {
	Load(ctx context.Context, req LoadRequest) (Page, error)
}
