// Package app describes the automated application as the agent sees it: an
// immutable snapshot of the interactive UI elements, scroll position and an
// optional screenshot, plus the Provider interface that captures snapshots.
package app

import (
	"context"
	"time"
)

// ElementTree is the driver's view of the interactive UI elements. Its
// internals are opaque to the engine.
type ElementTree interface {
	// InteractiveElementsString renders the clickable/editable elements, one
	// per line, keeping only the listed attributes.
	InteractiveElementsString(includeAttributes []string) string
	// Len reports the number of interactive elements.
	Len() int
}

// Provider captures application state. Close must be idempotent.
type Provider interface {
	GetState(ctx context.Context) (*Snapshot, error)
	Close() error
}

// Snapshot is the application state captured at one point in time. It must
// not be modified after capture.
type Snapshot struct {
	Elements    ElementTree
	Screenshot  string // base64 PNG, may be empty
	PixelsAbove int
	PixelsBelow int
	CapturedAt  time.Time
}

// ElementCount is nil-safe.
func (s *Snapshot) ElementCount() int {
	if s == nil || s.Elements == nil {
		return 0
	}
	return s.Elements.Len()
}

// StateHistory is the compact form of a Snapshot kept in the run history.
type StateHistory struct {
	ElementCount int       `json:"element_count"`
	Elements     string    `json:"elements,omitempty"`
	PixelsAbove  int       `json:"pixels_above"`
	PixelsBelow  int       `json:"pixels_below"`
	Screenshot   string    `json:"screenshot,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
}

// History compacts the snapshot for storage.
func (s *Snapshot) History(includeAttributes []string) StateHistory {
	h := StateHistory{
		ElementCount: s.ElementCount(),
		PixelsAbove:  s.PixelsAbove,
		PixelsBelow:  s.PixelsBelow,
		Screenshot:   s.Screenshot,
		CapturedAt:   s.CapturedAt,
	}
	if s.Elements != nil {
		h.Elements = s.Elements.InteractiveElementsString(includeAttributes)
	}
	return h
}
