package compliance

import (
	"fmt"
	"time"

	"github.com/platinummonkey/clinaudit/pkg/audit"
)

const (
	// DefaultWindow is the span of a window without a start.
	DefaultWindow = 24 * time.Hour
	// MaxWindow caps the span of any window.
	MaxWindow = 366 * 24 * time.Hour
	// DefaultLimit matches the admin audit trail page.
	DefaultLimit = 50
	// MaxLimit caps the rows returned by one query.
	MaxLimit = 1000
)

// Window bounds a query by written_at in [From, To).
type Window struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Limit int       `json:"limit"`
}

// Normalize fills defaults relative to now and applies the caps. A window
// that ends before it starts is ErrInvalidEntry.
func (w Window) Normalize(now time.Time) (Window, error) {
	if w.To.IsZero() {
		w.To = now
	}
	if w.From.IsZero() {
		w.From = w.To.Add(-DefaultWindow)
	}
	if w.To.Before(w.From) {
		return w, fmt.Errorf("%w: window ends before it starts", audit.ErrInvalidEntry)
	}
	if w.To.Sub(w.From) > MaxWindow {
		w.From = w.To.Add(-MaxWindow)
	}
	w.From = w.From.UTC()
	w.To = w.To.UTC()

	switch {
	case w.Limit <= 0:
		w.Limit = DefaultLimit
	case w.Limit > MaxLimit:
		w.Limit = MaxLimit
	}
	return w, nil
}
