package storage

import (
	"errors"
	"time"

	"github.com/qnb/shoppilot/internal/product"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TabState is the persisted comparison workspace of one tab.
type TabState struct {
	TabID         string
	Identity      string // fingerprint of the token the state belongs to
	Selection     []product.Ref
	SessionID     string
	Minimized     bool
	SearchQuery   string
	SearchResults []product.Ref
	UpdatedAt     time.Time
}
