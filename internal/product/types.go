package product

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Stock is a tri-state availability flag. The zero value means unknown.
type Stock int8

const (
	StockUnknown Stock = iota
	StockIn
	StockOut
)

// StockFromBool converts a nullable wire boolean into a Stock.
func StockFromBool(b *bool) Stock {
	switch {
	case b == nil:
		return StockUnknown
	case *b:
		return StockIn
	default:
		return StockOut
	}
}

// Bool returns the wire form of s: nil when unknown.
func (s Stock) Bool() *bool {
	switch s {
	case StockIn:
		v := true
		return &v
	case StockOut:
		v := false
		return &v
	default:
		return nil
	}
}

func (s Stock) Known() bool { return s != StockUnknown }

func (s Stock) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Bool())
}

func (s *Stock) UnmarshalJSON(data []byte) error {
	var b *bool
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("in_stock: %w", err)
	}
	*s = StockFromBool(b)
	return nil
}

// Amount is a nullable decimal that travels as a bare JSON number.
// An invalid Amount is unknown and marshals as null; it is never read as zero.
type Amount struct {
	decimal.NullDecimal
}

// NewAmount parses s into a known Amount.
func NewAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return Amount{decimal.NewNullDecimal(d)}, nil
}

// MustAmount is NewAmount for literals; it panics on malformed input.
func MustAmount(s string) Amount {
	a, err := NewAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Known() bool { return a.Valid }

// String returns the decimal text, or "" when unknown.
func (a Amount) String() string {
	if !a.Valid {
		return ""
	}
	return a.Decimal.String()
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if !a.Valid {
		return []byte("null"), nil
	}
	return []byte(a.Decimal.String()), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*a = Amount{}
		return nil
	}
	return a.NullDecimal.UnmarshalJSON(data)
}

// Ref is a possibly-partial view of a product. ID is the only required
// field; every other field may be unknown.
type Ref struct {
	ID             string   `json:"id"`
	Title          string   `json:"title,omitempty"`
	ImageURL       string   `json:"image_url,omitempty"`
	URL            string   `json:"url,omitempty"`
	SourcePlatform string   `json:"source_platform,omitempty"`
	Price          Amount   `json:"price"`
	OriginalPrice  Amount   `json:"original_price"`
	CurrencyCode   string   `json:"currency_code,omitempty"`
	CurrencySymbol string   `json:"currency_symbol,omitempty"`
	Rating         *float64 `json:"rating"`
	ReviewCount    *int     `json:"review_count"`
	InStock        Stock    `json:"in_stock"`
	ShippingLabel  string   `json:"shipping_label,omitempty"`
}

// Shipping returns the display label, derived from stock when no explicit
// label was observed.
func (r Ref) Shipping() string {
	if r.ShippingLabel != "" {
		return r.ShippingLabel
	}
	switch r.InStock {
	case StockIn:
		return "In Stock"
	case StockOut:
		return "Out of Stock"
	default:
		return ""
	}
}

// Incomplete reports whether any field needed for display (image, title,
// price, rating) is still unknown.
func (r Ref) Incomplete() bool {
	return r.ImageURL == "" || r.Title == "" || !r.Price.Known() || r.Rating == nil
}

// Normalize drops values that cannot be valid: ratings are clamped to 0-5
// and negative review counts become unknown.
func Normalize(r Ref) Ref {
	if r.Rating != nil {
		v := *r.Rating
		if v < 0 {
			v = 0
		}
		if v > 5 {
			v = 5
		}
		r.Rating = &v
	}
	if r.ReviewCount != nil && *r.ReviewCount < 0 {
		r.ReviewCount = nil
	}
	return r
}
