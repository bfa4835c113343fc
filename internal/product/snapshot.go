package product

// Snapshot is the denormalized product record exchanged with the remote
// API: session products, enrichment results and the optional fields of a
// session PATCH all share this shape.
type Snapshot struct {
	ProductID      string   `json:"product_id"`
	PlatformName   string   `json:"platform_name,omitempty"`
	ProductName    string   `json:"product_name,omitempty"`
	ProductURL     string   `json:"product_url,omitempty"`
	ImageURL       string   `json:"image_url,omitempty"`
	Price          Amount   `json:"price"`
	OriginalPrice  Amount   `json:"original_price"`
	CurrencyCode   string   `json:"currency_code,omitempty"`
	CurrencySymbol string   `json:"currency_symbol,omitempty"`
	InStock        *bool    `json:"in_stock"`
	AverageRating  *float64 `json:"average_rating"`
	TotalReviews   *int     `json:"total_reviews"`
}

// FromSnapshot converts a wire snapshot into a Ref.
func FromSnapshot(s Snapshot) Ref {
	return Normalize(Ref{
		ID:             s.ProductID,
		Title:          s.ProductName,
		ImageURL:       s.ImageURL,
		URL:            s.ProductURL,
		SourcePlatform: s.PlatformName,
		Price:          s.Price,
		OriginalPrice:  s.OriginalPrice,
		CurrencyCode:   s.CurrencyCode,
		CurrencySymbol: s.CurrencySymbol,
		Rating:         s.AverageRating,
		ReviewCount:    s.TotalReviews,
		InStock:        StockFromBool(s.InStock),
	})
}

// Snapshot converts r into its wire form. Unknown fields stay null.
func (r Ref) Snapshot() Snapshot {
	return Snapshot{
		ProductID:      r.ID,
		PlatformName:   r.SourcePlatform,
		ProductName:    r.Title,
		ProductURL:     r.URL,
		ImageURL:       r.ImageURL,
		Price:          r.Price,
		OriginalPrice:  r.OriginalPrice,
		CurrencyCode:   r.CurrencyCode,
		CurrencySymbol: r.CurrencySymbol,
		InStock:        r.InStock.Bool(),
		AverageRating:  r.Rating,
		TotalReviews:   r.ReviewCount,
	}
}

// Snapshots converts refs into wire snapshots.
func Snapshots(refs []Ref) []Snapshot {
	out := make([]Snapshot, len(refs))
	for i, r := range refs {
		out[i] = r.Snapshot()
	}
	return out
}
