package product

// Fill returns base with every unknown field taken from fallback. Known
// fields of base are never replaced, so a later partial record cannot erase
// data observed earlier. The IDs are expected to match; a fallback for a
// different product is ignored.
func Fill(base, fallback Ref) Ref {
	if fallback.ID != base.ID {
		return base
	}
	if base.Title == "" {
		base.Title = fallback.Title
	}
	if base.ImageURL == "" {
		base.ImageURL = fallback.ImageURL
	}
	if base.URL == "" {
		base.URL = fallback.URL
	}
	if base.SourcePlatform == "" {
		base.SourcePlatform = fallback.SourcePlatform
	}
	if !base.Price.Known() {
		base.Price = fallback.Price
	}
	if !base.OriginalPrice.Known() {
		base.OriginalPrice = fallback.OriginalPrice
	}
	if base.CurrencyCode == "" {
		base.CurrencyCode = fallback.CurrencyCode
	}
	if base.CurrencySymbol == "" {
		base.CurrencySymbol = fallback.CurrencySymbol
	}
	if base.Rating == nil && fallback.Rating != nil {
		v := *fallback.Rating
		base.Rating = &v
	}
	if base.ReviewCount == nil && fallback.ReviewCount != nil {
		v := *fallback.ReviewCount
		base.ReviewCount = &v
	}
	if !base.InStock.Known() {
		base.InStock = fallback.InStock
	}
	if base.ShippingLabel == "" {
		base.ShippingLabel = fallback.ShippingLabel
	}
	return base
}

// Merge fills base from each source in priority order.
func Merge(base Ref, sources ...Ref) Ref {
	for _, s := range sources {
		base = Fill(base, s)
	}
	return base
}

// Index maps product IDs to their refs. Later duplicates fill earlier ones
// rather than replacing them.
func Index(refs []Ref) map[string]Ref {
	out := make(map[string]Ref, len(refs))
	for _, r := range refs {
		if r.ID == "" {
			continue
		}
		if prev, ok := out[r.ID]; ok {
			out[r.ID] = Fill(prev, r)
			continue
		}
		out[r.ID] = r
	}
	return out
}

// IDs returns the IDs of refs in order.
func IDs(refs []Ref) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	return ids
}

// Contains reports whether refs holds a product with the given ID.
func Contains(refs []Ref, id string) bool {
	for _, r := range refs {
		if r.ID == id {
			return true
		}
	}
	return false
}
