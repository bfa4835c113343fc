package product

import (
	"encoding/json"
)

// Detail is the full product-detail payload for one product, with the image
// gallery and variants pulled out of the raw document.
type Detail struct {
	ID       string            `json:"id"`
	Raw      json.RawMessage   `json:"details"`
	Images   []string          `json:"images"`
	Variants []json.RawMessage `json:"variants"`
}

// ParseDetail extracts images and variants from the "details" object of the
// product endpoint. Main images come first, followed by variant images;
// duplicates are dropped. Parts of the document that do not have the
// expected shape are skipped, so any payload yields a Detail.
func ParseDetail(id string, raw json.RawMessage) *Detail {
	d := &Detail{ID: id}
	if json.Valid(raw) {
		d.Raw = raw
	}

	var doc struct {
		Detail json.RawMessage `json:"detail"`
	}
	var body struct {
		Images   json.RawMessage `json:"images"`
		Variants json.RawMessage `json:"variants"`
	}
	if json.Unmarshal(raw, &doc) != nil || json.Unmarshal(doc.Detail, &body) != nil {
		return d
	}

	seen := make(map[string]bool)
	add := func(img string) {
		if img == "" || seen[img] {
			return
		}
		seen[img] = true
		d.Images = append(d.Images, img)
	}
	for _, img := range stringItems(body.Images) {
		add(img)
	}

	var variants []json.RawMessage
	if json.Unmarshal(body.Variants, &variants) != nil {
		return d
	}
	for _, v := range variants {
		var variant struct {
			ImageURLs json.RawMessage `json:"image_urls"`
		}
		if json.Unmarshal(v, &variant) == nil {
			for _, img := range stringItems(variant.ImageURLs) {
				add(img)
			}
		}
		d.Variants = append(d.Variants, v)
	}
	return d
}

// stringItems returns the string elements of a JSON array; other elements
// and non-array values are ignored.
func stringItems(raw json.RawMessage) []string {
	var items []json.RawMessage
	if json.Unmarshal(raw, &items) != nil {
		return nil
	}
	var out []string
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil {
			out = append(out, s)
		}
	}
	return out
}
