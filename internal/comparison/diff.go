package comparison

import "github.com/qnb/shoppilot/internal/product"

// SelectionDiff describes the PATCHes that bring a server session in line
// with the local selection. Removes are applied before adds so the server
// never holds more than the selection limit.
type SelectionDiff struct {
	ToAdd    []product.Ref // in local selection order
	ToRemove []string      // in server order
}

// IsEmpty reports whether the server already matches the selection.
func (d SelectionDiff) IsEmpty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0
}

// DiffSelection computes the changes from the server's product ids to the
// desired local selection. Matching is by product id.
func DiffSelection(server []string, local []product.Ref) SelectionDiff {
	var d SelectionDiff

	onServer := make(map[string]bool, len(server))
	for _, id := range server {
		onServer[id] = true
	}
	wanted := make(map[string]bool, len(local))
	for _, p := range local {
		wanted[p.ID] = true
		if !onServer[p.ID] {
			d.ToAdd = append(d.ToAdd, p)
			onServer[p.ID] = true
		}
	}
	seen := make(map[string]bool, len(server))
	for _, id := range server {
		if !wanted[id] && !seen[id] {
			d.ToRemove = append(d.ToRemove, id)
		}
		seen[id] = true
	}
	return d
}
