package remote

import (
	"encoding/json"

	"github.com/qnb/shoppilot/internal/product"
)

// CreateSessionRequest is the body of POST /api/compare/sessions.
type CreateSessionRequest struct {
	ProductIDs          []string           `json:"product_ids"`
	OriginalSearchQuery string             `json:"original_search_query,omitempty"`
	SessionName         string             `json:"session_name,omitempty"`
	Products            []product.Snapshot `json:"products"`
}

type CreateSessionResponse struct {
	ComparisonID string `json:"comparison_id"`
}

// ProductPreview is the thumbnail entry of a session listing.
type ProductPreview struct {
	ProductID string `json:"product_id"`
	ImageURL  string `json:"image_url,omitempty"`
}

// SessionInfo describes one stored comparison session.
type SessionInfo struct {
	ComparisonID        string           `json:"comparison_id"`
	SessionName         string           `json:"session_name,omitempty"`
	OriginalSearchQuery string           `json:"original_search_query,omitempty"`
	CreatedAt           string           `json:"created_at,omitempty"`
	UpdatedAt           string           `json:"updated_at,omitempty"`
	ProductsPreview     []ProductPreview `json:"products_preview,omitempty"`
}

type SessionList struct {
	Items []SessionInfo `json:"items"`
	Total int           `json:"total"`
}

// PatchAction is the operation of a session products PATCH.
type PatchAction string

const (
	ActionAdd    PatchAction = "add"
	ActionRemove PatchAction = "remove"
)

// PatchRequest is the body of PATCH /api/compare/sessions/{id}/products.
// The embedded snapshot carries the product fields known at add-time; its
// product_id doubles as the target of the action.
type PatchRequest struct {
	Action PatchAction `json:"action"`
	product.Snapshot
}

// Message roles as stored by the API.
const (
	RoleUser = "user"
	RoleAI   = "ai"
)

// StoredMessage is one chat message of a session transcript.
type StoredMessage struct {
	MessageID      string `json:"message_id,omitempty"`
	MessageType    string `json:"message_type"`
	MessageContent string `json:"message_content"`
	CreatedAt      string `json:"created_at,omitempty"`
}

type MessageList struct {
	Items []StoredMessage `json:"items"`
	Total int             `json:"total"`
}

// CompareProduct is the product shape accepted by the ad-hoc compare
// endpoint.
type CompareProduct struct {
	ID           string         `json:"id"`
	Platform     string         `json:"platform"`
	URL          string         `json:"url,omitempty"`
	Name         string         `json:"name,omitempty"`
	Price        product.Amount `json:"price"`
	Rating       *float64       `json:"rating"`
	TotalReviews *int           `json:"total_reviews"`
}

// CompareRequest is the body of POST /api/compare.
type CompareRequest struct {
	Products            []CompareProduct `json:"products"`
	UserQuestion        string           `json:"user_question"`
	OriginalSearchQuery string           `json:"original_search_query"`
}

// defaultPlatform is assumed for products whose source is unknown.
const defaultPlatform = "walmart"

// CompareProducts converts refs into the ad-hoc compare payload.
func CompareProducts(refs []product.Ref) []CompareProduct {
	out := make([]CompareProduct, len(refs))
	for i, r := range refs {
		platform := r.SourcePlatform
		if platform == "" {
			platform = defaultPlatform
		}
		out[i] = CompareProduct{
			ID:           r.ID,
			Platform:     platform,
			URL:          r.URL,
			Name:         r.Title,
			Price:        r.Price,
			Rating:       r.Rating,
			TotalReviews: r.ReviewCount,
		}
	}
	return out
}

// aiReply accepts both a bare string and a stored message object.
type aiReply struct {
	Content string
}

func (a *aiReply) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		a.Content = s
		return nil
	}
	var m StoredMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	a.Content = m.MessageContent
	return nil
}
