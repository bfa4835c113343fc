package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/qnb/shoppilot/internal/product"
)

const sessionsPath = "/api/compare/sessions"

func sessionPath(id string, suffix string) string {
	return sessionsPath + "/" + url.PathEscape(id) + suffix
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// CreateSession persists a new comparison session and returns its id.
func (c *Client) CreateSession(ctx context.Context, token string, req CreateSessionRequest) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}
	var resp CreateSessionResponse
	if err := c.do(ctx, http.MethodPost, sessionsPath, token, req, &resp); err != nil {
		return "", fmt.Errorf("creating comparison session: %w", err)
	}
	if resp.ComparisonID == "" {
		return "", fmt.Errorf("creating comparison session: empty comparison_id")
	}
	return resp.ComparisonID, nil
}

// ListSessions returns a page of the caller's sessions, newest first.
func (c *Client) ListSessions(ctx context.Context, token string, limit, offset int) (SessionList, error) {
	if token == "" {
		return SessionList{}, ErrUnauthenticated
	}
	if offset < 0 {
		offset = 0
	}
	path := fmt.Sprintf("%s?limit=%d&offset=%d", sessionsPath, clampLimit(limit, 20), offset)
	var list SessionList
	if err := c.do(ctx, http.MethodGet, path, token, nil, &list); err != nil {
		return SessionList{}, fmt.Errorf("listing comparison sessions: %w", err)
	}
	return list, nil
}

// GetSession returns the metadata of one session.
func (c *Client) GetSession(ctx context.Context, token, id string) (SessionInfo, error) {
	if token == "" {
		return SessionInfo{}, ErrUnauthenticated
	}
	var info SessionInfo
	if err := c.do(ctx, http.MethodGet, sessionPath(id, ""), token, nil, &info); err != nil {
		return SessionInfo{}, fmt.Errorf("fetching comparison session %s: %w", id, err)
	}
	return info, nil
}

// SessionProducts returns the product snapshots stored against a session.
func (c *Client) SessionProducts(ctx context.Context, token, id string) ([]product.Snapshot, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	var resp struct {
		Products []product.Snapshot `json:"products"`
	}
	if err := c.do(ctx, http.MethodGet, sessionPath(id, "/products"), token, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching products of session %s: %w", id, err)
	}
	return resp.Products, nil
}

// PatchProducts adds or removes one product of a session.
func (c *Client) PatchProducts(ctx context.Context, token, id string, req PatchRequest) error {
	if token == "" {
		return ErrUnauthenticated
	}
	if err := c.do(ctx, http.MethodPatch, sessionPath(id, "/products"), token, req, nil); err != nil {
		return fmt.Errorf("patching session %s (%s %s): %w", id, req.Action, req.ProductID, err)
	}
	return nil
}

// ClearSessions deletes every session of the caller.
func (c *Client) ClearSessions(ctx context.Context, token string) error {
	if token == "" {
		return ErrUnauthenticated
	}
	if err := c.do(ctx, http.MethodDelete, sessionsPath, token, nil, nil); err != nil {
		return fmt.Errorf("clearing comparison sessions: %w", err)
	}
	return nil
}

// ListMessages returns a page of a session transcript in send order.
func (c *Client) ListMessages(ctx context.Context, token, id string, limit, offset int) (MessageList, error) {
	if token == "" {
		return MessageList{}, ErrUnauthenticated
	}
	if offset < 0 {
		offset = 0
	}
	path := fmt.Sprintf("%s?limit=%d&offset=%d", sessionPath(id, "/messages"), clampLimit(limit, 50), offset)
	var list MessageList
	if err := c.do(ctx, http.MethodGet, path, token, nil, &list); err != nil {
		return MessageList{}, fmt.Errorf("listing messages of session %s: %w", id, err)
	}
	return list, nil
}

// PostMessage sends a user message to a session and returns the AI reply.
func (c *Client) PostMessage(ctx context.Context, token, id, content string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}
	body := map[string]string{"message_content": content}
	var resp struct {
		AIMessage aiReply `json:"ai_message"`
	}
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "/messages"), token, body, &resp); err != nil {
		return "", fmt.Errorf("posting message to session %s: %w", id, err)
	}
	return resp.AIMessage.Content, nil
}

// EnrichProducts fetches snapshots for the given ids in one batch. The token
// is optional.
func (c *Client) EnrichProducts(ctx context.Context, token string, ids []string) ([]product.Snapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	body := map[string][]string{"product_ids": ids}
	var resp struct {
		Products []product.Snapshot `json:"products"`
	}
	if err := c.do(ctx, http.MethodPost, sessionsPath+"/enrich_session_products", token, body, &resp); err != nil {
		return nil, fmt.Errorf("enriching %d products: %w", len(ids), err)
	}
	return resp.Products, nil
}

// Compare asks for an ad-hoc analysis of products without a session. The
// token is optional.
func (c *Client) Compare(ctx context.Context, token string, req CompareRequest) (string, error) {
	var resp struct {
		AIAnalysis string `json:"ai_analysis"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/compare", token, req, &resp); err != nil {
		return "", fmt.Errorf("ad-hoc comparison: %w", err)
	}
	return resp.AIAnalysis, nil
}

// DetailPlatform is the platform parameter of the product detail endpoint.
const DetailPlatform = "walmart_detail"

// ProductDetail fetches the raw "details" document of one product.
func (c *Client) ProductDetail(ctx context.Context, token, id string) (json.RawMessage, error) {
	path := "/api/product/" + url.PathEscape(id) + "?platform=" + DetailPlatform
	var resp struct {
		Details json.RawMessage `json:"details"`
	}
	if err := c.do(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching detail of product %s: %w", id, err)
	}
	return resp.Details, nil
}
