package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/qnb/shoppilot/internal/chat"
	"github.com/qnb/shoppilot/internal/comparison"
	"github.com/qnb/shoppilot/internal/product"
	"github.com/qnb/shoppilot/internal/remote"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *comparison.Store
	Chat  *chat.Controller // optional; if nil, ask returns an error
}

// NewMCPServer creates an MCP server exposing the comparison as tools and
// the current selection as a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"shoppilot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("shoppilot: select up to four products, compare them, and ask questions about the selection."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("compare_state",
			mcp.WithDescription("Return the current comparison: selected products, session id and display state."),
		),
		mcpCompareState(deps),
	)

	s.AddTool(
		mcp.NewTool("toggle_product",
			mcp.WithDescription("Add a product to the comparison, or remove it if already selected. At most four products can be compared."),
			mcp.WithString("id", mcp.Description("Product id"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Product title")),
			mcp.WithString("price", mcp.Description("Price as a decimal string, e.g. 19.99")),
			mcp.WithString("image_url", mcp.Description("Product image URL")),
			mcp.WithString("url", mcp.Description("Product page URL")),
			mcp.WithString("platform", mcp.Description("Source platform, e.g. walmart")),
			mcp.WithNumber("rating", mcp.Description("Average rating from 0 to 5")),
		),
		mcpToggleProduct(deps),
	)

	s.AddTool(
		mcp.NewTool("remove_product",
			mcp.WithDescription("Remove a product from the comparison."),
			mcp.WithString("id", mcp.Description("Product id"), mcp.Required()),
		),
		mcpRemoveProduct(deps),
	)

	s.AddTool(
		mcp.NewTool("start_comparison",
			mcp.WithDescription("Save the comparison as a session on the server, or bring an existing session in line with the selection."),
		),
		mcpStartComparison(deps),
	)

	s.AddTool(
		mcp.NewTool("resume_session",
			mcp.WithDescription("Open a saved comparison session and load its products and chat history."),
			mcp.WithString("session_id", mcp.Description("Comparison session id"), mcp.Required()),
		),
		mcpResumeSession(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask the shopping adviser a question about the selected products."),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"compare://selection",
			"Compared Products",
			mcp.WithResourceDescription("Products currently selected for comparison"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSelection(deps),
	)

	return s
}

func mcpCompareState(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Store.State()), nil
	}
}

func mcpToggleProduct(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil || id == "" {
			return mcpError("id is required"), nil
		}

		p := product.Ref{
			ID:             id,
			Title:          req.GetString("title", ""),
			ImageURL:       req.GetString("image_url", ""),
			URL:            req.GetString("url", ""),
			SourcePlatform: req.GetString("platform", ""),
		}
		if raw := req.GetString("price", ""); raw != "" {
			price, err := product.NewAmount(raw)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid price %q: %v", raw, err)), nil
			}
			p.Price = price
		}
		if rating := req.GetFloat("rating", -1); rating >= 0 {
			p.Rating = &rating
		}

		st, changed := deps.Store.Toggle(p)
		if !changed {
			return mcpError(fmt.Sprintf("selection unchanged: at most %d products can be compared", comparison.MaxSelection)), nil
		}
		return mcpJSON(st), nil
	}
}

func mcpRemoveProduct(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		st, changed := deps.Store.Remove(id)
		if !changed {
			return mcpError(fmt.Sprintf("product %s is not selected", id)), nil
		}
		return mcpJSON(st), nil
	}
}

func mcpStartComparison(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Store.StartComparison(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("comparison is not saved: %v", err)), nil
		}
		return mcpJSON(st), nil
	}
}

func mcpResumeSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		st, err := deps.Store.Resume(ctx, id)
		if errors.Is(err, remote.ErrUnauthenticated) {
			return mcpError("sign in to open saved comparisons"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("session could not be opened: %v", err)), nil
		}
		if deps.Chat != nil {
			if err := deps.Chat.LoadHistory(ctx, id); err != nil {
				slog.Warn("loading chat history", "session_id", id, "error", err)
			}
		}
		return mcpJSON(st), nil
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Chat == nil {
			return mcpError("chat not available"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		reply, err := deps.Chat.Send(ctx, question)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if reply.ID == "" {
			return mcpError("question is required"), nil
		}
		return mcpText(reply.Content), nil
	}
}

func mcpResourceSelection(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sel := deps.Store.State().Selection
		if sel == nil {
			sel = []product.Ref{}
		}
		b, err := json.Marshal(sel)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal selection: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
