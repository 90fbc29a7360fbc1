package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/VecSil/feishu-card-bot/internal/card"
	"github.com/VecSil/feishu-card-bot/internal/profile"
	"github.com/VecSil/feishu-card-bot/internal/storage"
)

const recentCards = 10

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline  Processor
	Cards     CardStore      // optional; cards://recent fails without it
	Templates TemplateLister // optional
	Version   string
}

// NewMCPServer creates an MCP server exposing card rendering and the render log.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"cardbot",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("cardbot renders personality cards from form payloads and delivers them to Feishu."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("render_card",
			mcp.WithDescription("Render a personality card from a form payload and deliver it like the webhook does."),
			mcp.WithString("payload", mcp.Description("JSON object with the form fields (nickname, mbti, interests, ...)"), mcp.Required()),
		),
		mcpRenderCard(deps),
	)

	s.AddTool(
		mcp.NewTool("list_tags",
			mcp.WithDescription("List the 16 personality tags and whether a template is installed for each."),
		),
		mcpListTags(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"cards://recent",
			"Recent Cards",
			mcp.WithResourceDescription("Last 10 rendered cards from the render log"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpRenderCard(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("payload")
		if err != nil {
			return mcpError("payload is required"), nil
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload == nil {
			return mcpError(fmt.Sprintf("payload must be a JSON object: %v", err)), nil
		}

		res, err := deps.Pipeline.Process(ctx, payload, []byte(raw))
		if errors.Is(err, card.ErrRenderFailed) {
			return mcpError(fmt.Sprintf("render failed: %v", err)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("processing payload: %v", err)), nil
		}

		warnings := res.Warnings
		if warnings == nil {
			warnings = []string{}
		}
		b, err := json.Marshal(map[string]any{
			"card_id":    res.CardID,
			"tag":        res.Rendered.Tag,
			"file_name":  res.Rendered.FileName,
			"saved_path": res.Rendered.Path,
			"image_key":  res.ImageKey,
			"attachment": res.Attachment,
			"delivery":   res.Delivery,
			"warnings":   warnings,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListTags(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var installed []profile.Tag
		if deps.Templates != nil {
			installed = deps.Templates.Available()
		}

		type tagInfo struct {
			Tag       profile.Tag `json:"tag"`
			Default   bool        `json:"default,omitempty"`
			Installed bool        `json:"installed"`
		}
		tags := profile.Tags()
		out := make([]tagInfo, len(tags))
		for i, tag := range tags {
			out[i] = tagInfo{
				Tag:       tag,
				Default:   tag == profile.DefaultTag,
				Installed: slices.Contains(installed, tag),
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal tags: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Cards == nil {
			return nil, errors.New("render log not available")
		}
		cards, err := deps.Cards.ListCards(storage.CardFilter{Limit: recentCards})
		if err != nil {
			return nil, fmt.Errorf("failed to list cards: %w", err)
		}

		type cardSummary struct {
			ID          string   `json:"id"`
			CreatedAt   string   `json:"created_at"`
			Nickname    string   `json:"nickname"`
			Personality string   `json:"personality"`
			FileName    string   `json:"file_name"`
			Attachment  string   `json:"attachment"`
			Delivery    string   `json:"delivery"`
			Warnings    []string `json:"warnings,omitempty"`
		}
		summaries := make([]cardSummary, len(cards))
		for i, c := range cards {
			summaries[i] = cardSummary{
				ID:          c.ID,
				CreatedAt:   c.CreatedAt.Format(time.RFC3339),
				Nickname:    c.Nickname,
				Personality: c.Personality,
				FileName:    c.FileName,
				Attachment:  c.AttachmentStatus,
				Delivery:    c.DeliveryStatus,
				Warnings:    c.Warnings,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal cards: %w", err)
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
