package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/VecSil/feishu-card-bot/internal/attachment"
	"github.com/VecSil/feishu-card-bot/internal/card"
	"github.com/VecSil/feishu-card-bot/internal/config"
	"github.com/VecSil/feishu-card-bot/internal/feishu"
	"github.com/VecSil/feishu-card-bot/internal/pipeline"
	"github.com/VecSil/feishu-card-bot/internal/storage"
)

// app holds the components shared by the server and the offline commands.
type app struct {
	cfg        config.Config
	templates  *card.TemplateSet
	fonts      *card.Fonts
	compositor *card.Compositor
	feishu     *feishu.Client // nil without app credentials
	service    *pipeline.Service
}

type appOptions struct {
	store   *storage.Store // nil disables the render log
	deliver bool           // upload, send and write back results
}

func newApp(cfg config.Config, opts appOptions) (*app, error) {
	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	var fontPaths []string
	if cfg.Assets.FontPath != "" {
		fontPaths = append(fontPaths, cfg.Assets.FontPath)
	}
	a := &app{
		cfg:       cfg,
		templates: card.NewTemplateSet(filepath.Join(cfg.Assets.Dir, "templates")),
		fonts:     card.NewFonts(cfg.Assets.Dir, fontPaths...),
	}
	a.compositor = card.NewCompositor(a.templates, a.fonts, cfg.Output.Dir)

	pc := pipeline.Config{
		Composer:             a.compositor,
		ResolveDeadline:      cfg.Resolver.Deadline,
		DebugOpenID:          cfg.Feishu.DebugOpenID,
		SendEnabled:          cfg.Feishu.SendEnabled,
		WritebackField:       cfg.Writeback.Field,
		WritebackStatusField: cfg.Writeback.StatusField,
	}
	if opts.store != nil {
		pc.Store = opts.store
	}
	// Plain avatar links resolve even without app credentials.
	pc.Resolver = attachment.New(cfg.Feishu.BaseURL,
		attachment.WithTimeout(cfg.Resolver.Timeout),
		attachment.WithMinBytes(cfg.Resolver.MinBytes),
	)
	if cfg.FeishuConfigured() {
		a.feishu = feishu.NewClientWithBaseURL(cfg.Feishu.AppID, cfg.Feishu.AppSecret, cfg.Feishu.BaseURL)
		pc.Credentials = a.feishu.Tokens()
		if opts.deliver {
			pc.Delivery = a.feishu
		}
	} else {
		slog.Warn("feishu credentials not configured; only plain-URL attachments resolve and delivery is disabled")
	}
	a.service = pipeline.New(pc)
	return a, nil
}

func (a *app) features() map[string]bool {
	return map[string]bool{
		"feishu":    a.feishu != nil,
		"send":      a.feishu != nil && a.cfg.Feishu.SendEnabled,
		"writeback": a.cfg.Writeback.Field != "" || a.cfg.Writeback.StatusField != "",
		"mcp":       a.cfg.MCP.Enabled,
	}
}
