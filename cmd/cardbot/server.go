package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/VecSil/feishu-card-bot/internal/api"
	"github.com/VecSil/feishu-card-bot/internal/config"
	"github.com/VecSil/feishu-card-bot/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the webhook server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and configuration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(&http.Client{Timeout: 2 * time.Second})
	},
}

func listenAddr(cfg config.Config) string {
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
}

// localURL is the address status checks use; a wildcard host is reached
// through loopback.
func localURL(cfg config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
}

func runServer() error {
	fmt.Fprintf(stderr, "cardbot version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	a, err := newApp(cfg, appOptions{store: store, deliver: true})
	if err != nil {
		return err
	}
	if missing := missingTemplates(a.templates.Available()); len(missing) > 0 {
		slog.Warn("templates missing; cards for these tags will fail", "dir", a.templates.Dir(), "tags", missing)
	}
	slog.Info("font selected", "source", a.fonts.Source())

	if err := a.templates.Watch(ctx); err != nil {
		slog.Warn("template hot reload disabled", "error", err)
	}

	if cfg.Server.APIToken == "" {
		slog.Info("management routes disabled (no server.api_token)")
	}
	handler := api.NewHandler(api.Deps{
		Pipeline:  a.service,
		Cards:     store,
		Templates: a.templates,
		OutputDir: cfg.Output.Dir,
		PublicURL: cfg.Server.PublicURL,
		Token:     cfg.Server.APIToken,
		Version:   version,
		Features:  a.features(),
	})

	if cfg.MCP.Enabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Pipeline:  a.service,
			Cards:     store,
			Templates: a.templates,
			Version:   version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := listenAddr(cfg)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("cardbot listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func showStatus(client *http.Client) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	base := localURL(cfg)
	resp, err := client.Get(base + "/")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var info struct {
			Version   string          `json:"version"`
			Templates []string        `json:"templates"`
			Features  map[string]bool `json:"features"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&info)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || decodeErr != nil {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		} else {
			running = true
			printStatus("Server", "running on %s (version %s)", base, info.Version)
			printStatus("Templates", "%d of 16 installed", len(info.Templates))
			printStatus("Features", "%s", featureList(info.Features))
		}
	}

	if running && cfg.Server.APIToken != "" {
		c := &apiClient{baseURL: base, token: cfg.Server.APIToken, httpClient: client}
		if n, err := c.countCards(context.Background()); err == nil {
			printStatus("Cards", "%d rendered", n)
		}
	}

	if cfg.FeishuConfigured() {
		printStatus("Feishu app", "%s at %s", cfg.Feishu.AppID, cfg.Feishu.BaseURL)
	} else {
		printStatus("Feishu app", "not configured")
	}
	printStatus("Output dir", "%s", cfg.Output.Dir)
	printStatus("Assets dir", "%s", cfg.Assets.Dir)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func featureList(f map[string]bool) string {
	var out []byte
	for _, k := range []string{"feishu", "send", "writeback", "management", "mcp"} {
		mark := "-"
		if f[k] {
			mark = "+"
		}
		if len(out) > 0 {
			out = append(out, ' ')
		}
		out = append(out, mark+k...)
	}
	return string(out)
}
