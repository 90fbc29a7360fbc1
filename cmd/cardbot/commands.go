package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/VecSil/feishu-card-bot/internal/card"
	"github.com/VecSil/feishu-card-bot/internal/config"
	"github.com/VecSil/feishu-card-bot/internal/export"
	"github.com/VecSil/feishu-card-bot/internal/pipeline"
	"github.com/VecSil/feishu-card-bot/internal/profile"
	"github.com/VecSil/feishu-card-bot/internal/storage"
)

// --- render ---

const defaultRenderJobs = 4

// processor is the part of the pipeline the render command drives.
type processor interface {
	Process(ctx context.Context, payload map[string]any, raw []byte) (*pipeline.Result, error)
}

type renderOutcome struct {
	Input  string
	Result *pipeline.Result
	Err    error
}

var renderCmd = &cobra.Command{
	Use:   "render <payload.json>...",
	Short: "Render cards from payload files without running the server",
	Long: `Render cards from payload files without running the server.

Each file holds one webhook payload. Files are rendered in parallel.

Examples:
  cardbot render payload.json
  cardbot render --deliver --record samples/*.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deliver, _ := cmd.Flags().GetBool("deliver")
		record, _ := cmd.Flags().GetBool("record")
		jobs, _ := cmd.Flags().GetInt("jobs")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		opts := appOptions{deliver: deliver}
		if record {
			store, err := storage.Open(cfg.Storage.DataDir)
			if err != nil {
				return fmt.Errorf("opening storage: %w", err)
			}
			defer store.Close()
			opts.store = store
		}
		a, err := newApp(cfg, opts)
		if err != nil {
			return err
		}

		printStep("Rendering %d payload(s), %d at a time", len(args), max(jobs, 1))
		outcomes := renderFiles(cmd.Context(), a.service, args, jobs)
		failed := 0
		for _, o := range outcomes {
			if o.Err != nil {
				failed++
				printError("%s: %v", o.Input, o.Err)
				continue
			}
			r := o.Result
			printSuccess("%s -> %s (%s)", o.Input, r.Rendered.Path, r.Rendered.Tag)
			printStatus("Attachment", "%s", outcomeLabel(r.Attachment))
			printStatus("Delivery", "%s", outcomeLabel(r.Delivery))
			for _, w := range r.Warnings {
				printWarning("%s", w)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d payloads failed", failed, len(outcomes))
		}
		return nil
	},
}

func init() {
	renderCmd.Flags().Bool("deliver", false, "upload, send and write back like the webhook does")
	renderCmd.Flags().Bool("record", false, "save rendered cards to the render log")
	renderCmd.Flags().Int("jobs", defaultRenderJobs, "maximum payloads rendered at once")
}

// renderFiles processes every payload file with at most limit in flight.
// Outcomes keep the input order.
func renderFiles(ctx context.Context, p processor, paths []string, limit int) []renderOutcome {
	if limit < 1 {
		limit = 1
	}
	out := make([]renderOutcome, len(paths))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, path := range paths {
		out[i].Input = path
		g.Go(func() error {
			raw, err := os.ReadFile(path)
			if err != nil {
				out[i].Err = fmt.Errorf("reading payload: %w", err)
				return nil
			}
			var payload map[string]any
			if err := json.Unmarshal(raw, &payload); err != nil {
				out[i].Err = fmt.Errorf("parsing payload: %w", err)
				return nil
			}
			if payload == nil {
				payload = map[string]any{}
			}
			out[i].Result, out[i].Err = p.Process(ctx, payload, raw)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func outcomeLabel(o pipeline.Outcome) string {
	if o.Detail == "" {
		return o.Status
	}
	return o.Status + " (" + o.Detail + ")"
}

// --- cards ---

var cardsCmd = &cobra.Command{
	Use:   "cards",
	Short: "Inspect the render log",
}

func cardQuery(cmd *cobra.Command) string {
	personality, _ := cmd.Flags().GetString("personality")
	since, _ := cmd.Flags().GetString("since")
	limit, _ := cmd.Flags().GetInt("limit")

	var parts []string
	if personality != "" {
		parts = append(parts, "personality="+personality)
	}
	if since != "" {
		parts = append(parts, "since="+since)
	}
	if limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", limit))
	}
	if len(parts) == 0 {
		return ""
	}
	return "?" + strings.Join(parts, "&")
}

var cardsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recently rendered cards",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		cards, err := client.listCards(cmd.Context(), cardQuery(cmd))
		if err != nil {
			return err
		}
		if len(cards) == 0 {
			fmt.Fprintln(stdout, "No cards found.")
			return nil
		}
		for _, c := range cards {
			id := c.ID
			if len(id) > 8 {
				id = id[:8]
			}
			fmt.Fprintf(stdout, "%s  %s  %-4s  %-9s %-8s %s\n",
				colorize(colorCyan, id),
				c.CreatedAt.Local().Format(time.DateTime),
				c.Personality,
				c.AttachmentStatus,
				c.DeliveryStatus,
				c.Nickname,
			)
		}
		return nil
	},
}

var cardsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one card record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		c, err := client.getCard(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(c)
	},
}

var cardsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the render log as an XLSX workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		local, _ := cmd.Flags().GetBool("local")

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()

		if local {
			if err := exportLocal(cmd, f); err != nil {
				return err
			}
		} else {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if _, err := client.download(cmd.Context(), "/cards/export.xlsx"+cardQuery(cmd), f); err != nil {
				return err
			}
		}
		printSuccess("Cards exported to %s", output)
		return nil
	},
}

// exportLocal reads the render log directly, for when the server is down.
func exportLocal(cmd *cobra.Command, f *os.File) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	personality, _ := cmd.Flags().GetString("personality")
	limit, _ := cmd.Flags().GetInt("limit")
	filter := storage.CardFilter{Personality: personality, Limit: limit}
	if since, _ := cmd.Flags().GetString("since"); since != "" {
		t, err := time.Parse(time.DateOnly, since)
		if err != nil {
			return fmt.Errorf("invalid --since %q: want YYYY-MM-DD", since)
		}
		filter.Since = t
	}

	data, err := export.CardsXLSX(store, filter, nil)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

func init() {
	for _, c := range []*cobra.Command{cardsListCmd, cardsExportCmd} {
		c.Flags().String("personality", "", "only cards with this personality tag")
		c.Flags().String("since", "", "only cards created on or after this date (YYYY-MM-DD)")
	}
	cardsListCmd.Flags().Int("limit", 20, "maximum number of cards to list")
	cardsExportCmd.Flags().Int("limit", 0, "maximum number of cards to export (0 = all)")
	cardsExportCmd.Flags().String("output", "cards.xlsx", "output file path")
	cardsExportCmd.Flags().Bool("local", false, "read the render log directly instead of asking the server")
	cardsCmd.AddCommand(cardsListCmd, cardsShowCmd, cardsExportCmd)
}

// --- templates ---

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect or scaffold card templates",
}

func missingTemplates(installed []profile.Tag) []profile.Tag {
	have := make(map[profile.Tag]bool, len(installed))
	for _, t := range installed {
		have[t] = true
	}
	var missing []profile.Tag
	for _, t := range profile.Tags() {
		if !have[t] {
			missing = append(missing, t)
		}
	}
	return missing
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show which personality templates are installed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ts := card.NewTemplateSet(filepath.Join(cfg.Assets.Dir, "templates"))
		installed := ts.Available()
		have := make(map[profile.Tag]bool, len(installed))
		for _, t := range installed {
			have[t] = true
		}
		for _, t := range profile.Tags() {
			mark := colorize(colorRed, "missing")
			if have[t] {
				mark = colorize(colorGreen, "ok")
			}
			suffix := ""
			if t == profile.DefaultTag {
				suffix = " (default)"
			}
			fmt.Fprintf(stdout, "  %s  %s%s\n", t, mark, suffix)
		}
		printStatus("Directory", "%s", ts.Dir())
		return nil
	},
}

var templatesInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write placeholder templates and layouts.json for missing tags",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		width, _ := cmd.Flags().GetInt("width")
		height, _ := cmd.Flags().GetInt("height")
		if dir == "" {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dir = filepath.Join(cfg.Assets.Dir, "templates")
		}
		printStep("Scaffolding templates in %s", dir)
		written, err := scaffoldTemplates(dir, width, height)
		if err != nil {
			return err
		}
		printSuccess("Wrote %d files to %s", written, dir)
		return nil
	},
}

func init() {
	templatesInitCmd.Flags().String("dir", "", "template directory (default <assets.dir>/templates)")
	templatesInitCmd.Flags().Int("width", card.ReferenceWidth, "template width in pixels")
	templatesInitCmd.Flags().Int("height", 1920, "template height in pixels")
	templatesCmd.AddCommand(templatesListCmd, templatesInitCmd)
}

// placeholderColor gives each tag a light, distinct background.
func placeholderColor(i int) color.NRGBA {
	return color.NRGBA{R: uint8(200 + (i*13)%50), G: uint8(205 + (i*29)%45), B: uint8(210 + (i*7)%40), A: 255}
}

// scaffoldTemplates writes a plain PNG for every tag without a template and
// a layouts.json with the built-in layout. Existing files are kept.
func scaffoldTemplates(dir string, width, height int) (int, error) {
	if width < 1 || height < 1 {
		return 0, fmt.Errorf("invalid template size %dx%d", width, height)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating template dir: %w", err)
	}

	var written atomic.Int32
	var g errgroup.Group
	g.SetLimit(defaultRenderJobs)
	installed := card.NewTemplateSet(dir).Available()
	for i, tag := range profile.Tags() {
		if !slices.Contains(installed, tag) {
			g.Go(func() error {
				path := filepath.Join(dir, string(tag)+".png")
				if err := imaging.Save(card.Blank(width, height, placeholderColor(i)), path); err != nil {
					return fmt.Errorf("writing %s: %w", path, err)
				}
				written.Add(1)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return int(written.Load()), err
	}

	layoutsPath := filepath.Join(dir, "layouts.json")
	if _, err := os.Stat(layoutsPath); errors.Is(err, fs.ErrNotExist) {
		data, err := json.MarshalIndent(card.DefaultLayouts(), "", "  ")
		if err != nil {
			return int(written.Load()), err
		}
		if err := os.WriteFile(layoutsPath, data, 0o644); err != nil {
			return int(written.Load()), fmt.Errorf("writing layouts: %w", err)
		}
		written.Add(1)
	}
	return int(written.Load()), nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		printStatus("Config file", "%s", config.ConfigFilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret (feishu.app_secret, server.api_token) in the secrets file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configSetSecretCmd)
}
