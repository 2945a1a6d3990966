// generate-variations derives variations of a stored scene from the command
// line, using the same pipeline as the API.
//
// Changes are given as kind=value, with an optional target for material and
// furniture changes:
//
//	generate-variations --scene-id 42 --change style=industrial --change "material:floor=polished concrete"
//
// With --dry-run the scene is seeded into an in-memory store and the hosted
// backend is replaced by a stub, so prompts and provenance can be inspected
// without credentials or a database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Conceptual-Machines/nectar-api/internal/app"
	"github.com/Conceptual-Machines/nectar-api/internal/config"
	"github.com/Conceptual-Machines/nectar-api/internal/database"
	"github.com/Conceptual-Machines/nectar-api/internal/models"
	"github.com/Conceptual-Machines/nectar-api/internal/services"
	"github.com/Conceptual-Machines/nectar-api/internal/stablediffusion"
	"github.com/Conceptual-Machines/nectar-api/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

type options struct {
	sceneID       string
	changes       []string
	variationType string
	strength      float64
	samples       int
	timeout       time.Duration
	dryRun        bool
	jsonOutput    bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var opts options

	flagSet := pflag.NewFlagSet("generate-variations", pflag.ContinueOnError)
	flagSet.StringVar(&opts.sceneID, "scene-id", "", "id of the parent scene")
	flagSet.StringArrayVar(&opts.changes, "change", nil, "change as kind=value or kind:target=value (repeatable)")
	flagSet.StringVar(&opts.variationType, "type", string(services.VariationSlight), "variation type: slight or significant")
	flagSet.Float64Var(&opts.strength, "strength", 0, "image-to-image strength in (0, 1]; 0 uses the configured default")
	flagSet.IntVar(&opts.samples, "samples", 0, "images to generate; 0 uses the configured default")
	flagSet.DurationVar(&opts.timeout, "timeout", 0, "overall deadline; 0 uses the generation job budget")
	flagSet.BoolVar(&opts.dryRun, "dry-run", false, "use an in-memory store and a stub generator")
	flagSet.BoolVar(&opts.jsonOutput, "json", false, "print the derived scenes as JSON")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return fmt.Errorf("unexpected argument: %s", extra[0])
	}

	changes, err := parseChanges(opts.changes)
	if err != nil {
		return err
	}

	if err := godotenv.Load(); err != nil && !opts.dryRun {
		fmt.Fprintln(os.Stderr, "No .env file found, using environment variables")
	}
	cfg := config.Load()

	ctx := context.Background()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	pipeline, sceneID, err := buildPipeline(ctx, cfg, opts)
	if err != nil {
		return err
	}

	scenes, err := pipeline.Variations.GenerateVariations(ctx, sceneID, changes, services.VariationOptions{
		Type:     services.VariationType(opts.variationType),
		Strength: opts.strength,
		Samples:  opts.samples,
	})
	if printErr := report(out, scenes, opts.jsonOutput); printErr != nil {
		return printErr
	}
	return err
}

func buildPipeline(ctx context.Context, cfg *config.Config, opts options) (*app.App, string, error) {
	if opts.dryRun {
		memory := store.NewMemoryStore(cfg.StoreBatchSize)
		sceneID := opts.sceneID
		if sceneID == "" {
			sceneID = "dry-run-kitchen"
		}
		if _, err := memory.CreateScene(ctx, &models.Scene{
			ID:         sceneID,
			Category:   models.CategoryKitchen,
			Style:      models.StyleModern,
			Title:      "Dry run kitchen",
			ImageURL:   "https://example.com/dry-run-kitchen.png",
			IsOriginal: true,
		}); err != nil {
			return nil, "", err
		}
		pipeline, err := app.New(ctx, cfg, memory, app.WithGenerator(&stubGenerator{}), app.WithoutMirror())
		return pipeline, sceneID, err
	}

	if opts.sceneID == "" {
		return nil, "", fmt.Errorf("--scene-id is required")
	}
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect to database: %w", err)
	}
	pipeline, err := app.New(ctx, cfg, store.NewGormStore(db, cfg.StoreBatchSize))
	return pipeline, opts.sceneID, err
}

// parseChanges reads "kind=value" and "kind:target=value" arguments
func parseChanges(raw []string) ([]models.Change, error) {
	changes := make([]models.Change, 0, len(raw))
	for _, arg := range raw {
		spec, value, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("invalid change %q: expected kind=value", arg)
		}
		kind, target, _ := strings.Cut(spec, ":")
		change := models.Change{
			Kind:    models.ChangeKind(strings.TrimSpace(kind)),
			ToValue: strings.TrimSpace(value),
			Target:  strings.TrimSpace(target),
		}
		if !change.Kind.Valid() {
			return nil, fmt.Errorf("invalid change %q: unknown kind %q", arg, kind)
		}
		changes = append(changes, change)
	}
	return changes, nil
}

func report(out io.Writer, scenes []models.Scene, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(scenes)
	}
	fmt.Fprintf(out, "Generated %d scene(s)\n", len(scenes))
	for _, scene := range scenes {
		fmt.Fprintf(out, "  %s  %s/%s  %s\n", scene.ID, scene.Category, scene.Style, scene.ImageURL)
	}
	if len(scenes) > 0 {
		fmt.Fprintf(out, "Prompt: %s\n", scenes[0].GenerationPrompt)
	}
	return nil
}

// stubGenerator returns one placeholder artifact per requested sample
type stubGenerator struct{}

func (stubGenerator) Submit(_ context.Context, req *stablediffusion.Request) ([]string, error) {
	samples := req.Samples
	if samples <= 0 {
		samples = stablediffusion.DefaultSamples
	}
	artifacts := make([]string, samples)
	for i := range artifacts {
		artifacts[i] = fmt.Sprintf("https://example.com/dry-run/%d.png", i+1)
	}
	return artifacts, nil
}

func (stubGenerator) ModelID() string {
	return stablediffusion.DefaultModelID
}
