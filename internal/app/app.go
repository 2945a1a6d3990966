package app

import (
	"context"
	"fmt"
	"log"

	"github.com/Conceptual-Machines/nectar-api/internal/artifacts"
	"github.com/Conceptual-Machines/nectar-api/internal/config"
	"github.com/Conceptual-Machines/nectar-api/internal/metrics"
	"github.com/Conceptual-Machines/nectar-api/internal/observability"
	"github.com/Conceptual-Machines/nectar-api/internal/prompt"
	"github.com/Conceptual-Machines/nectar-api/internal/provenance"
	"github.com/Conceptual-Machines/nectar-api/internal/services"
	"github.com/Conceptual-Machines/nectar-api/internal/stablediffusion"
	"github.com/Conceptual-Machines/nectar-api/internal/store"
)

// App holds the wired variation pipeline shared by the server and the CLI
type App struct {
	Store      store.Store
	Graph      *provenance.Graph
	Composer   *prompt.Composer
	Generator  services.Generator
	Variations *services.VariationService
	Recorder   *metrics.Recorder
}

// Option adjusts how New wires the pipeline
type Option func(*options)

type options struct {
	generator services.Generator
	recorder  *metrics.Recorder
	mirror    services.ArtifactMirror
	noMirror  bool
}

// WithGenerator replaces the hosted Stable Diffusion client
func WithGenerator(g services.Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithRecorder sets the metrics recorder used by the client and the service
func WithRecorder(r *metrics.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithoutMirror skips artifact re-hosting even when a bucket is configured
func WithoutMirror() Option {
	return func(o *options) { o.noMirror = true }
}

// New wires the variation pipeline over st according to cfg
func New(ctx context.Context, cfg *config.Config, st store.Store, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	composer, err := prompt.NewComposer(cfg.NegativePrompt)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt enhancers: %w", err)
	}

	generator := o.generator
	if generator == nil {
		client, err := stablediffusion.NewClient(cfg.GenerationConfig(),
			stablediffusion.WithRecorder(o.recorder))
		if err != nil {
			return nil, err
		}
		generator = client
	}

	mirror := o.mirror
	if mirror == nil && !o.noMirror && cfg.ArtifactMirrorEnabled() {
		s3Mirror, err := artifacts.NewS3Mirror(cfg.ArtifactBucket, cfg.ArtifactRegion, cfg.ArtifactPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize artifact mirror: %w", err)
		}
		log.Printf("🪣 Artifact mirror enabled (bucket: %s)", cfg.ArtifactBucket)
		mirror = s3Mirror
	}

	graph := provenance.NewGraph(st)
	svcOpts := []services.VariationOption{
		services.WithDefaults(cfg.DefaultVariationSamples, cfg.DefaultVariationStrength),
		services.WithLangfuse(observability.InitializeLangfuse(ctx, cfg)),
	}
	if o.recorder != nil {
		svcOpts = append(svcOpts, services.WithVariationRecorder(o.recorder))
	}
	if mirror != nil {
		svcOpts = append(svcOpts, services.WithArtifactMirror(mirror))
	}

	return &App{
		Store:      st,
		Graph:      graph,
		Composer:   composer,
		Generator:  generator,
		Variations: services.NewVariationService(st, graph, composer, generator, svcOpts...),
		Recorder:   o.recorder,
	}, nil
}
