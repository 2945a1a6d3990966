package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Conceptual-Machines/nectar-api/internal/apperror"
	"github.com/Conceptual-Machines/nectar-api/internal/logger"
	"github.com/Conceptual-Machines/nectar-api/internal/models"
	"github.com/Conceptual-Machines/nectar-api/internal/observability"
	"github.com/Conceptual-Machines/nectar-api/internal/prompt"
	"github.com/Conceptual-Machines/nectar-api/internal/provenance"
	"github.com/Conceptual-Machines/nectar-api/internal/stablediffusion"
	"github.com/Conceptual-Machines/nectar-api/internal/store"
	"github.com/getsentry/sentry-go"
)

const opGenerateVariations = "services.GenerateVariations"

// VariationType selects how far a variation may drift from its parent
type VariationType string

const (
	// VariationSlight keeps the parent's composition (image-to-image)
	VariationSlight VariationType = "slight"
	// VariationSignificant regenerates the room from the prompt alone
	VariationSignificant VariationType = "significant"
)

// Valid reports whether t is a known variation type
func (t VariationType) Valid() bool {
	return t == VariationSlight || t == VariationSignificant
}

// Generator resolves a generation request to artifact references
type Generator interface {
	Submit(ctx context.Context, req *stablediffusion.Request) ([]string, error)
	ModelID() string
}

// ArtifactMirror re-hosts a generated artifact and returns its durable location
type ArtifactMirror interface {
	Mirror(ctx context.Context, parentSceneID, sourceURL string) (string, error)
}

// VariationRecorder receives one observation per GenerateVariations call
type VariationRecorder interface {
	RecordVariations(ctx context.Context, kind string, created int, duration time.Duration, success bool)
}

// VariationOptions tunes one GenerateVariations call. Zero values select defaults.
type VariationOptions struct {
	Type     VariationType
	Strength float64
	Samples  int
}

// VariationService derives new scenes from an existing one
type VariationService struct {
	store     store.Store
	graph     *provenance.Graph
	composer  *prompt.Composer
	generator Generator
	mirror    ArtifactMirror
	recorder  VariationRecorder
	langfuse  *observability.LangfuseClient
	now       func() time.Time

	defaultSamples  int
	defaultStrength float64
}

// VariationOption configures a VariationService
type VariationOption func(*VariationService)

// WithArtifactMirror re-hosts every artifact before its scene is persisted
func WithArtifactMirror(m ArtifactMirror) VariationOption {
	return func(s *VariationService) { s.mirror = m }
}

// WithVariationRecorder sets the metrics sink
func WithVariationRecorder(r VariationRecorder) VariationOption {
	return func(s *VariationService) { s.recorder = r }
}

// WithLangfuse traces each call as a Langfuse generation
func WithLangfuse(c *observability.LangfuseClient) VariationOption {
	return func(s *VariationService) { s.langfuse = c }
}

// WithDefaults overrides the sample count and strength used when a call leaves them unset
func WithDefaults(samples int, strength float64) VariationOption {
	return func(s *VariationService) {
		if samples > 0 {
			s.defaultSamples = samples
		}
		if strength > 0 {
			s.defaultStrength = strength
		}
	}
}

func NewVariationService(
	s store.Store,
	graph *provenance.Graph,
	composer *prompt.Composer,
	generator Generator,
	opts ...VariationOption,
) *VariationService {
	svc := &VariationService{
		store:           s,
		graph:           graph,
		composer:        composer,
		generator:       generator,
		now:             time.Now,
		defaultSamples:  stablediffusion.MaxSamples,
		defaultStrength: stablediffusion.DefaultStrength,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// GenerateVariations derives scenes from parentID with changes applied and
// returns them in artifact order. The call is not atomic: on a mid-way
// failure the scenes already committed are returned alongside the error.
func (s *VariationService) GenerateVariations(
	ctx context.Context,
	parentID string,
	changes []models.Change,
	opts VariationOptions,
) ([]models.Scene, error) {
	start := s.now()
	changeSummary := models.ChangeStrings(changes)
	kind := provenance.DeriveKind(changes)

	fail := func(err error) error {
		return apperror.WithScene(err, opGenerateVariations, parentID, changeSummary)
	}

	if err := validateChanges(changes); err != nil {
		return nil, fail(err)
	}
	opts, err := s.resolveOptions(opts)
	if err != nil {
		return nil, fail(err)
	}

	span := sentry.StartSpan(ctx, "variations.generate")
	span.Description = string(kind)
	defer span.Finish()
	ctx = span.Context()

	parent, err := s.store.GetScene(ctx, parentID)
	if err != nil {
		span.Status = sentry.SpanStatusNotFound
		s.record(ctx, kind, 0, start, false)
		return nil, fail(err)
	}

	overlay := models.Overlay(changes)
	positive, negative := s.composer.BuildPrompt(parent, overlay)

	req := &stablediffusion.Request{
		Prompt:         positive,
		NegativePrompt: negative,
		ModelID:        s.generator.ModelID(),
		Samples:        opts.Samples,
	}
	if opts.Type == VariationSlight && hasUsableImage(parent) {
		req.InitImage = parent.ImageURL
		req.Strength = opts.Strength
	}

	logger.Info("Generating variations", logger.Fields{
		"scene_id":       parentID,
		"relationship":   string(kind),
		"variation_type": string(opts.Type),
		"img2img":        req.ImageToImage(),
		"samples":        opts.Samples,
	})

	trace := s.langfuse.StartTrace(ctx, "generate_variations", map[string]interface{}{
		"scene_id": parentID,
		"changes":  changeSummary,
	})
	defer trace.Finish()
	generation := trace.Generation("stable_diffusion", map[string]interface{}{
		"variation_type": string(opts.Type),
		"img2img":        req.ImageToImage(),
	})
	defer generation.Finish()

	artifacts, err := s.generator.Submit(ctx, req)
	if err == nil && len(artifacts) == 0 {
		err = apperror.New(apperror.KindEmptyResult, opGenerateVariations, "generation returned no artifacts")
	}
	if err != nil {
		generation.SetLevel("ERROR")
		span.Status = sentry.SpanStatusInternalError
		s.record(ctx, kind, 0, start, false)
		return nil, fail(err)
	}
	generation.LogImageGeneration(req.ModelID, positive, negative, artifacts, map[string]interface{}{
		"scene_id": parentID,
	})

	scenes := make([]models.Scene, 0, len(artifacts))
	for i, artifact := range artifacts {
		scene, err := s.materialize(ctx, parent, artifact, overlay, changes, req)
		if err != nil {
			logger.Error("Variation materialization failed", err, logger.Fields{
				"scene_id":  parentID,
				"artifact":  i,
				"committed": len(scenes),
			})
			span.Status = sentry.SpanStatusInternalError
			s.record(ctx, kind, len(scenes), start, false)
			return scenes, fail(err)
		}
		scenes = append(scenes, *scene)
	}

	span.Status = sentry.SpanStatusOK
	s.record(ctx, kind, len(scenes), start, true)
	logger.Info("Variations generated", logger.Fields{
		"scene_id":     parentID,
		"relationship": string(kind),
		"created":      len(scenes),
		"duration_ms":  s.now().Sub(start).Milliseconds(),
	})
	return scenes, nil
}

// materialize persists one artifact as a derived scene and records its edge.
// The edge is only written once the scene has an id.
func (s *VariationService) materialize(
	ctx context.Context,
	parent *models.Scene,
	artifact string,
	overlay map[models.ChangeKind]string,
	changes []models.Change,
	req *stablediffusion.Request,
) (*models.Scene, error) {
	imageURL := artifact
	if s.mirror != nil {
		mirrored, err := s.mirror.Mirror(ctx, parent.ID, artifact)
		if err != nil {
			return nil, err
		}
		imageURL = mirrored
	}

	scene := DeriveScene(parent, imageURL, req.Prompt, overlay, changes)
	id, err := s.store.CreateScene(ctx, scene)
	if err != nil {
		return nil, err
	}
	scene.ID = id

	if _, err := s.graph.Record(ctx, provenance.Edge{
		Parent:         parent,
		ChildID:        id,
		Changes:        changes,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		ModelVersion:   req.ModelID,
	}); err != nil {
		return nil, err
	}
	return scene, nil
}

// DeriveScene builds the unsaved child of parent. Style and category come
// from the overlay; a material change with a target surface is written as
// "{surface}_material"; every other kind is written under its own name.
func DeriveScene(
	parent *models.Scene,
	imageURL, generationPrompt string,
	overlay map[models.ChangeKind]string,
	changes []models.Change,
) *models.Scene {
	category, style := prompt.EffectiveCategoryStyle(parent, overlay)
	attributes := parent.CloneAttributes()

	for _, change := range changes {
		switch change.Kind {
		case models.ChangeStyle, models.ChangeCategory:
			// carried by the scene columns
		case models.ChangeMaterial:
			if change.Target != "" {
				attributes[change.Target+"_material"] = change.ToValue
			} else {
				attributes[string(change.Kind)] = change.ToValue
			}
		default:
			attributes[string(change.Kind)] = change.ToValue
		}
	}

	return &models.Scene{
		Category:         category,
		Style:            style,
		Attributes:       attributes,
		Title:            parent.Title,
		Description:      parent.Description,
		ImageURL:         imageURL,
		IsOriginal:       false,
		GenerationPrompt: generationPrompt,
		ParentSceneID:    parent.ID,
	}
}

func (s *VariationService) resolveOptions(opts VariationOptions) (VariationOptions, error) {
	if opts.Type == "" {
		opts.Type = VariationSlight
	}
	if !opts.Type.Valid() {
		return opts, apperror.New(apperror.KindValidation, opGenerateVariations,
			fmt.Sprintf("unknown variation type %q", opts.Type))
	}
	if opts.Samples == 0 {
		opts.Samples = s.defaultSamples
	}
	if opts.Samples < 0 || opts.Samples > stablediffusion.MaxSamples {
		return opts, apperror.New(apperror.KindValidation, opGenerateVariations,
			fmt.Sprintf("samples must be between 1 and %d, or 0 for the default", stablediffusion.MaxSamples))
	}
	if opts.Strength == 0 {
		opts.Strength = s.defaultStrength
	}
	if opts.Strength < 0 || opts.Strength > 1 {
		return opts, apperror.New(apperror.KindValidation, opGenerateVariations, "strength must be within [0, 1]")
	}
	return opts, nil
}

func (s *VariationService) record(ctx context.Context, kind models.RelationshipKind, created int, start time.Time, success bool) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordVariations(ctx, string(kind), created, s.now().Sub(start), success)
}

// validateChanges rejects requests the orchestrator cannot materialize.
// Relationship classification stays lenient; this check is not.
func validateChanges(changes []models.Change) error {
	for i, change := range changes {
		if !change.Kind.Valid() {
			return apperror.New(apperror.KindValidation, opGenerateVariations,
				fmt.Sprintf("change %d: unknown change kind %q", i, change.Kind))
		}
		if strings.TrimSpace(change.ToValue) == "" {
			return apperror.New(apperror.KindValidation, opGenerateVariations,
				fmt.Sprintf("change %d: to_value is required", i))
		}
		switch change.Kind {
		case models.ChangeStyle:
			if !models.SceneStyle(change.ToValue).Valid() {
				return apperror.New(apperror.KindValidation, opGenerateVariations,
					fmt.Sprintf("change %d: unknown style %q", i, change.ToValue))
			}
		case models.ChangeCategory:
			if !models.SceneCategory(change.ToValue).Valid() {
				return apperror.New(apperror.KindValidation, opGenerateVariations,
					fmt.Sprintf("change %d: unknown category %q", i, change.ToValue))
			}
		}
	}
	return nil
}

func hasUsableImage(scene *models.Scene) bool {
	url := strings.ToLower(scene.ImageURL)
	return strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://")
}
