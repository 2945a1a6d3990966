package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Conceptual-Machines/nectar-api/internal/apperror"
	"github.com/Conceptual-Machines/nectar-api/internal/models"
	"github.com/Conceptual-Machines/nectar-api/internal/prompt"
	"github.com/Conceptual-Machines/nectar-api/internal/provenance"
	"github.com/Conceptual-Machines/nectar-api/internal/stablediffusion"
	"github.com/Conceptual-Machines/nectar-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type fakeGenerator struct {
	mu        sync.Mutex
	artifacts []string
	err       error
	requests  []*stablediffusion.Request
}

func (g *fakeGenerator) Submit(ctx context.Context, req *stablediffusion.Request) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if err := ctx.Err(); err != nil {
		return nil, apperror.Wrap(apperror.KindTimeout, "fake.Submit", err)
	}
	return g.artifacts, g.err
}

func (g *fakeGenerator) ModelID() string {
	return stablediffusion.DefaultModelID
}

type fakeMirror struct {
	failOn string
}

func (m *fakeMirror) Mirror(_ context.Context, parentSceneID, sourceURL string) (string, error) {
	if sourceURL == m.failOn {
		return "", apperror.New(apperror.KindUpstream, "fake.Mirror", "download failed")
	}
	return "https://cdn.example.com/" + parentSceneID + "/" + sourceURL[strings.LastIndex(sourceURL, "/")+1:], nil
}

type variationObservation struct {
	kind    string
	created int
	success bool
}

type fakeRecorder struct {
	observations []variationObservation
}

func (r *fakeRecorder) RecordVariations(_ context.Context, kind string, created int, _ time.Duration, success bool) {
	r.observations = append(r.observations, variationObservation{kind, created, success})
}

type fixture struct {
	store     *store.MemoryStore
	generator *fakeGenerator
	service   *VariationService
	parent    *models.Scene
}

func newFixture(t *testing.T, artifacts []string, opts ...VariationOption) *fixture {
	t.Helper()

	s := store.NewMemoryStore(0)
	parent := &models.Scene{
		ID:         "p1",
		Category:   models.CategoryKitchen,
		Style:      models.StyleModern,
		Title:      "Bright kitchen",
		ImageURL:   "https://images.example.com/p1.png",
		IsOriginal: true,
		Attributes: datatypes.JSONMap{
			"color_palette": "warm_neutrals",
			"floor":         map[string]interface{}{"material": "tile"},
		},
	}
	_, err := s.CreateScene(context.Background(), parent)
	require.NoError(t, err)

	composer, err := prompt.NewComposer("")
	require.NoError(t, err)

	gen := &fakeGenerator{artifacts: artifacts}
	svc := NewVariationService(s, provenance.NewGraph(s), composer, gen, opts...)
	return &fixture{store: s, generator: gen, service: svc, parent: parent}
}

func TestGenerateVariationsCreatesOneSceneAndEdgePerArtifact(t *testing.T) {
	f := newFixture(t, []string{"https://out.example.com/a.png", "https://out.example.com/b.png"})

	scenes, err := f.service.GenerateVariations(context.Background(), "p1",
		[]models.Change{models.StyleChange(models.StyleIndustrial)}, VariationOptions{})
	require.NoError(t, err)
	require.Len(t, scenes, 2)

	for i, scene := range scenes {
		assert.NotEmpty(t, scene.ID)
		assert.Equal(t, "p1", scene.ParentSceneID)
		assert.False(t, scene.IsOriginal)
		assert.Equal(t, f.generator.artifacts[i], scene.ImageURL)
		assert.Equal(t, "Bright kitchen", scene.Title)
	}

	rels := f.store.Relationships()
	require.Len(t, rels, 2)
	assert.Equal(t, scenes[0].ID, rels[0].ChildSceneID)
	assert.Equal(t, scenes[1].ID, rels[1].ChildSceneID)
	for _, rel := range rels {
		assert.Equal(t, "p1", rel.ParentSceneID)
	}
}

func TestGenerateVariationsKitchenStyleScenario(t *testing.T) {
	f := newFixture(t, []string{"https://out.example.com/a.png"})

	scenes, err := f.service.GenerateVariations(context.Background(), "p1",
		[]models.Change{{Kind: models.ChangeStyle, ToValue: "industrial"}}, VariationOptions{})
	require.NoError(t, err)
	require.Len(t, scenes, 1)

	derived := scenes[0]
	assert.Equal(t, models.StyleIndustrial, derived.Style)
	assert.Equal(t, models.CategoryKitchen, derived.Category)
	assert.True(t, strings.HasPrefix(derived.GenerationPrompt, "Transform this Kitchen into a industrial style Kitchen, "))

	rels := f.store.Relationships()
	require.Len(t, rels, 1)
	assert.Equal(t, models.RelationshipStyleVariation, rels[0].Kind)

	meta := rels[0].Metadata.Data()
	assert.Equal(t, derived.GenerationPrompt, meta.Prompt)
	assert.Equal(t, prompt.DefaultNegativePrompt, meta.NegativePrompt)
	assert.Equal(t, stablediffusion.DefaultModelID, meta.ModelVersion)
	assert.Equal(t, "modern", meta.OriginalStyle)
	assert.Equal(t, "warm_neutrals", meta.OriginalPalette)
	assert.Equal(t, map[string]string{"floor": "tile"}, meta.OriginalMaterials)
	assert.Equal(t, map[string]string{"style": "industrial"}, meta.Changes)

	// the parent itself is untouched
	parent, err := f.store.GetScene(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StyleModern, parent.Style)
}

func TestGenerateVariationsZeroArtifactsIsEmptyResult(t *testing.T) {
	f := newFixture(t, []string{})

	scenes, err := f.service.GenerateVariations(context.Background(), "p1",
		[]models.Change{models.StyleChange(models.StyleRustic)}, VariationOptions{})

	require.Error(t, err)
	assert.Nil(t, scenes)
	assert.Equal(t, apperror.KindEmptyResult, apperror.KindOf(err))
	assert.Len(t, f.store.Scenes(), 1)
	assert.Empty(t, f.store.Relationships())
}

func TestGenerateVariationsPartialFailureKeepsCommittedScenes(t *testing.T) {
	f := newFixture(t, []string{
		"https://out.example.com/a.png",
		"https://out.example.com/b.png",
		"https://out.example.com/c.png",
	})
	writes := 0
	f.store.FailCreateRelationship = func(*models.VariationRelationship) error {
		writes++
		if writes == 2 {
			return apperror.New(apperror.KindInternal, "store.CreateRelationship", "connection reset")
		}
		return nil
	}

	scenes, err := f.service.GenerateVariations(context.Background(), "p1",
		[]models.Change{models.LightingChange("golden hour")}, VariationOptions{})

	require.Error(t, err)
	require.Len(t, scenes, 1)
	assert.Equal(t, "https://out.example.com/a.png", scenes[0].ImageURL)

	var appErr *apperror.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.KindInternal, appErr.Kind)
	assert.Equal(t, "p1", appErr.SceneID)
	assert.Equal(t, []string{"lighting=golden hour"}, appErr.Changes)

	// the second scene was persisted before its edge failed; nothing is rolled back
	assert.Len(t, f.store.Scenes(), 3)
	assert.Len(t, f.store.Relationships(), 1)
}

func TestGenerateVariationsParentNotFound(t *testing.T) {
	f := newFixture(t, []string{"https://out.example.com/a.png"})

	_, err := f.service.GenerateVariations(context.Background(), "missing",
		[]models.Change{models.StyleChange(models.StyleRustic)}, VariationOptions{})

	require.Error(t, err)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
	assert.Contains(t, err.Error(), "missing")
	assert.Empty(t, f.generator.requests)
}

func TestGenerateVariationsPreservesGeneratorErrorKind(t *testing.T) {
	f := newFixture(t, nil)
	f.generator.err = &apperror.Error{
		Kind:     apperror.KindRateLimited,
		Op:       "stablediffusion.Submit",
		Message:  "retries exhausted",
		Attempts: 5,
	}

	_, err := f.service.GenerateVariations(context.Background(), "p1",
		[]models.Change{models.PaletteChange("warm_neutrals", models.PaletteEarthTones)}, VariationOptions{})

	var appErr *apperror.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.KindRateLimited, appErr.Kind)
	assert.Equal(t, 5, appErr.Attempts)
	assert.Equal(t, "p1", appErr.SceneID)
	assert.Equal(t, []string{"palette=" + models.PaletteEarthTones}, appErr.Changes)
}

func TestGenerateVariationsErrorKeepsRequestedChangesInOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.generator.err = apperror.New(apperror.KindUpstream, "stablediffusion.Submit", "model unavailable")

	_, err := f.service.GenerateVariations(context.Background(), "p1", []models.Change{
		models.MaterialChange(models.SurfaceFloor, "oak"),
		models.MaterialChange(models.SurfaceWalls, "brick"),
	}, VariationOptions{})

	var appErr *apperror.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.KindUpstream, appErr.Kind)
	assert.Equal(t, []string{"material:floor=oak", "material:walls=brick"}, appErr.Changes)
}

func TestGenerateVariationsRequestMode(t *testing.T) {
	tests := []struct {
		name        string
		imageURL    string
		opts        VariationOptions
		wantInit    string
		wantSamples int
	}{
		{"slight with image uses img2img", "https://images.example.com/p1.png", VariationOptions{}, "https://images.example.com/p1.png", 4},
		{"slight without usable image falls back", "gs://bucket/p1.png", VariationOptions{Type: VariationSlight}, "", 4},
		{"significant uses text2img", "https://images.example.com/p1.png", VariationOptions{Type: VariationSignificant, Samples: 2}, "", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []string{"https://out.example.com/a.png"})
			f.parent.ImageURL = tt.imageURL
			f.parent.ID = ""
			_, err := f.store.CreateScene(context.Background(), f.parent)
			require.NoError(t, err)

			_, err = f.service.GenerateVariations(context.Background(), f.parent.ID, nil, tt.opts)
			require.NoError(t, err)

			require.Len(t, f.generator.requests, 1)
			req := f.generator.requests[0]
			assert.Equal(t, tt.wantInit, req.InitImage)
			assert.Equal(t, tt.wantSamples, req.Samples)
			if tt.wantInit != "" {
				assert.InDelta(t, stablediffusion.DefaultStrength, req.Strength, 1e-9)
			} else {
				assert.Zero(t, req.Strength)
			}
			assert.True(t, strings.HasPrefix(req.Prompt, "Generate a similar Kitchen interior, maintaining the modern style, "))
		})
	}
}

func TestGenerateVariationsLastWriteWins(t *testing.T) {
	f := newFixture(t, []string{"https://out.example.com/a.png"})

	scenes, err := f.service.GenerateVariations(context.Background(), "p1", []models.Change{
		models.StyleChange(models.StyleIndustrial),
		models.StyleChange(models.StyleScandinavian),
	}, VariationOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.StyleScandinavian, scenes[0].Style)
	assert.Contains(t, f.generator.requests[0].Prompt, "into a scandinavian style Kitchen")
}

func TestGenerateVariationsWritesAttributeOverrides(t *testing.T) {
	f := newFixture(t, []string{"https://out.example.com/a.png"})

	scenes, err := f.service.GenerateVariations(context.Background(), "p1", []models.Change{
		models.MaterialChange(models.SurfaceFloor, "oak"),
		models.PaletteChange("warm_neutrals", models.PaletteJewelTones),
		{Kind: models.ChangeCategory, ToValue: string(models.CategoryDiningRoom)},
	}, VariationOptions{Type: VariationSignificant})
	require.NoError(t, err)

	derived := scenes[0]
	assert.Equal(t, "oak", derived.Attributes["floor_material"])
	assert.Equal(t, models.PaletteJewelTones, derived.Attributes["palette"])
	assert.Equal(t, models.CategoryDiningRoom, derived.Category)
	assert.Equal(t, models.RelationshipMaterialVariation, f.store.Relationships()[0].Kind)

	parent, err := f.store.GetScene(context.Background(), "p1")
	require.NoError(t, err)
	assert.NotContains(t, parent.Attributes, "floor_material")
}

func TestGenerateVariationsRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		changes []models.Change
		opts    VariationOptions
	}{
		{"unknown kind", []models.Change{{Kind: "layout", ToValue: "open"}}, VariationOptions{}},
		{"empty value", []models.Change{{Kind: models.ChangeLighting, ToValue: "  "}}, VariationOptions{}},
		{"unknown style", []models.Change{{Kind: models.ChangeStyle, ToValue: "brutalist"}}, VariationOptions{}},
		{"unknown category", []models.Change{{Kind: models.ChangeCategory, ToValue: "Garage"}}, VariationOptions{}},
		{"unknown variation type", nil, VariationOptions{Type: "wild"}},
		{"too many samples", nil, VariationOptions{Samples: 9}},
		{"strength out of range", nil, VariationOptions{Strength: 1.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []string{"https://out.example.com/a.png"})

			_, err := f.service.GenerateVariations(context.Background(), "p1", tt.changes, tt.opts)

			assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
			assert.Empty(t, f.generator.requests)
		})
	}
}

func TestGenerateVariationsMirrorsArtifacts(t *testing.T) {
	f := newFixture(t, []string{"https://out.example.com/a.png", "https://out.example.com/b.png"},
		WithArtifactMirror(&fakeMirror{failOn: "https://out.example.com/b.png"}))

	scenes, err := f.service.GenerateVariations(context.Background(), "p1",
		[]models.Change{models.StyleChange(models.StyleCoastal)}, VariationOptions{})

	assert.Equal(t, apperror.KindUpstream, apperror.KindOf(err))
	require.Len(t, scenes, 1)
	assert.Equal(t, "https://cdn.example.com/p1/a.png", scenes[0].ImageURL)
	assert.Len(t, f.store.Scenes(), 2)
}

func TestGenerateVariationsRecordsMetrics(t *testing.T) {
	recorder := &fakeRecorder{}
	f := newFixture(t, []string{"https://out.example.com/a.png"}, WithVariationRecorder(recorder))

	_, err := f.service.GenerateVariations(context.Background(), "p1",
		[]models.Change{models.FurnitureChange("sofa", "chesterfield")}, VariationOptions{})
	require.NoError(t, err)

	_, err = f.service.GenerateVariations(context.Background(), "missing", nil, VariationOptions{})
	require.Error(t, err)

	assert.Equal(t, []variationObservation{
		{kind: "furniture_variation", created: 1, success: true},
		{kind: "derived", created: 0, success: false},
	}, recorder.observations)
}

func TestGenerateVariationsCancelled(t *testing.T) {
	f := newFixture(t, []string{"https://out.example.com/a.png"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scenes, err := f.service.GenerateVariations(ctx, "p1",
		[]models.Change{models.StyleChange(models.StyleRustic)}, VariationOptions{})

	assert.Empty(t, scenes)
	assert.Equal(t, apperror.KindTimeout, apperror.KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, f.store.Scenes(), 1)
}
