package prompt

import (
	"fmt"
	"strings"

	"github.com/Conceptual-Machines/nectar-api/internal/models"
	"github.com/Conceptual-Machines/nectar-api/pkg/embedded"
	"gopkg.in/yaml.v3"
)

// DefaultNegativePrompt is sent with every request that does not override it
const DefaultNegativePrompt = "blur, distortion, low quality, text, watermark, signature, deformed, " +
	"bad proportions, duplicate, out of frame, unclear, cropped, low resolution, pixelated, " +
	"compression artifacts, noise, broken architecture, floating furniture, impossible architecture, " +
	"incorrect lighting, inconsistent lighting, bad shadows, amateur, unprofessional, unfinished, " +
	"cartoon, anime, 3d render, simplified, poor quality, oversaturated, undersaturated, people, " +
	"persons, humans, animals, text overlay, timestamp, border, frame, collage, stock photo watermark"

const clauseSeparator = ", "

// EnhancerTable holds the enhancer clauses appended to every prompt
type EnhancerTable struct {
	General    []string                          `yaml:"general"`
	Categories map[models.SceneCategory][]string `yaml:"categories"`
}

// Composer turns a scene and a change overlay into positive and negative prompts.
// It is safe for concurrent use; nothing is mutated after construction.
type Composer struct {
	enhancers EnhancerTable
	negative  string
}

// NewComposer loads the embedded enhancer table. An empty negativePrompt
// selects DefaultNegativePrompt.
func NewComposer(negativePrompt string) (*Composer, error) {
	return NewComposerFromYAML(embedded.EnhancersYAML, negativePrompt)
}

// NewComposerFromYAML builds a composer from an enhancer table document
func NewComposerFromYAML(data []byte, negativePrompt string) (*Composer, error) {
	var table EnhancerTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse enhancer table: %w", err)
	}
	if len(table.General) == 0 {
		return nil, fmt.Errorf("enhancer table has no general enhancers")
	}
	for category := range table.Categories {
		if !category.Valid() {
			return nil, fmt.Errorf("enhancer table references unknown category %q", category)
		}
	}

	if strings.TrimSpace(negativePrompt) == "" {
		negativePrompt = DefaultNegativePrompt
	}
	return &Composer{enhancers: table, negative: negativePrompt}, nil
}

// NegativePrompt returns the negative prompt used for every request
func (c *Composer) NegativePrompt() string {
	return c.negative
}

// BuildPrompt returns the positive and negative prompt for scene with the
// overlay applied. An empty overlay asks for a similar scene; otherwise the
// effective style and category are the overlay values when present.
func (c *Composer) BuildPrompt(scene *models.Scene, overlay map[models.ChangeKind]string) (string, string) {
	category, style := EffectiveCategoryStyle(scene, overlay)

	var base string
	if len(overlay) == 0 {
		base = fmt.Sprintf("Generate a similar %s interior, maintaining the %s style", scene.Category, scene.Style)
	} else {
		base = fmt.Sprintf("Transform this %s into a %s style %s", scene.Category, style, category)
	}

	return base + clauseSeparator + c.Enhancers(category), c.negative
}

// Enhancers joins the general enhancers with those of category, if any
func (c *Composer) Enhancers(category models.SceneCategory) string {
	specific := c.enhancers.Categories[category]
	all := make([]string, 0, len(c.enhancers.General)+len(specific))
	all = append(all, c.enhancers.General...)
	all = append(all, specific...)
	return strings.Join(all, clauseSeparator)
}

// EffectiveCategoryStyle overlays category and style changes onto the scene
func EffectiveCategoryStyle(scene *models.Scene, overlay map[models.ChangeKind]string) (models.SceneCategory, models.SceneStyle) {
	category, style := scene.Category, scene.Style
	if v, ok := overlay[models.ChangeCategory]; ok && v != "" {
		category = models.SceneCategory(v)
	}
	if v, ok := overlay[models.ChangeStyle]; ok && v != "" {
		style = models.SceneStyle(v)
	}
	return category, style
}
