package models

// ChangeKind is the type of edit requested for a scene
type ChangeKind string

const (
	ChangePalette   ChangeKind = "palette"
	ChangeStyle     ChangeKind = "style"
	ChangeMaterial  ChangeKind = "material"
	ChangeLighting  ChangeKind = "lighting"
	ChangeFurniture ChangeKind = "furniture"
	// ChangeCategory relabels the room type; it has no dedicated relationship kind
	ChangeCategory ChangeKind = "category"
)

// Valid reports whether k is a known change kind
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangePalette, ChangeStyle, ChangeMaterial, ChangeLighting, ChangeFurniture, ChangeCategory:
		return true
	}
	return false
}

// Material surfaces used as Change.Target for material changes
const (
	SurfaceFloor       = "floor"
	SurfaceWalls       = "walls"
	SurfaceCeiling     = "ceiling"
	SurfaceCountertops = "countertops"
	SurfaceCabinets    = "cabinets"
)

// Color palettes recognised for palette changes
const (
	PaletteWarmNeutrals  = "warm_neutrals"
	PaletteCoolNeutrals  = "cool_neutrals"
	PaletteEarthTones    = "earth_tones"
	PaletteJewelTones    = "jewel_tones"
	PaletteMonochromatic = "monochromatic"
	PaletteCoastal       = "coastal"
	PalettePastels       = "pastels"
)

// Change is a single typed edit request.
// Target discriminates the sub-type (surface for material, piece for furniture).
type Change struct {
	Kind      ChangeKind `json:"change_kind" binding:"required"`
	ToValue   string     `json:"to_value" binding:"required"`
	FromValue string     `json:"from_value,omitempty"`
	Target    string     `json:"target,omitempty"`
}

// StyleChange requests a new interior style
func StyleChange(to SceneStyle) Change {
	return Change{Kind: ChangeStyle, ToValue: string(to)}
}

// PaletteChange requests a new color palette
func PaletteChange(from, to string) Change {
	return Change{Kind: ChangePalette, FromValue: from, ToValue: to}
}

// MaterialChange requests a new material on one surface
func MaterialChange(surface, to string) Change {
	return Change{Kind: ChangeMaterial, Target: surface, ToValue: to}
}

// LightingChange requests a new lighting setup
func LightingChange(to string) Change {
	return Change{Kind: ChangeLighting, ToValue: to}
}

// FurnitureChange requests a furniture replacement
func FurnitureChange(piece, to string) Change {
	return Change{Kind: ChangeFurniture, Target: piece, ToValue: to}
}

// String renders the change as "kind=value" or "kind:target=value"
func (c Change) String() string {
	if c.Target != "" {
		return string(c.Kind) + ":" + c.Target + "=" + c.ToValue
	}
	return string(c.Kind) + "=" + c.ToValue
}

// ChangeStrings renders changes in request order
func ChangeStrings(changes []Change) []string {
	out := make([]string, 0, len(changes))
	for _, change := range changes {
		out = append(out, change.String())
	}
	return out
}

// Overlay folds changes into a kind -> value map. Later entries win on collision.
func Overlay(changes []Change) map[ChangeKind]string {
	overlay := make(map[ChangeKind]string, len(changes))
	for _, change := range changes {
		overlay[change.Kind] = change.ToValue
	}
	return overlay
}

// OverlayStrings is Overlay keyed by plain strings, for metadata and diagnostics
func OverlayStrings(changes []Change) map[string]string {
	out := make(map[string]string, len(changes))
	for kind, value := range Overlay(changes) {
		out[string(kind)] = value
	}
	return out
}
