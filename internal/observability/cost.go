package observability

import (
	"strconv"
)

// Pricing constants
const (
	costFormatPrecision = 6

	// Hosted Stable Diffusion pricing per generated image
	realisticVisionImagePrice = 0.0047
	sdxlImagePrice            = 0.0060
	defaultImagePrice         = realisticVisionImagePrice
)

// ModelPricing contains pricing information per generated image
type ModelPricing struct {
	PricePerImage float64 // USD
}

// PricingTable contains pricing for known image models
var PricingTable = map[string]ModelPricing{
	"realistic-vision-51": {PricePerImage: realisticVisionImagePrice},
	"sdxl":                {PricePerImage: sdxlImagePrice},
}

// CalculateImageCost returns the USD cost of generating images with model
func CalculateImageCost(model string, images int) float64 {
	pricing, exists := PricingTable[model]
	if !exists {
		pricing = ModelPricing{PricePerImage: defaultImagePrice}
	}
	return float64(images) * pricing.PricePerImage
}

// FormatCost formats a cost value as a USD string
func FormatCost(cost float64) string {
	return "$" + formatFloat(cost, costFormatPrecision)
}

// formatFloat formats a float with specified precision using strconv
func formatFloat(f float64, precision int) string {
	return strconv.FormatFloat(f, 'f', precision, 64)
}
