package embedded

import (
	_ "embed"
)

// Prompt enhancer table used by the prompt composer
//
//go:embed data/enhancers.yaml
var EnhancersYAML []byte
