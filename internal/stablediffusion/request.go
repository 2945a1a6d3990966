package stablediffusion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Conceptual-Machines/nectar-api/internal/apperror"
)

const (
	endpointImg2Img = "/images/img2img"
	endpointTxt2Img = "/images/text2img"
	endpointFetch   = "/images/fetch/"

	DefaultScheduler      = "UniPCMultistepScheduler"
	DefaultGuidanceScale  = 7.5
	DefaultStrength       = 0.7
	DefaultImg2ImgSteps   = 31
	DefaultTxt2ImgSteps   = 30
	DefaultSamples        = 1
	DefaultImageDimension = 512

	// MaxSamples is the upstream limit on images per request
	MaxSamples = 4
)

// Request is one image generation request. InitImage selects image-to-image.
type Request struct {
	Prompt         string
	NegativePrompt string
	ModelID        string
	InitImage      string
	Samples        int
	Steps          int
	GuidanceScale  float64
	Scheduler      string
	Strength       float64
	Width          int
	Height         int
}

// ImageToImage reports whether the request is conditioned on a source image
func (r *Request) ImageToImage() bool {
	return r.InitImage != ""
}

func (r *Request) endpoint() string {
	if r.ImageToImage() {
		return endpointImg2Img
	}
	return endpointTxt2Img
}

func (r *Request) validate(op string) error {
	if strings.TrimSpace(r.Prompt) == "" {
		return apperror.New(apperror.KindValidation, op, "prompt is required")
	}
	if r.Samples < 0 || r.Samples > MaxSamples {
		return apperror.New(apperror.KindValidation, op, fmt.Sprintf("samples must be between 1 and %d, or 0 for the default", MaxSamples))
	}
	if r.Strength < 0 || r.Strength > 1 {
		return apperror.New(apperror.KindValidation, op, "strength must be within [0, 1]")
	}
	if r.Width < 0 || r.Height < 0 {
		return apperror.New(apperror.KindValidation, op, "width and height must be positive")
	}
	return nil
}

// buildPayload renders the upstream wire format. Numeric knobs are sent as
// strings, matching what the hosted API documents.
func (c *Client) buildPayload(r *Request) map[string]interface{} {
	modelID := firstNonEmpty(r.ModelID, c.cfg.ModelID)
	negative := firstNonEmpty(r.NegativePrompt, c.cfg.NegativePrompt)

	steps := r.Steps
	if steps == 0 {
		steps = DefaultTxt2ImgSteps
		if r.ImageToImage() {
			steps = DefaultImg2ImgSteps
		}
	}

	payload := map[string]interface{}{
		"key":                 c.cfg.APIKey,
		"model_id":            modelID,
		"prompt":              r.Prompt,
		"negative_prompt":     negative,
		"samples":             strconv.Itoa(orDefault(r.Samples, DefaultSamples)),
		"num_inference_steps": strconv.Itoa(steps),
		"guidance_scale":      orDefaultFloat(r.GuidanceScale, DefaultGuidanceScale),
		"scheduler":           firstNonEmpty(r.Scheduler, DefaultScheduler),
		"width":               strconv.Itoa(orDefault(r.Width, DefaultImageDimension)),
		"height":              strconv.Itoa(orDefault(r.Height, DefaultImageDimension)),
		"safety_checker":      "yes",
		"enhance_prompt":      "yes",
		"tomesd":              "yes",
		"use_karras_sigmas":   "yes",
	}
	if r.ImageToImage() {
		payload["init_image"] = r.InitImage
		payload["strength"] = orDefaultFloat(r.Strength, DefaultStrength)
	}
	return payload
}

// TaskID accepts both string and numeric job ids
type TaskID string

func (t *TaskID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*t = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*t = TaskID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("task id: %w", err)
	}
	*t = TaskID(n.String())
	return nil
}

type responseMeta struct {
	Output json.RawMessage `json:"output"`
}

// Response is the upstream body shared by submission and fetch calls
type Response struct {
	Status      string          `json:"status"`
	ID          TaskID          `json:"id"`
	Message     json.RawMessage `json:"message"`
	Output      json.RawMessage `json:"output"`
	FutureLinks json.RawMessage `json:"future_links"`
	Meta        *responseMeta   `json:"meta"`
}

// MessageText flattens the upstream message, which may be a string or an object
func (r *Response) MessageText() string {
	if len(r.Message) == 0 || bytes.Equal(r.Message, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Message, &s); err == nil {
		return s
	}
	return string(r.Message)
}

// ResultStrategy locates the artifact list in a successful response
type ResultStrategy struct {
	Name    string
	Extract func(*Response) json.RawMessage
}

// ResultStrategies is tried in order; the first field holding a non-empty
// artifact list wins.
var ResultStrategies = []ResultStrategy{
	{Name: "output", Extract: func(r *Response) json.RawMessage { return r.Output }},
	{Name: "future_links", Extract: func(r *Response) json.RawMessage { return r.FutureLinks }},
	{Name: "meta.output", Extract: func(r *Response) json.RawMessage {
		if r.Meta == nil {
			return nil
		}
		return r.Meta.Output
	}},
}

// extractArtifacts applies ResultStrategies. No field present is a protocol
// error; fields present but holding no artifact is an empty result.
func extractArtifacts(op string, resp *Response) ([]string, error) {
	present := false
	for _, strategy := range ResultStrategies {
		raw := strategy.Extract(resp)
		if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		present = true

		var refs []string
		if err := json.Unmarshal(raw, &refs); err != nil {
			e := apperror.Wrap(apperror.KindProtocol, op, err)
			e.Message = fmt.Sprintf("%s is not a list of artifact references", strategy.Name)
			return nil, e
		}

		artifacts := make([]string, 0, len(refs))
		for _, ref := range refs {
			if ref = strings.TrimSpace(ref); ref != "" {
				artifacts = append(artifacts, ref)
			}
		}
		if len(artifacts) > 0 {
			return artifacts, nil
		}
	}

	if present {
		return nil, apperror.New(apperror.KindEmptyResult, op, "upstream reported success with no artifacts")
	}
	return nil, apperror.New(apperror.KindProtocol, op, "success response carries no recognised output field")
}

var rateLimitMarkers = []string{"rate limit", "too many requests", "limit exceeded", "try again later"}

func isRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultFloat(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
