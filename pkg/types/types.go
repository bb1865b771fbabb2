package types

import "time"

// Variant identifies one vision-language model configuration.
type Variant string

const (
	VariantFast05B Variant = "fast-0.5b"
	VariantFast15B Variant = "fast-1.5b"
	VariantFast7B  Variant = "fast-7b"
)

// VariantInfo describes a selectable model variant.
type VariantInfo struct {
	// Stable identifier for the variant.
	// example: fast-1.5b
	ID Variant `json:"id"`
	// Human-friendly name.
	// example: FastVLM 1.5B
	Name string `json:"name"`
	// Rough resident-memory footprint class (MB), used to pick a smaller
	// fallback during recovery. Zero means unknown.
	FootprintMB int `json:"footprint_mb,omitempty"`
}

// KnownVariants lists the variants the daemon can instantiate, smallest
// footprint first.
func KnownVariants() []VariantInfo {
	return []VariantInfo{
		{ID: VariantFast05B, Name: "FastVLM 0.5B", FootprintMB: 600},
		{ID: VariantFast15B, Name: "FastVLM 1.5B", FootprintMB: 1600},
		{ID: VariantFast7B, Name: "FastVLM 7B", FootprintMB: 4800},
	}
}

// LookupVariant returns metadata for a variant id.
func LookupVariant(id Variant) (VariantInfo, bool) {
	for _, v := range KnownVariants() {
		if v.ID == id {
			return v, true
		}
	}
	return VariantInfo{}, false
}

// GenerationRequest is one unit of inference work. Immutable after creation.
type GenerationRequest struct {
	// Prompt text for the model.
	Prompt string `json:"prompt"`
	// Optional suffix appended after the prompt (continuous-analysis hint).
	Suffix string `json:"suffix,omitempty"`
	// Encoded images, in order. May be empty for text-only requests.
	Images [][]byte `json:"-"`
	// Creation timestamp; set by NewGenerationRequest.
	CreatedAt time.Time `json:"created_at"`
}

// NewGenerationRequest builds a request stamped with the current time.
func NewGenerationRequest(prompt, suffix string, images [][]byte) GenerationRequest {
	return GenerationRequest{Prompt: prompt, Suffix: suffix, Images: images, CreatedAt: time.Now()}
}

// FullPrompt joins prompt and suffix the way the engine expects them.
func (r GenerationRequest) FullPrompt() string {
	if r.Suffix == "" {
		return r.Prompt
	}
	return r.Prompt + " " + r.Suffix
}
