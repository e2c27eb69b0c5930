package tokenizer

import "fmt"

// dalleTokensPerUSD is the fixed conversion rate used to express an
// image-generation dollar cost as a token-equivalent count for quota
// accounting, since image generation isn't itself token-based.
const dalleTokensPerUSD = 100_000

// dallePriceTable is a fixed USD-cents price table keyed by
// (model, quality, resolution), grounded on the model identifiers the
// image-generation config names (dall-e-3, gpt-image-1).
var dallePriceTable = map[string]map[string]map[string]int{
	"dall-e-3": {
		"standard": {"1024x1024": 4, "1024x1792": 8, "1792x1024": 8},
		"hd":       {"1024x1024": 8, "1024x1792": 12, "1792x1024": 12},
	},
	"dall-e-2": {
		"standard": {"256x256": 1, "512x512": 1, "1024x1024": 2},
	},
	"gpt-image-1": {
		"standard": {"1024x1024": 4, "1024x1536": 6, "1536x1024": 6},
		"hd":       {"1024x1024": 8, "1024x1536": 12, "1536x1024": 12},
	},
}

// ImageCostRequest describes one image-generation call to price.
type ImageCostRequest struct {
	Model      string
	Quality    string
	Resolution string
	N          int
}

// ImageTokenCost prices an image-generation request in USD cents and
// converts the result to a token-equivalent count at dalleTokensPerUSD,
// so the same per-family quota accounting that governs chat completions
// also bounds image spend.
func ImageTokenCost(req ImageCostRequest) (tokens int, usdCents int, err error) {
	quality := req.Quality
	if quality == "" {
		quality = "standard"
	}
	n := req.N
	if n <= 0 {
		n = 1
	}
	byQuality, ok := dallePriceTable[req.Model]
	if !ok {
		return 0, 0, fmt.Errorf("tokenizer: unknown image model %q", req.Model)
	}
	byRes, ok := byQuality[quality]
	if !ok {
		return 0, 0, fmt.Errorf("tokenizer: unknown quality %q for model %q", quality, req.Model)
	}
	centsPerImage, ok := byRes[req.Resolution]
	if !ok {
		return 0, 0, fmt.Errorf("tokenizer: unknown resolution %q for model %q/%s", req.Resolution, req.Model, quality)
	}
	usdCents = centsPerImage * n
	tokens = (usdCents * dalleTokensPerUSD) / 100
	return tokens, usdCents, nil
}
