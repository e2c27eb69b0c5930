package types

import "regexp"

// ModelFamily is a closed enum grouping model IDs that share pricing and
// rate-limit characteristics.
type ModelFamily string

const (
	FamilyTurbo       ModelFamily = "turbo"
	FamilyGPT4        ModelFamily = "gpt4"
	FamilyGPT4_32k    ModelFamily = "gpt4-32k"
	FamilyGPT4Turbo   ModelFamily = "gpt4-turbo"
	FamilyDallE       ModelFamily = "dall-e"
	FamilyClaude      ModelFamily = "claude"
	FamilyGeminiPro   ModelFamily = "gemini-pro"
	FamilyMistralTiny ModelFamily = "mistral-tiny"
	FamilyMistralSm   ModelFamily = "mistral-small"
	FamilyMistralMed  ModelFamily = "mistral-medium"
	FamilyAWSClaude   ModelFamily = "aws-claude"
	FamilyAzureTurbo  ModelFamily = "azure-turbo"
	FamilyAzureGPT4   ModelFamily = "azure-gpt4"
	FamilyAzureGPT432 ModelFamily = "azure-gpt4-32k"
	FamilyAzureGPT4T  ModelFamily = "azure-gpt4-turbo"
)

// familyService is the fixed ModelFamily -> Service map.
var familyService = map[ModelFamily]Service{
	FamilyTurbo:       ServiceOpenAI,
	FamilyGPT4:        ServiceOpenAI,
	FamilyGPT4_32k:    ServiceOpenAI,
	FamilyGPT4Turbo:   ServiceOpenAI,
	FamilyDallE:       ServiceOpenAI,
	FamilyClaude:      ServiceAnthropic,
	FamilyGeminiPro:   ServiceGoogleAI,
	FamilyMistralTiny: ServiceMistralAI,
	FamilyMistralSm:   ServiceMistralAI,
	FamilyMistralMed:  ServiceMistralAI,
	FamilyAWSClaude:   ServiceAWS,
	FamilyAzureTurbo:  ServiceAzure,
	FamilyAzureGPT4:   ServiceAzure,
	FamilyAzureGPT432: ServiceAzure,
	FamilyAzureGPT4T:  ServiceAzure,
}

// ServiceForFamily resolves the fixed ModelFamily -> Service mapping.
func ServiceForFamily(f ModelFamily) (Service, bool) {
	s, ok := familyService[f]
	return s, ok
}

// AllModelFamilies returns every member of the closed ModelFamily enum, in
// the declaration order above. Used by callers (the /v1/models listing, the
// metrics collector's periodic poll) that need to range over the whole
// family set rather than resolve a specific model.
func AllModelFamilies() []ModelFamily {
	return []ModelFamily{
		FamilyTurbo,
		FamilyGPT4,
		FamilyGPT4_32k,
		FamilyGPT4Turbo,
		FamilyDallE,
		FamilyClaude,
		FamilyGeminiPro,
		FamilyMistralTiny,
		FamilyMistralSm,
		FamilyMistralMed,
		FamilyAWSClaude,
		FamilyAzureTurbo,
		FamilyAzureGPT4,
		FamilyAzureGPT432,
		FamilyAzureGPT4T,
	}
}

// familyPattern pairs a compiled regex with the family it resolves to.
// Order matters: longer/more-specific patterns are tried first so e.g.
// "gpt-4-32k" doesn't get claimed by a bare "gpt-4" pattern.
type familyPattern struct {
	re     *regexp.Regexp
	family ModelFamily
}

var modelFamilyTable = buildModelFamilyTable()

func buildModelFamilyTable() []familyPattern {
	mk := func(pattern string, f ModelFamily) familyPattern {
		return familyPattern{re: regexp.MustCompile(pattern), family: f}
	}
	return []familyPattern{
		// Azure deployments are distinguished upstream by routing path, not
		// model name, so azure families are resolved by the caller passing
		// an azure-prefixed hint; see ResolveAzureFamily.
		mk(`(?i)^gpt-4-32k`, FamilyGPT4_32k),
		mk(`(?i)^gpt-4.*turbo`, FamilyGPT4Turbo),
		mk(`(?i)^gpt-4o`, FamilyGPT4Turbo),
		mk(`(?i)^gpt-4`, FamilyGPT4),
		mk(`(?i)^gpt-3\.5-turbo`, FamilyTurbo),
		mk(`(?i)^dall-e`, FamilyDallE),
		mk(`(?i)^gpt-image`, FamilyDallE),
		mk(`(?i)^claude-3.*haiku`, FamilyAWSClaude),
		mk(`(?i)^claude`, FamilyClaude),
		mk(`(?i)^gemini`, FamilyGeminiPro),
		mk(`(?i)^mistral-tiny`, FamilyMistralTiny),
		mk(`(?i)^mistral-small`, FamilyMistralSm),
		mk(`(?i)^mistral-medium`, FamilyMistralMed),
		mk(`(?i)^open-mistral`, FamilyMistralSm),
	}
}

// ResolveModelFamily maps a provider model ID to a ModelFamily using the
// prioritized regex table (most-specific patterns first). The fallback
// family for an AWS-hosted Claude request must be supplied by the caller
// via ResolveAWSFamily/ResolveAzureFamily, since the same model name
// ("claude-3-sonnet") can resolve to different families depending on which
// service is actually fronting it ("several formats can target
// several services").
func ResolveModelFamily(model string) (ModelFamily, bool) {
	for _, p := range modelFamilyTable {
		if p.re.MatchString(model) {
			return p.family, true
		}
	}
	return "", false
}

// ResolveAWSFamily resolves a model ID known to be routed through Bedrock.
func ResolveAWSFamily(model string) ModelFamily {
	return FamilyAWSClaude
}

// ResolveAzureFamily resolves a model ID known to be routed through Azure
// OpenAI, mapping it onto the azure-prefixed family set.
func ResolveAzureFamily(model string) (ModelFamily, bool) {
	switch f, ok := ResolveModelFamily(model); {
	case !ok:
		return "", false
	case f == FamilyGPT4_32k:
		return FamilyAzureGPT432, true
	case f == FamilyGPT4Turbo:
		return FamilyAzureGPT4T, true
	case f == FamilyGPT4:
		return FamilyAzureGPT4, true
	case f == FamilyTurbo:
		return FamilyAzureTurbo, true
	default:
		return "", false
	}
}
