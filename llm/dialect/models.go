package dialect

import "regexp"

// modelReassignment pairs a compiled regex matching an OpenAI-style model
// name with the vendor-specific ID the request must carry once it's
// routed to that vendor. These are isolated post-transform steps:
// the pure dialect transformers never reassign model IDs themselves.
type modelReassignment struct {
	re       *regexp.Regexp
	rewrite  string
	fallback string
}

var awsClaudeReassignments = []modelReassignment{
	{regexp.MustCompile(`(?i)^claude-3-opus`), "anthropic.claude-3-opus-20240229-v1:0", "anthropic.claude-3-sonnet-20240229-v1:0"},
	{regexp.MustCompile(`(?i)^claude-3-sonnet`), "anthropic.claude-3-sonnet-20240229-v1:0", "anthropic.claude-3-sonnet-20240229-v1:0"},
	{regexp.MustCompile(`(?i)^claude-3-haiku`), "anthropic.claude-3-haiku-20240307-v1:0", "anthropic.claude-3-sonnet-20240229-v1:0"},
	{regexp.MustCompile(`(?i)^claude-2`), "anthropic.claude-v2:1", "anthropic.claude-v2:1"},
}

// ReassignForAWS maps an OpenAI/Anthropic-style model name to the Bedrock
// vendor model ID, falling back to the documented default (Sonnet) when
// no specific pattern matches, rather than failing the request outright.
func ReassignForAWS(model string) string {
	for _, r := range awsClaudeReassignments {
		if r.re.MatchString(model) {
			return r.rewrite
		}
	}
	return "anthropic.claude-3-sonnet-20240229-v1:0"
}

var gcpClaudeReassignments = []modelReassignment{
	{regexp.MustCompile(`(?i)^claude-3-opus`), "claude-3-opus@20240229", "claude-3-sonnet@20240229"},
	{regexp.MustCompile(`(?i)^claude-3-sonnet`), "claude-3-sonnet@20240229", "claude-3-sonnet@20240229"},
	{regexp.MustCompile(`(?i)^claude-3-haiku`), "claude-3-haiku@20240307", "claude-3-sonnet@20240229"},
}

// ReassignForGCP maps a Claude model name to its Vertex AI publisher model
// ID, with the same documented-fallback shape as ReassignForAWS.
func ReassignForGCP(model string) string {
	for _, r := range gcpClaudeReassignments {
		if r.re.MatchString(model) {
			return r.rewrite
		}
	}
	return "claude-3-sonnet@20240229"
}
