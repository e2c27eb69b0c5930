package types

// APIFormat names a wire dialect a request or response body can be shaped
// as. This is distinct from Service because several formats can target
// several services — e.g. anthropic-chat can be sent directly to Anthropic
// or, re-signed, to AWS Bedrock.
type APIFormat string

const (
	FormatOpenAI         APIFormat = "openai"
	FormatOpenAIText     APIFormat = "openai-text"
	FormatOpenAIImage    APIFormat = "openai-image"
	FormatAnthropicText  APIFormat = "anthropic-text"
	FormatAnthropicChat  APIFormat = "anthropic-chat"
	FormatGoogleAI       APIFormat = "google-ai"
	FormatMistralAI      APIFormat = "mistral-ai"
)
