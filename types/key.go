package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Service identifies an upstream LLM provider.
type Service string

const (
	ServiceOpenAI    Service = "openai"
	ServiceAnthropic Service = "anthropic"
	ServiceGoogleAI  Service = "google-ai"
	ServiceMistralAI Service = "mistral-ai"
	ServiceAWS       Service = "aws"
	ServiceAzure     Service = "azure"
)

// DisableReason records why a key was disabled.
type DisableReason string

const (
	DisableRevoked DisableReason = "revoked"
	DisableQuota   DisableReason = "quota"
)

// AWSLoggingStatus reflects whether an AWS account has Bedrock invocation
// logging enabled, disabled, or not yet probed.
type AWSLoggingStatus string

const (
	AWSLoggingUnknown  AWSLoggingStatus = "unknown"
	AWSLoggingEnabled  AWSLoggingStatus = "enabled"
	AWSLoggingDisabled AWSLoggingStatus = "disabled"
)

// OpenAIKeyFields holds fields specific to OpenAI credentials.
type OpenAIKeyFields struct {
	OrganizationID string
	IsTrial        bool
	IsOverQuota    bool
	SoftLimit      float64
	HardLimit      float64
	Usage          float64
}

// AnthropicKeyFields holds fields specific to Anthropic credentials.
type AnthropicKeyFields struct {
	Tier             string
	IsPozzed         bool
	RequiresPreamble bool
}

// AWSKeyFields holds fields specific to AWS Bedrock credentials.
type AWSKeyFields struct {
	Region           string
	SecretKey        string
	SonnetEnabled    bool
	HaikuEnabled     bool
	AWSLoggingStatus AWSLoggingStatus
}

// AzureKeyFields holds fields specific to Azure OpenAI credentials.
type AzureKeyFields struct {
	ResourceName string
	DeploymentID string
}

// Key is one upstream credential. The Key Pool is the only component
// permitted to mutate a Key; every other component observes frozen copies
// returned by List.
type Key struct {
	Hash    string
	Secret  string // the bare credential material; never logged, and List returns only its masked form
	Service Service

	ModelFamilies map[ModelFamily]struct{}

	IsDisabled bool
	IsRevoked  bool
	Reason     DisableReason

	LastUsed    time.Time
	LastChecked time.Time

	PromptCount int64
	TokensUsed  map[ModelFamily]int64

	RateLimitedAt    time.Time
	RateLimitedUntil time.Time

	OpenAI    OpenAIKeyFields
	Anthropic AnthropicKeyFields
	AWS       AWSKeyFields
	Azure     AzureKeyFields
}

// NewKey builds a Key for secret material under service, with the given
// model families. Hash is the short hex of a salted SHA-256 of the secret,
// so logs and metrics can identify a key without ever printing it.
func NewKey(service Service, secret string, salt string, families ...ModelFamily) *Key {
	sum := sha256.Sum256([]byte(salt + secret))
	famSet := make(map[ModelFamily]struct{}, len(families))
	for _, f := range families {
		famSet[f] = struct{}{}
	}
	return &Key{
		Hash:          hex.EncodeToString(sum[:])[:12],
		Secret:        secret,
		Service:       service,
		ModelFamilies: famSet,
		TokensUsed:    make(map[ModelFamily]int64),
	}
}

// SupportsFamily reports whether this key can serve the given model family.
func (k *Key) SupportsFamily(f ModelFamily) bool {
	_, ok := k.ModelFamilies[f]
	return ok
}

// IsRateLimited reports whether the key is presently inside its lockout
// window. Invariant: RateLimitedUntil >= RateLimitedAt always holds.
func (k *Key) IsRateLimited(now time.Time) bool {
	return now.Before(k.RateLimitedUntil)
}

// IsHealthy reports whether the key may be considered for selection at all.
func (k *Key) IsHealthy() bool {
	return !k.IsDisabled && !k.IsRevoked
}

// Redacted returns a shallow copy of the key with Secret and AWS.SecretKey
// masked (a secret longer than 8 characters keeps its first and last four,
// a shorter one becomes "****"), for callers outside the key pool (List,
// logs, metrics, the admin-facing key listing).
func (k *Key) Redacted() *Key {
	cp := *k
	cp.Secret = maskSecret(k.Secret)
	cp.AWS.SecretKey = maskSecret(k.AWS.SecretKey)
	families := make(map[ModelFamily]struct{}, len(k.ModelFamilies))
	for f := range k.ModelFamilies {
		families[f] = struct{}{}
	}
	cp.ModelFamilies = families
	tokens := make(map[ModelFamily]int64, len(k.TokensUsed))
	for f, v := range k.TokensUsed {
		tokens[f] = v
	}
	cp.TokensUsed = tokens
	return &cp
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "…" + s[len(s)-4:]
}

// KeyStats is the public, read-only usage summary for a key — the
// a point-in-time usage snapshot for a single key.
type KeyStats struct {
	Hash             string
	Service          Service
	IsDisabled       bool
	PromptCount      int64
	TokensUsed       map[ModelFamily]int64
	LastUsed         time.Time
	LastChecked      time.Time
	RateLimitedUntil time.Time
}

// Stats summarizes the key's usage.
func (k *Key) Stats() KeyStats {
	tokens := make(map[ModelFamily]int64, len(k.TokensUsed))
	for f, v := range k.TokensUsed {
		tokens[f] = v
	}
	return KeyStats{
		Hash:             k.Hash,
		Service:          k.Service,
		IsDisabled:       k.IsDisabled,
		PromptCount:      k.PromptCount,
		TokensUsed:       tokens,
		LastUsed:         k.LastUsed,
		LastChecked:      k.LastChecked,
		RateLimitedUntil: k.RateLimitedUntil,
	}
}
