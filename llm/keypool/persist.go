package keypool

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/relaymesh/llmgate/types"
)

// keyRow is the gorm-mapped persistence row for a types.Key, grounded on
// an AutoMigrate-managed schema. Family sets and per-family usage maps
// are stored as JSON columns rather than join tables — a handful of
// model families per key doesn't warrant a separate table.
type keyRow struct {
	Hash          string `gorm:"primaryKey;size:16"`
	Service       string `gorm:"index;size:16"`
	Secret        string
	ModelFamilies string // JSON []string
	IsDisabled    bool
	IsRevoked     bool
	Reason        string
	LastUsed      time.Time
	LastChecked   time.Time
	PromptCount   int64
	TokensUsed    string // JSON map[string]int64
	RateLimitedAt time.Time
	RateLimitedUntil time.Time

	OpenAIOrgID        string
	OpenAIIsTrial      bool
	OpenAIIsOverQuota  bool
	OpenAISoftLimit    float64
	OpenAIHardLimit    float64
	OpenAIUsage        float64
	AnthropicTier      string
	AnthropicIsPozzed  bool
	AnthropicPreamble  bool
	AWSRegion          string
	AWSSecretKey       string
	AWSSonnetEnabled   bool
	AWSHaikuEnabled    bool
	AWSLoggingStatus   string
	AzureResourceName  string
	AzureDeploymentID  string
}

func (keyRow) TableName() string { return "llmgate_keys" }

// AutoMigrate creates/updates the keys table with a single AutoMigrate
// call; there is no separate migration-file tooling.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&keyRow{}); err != nil {
		return fmt.Errorf("keypool: automigrate: %w", err)
	}
	return nil
}

// GormPersister is a Persister backed by a gorm.DB, used by the per-service
// pools wired in cmd/proxy. Unit tests use no Persister (nil) instead.
type GormPersister struct {
	DB *gorm.DB
}

func (g *GormPersister) SaveKey(k *types.Key) {
	row := toRow(k)
	g.DB.Save(&row)
}

// LoadKeys reads every persisted key for service into a fresh Pool.
func LoadKeys(db *gorm.DB, service types.Service, persist Persister, logger interface {
	Info(string, ...any)
}) (*Pool, error) {
	var rows []keyRow
	if err := db.Where("service = ?", string(service)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("keypool: load keys for %s: %w", service, err)
	}
	pool := New(service, persist, nil)
	for _, row := range rows {
		pool.Add(fromRow(row))
	}
	return pool, nil
}

func toRow(k *types.Key) keyRow {
	families := make([]string, 0, len(k.ModelFamilies))
	for f := range k.ModelFamilies {
		families = append(families, string(f))
	}
	familiesJSON, _ := json.Marshal(families)

	tokens := make(map[string]int64, len(k.TokensUsed))
	for f, v := range k.TokensUsed {
		tokens[string(f)] = v
	}
	tokensJSON, _ := json.Marshal(tokens)

	return keyRow{
		Hash:              k.Hash,
		Service:           string(k.Service),
		Secret:            k.Secret,
		ModelFamilies:     string(familiesJSON),
		IsDisabled:        k.IsDisabled,
		IsRevoked:         k.IsRevoked,
		Reason:            string(k.Reason),
		LastUsed:          k.LastUsed,
		LastChecked:       k.LastChecked,
		PromptCount:       k.PromptCount,
		TokensUsed:        string(tokensJSON),
		RateLimitedAt:     k.RateLimitedAt,
		RateLimitedUntil:  k.RateLimitedUntil,
		OpenAIOrgID:       k.OpenAI.OrganizationID,
		OpenAIIsTrial:     k.OpenAI.IsTrial,
		OpenAIIsOverQuota: k.OpenAI.IsOverQuota,
		OpenAISoftLimit:   k.OpenAI.SoftLimit,
		OpenAIHardLimit:   k.OpenAI.HardLimit,
		OpenAIUsage:       k.OpenAI.Usage,
		AnthropicTier:     k.Anthropic.Tier,
		AnthropicIsPozzed: k.Anthropic.IsPozzed,
		AnthropicPreamble: k.Anthropic.RequiresPreamble,
		AWSRegion:         k.AWS.Region,
		AWSSecretKey:      k.AWS.SecretKey,
		AWSSonnetEnabled:  k.AWS.SonnetEnabled,
		AWSHaikuEnabled:   k.AWS.HaikuEnabled,
		AWSLoggingStatus:  string(k.AWS.AWSLoggingStatus),
		AzureResourceName: k.Azure.ResourceName,
		AzureDeploymentID: k.Azure.DeploymentID,
	}
}

func fromRow(row keyRow) *types.Key {
	var familyNames []string
	_ = json.Unmarshal([]byte(row.ModelFamilies), &familyNames)
	families := make(map[types.ModelFamily]struct{}, len(familyNames))
	for _, f := range familyNames {
		families[types.ModelFamily(f)] = struct{}{}
	}

	var tokenMap map[string]int64
	_ = json.Unmarshal([]byte(row.TokensUsed), &tokenMap)
	tokens := make(map[types.ModelFamily]int64, len(tokenMap))
	for f, v := range tokenMap {
		tokens[types.ModelFamily(f)] = v
	}

	return &types.Key{
		Hash:             row.Hash,
		Secret:           row.Secret,
		Service:          types.Service(row.Service),
		ModelFamilies:    families,
		IsDisabled:       row.IsDisabled,
		IsRevoked:        row.IsRevoked,
		Reason:           types.DisableReason(row.Reason),
		LastUsed:         row.LastUsed,
		LastChecked:      row.LastChecked,
		PromptCount:      row.PromptCount,
		TokensUsed:       tokens,
		RateLimitedAt:    row.RateLimitedAt,
		RateLimitedUntil: row.RateLimitedUntil,
		OpenAI: types.OpenAIKeyFields{
			OrganizationID: row.OpenAIOrgID,
			IsTrial:        row.OpenAIIsTrial,
			IsOverQuota:    row.OpenAIIsOverQuota,
			SoftLimit:      row.OpenAISoftLimit,
			HardLimit:      row.OpenAIHardLimit,
			Usage:          row.OpenAIUsage,
		},
		Anthropic: types.AnthropicKeyFields{
			Tier:             row.AnthropicTier,
			IsPozzed:         row.AnthropicIsPozzed,
			RequiresPreamble: row.AnthropicPreamble,
		},
		AWS: types.AWSKeyFields{
			Region:           row.AWSRegion,
			SecretKey:        row.AWSSecretKey,
			SonnetEnabled:    row.AWSSonnetEnabled,
			HaikuEnabled:     row.AWSHaikuEnabled,
			AWSLoggingStatus: types.AWSLoggingStatus(row.AWSLoggingStatus),
		},
		Azure: types.AzureKeyFields{
			ResourceName: row.AzureResourceName,
			DeploymentID: row.AzureDeploymentID,
		},
	}
}
