package userstore

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/relaymesh/llmgate/types"
)

// userRow is the gorm-mapped persistence row for a types.User, grounded on
// the same AutoMigrate-managed, JSON-column shape as llm/keypool's keyRow.
type userRow struct {
	Token          string `gorm:"primaryKey;size:36"`
	IPs            string // JSON []string
	Type           string `gorm:"index;size:16"`
	PromptCount    int64
	TokenCounts    string // JSON map[string]int64
	TokenLimits    string // JSON map[string]int64
	CreatedAt      time.Time
	LastUsedAt     time.Time
	DisabledAt     *time.Time
	DisabledReason string
	ExpiresAt      *time.Time
	MaxIPs         int
	Nickname       string
	Meta           string // JSON map[string]string
}

func (userRow) TableName() string { return "llmgate_users" }

// AutoMigrate creates/updates the users table with a single AutoMigrate
// call, matching llm/keypool.AutoMigrate's single-call convention.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&userRow{}); err != nil {
		return fmt.Errorf("userstore: automigrate: %w", err)
	}
	return nil
}

// GormPersister is a Persister backed by a gorm.DB, used by the store
// wired in cmd/proxy. Unit tests use no Persister (nil) instead.
type GormPersister struct {
	DB *gorm.DB
}

func (g *GormPersister) SaveUsers(users []*types.User) {
	rows := make([]userRow, 0, len(users))
	for _, u := range users {
		rows = append(rows, toRow(u))
	}
	if len(rows) == 0 {
		return
	}
	g.DB.Save(&rows)
}

// LoadUsers reads every persisted user into a fresh Store.
func LoadUsers(db *gorm.DB, cfg Config, persist Persister, logger interface {
	Info(string, ...any)
}) (*Store, error) {
	var rows []userRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("userstore: load users: %w", err)
	}
	store := New(cfg, persist, nil)
	for _, row := range rows {
		store.Add(fromRow(row))
	}
	return store, nil
}

func toRow(u *types.User) userRow {
	ipsJSON, _ := json.Marshal(u.IPs)

	counts := make(map[string]int64, len(u.TokenCounts))
	for f, v := range u.TokenCounts {
		counts[string(f)] = v
	}
	countsJSON, _ := json.Marshal(counts)

	limits := make(map[string]int64, len(u.TokenLimits))
	for f, v := range u.TokenLimits {
		limits[string(f)] = v
	}
	limitsJSON, _ := json.Marshal(limits)

	metaJSON, _ := json.Marshal(u.Meta)

	return userRow{
		Token:          u.Token,
		IPs:            string(ipsJSON),
		Type:           string(u.Type),
		PromptCount:    u.PromptCount,
		TokenCounts:    string(countsJSON),
		TokenLimits:    string(limitsJSON),
		CreatedAt:      u.CreatedAt,
		LastUsedAt:     u.LastUsedAt,
		DisabledAt:     u.DisabledAt,
		DisabledReason: u.DisabledReason,
		ExpiresAt:      u.ExpiresAt,
		MaxIPs:         u.MaxIPs,
		Nickname:       u.Nickname,
		Meta:           string(metaJSON),
	}
}

func fromRow(row userRow) *types.User {
	var ips []string
	_ = json.Unmarshal([]byte(row.IPs), &ips)

	var countsMap map[string]int64
	_ = json.Unmarshal([]byte(row.TokenCounts), &countsMap)
	counts := make(map[types.ModelFamily]int64, len(countsMap))
	for f, v := range countsMap {
		counts[types.ModelFamily(f)] = v
	}

	var limitsMap map[string]int64
	_ = json.Unmarshal([]byte(row.TokenLimits), &limitsMap)
	limits := make(map[types.ModelFamily]int64, len(limitsMap))
	for f, v := range limitsMap {
		limits[types.ModelFamily(f)] = v
	}

	var meta map[string]string
	_ = json.Unmarshal([]byte(row.Meta), &meta)

	return &types.User{
		Token:          row.Token,
		IPs:            ips,
		Type:           types.UserType(row.Type),
		PromptCount:    row.PromptCount,
		TokenCounts:    counts,
		TokenLimits:    limits,
		CreatedAt:      row.CreatedAt,
		LastUsedAt:     row.LastUsedAt,
		DisabledAt:     row.DisabledAt,
		DisabledReason: row.DisabledReason,
		ExpiresAt:      row.ExpiresAt,
		MaxIPs:         row.MaxIPs,
		Nickname:       row.Nickname,
		Meta:           meta,
	}
}
