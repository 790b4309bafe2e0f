package users

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is a chat participant, keyed by a canonical id and linked to at most one wallet address.
// Users without a wallet keep an empty address, which the partial unique index ignores.
type User struct {
	ID            string    `gorm:"column:id;primaryKey;size:190;not null"`
	WalletAddress string    `gorm:"column:wallet_address;size:64;uniqueIndex:idx_users_wallet_address,where:wallet_address <> ''"`
	Email         string    `gorm:"column:email;size:320"`
	DisplayName   string    `gorm:"column:display_name;size:320"`
	LastSeenAt    time.Time `gorm:"column:last_seen_at"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// isPlaceholder reports whether the user was only ever seen on chain.
func (u User) isPlaceholder() bool {
	return u.LastSeenAt.IsZero() && u.Email == "" && u.DisplayName == ""
}

// IDProvider issues identifiers for users created from on-chain addresses.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NormalizeAddress lowercases and trims a hex wallet address.
func NormalizeAddress(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
