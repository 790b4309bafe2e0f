package events

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ProcessedEvent marks one exact log as applied.
type ProcessedEvent struct {
	Emitter     string    `gorm:"column:emitter;primaryKey;size:64;not null"`
	TxHash      string    `gorm:"column:tx_hash;primaryKey;size:80;not null"`
	LogIndex    uint64    `gorm:"column:log_index;primaryKey;not null"`
	EventKind   string    `gorm:"column:event_kind;size:64;not null"`
	BlockHeight uint64    `gorm:"column:block_height;not null"`
	AppliedAt   time.Time `gorm:"column:applied_at;not null"`
}

func (ProcessedEvent) TableName() string {
	return "processed_events"
}

// LikeRecord is one like between two addresses. At most one row per pair is active.
type LikeRecord struct {
	ID            uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	LikerAddress  string    `gorm:"column:liker_address;size:64;not null;index:idx_likes_pair"`
	TargetAddress string    `gorm:"column:target_address;size:64;not null;index:idx_likes_pair"`
	Active        bool      `gorm:"column:active;not null;index"`
	BlockHeight   uint64    `gorm:"column:block_height;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

func (LikeRecord) TableName() string {
	return "likes"
}

// MatchRecord is the match between an unordered pair of addresses.
type MatchRecord struct {
	ID          uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	AddressA    string    `gorm:"column:address_a;size:64;not null"`
	AddressB    string    `gorm:"column:address_b;size:64;not null"`
	PairLow     string    `gorm:"column:pair_low;size:64;not null;uniqueIndex:idx_matches_pair"`
	PairHigh    string    `gorm:"column:pair_high;size:64;not null;uniqueIndex:idx_matches_pair"`
	Active      bool      `gorm:"column:active;not null"`
	BlockHeight uint64    `gorm:"column:block_height;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

func (MatchRecord) TableName() string {
	return "matches"
}

// WalletLink ties a shared wallet to the two matched users and their chat room.
type WalletLink struct {
	ID            uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	WalletAddress string    `gorm:"column:wallet_address;size:64;not null;uniqueIndex"`
	AddressA      string    `gorm:"column:address_a;size:64;not null"`
	AddressB      string    `gorm:"column:address_b;size:64;not null"`
	UserAID       string    `gorm:"column:user_a_id;size:190;not null"`
	UserBID       string    `gorm:"column:user_b_id;size:190;not null"`
	RoomID        string    `gorm:"column:room_id;size:64;not null"`
	BlockHeight   uint64    `gorm:"column:block_height;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
}

func (WalletLink) TableName() string {
	return "multisig_wallets"
}

// OwnershipRecord is one profile token. At most one token per owner is active.
type OwnershipRecord struct {
	ID                uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Emitter           string    `gorm:"column:emitter;size:64;not null;uniqueIndex:idx_profile_nfts_token"`
	TokenID           string    `gorm:"column:token_id;size:80;not null;uniqueIndex:idx_profile_nfts_token"`
	OwnerAddress      string    `gorm:"column:owner_address;size:64;not null;index"`
	Active            bool      `gorm:"column:active;not null"`
	MintedAtHeight    uint64    `gorm:"column:minted_at_height;not null"`
	ActivatedAtHeight uint64    `gorm:"column:activated_at_height;not null"`
	CreatedAt         time.Time `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time `gorm:"column:updated_at;not null"`
}

func (OwnershipRecord) TableName() string {
	return "profile_nfts"
}

// Models lists every table owned by the event reducers.
func Models() []interface{} {
	return []interface{}{
		&ProcessedEvent{},
		&LikeRecord{},
		&MatchRecord{},
		&WalletLink{},
		&OwnershipRecord{},
	}
}

// WalletLinkReassigner re-points wallet links from one user id to another, for placeholder
// users adopted by a signed-in session.
type WalletLinkReassigner struct{}

func (WalletLinkReassigner) ReassignUser(tx *gorm.DB, fromID, toID string) error {
	if err := tx.Model(&WalletLink{}).Where("user_a_id = ?", fromID).Update("user_a_id", toID).Error; err != nil {
		return fmt.Errorf("events: reassign wallet links: %w", err)
	}
	if err := tx.Model(&WalletLink{}).Where("user_b_id = ?", fromID).Update("user_b_id", toID).Error; err != nil {
		return fmt.Errorf("events: reassign wallet links: %w", err)
	}
	return nil
}
