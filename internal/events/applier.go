package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cupid/internal/chat"
	"github.com/MarcoPoloResearchLab/cupid/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("events: database handle is required")
	errMissingUsers      = errors.New("events: user resolver is required")
	errMissingRooms      = errors.New("events: room opener is required")
	errAlreadyProcessed  = errors.New("events: log already processed")
	errUnsupportedEvent  = errors.New("events: unsupported event")
	errSelfWalletPairing = errors.New("events: wallet links an address to itself")
)

// WalletUsers maps chain addresses to users.
type WalletUsers interface {
	EnsureWalletUser(ctx context.Context, address string) (users.User, error)
	FindByWallet(ctx context.Context, address string) (users.User, error)
}

// RoomOpener creates the chat room for a matched pair.
type RoomOpener interface {
	FindOrCreateRoom(ctx context.Context, userA, userB string) (chat.Room, bool, error)
}

// MatchNotice describes a newly linked pair.
type MatchNotice struct {
	RoomID        string
	WalletAddress string
	UserAID       string
	UserBID       string
	AddressA      string
	AddressB      string
}

// LikeNotice describes a like addressed to a known user.
type LikeNotice struct {
	LikerAddress  string
	TargetAddress string
	TargetUserID  string
}

// Announcer pushes reducer outcomes to connected users. Calls must not block.
type Announcer interface {
	AnnounceMatch(ctx context.Context, notice MatchNotice)
	AnnounceLike(ctx context.Context, notice LikeNotice)
}

type noopAnnouncer struct{}

func (noopAnnouncer) AnnounceMatch(context.Context, MatchNotice) {}
func (noopAnnouncer) AnnounceLike(context.Context, LikeNotice)   {}

// ApplierConfig wires the reducers to storage and to the gateway.
type ApplierConfig struct {
	Database  *gorm.DB
	Users     WalletUsers
	Rooms     RoomOpener
	Announcer Announcer
	Clock     func() time.Time
	Logger    *zap.Logger
}

// BatchResult counts the outcome of applying a batch.
type BatchResult struct {
	Applied int
	Skipped int
	Failed  int
}

// Add merges another result into r.
func (r *BatchResult) Add(other BatchResult) {
	r.Applied += other.Applied
	r.Skipped += other.Skipped
	r.Failed += other.Failed
}

// Applier runs the idempotent reducers for decoded events.
type Applier struct {
	db        *gorm.DB
	users     WalletUsers
	rooms     RoomOpener
	announcer Announcer
	clock     func() time.Time
	logger    *zap.Logger
}

// NewApplier validates dependencies and constructs an Applier.
func NewApplier(cfg ApplierConfig) (*Applier, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	if cfg.Rooms == nil {
		return nil, errMissingRooms
	}
	announcer := cfg.Announcer
	if announcer == nil {
		announcer = noopAnnouncer{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{
		db:        cfg.Database,
		users:     cfg.Users,
		rooms:     cfg.Rooms,
		announcer: announcer,
		clock:     clock,
		logger:    logger,
	}, nil
}

// ApplyBatch applies events in order. A failing event is logged and counted and does not stop
// the batch. Ownership activations are collapsed first so each owner keeps only its latest one.
func (a *Applier) ApplyBatch(ctx context.Context, batch []Event) BatchResult {
	collapsed, superseded := collapseOwnershipChanges(batch)
	result := BatchResult{Skipped: superseded}
	for _, event := range collapsed {
		applied, err := a.apply(ctx, event)
		if err != nil {
			meta := event.Metadata()
			a.logger.Error("event apply failed",
				zap.String("emitter", meta.Emitter),
				zap.String("event_kind", meta.Kind.String()),
				zap.Uint64("block_height", meta.BlockHeight),
				zap.String("tx_hash", meta.TxHash),
				zap.Uint64("log_index", meta.LogIndex),
				zap.Error(err))
			result.Failed++
			continue
		}
		if applied {
			result.Applied++
		} else {
			result.Skipped++
		}
	}
	return result
}

func (a *Applier) apply(ctx context.Context, event Event) (bool, error) {
	switch e := event.(type) {
	case Like:
		return a.inTransaction(ctx, e.Meta, func(tx *gorm.DB) error {
			return a.reduceLike(tx, e)
		}, func() {
			a.announceLike(ctx, e)
		})
	case Unlike:
		return a.inTransaction(ctx, e.Meta, func(tx *gorm.DB) error {
			return a.reduceUnlike(tx, e)
		}, nil)
	case Match:
		return a.inTransaction(ctx, e.Meta, func(tx *gorm.DB) error {
			return a.reduceMatch(tx, e)
		}, nil)
	case WalletCreated:
		return a.applyWalletCreated(ctx, e)
	case OwnershipMinted:
		return a.inTransaction(ctx, e.Meta, func(tx *gorm.DB) error {
			return a.reduceOwnership(tx, e.Meta, e.Owner, e.TokenID, true)
		}, nil)
	case ActiveOwnershipChanged:
		return a.inTransaction(ctx, e.Meta, func(tx *gorm.DB) error {
			return a.reduceOwnership(tx, e.Meta, e.Owner, e.TokenID, false)
		}, nil)
	default:
		return false, fmt.Errorf("%w: %T", errUnsupportedEvent, event)
	}
}

// inTransaction records the log in the processed ledger and runs reduce in one transaction.
// after runs only when this call applied the log.
func (a *Applier) inTransaction(ctx context.Context, meta Meta, reduce func(*gorm.DB) error, after func()) (bool, error) {
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		marker := ProcessedEvent{
			Emitter:     meta.Emitter,
			TxHash:      meta.TxHash,
			LogIndex:    meta.LogIndex,
			EventKind:   meta.Kind.String(),
			BlockHeight: meta.BlockHeight,
			AppliedAt:   a.clock().UTC(),
		}
		inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker)
		if inserted.Error != nil {
			return inserted.Error
		}
		if inserted.RowsAffected == 0 {
			return errAlreadyProcessed
		}
		return reduce(tx)
	})
	if errors.Is(err, errAlreadyProcessed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if after != nil {
		after()
	}
	return true, nil
}

func (a *Applier) reduceLike(tx *gorm.DB, e Like) error {
	now := a.clock().UTC()
	if err := tx.Model(&LikeRecord{}).
		Where("liker_address = ? AND target_address = ? AND active = ?", e.Liker, e.Target, true).
		Updates(map[string]interface{}{"active": false, "updated_at": now}).Error; err != nil {
		return err
	}
	return tx.Create(&LikeRecord{
		LikerAddress:  e.Liker,
		TargetAddress: e.Target,
		Active:        true,
		BlockHeight:   e.BlockHeight,
		CreatedAt:     now,
		UpdatedAt:     now,
	}).Error
}

func (a *Applier) reduceUnlike(tx *gorm.DB, e Unlike) error {
	return tx.Model(&LikeRecord{}).
		Where("liker_address = ? AND target_address = ? AND active = ?", e.Liker, e.Target, true).
		Updates(map[string]interface{}{"active": false, "updated_at": a.clock().UTC()}).Error
}

func (a *Applier) reduceMatch(tx *gorm.DB, e Match) error {
	now := a.clock().UTC()
	low, high := orderedPair(e.UserA, e.UserB)
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "pair_low"}, {Name: "pair_high"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"active":     true,
			"updated_at": now,
		}),
	}).Create(&MatchRecord{
		AddressA:    e.UserA,
		AddressB:    e.UserB,
		PairLow:     low,
		PairHigh:    high,
		Active:      true,
		BlockHeight: e.BlockHeight,
		CreatedAt:   now,
		UpdatedAt:   now,
	}).Error
}

// applyWalletCreated resolves users and the room before the ledger transaction. Both steps
// are idempotent, and the store may allow only one open connection.
func (a *Applier) applyWalletCreated(ctx context.Context, e WalletCreated) (bool, error) {
	if e.UserA == e.UserB {
		return false, errSelfWalletPairing
	}
	userA, err := a.users.EnsureWalletUser(ctx, e.UserA)
	if err != nil {
		return false, fmt.Errorf("resolve user %s: %w", e.UserA, err)
	}
	userB, err := a.users.EnsureWalletUser(ctx, e.UserB)
	if err != nil {
		return false, fmt.Errorf("resolve user %s: %w", e.UserB, err)
	}
	room, _, err := a.rooms.FindOrCreateRoom(ctx, userA.ID, userB.ID)
	if err != nil {
		return false, fmt.Errorf("open room: %w", err)
	}

	linked := false
	applied, err := a.inTransaction(ctx, e.Meta, func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "wallet_address"}},
			DoNothing: true,
		}).Create(&WalletLink{
			WalletAddress: e.Wallet,
			AddressA:      e.UserA,
			AddressB:      e.UserB,
			UserAID:       userA.ID,
			UserBID:       userB.ID,
			RoomID:        room.ID,
			BlockHeight:   e.BlockHeight,
			CreatedAt:     a.clock().UTC(),
		})
		if result.Error != nil {
			return result.Error
		}
		linked = result.RowsAffected > 0
		return nil
	}, func() {
		if linked {
			a.announcer.AnnounceMatch(ctx, MatchNotice{
				RoomID:        room.ID,
				WalletAddress: e.Wallet,
				UserAID:       userA.ID,
				UserBID:       userB.ID,
				AddressA:      e.UserA,
				AddressB:      e.UserB,
			})
		}
	})
	return applied, err
}

// reduceOwnership activates tokenID for owner unless the owner already has a token activated
// at a later height. A stale mint still records the token, inactive.
func (a *Applier) reduceOwnership(tx *gorm.DB, meta Meta, owner, tokenID string, minted bool) error {
	now := a.clock().UTC()

	var current OwnershipRecord
	err := tx.Where("owner_address = ? AND active = ?", owner, true).
		Order("activated_at_height DESC").
		Take(&current).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	stale := err == nil && current.ActivatedAtHeight > meta.BlockHeight
	if stale && !minted {
		a.logger.Debug("stale ownership activation ignored",
			zap.String("owner", owner),
			zap.String("token_id", tokenID),
			zap.Uint64("block_height", meta.BlockHeight),
			zap.Uint64("active_height", current.ActivatedAtHeight))
		return nil
	}

	if !stale {
		if err := tx.Model(&OwnershipRecord{}).
			Where("owner_address = ? AND active = ?", owner, true).
			Updates(map[string]interface{}{"active": false, "updated_at": now}).Error; err != nil {
			return err
		}
	}

	record := OwnershipRecord{
		Emitter:      meta.Emitter,
		TokenID:      tokenID,
		OwnerAddress: owner,
		Active:       !stale,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	assignments := map[string]interface{}{
		"owner_address": owner,
		"updated_at":    now,
	}
	if minted {
		record.MintedAtHeight = meta.BlockHeight
		assignments["minted_at_height"] = meta.BlockHeight
	}
	if !stale {
		record.ActivatedAtHeight = meta.BlockHeight
		assignments["active"] = true
		assignments["activated_at_height"] = meta.BlockHeight
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "emitter"}, {Name: "token_id"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&record).Error
}

func (a *Applier) announceLike(ctx context.Context, e Like) {
	target, err := a.users.FindByWallet(ctx, e.Target)
	if err != nil {
		if !errors.Is(err, users.ErrUserNotFound) {
			a.logger.Warn("like announcement skipped", zap.String("target", e.Target), zap.Error(err))
		}
		return
	}
	a.announcer.AnnounceLike(ctx, LikeNotice{
		LikerAddress:  e.Liker,
		TargetAddress: e.Target,
		TargetUserID:  target.ID,
	})
}

// collapseOwnershipChanges keeps, per owner, only the activation with the highest block height
// (ties go to the later log index). The kept event stays at its original position.
func collapseOwnershipChanges(batch []Event) ([]Event, int) {
	winners := make(map[string]int)
	for index, event := range batch {
		change, ok := event.(ActiveOwnershipChanged)
		if !ok {
			continue
		}
		key := change.Emitter + "|" + change.Owner
		previous, seen := winners[key]
		if !seen || supersedes(change, batch[previous].(ActiveOwnershipChanged)) {
			winners[key] = index
		}
	}
	if len(winners) == 0 {
		return batch, 0
	}

	kept := make([]Event, 0, len(batch))
	dropped := 0
	for index, event := range batch {
		if change, ok := event.(ActiveOwnershipChanged); ok && winners[change.Emitter+"|"+change.Owner] != index {
			dropped++
			continue
		}
		kept = append(kept, event)
	}
	return kept, dropped
}

func supersedes(candidate, current ActiveOwnershipChanged) bool {
	if candidate.BlockHeight != current.BlockHeight {
		return candidate.BlockHeight > current.BlockHeight
	}
	return candidate.LogIndex >= current.LogIndex
}

func orderedPair(first, second string) (string, string) {
	if first <= second {
		return first, second
	}
	return second, first
}
