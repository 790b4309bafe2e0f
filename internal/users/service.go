package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cupid/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates no user matched the lookup.
	ErrUserNotFound = errors.New("users: user not found")
)

// Reassigner moves rows owned by one user id to another inside tx.
type Reassigner interface {
	ReassignUser(tx *gorm.DB, fromID, toID string) error
}

// ServiceConfig describes the dependencies required for user resolution.
// Reassigners run when a session user adopts a placeholder created on chain for its wallet.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Reassigners []Reassigner
	Logger      *zap.Logger
}

// Service maps session identities and wallet addresses onto canonical users.
type Service struct {
	db          *gorm.DB
	now         func() time.Time
	idProvider  IDProvider
	reassigners []Reassigner
	logger      *zap.Logger
	cache       sync.Map
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          cfg.Database,
		now:         clock,
		idProvider:  idProvider,
		reassigners: append([]Reassigner(nil), cfg.Reassigners...),
		logger:      logger,
		cache:       sync.Map{},
	}, nil
}

// ResolveUserID returns the canonical user id for the provided session claims.
// A user already linked to the claimed wallet keeps its stored id, so users first seen
// on chain are adopted by their first authenticated session.
func (s *Service) ResolveUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	subject := normalize(claims.UserID)
	wallet := NormalizeAddress(claims.WalletAddress)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := subject + "|" + wallet
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			s.touch(ctx, canonicalIdentifier)
			return canonicalIdentifier, nil
		}
	}

	var resolved User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", subject).Take(&resolved).Error
		if err == nil {
			updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
			if email := normalize(claims.Email); email != "" && email != resolved.Email {
				updates["email"] = email
			}
			if display := normalize(claims.DisplayName); display != "" && display != resolved.DisplayName {
				updates["display_name"] = display
			}
			if wallet != "" && resolved.WalletAddress == "" {
				claimed, err := s.claimWallet(tx, resolved.ID, wallet)
				if err != nil {
					return err
				}
				if claimed {
					updates["wallet_address"] = wallet
					resolved.WalletAddress = wallet
				}
			}
			return tx.Model(&User{}).Where("id = ?", resolved.ID).Updates(updates).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if wallet != "" {
			err = tx.Where("wallet_address = ?", wallet).Take(&resolved).Error
			if err == nil {
				return tx.Model(&User{}).Where("id = ?", resolved.ID).Update("last_seen_at", s.now().UTC()).Error
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		resolved = User{
			ID:            subject,
			WalletAddress: wallet,
			Email:         normalize(claims.Email),
			DisplayName:   normalize(claims.DisplayName),
			LastSeenAt:    s.now().UTC(),
		}
		return tx.Create(&resolved).Error
	})
	if err != nil {
		return "", err
	}

	s.cache.Store(cacheKey, resolved.ID)
	return resolved.ID, nil
}

// claimWallet frees wallet for userID. A placeholder holding it is merged into userID and
// deleted. A wallet held by a user who has signed in stays where it is and is not claimed.
func (s *Service) claimWallet(tx *gorm.DB, userID, wallet string) (bool, error) {
	var holder User
	err := tx.Where("wallet_address = ?", wallet).Take(&holder).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !holder.isPlaceholder() {
		s.logger.Warn("wallet already linked to another user, session keeps its own identity",
			zap.String("user_id", userID),
			zap.String("wallet_user_id", holder.ID),
			zap.String("wallet_address", wallet))
		return false, nil
	}

	for _, reassigner := range s.reassigners {
		if err := reassigner.ReassignUser(tx, holder.ID, userID); err != nil {
			return false, fmt.Errorf("users: reassign placeholder %s: %w", holder.ID, err)
		}
	}
	if err := tx.Where("id = ?", holder.ID).Delete(&User{}).Error; err != nil {
		return false, err
	}
	s.forget(holder.ID)
	s.logger.Info("placeholder user adopted by session",
		zap.String("user_id", userID),
		zap.String("placeholder_id", holder.ID),
		zap.String("wallet_address", wallet))
	return true, nil
}

func (s *Service) forget(userID string) {
	s.cache.Range(func(key, value interface{}) bool {
		if value == userID {
			s.cache.Delete(key)
		}
		return true
	})
}

// EnsureWalletUser returns the user linked to the wallet address, creating a placeholder
// user when the address has only been seen on chain.
func (s *Service) EnsureWalletUser(ctx context.Context, address string) (User, error) {
	wallet := NormalizeAddress(address)
	if wallet == "" {
		return User{}, ErrInvalidIdentity
	}

	var existing User
	err := s.db.WithContext(ctx).Where("wallet_address = ?", wallet).Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, err
	}

	identifier, err := s.idProvider.NewID()
	if err != nil {
		return User{}, err
	}
	candidate := User{ID: identifier, WalletAddress: wallet}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:     []clause.Column{{Name: "wallet_address"}},
			TargetWhere: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "wallet_address <> ''"}}},
			DoNothing:   true,
		}).
		Create(&candidate).Error; err != nil {
		return User{}, err
	}

	// a concurrent insert may have won the wallet; read back whichever row holds it
	if err := s.db.WithContext(ctx).Where("wallet_address = ?", wallet).Take(&existing).Error; err != nil {
		return User{}, err
	}
	return existing, nil
}

// FindByID loads a user by canonical id.
func (s *Service) FindByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", normalize(userID)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// FindByWallet loads the user linked to a wallet address.
func (s *Service) FindByWallet(ctx context.Context, address string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("wallet_address = ?", NormalizeAddress(address)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *Service) touch(ctx context.Context, userID string) {
	_ = s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("last_seen_at", s.now().UTC()).Error
}
