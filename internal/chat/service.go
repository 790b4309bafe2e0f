package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrNotParticipant  = errors.New("user is not a room participant")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotRecipient    = errors.New("user is not the message recipient")
	ErrEmptyContent    = errors.New("message content is required")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errSelfRoom          = errors.New("a room needs two distinct users")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "chat.service.new"
	opFindRoom         = "chat.find_room"
	opFindOrCreateRoom = "chat.find_or_create_room"
	opPeersOf          = "chat.peers_of"
	opCreateMessage    = "chat.create_message"
	opMarkStatus       = "chat.mark_status"
	opMarkAllReceived  = "chat.mark_all_received"
	opUnreadCount      = "chat.unread_count"
	opReassignUser     = "chat.reassign_user"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for rooms and messages.
type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service persists rooms and messages and answers membership questions for the gateway.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// FindRoom loads a room by id.
func (s *Service) FindRoom(ctx context.Context, roomID string) (Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(roomID)).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, newServiceError(opFindRoom, "not_found", ErrRoomNotFound)
	}
	if err != nil {
		s.logError(opFindRoom, "query_failed", err, zap.String("room_id", roomID))
		return Room{}, newServiceError(opFindRoom, "query_failed", err)
	}
	return room, nil
}

// RoomForParticipant loads a room and verifies userID belongs to it.
func (s *Service) RoomForParticipant(ctx context.Context, roomID, userID string) (Room, error) {
	room, err := s.FindRoom(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	if !room.HasParticipant(userID) {
		return Room{}, newServiceError(opFindRoom, "not_participant", ErrNotParticipant)
	}
	return room, nil
}

// FindOrCreateRoom returns the room between two users, creating it when absent.
// The boolean reports whether this call created the room.
func (s *Service) FindOrCreateRoom(ctx context.Context, userA, userB string) (Room, bool, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return Room{}, false, newServiceError(opFindOrCreateRoom, "missing_user_id", errMissingUserID)
	}
	if userA == userB {
		return Room{}, false, newServiceError(opFindOrCreateRoom, "self_room", errSelfRoom)
	}
	low, high := orderedPair(userA, userB)

	roomID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opFindOrCreateRoom, "id_generation_failed", err)
		return Room{}, false, newServiceError(opFindOrCreateRoom, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	candidate := Room{
		ID:        roomID,
		UserAID:   userA,
		UserBID:   userB,
		PairLow:   low,
		PairHigh:  high,
		CreatedAt: now,
		UpdatedAt: now,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pair_low"}, {Name: "pair_high"}},
			DoNothing: true,
		}).
		Create(&candidate)
	if result.Error != nil {
		s.logError(opFindOrCreateRoom, "insert_failed", result.Error,
			zap.String("user_a_id", userA), zap.String("user_b_id", userB))
		return Room{}, false, newServiceError(opFindOrCreateRoom, "insert_failed", result.Error)
	}

	var room Room
	if err := s.db.WithContext(ctx).
		Where("pair_low = ? AND pair_high = ?", low, high).
		Take(&room).Error; err != nil {
		s.logError(opFindOrCreateRoom, "query_failed", err,
			zap.String("user_a_id", userA), zap.String("user_b_id", userB))
		return Room{}, false, newServiceError(opFindOrCreateRoom, "query_failed", err)
	}
	return room, result.RowsAffected > 0 && room.ID == roomID, nil
}

// RoomsOf lists the rooms the user participates in, most recently active first.
func (s *Service) RoomsOf(ctx context.Context, userID string) ([]Room, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newServiceError(opPeersOf, "missing_user_id", errMissingUserID)
	}
	var rooms []Room
	if err := s.db.WithContext(ctx).
		Where("user_a_id = ? OR user_b_id = ?", userID, userID).
		Order("updated_at DESC").
		Find(&rooms).Error; err != nil {
		s.logError(opPeersOf, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opPeersOf, "query_failed", err)
	}
	return rooms, nil
}

// PeersOf returns the distinct users sharing a room with userID.
func (s *Service) PeersOf(ctx context.Context, userID string) ([]string, error) {
	rooms, err := s.RoomsOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(rooms))
	peers := make([]string, 0, len(rooms))
	for _, room := range rooms {
		other := room.Other(userID)
		if other == "" || other == userID {
			continue
		}
		if _, ok := seen[other]; ok {
			continue
		}
		seen[other] = struct{}{}
		peers = append(peers, other)
	}
	return peers, nil
}

// CreateMessage persists a new unread message and bumps the room's activity marker.
func (s *Service) CreateMessage(ctx context.Context, roomID, senderID, content string) (Message, Room, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, Room{}, newServiceError(opCreateMessage, "empty_content", ErrEmptyContent)
	}
	room, err := s.RoomForParticipant(ctx, roomID, senderID)
	if err != nil {
		return Message{}, Room{}, err
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateMessage, "id_generation_failed", err)
		return Message{}, Room{}, newServiceError(opCreateMessage, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	message := Message{
		ID:        messageID,
		RoomID:    room.ID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			s.logError(opCreateMessage, "insert_failed", err,
				zap.String("room_id", room.ID), zap.String("user_id", senderID))
			return newServiceError(opCreateMessage, "insert_failed", err)
		}
		if err := tx.Model(&Room{}).Where("id = ?", room.ID).Update("updated_at", now).Error; err != nil {
			s.logError(opCreateMessage, "room_touch_failed", err, zap.String("room_id", room.ID))
			return newServiceError(opCreateMessage, "room_touch_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Message{}, Room{}, txErr
	}
	room.UpdatedAt = now
	return message, room, nil
}

// MarkReceived flags a message as received by its recipient.
// The boolean reports whether the flag transitioned from false to true on this call.
func (s *Service) MarkReceived(ctx context.Context, messageID, userID string) (Message, bool, error) {
	return s.markStatus(ctx, messageID, userID, MessageStatusReceived)
}

// MarkRead flags a message as read. The received flag is tracked separately.
func (s *Service) MarkRead(ctx context.Context, messageID, userID string) (Message, bool, error) {
	return s.markStatus(ctx, messageID, userID, MessageStatusRead)
}

func (s *Service) markStatus(ctx context.Context, messageID, userID string, status MessageStatus) (Message, bool, error) {
	var message Message
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(messageID)).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, false, newServiceError(opMarkStatus, "not_found", ErrMessageNotFound)
	}
	if err != nil {
		s.logError(opMarkStatus, "query_failed", err, zap.String("message_id", messageID))
		return Message{}, false, newServiceError(opMarkStatus, "query_failed", err)
	}

	room, err := s.FindRoom(ctx, message.RoomID)
	if err != nil {
		return Message{}, false, err
	}
	if message.SenderID == userID || !room.HasParticipant(userID) {
		return Message{}, false, newServiceError(opMarkStatus, "not_recipient", ErrNotRecipient)
	}

	column := "is_received"
	if status == MessageStatusRead {
		column = "is_read"
	}
	// the guard on the flag makes the transition observable exactly once
	result := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ? AND "+column+" = ?", message.ID, false).
		Update(column, true)
	if result.Error != nil {
		s.logError(opMarkStatus, "update_failed", result.Error,
			zap.String("message_id", message.ID), zap.String("status", string(status)))
		return Message{}, false, newServiceError(opMarkStatus, "update_failed", result.Error)
	}

	if status == MessageStatusRead {
		message.Read = true
	} else {
		message.Received = true
	}
	return message, result.RowsAffected > 0, nil
}

// MarkAllReceived flags every message addressed to userID as received and returns the ids of
// the rooms in which at least one message transitioned.
func (s *Service) MarkAllReceived(ctx context.Context, userID string) ([]Room, error) {
	rooms, err := s.RoomsOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	changed := make([]Room, 0, len(rooms))
	for _, room := range rooms {
		result := s.db.WithContext(ctx).
			Model(&Message{}).
			Where("room_id = ? AND sender_id <> ? AND is_received = ?", room.ID, userID, false).
			Update("is_received", true)
		if result.Error != nil {
			s.logError(opMarkAllReceived, "update_failed", result.Error,
				zap.String("room_id", room.ID), zap.String("user_id", userID))
			return nil, newServiceError(opMarkAllReceived, "update_failed", result.Error)
		}
		if result.RowsAffected > 0 {
			changed = append(changed, room)
		}
	}
	return changed, nil
}

// UnreadCount counts messages in the room that userID has not read yet.
func (s *Service) UnreadCount(ctx context.Context, roomID, userID string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("room_id = ? AND sender_id <> ? AND is_read = ?", roomID, userID, false).
		Count(&count).Error; err != nil {
		s.logError(opUnreadCount, "query_failed", err,
			zap.String("room_id", roomID), zap.String("user_id", userID))
		return 0, newServiceError(opUnreadCount, "query_failed", err)
	}
	return count, nil
}

// ReassignUser moves fromID's rooms and messages to toID inside tx. A room that would duplicate
// one toID already shares with the same peer is folded into it. A room between the two ids is dropped.
func (s *Service) ReassignUser(tx *gorm.DB, fromID, toID string) error {
	fromID = strings.TrimSpace(fromID)
	toID = strings.TrimSpace(toID)
	if fromID == "" || toID == "" {
		return newServiceError(opReassignUser, "missing_user_id", errMissingUserID)
	}
	if fromID == toID {
		return nil
	}

	var rooms []Room
	if err := tx.Where("user_a_id = ? OR user_b_id = ?", fromID, fromID).Find(&rooms).Error; err != nil {
		return newServiceError(opReassignUser, "query_failed", err)
	}
	for _, room := range rooms {
		peer := room.Other(fromID)
		if peer == toID {
			if err := tx.Where("room_id = ?", room.ID).Delete(&Message{}).Error; err != nil {
				return newServiceError(opReassignUser, "delete_failed", err)
			}
			if err := tx.Where("id = ?", room.ID).Delete(&Room{}).Error; err != nil {
				return newServiceError(opReassignUser, "delete_failed", err)
			}
			continue
		}

		low, high := orderedPair(toID, peer)
		var existing Room
		err := tx.Where("pair_low = ? AND pair_high = ?", low, high).Take(&existing).Error
		switch {
		case err == nil:
			if err := tx.Model(&Message{}).Where("room_id = ?", room.ID).Update("room_id", existing.ID).Error; err != nil {
				return newServiceError(opReassignUser, "update_failed", err)
			}
			if err := tx.Where("id = ?", room.ID).Delete(&Room{}).Error; err != nil {
				return newServiceError(opReassignUser, "delete_failed", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			updates := map[string]interface{}{"pair_low": low, "pair_high": high}
			if room.UserAID == fromID {
				updates["user_a_id"] = toID
			} else {
				updates["user_b_id"] = toID
			}
			if err := tx.Model(&Room{}).Where("id = ?", room.ID).Updates(updates).Error; err != nil {
				return newServiceError(opReassignUser, "update_failed", err)
			}
		default:
			return newServiceError(opReassignUser, "query_failed", err)
		}
	}

	if err := tx.Model(&Message{}).Where("sender_id = ?", fromID).Update("sender_id", toID).Error; err != nil {
		return newServiceError(opReassignUser, "update_failed", err)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("chat service error", attrs...)
}
