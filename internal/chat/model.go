package chat

import "time"

// Room is a pairwise conversation between two users.
// UpdatedAt doubles as the last-activity marker and moves on every message.
type Room struct {
	ID        string    `gorm:"column:id;primaryKey;size:64;not null"`
	UserAID   string    `gorm:"column:user_a_id;size:190;not null;index"`
	UserBID   string    `gorm:"column:user_b_id;size:190;not null;index"`
	PairLow   string    `gorm:"column:pair_low;size:190;not null;uniqueIndex:idx_chat_rooms_pair"`
	PairHigh  string    `gorm:"column:pair_high;size:190;not null;uniqueIndex:idx_chat_rooms_pair"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName exposes the table backing chat rooms.
func (Room) TableName() string {
	return "chat_rooms"
}

// HasParticipant reports whether the user is one of the two room members.
func (r Room) HasParticipant(userID string) bool {
	return userID != "" && (r.UserAID == userID || r.UserBID == userID)
}

// Other returns the participant that is not userID.
func (r Room) Other(userID string) string {
	if r.UserAID == userID {
		return r.UserBID
	}
	return r.UserAID
}

// Participants returns both member ids.
func (r Room) Participants() []string {
	return []string{r.UserAID, r.UserBID}
}

// Message is a chat line inside a room. Received and Read only ever move from false to true.
type Message struct {
	ID        string    `gorm:"column:id;primaryKey;size:64;not null"`
	RoomID    string    `gorm:"column:room_id;size:64;not null;index"`
	SenderID  string    `gorm:"column:sender_id;size:190;not null;index"`
	Content   string    `gorm:"column:content;type:text;not null"`
	Received  bool      `gorm:"column:is_received;not null;default:false"`
	Read      bool      `gorm:"column:is_read;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index"`
}

// TableName exposes the table backing chat messages.
func (Message) TableName() string {
	return "chat_messages"
}

// MessageStatus names a delivery state reported back to the sender.
type MessageStatus string

const (
	MessageStatusReceived MessageStatus = "received"
	MessageStatusRead     MessageStatus = "read"
)

func orderedPair(first, second string) (string, string) {
	if first <= second {
		return first, second
	}
	return second, first
}
