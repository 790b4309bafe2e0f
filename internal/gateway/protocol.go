package gateway

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/cupid/internal/chat"
	"github.com/sugawarayuuta/sonnet"
)

// Client operations.
const (
	OpJoinRoom        = "joinRoom"
	OpLeaveRoom       = "leaveRoom"
	OpSendMessage     = "sendMessage"
	OpStartTyping     = "startTyping"
	OpStopTyping      = "stopTyping"
	OpMarkReceived    = "markReceived"
	OpMarkRead        = "markRead"
	OpMarkAllReceived = "markAllReceived"
	OpRoomOnlineUsers = "roomOnlineUsers"
	OpHeartbeat       = "heartbeat"
	OpLogOut          = "logOut"
)

// Server pushes.
const (
	PushTokenMissing          = "tokenMissing"
	PushInvalidToken          = "invalidToken"
	PushInitialOnlineStatuses = "initialOnlineStatuses"
	PushUserStatus            = "userStatus"
	PushNewMessage            = "newMessage"
	PushUserTyping            = "userTyping"
	PushMessageStatus         = "messageStatus"
	PushMarkAllReceived       = "markAllReceived"
	PushNewMatch              = "newMatchEvent"
	PushNewLike               = "newLike"
	PushRoomActivity          = "roomActivity"
	PushAck                   = "ack"
)

// Ack error codes.
const (
	CodeInvalidPayload = "invalid_payload"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeUnknownEvent   = "unknown_event"
	CodeInternal       = "internal"
)

type inboundFrame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event string      `json:"event"`
	ID    string      `json:"id,omitempty"`
	Data  interface{} `json:"data,omitempty"`
	Error *ackError   `json:"error,omitempty"`
}

type ackError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeFrame(event string, data interface{}) ([]byte, error) {
	return sonnet.Marshal(outboundFrame{Event: event, Data: data})
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type sendMessagePayload struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

type messageRefPayload struct {
	MessageID string `json:"messageId"`
}

type rejectionPayload struct {
	Message string `json:"message"`
}

type onlineStatusesPayload struct {
	OnlineUserIDs []string `json:"onlineUserIds"`
}

type userStatusPayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type messagePayload struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Received  bool      `json:"received"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

func newMessagePayload(message chat.Message) messagePayload {
	return messagePayload{
		ID:        message.ID,
		RoomID:    message.RoomID,
		SenderID:  message.SenderID,
		Content:   message.Content,
		Received:  message.Received,
		Read:      message.Read,
		CreatedAt: message.CreatedAt,
	}
}

type newMessagePushPayload struct {
	Message     messagePayload `json:"message"`
	UnreadCount int64          `json:"unreadCount"`
}

type typingPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

type messageStatusPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	Status    string `json:"status"`
}

type markAllReceivedPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type matchPayload struct {
	RoomID        string `json:"roomId"`
	WalletAddress string `json:"walletAddress"`
	PeerUserID    string `json:"peerUserId"`
	PeerAddress   string `json:"peerAddress"`
}

type likePayload struct {
	LikerAddress string `json:"likerAddress"`
}

type roomActivityPayload struct {
	RoomID    string    `json:"roomId"`
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	At        time.Time `json:"at"`
}

type roomOnlineUser struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type roomOnlineUsersPayload struct {
	RoomID string           `json:"roomId"`
	Users  []roomOnlineUser `json:"users"`
}

type deliveryPayload struct {
	Delivered bool `json:"delivered"`
}

type statusChangePayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Changed   bool   `json:"changed"`
}

type markAllAckPayload struct {
	Rooms []string `json:"rooms"`
}

type heartbeatPayload struct {
	Status string `json:"status"`
}
