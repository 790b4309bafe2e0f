package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/cupid/internal/chat"
	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"
)

// opError is an operation failure reported back to the caller in its ack.
type opError struct {
	code    string
	message string
}

func (e *opError) Error() string {
	return e.code + ": " + e.message
}

func invalidPayload(message string) error {
	return &opError{code: CodeInvalidPayload, message: message}
}

type operationHandler func(g *Gateway, ctx context.Context, conn *connection, data []byte) (interface{}, error)

var operations = map[string]operationHandler{
	OpJoinRoom:        (*Gateway).handleJoinRoom,
	OpLeaveRoom:       (*Gateway).handleLeaveRoom,
	OpSendMessage:     (*Gateway).handleSendMessage,
	OpStartTyping:     (*Gateway).handleStartTyping,
	OpStopTyping:      (*Gateway).handleStopTyping,
	OpMarkReceived:    (*Gateway).handleMarkReceived,
	OpMarkRead:        (*Gateway).handleMarkRead,
	OpMarkAllReceived: (*Gateway).handleMarkAllReceived,
	OpRoomOnlineUsers: (*Gateway).handleRoomOnlineUsers,
	OpHeartbeat:       (*Gateway).handleHeartbeat,
	OpLogOut:          (*Gateway).handleLogOut,
}

func (g *Gateway) readLoop(ctx context.Context, conn *connection) {
	conn.armReadDeadline()
	for {
		messageType, payload, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("websocket read failed",
					zap.String("connection_id", conn.id),
					zap.String("user_id", conn.userID),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		g.dispatch(ctx, conn, payload)
	}
}

func (g *Gateway) dispatch(ctx context.Context, conn *connection, payload []byte) {
	var frame inboundFrame
	if err := sonnet.Unmarshal(payload, &frame); err != nil {
		g.ack(conn, "", nil, invalidPayload("frame is not valid json"))
		return
	}
	handler, ok := operations[frame.Event]
	if !ok {
		g.ack(conn, frame.ID, nil, &opError{code: CodeUnknownEvent, message: "unknown event " + frame.Event})
		return
	}
	result, err := handler(g, ctx, conn, frame.Data)
	if err != nil {
		g.logger.Debug("operation rejected",
			zap.String("event", frame.Event),
			zap.String("user_id", conn.userID),
			zap.Error(err))
	}
	g.ack(conn, frame.ID, result, err)
	if frame.Event == OpLogOut && err == nil {
		conn.close()
	}
}

// ack answers frames that carried an id. Failures are acked even without an id so the
// client learns about them.
func (g *Gateway) ack(conn *connection, id string, data interface{}, err error) {
	if err == nil && id == "" {
		return
	}
	frame := outboundFrame{Event: PushAck, ID: id, Data: data}
	if err != nil {
		failure := classify(err)
		frame.Data = nil
		frame.Error = &failure
		g.metrics.rejections.WithLabelValues(failure.Code).Inc()
		if failure.Code == CodeInternal {
			g.logger.Error("operation failed", zap.String("user_id", conn.userID), zap.Error(err))
		}
	}
	encoded, encodeErr := sonnet.Marshal(frame)
	if encodeErr != nil {
		g.logger.Error("frame encoding failed", zap.String("event", PushAck), zap.Error(encodeErr))
		return
	}
	conn.Send(encoded)
}

func classify(err error) ackError {
	var op *opError
	switch {
	case errors.As(err, &op):
		return ackError{Code: op.code, Message: op.message}
	case errors.Is(err, chat.ErrNotParticipant), errors.Is(err, chat.ErrNotRecipient):
		return ackError{Code: CodeForbidden, Message: err.Error()}
	case errors.Is(err, chat.ErrRoomNotFound), errors.Is(err, chat.ErrMessageNotFound):
		return ackError{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, chat.ErrEmptyContent):
		return ackError{Code: CodeInvalidPayload, Message: err.Error()}
	default:
		return ackError{Code: CodeInternal, Message: "internal error"}
	}
}

func decodeRoom(data []byte) (string, error) {
	var payload roomPayload
	if err := sonnet.Unmarshal(data, &payload); err != nil {
		return "", invalidPayload("data must be an object with roomId")
	}
	roomID := strings.TrimSpace(payload.RoomID)
	if roomID == "" {
		return "", invalidPayload("roomId is required")
	}
	return roomID, nil
}

func decodeMessageRef(data []byte) (string, error) {
	var payload messageRefPayload
	if err := sonnet.Unmarshal(data, &payload); err != nil {
		return "", invalidPayload("data must be an object with messageId")
	}
	messageID := strings.TrimSpace(payload.MessageID)
	if messageID == "" {
		return "", invalidPayload("messageId is required")
	}
	return messageID, nil
}

func (g *Gateway) handleJoinRoom(ctx context.Context, conn *connection, data []byte) (interface{}, error) {
	roomID, err := decodeRoom(data)
	if err != nil {
		return nil, err
	}
	room, err := g.chat.RoomForParticipant(ctx, roomID, conn.userID)
	if err != nil {
		return nil, err
	}
	g.registry.JoinRoom(room.ID, conn.userID, conn.id)
	return roomPayload{RoomID: room.ID}, nil
}

func (g *Gateway) handleLeaveRoom(_ context.Context, conn *connection, data []byte) (interface{}, error) {
	roomID, err := decodeRoom(data)
	if err != nil {
		return nil, err
	}
	g.registry.LeaveRoom(roomID, conn.id)
	return roomPayload{RoomID: roomID}, nil
}

func (g *Gateway) handleSendMessage(ctx context.Context, conn *connection, data []byte) (interface{}, error) {
	var payload sendMessagePayload
	if err := sonnet.Unmarshal(data, &payload); err != nil {
		return nil, invalidPayload("data must be an object with roomId and content")
	}
	if strings.TrimSpace(payload.RoomID) == "" {
		return nil, invalidPayload("roomId is required")
	}
	message, room, err := g.chat.CreateMessage(ctx, strings.TrimSpace(payload.RoomID), conn.userID, payload.Content)
	if err != nil {
		return nil, err
	}

	recipient := room.Other(conn.userID)
	if g.registry.IsOnline(recipient) {
		unread, err := g.chat.UnreadCount(ctx, room.ID, recipient)
		if err != nil {
			g.logger.Warn("unread count failed", zap.String("room_id", room.ID), zap.Error(err))
		}
		g.pushToUser(recipient, PushNewMessage, newMessagePushPayload{
			Message:     newMessagePayload(message),
			UnreadCount: unread,
		})
	}

	activity, err := encodeFrame(PushRoomActivity, roomActivityPayload{
		RoomID:    room.ID,
		MessageID: message.ID,
		SenderID:  conn.userID,
		At:        message.CreatedAt,
	})
	if err == nil {
		if delivered := g.registry.SendToRoom(room.ID, activity); delivered > 0 {
			g.metrics.pushes.WithLabelValues(PushRoomActivity).Add(float64(delivered))
		}
	}
	return newMessagePayload(message), nil
}

func (g *Gateway) handleStartTyping(ctx context.Context, conn *connection, data []byte) (interface{}, error) {
	return g.typing(ctx, conn, data, true)
}

func (g *Gateway) handleStopTyping(ctx context.Context, conn *connection, data []byte) (interface{}, error) {
	return g.typing(ctx, conn, data, false)
}

// typing signals are never stored; an offline recipient simply misses them.
func (g *Gateway) typing(ctx context.Context, conn *connection, data []byte, active bool) (interface{}, error) {
	roomID, err := decodeRoom(data)
	if err != nil {
		return nil, err
	}
	room, err := g.chat.RoomForParticipant(ctx, roomID, conn.userID)
	if err != nil {
		return nil, err
	}
	delivered := g.pushToUser(room.Other(conn.userID), PushUserTyping, typingPayload{
		RoomID: room.ID,
		UserID: conn.userID,
		Typing: active,
	})
	return deliveryPayload{Delivered: delivered > 0}, nil
}

func (g *Gateway) handleMarkReceived(ctx context.Context, conn *connection, data []byte) (interface{}, error) {
	return g.markStatus(ctx, conn, data, chat.MessageStatusReceived)
}

func (g *Gateway) handleMarkRead(ctx context.Context, conn *connection, data []byte) (interface{}, error) {
	return g.markStatus(ctx, conn, data, chat.MessageStatusRead)
}

func (g *Gateway) markStatus(ctx context.Context, conn *connection, data []byte, status chat.MessageStatus) (interface{}, error) {
	messageID, err := decodeMessageRef(data)
	if err != nil {
		return nil, err
	}
	mark := g.chat.MarkReceived
	if status == chat.MessageStatusRead {
		mark = g.chat.MarkRead
	}
	message, transitioned, err := mark(ctx, messageID, conn.userID)
	if err != nil {
		return nil, err
	}
	if transitioned {
		g.pushToUser(message.SenderID, PushMessageStatus, messageStatusPayload{
			MessageID: message.ID,
			RoomID:    message.RoomID,
			Status:    string(status),
		})
	}
	return statusChangePayload{MessageID: message.ID, Status: string(status), Changed: transitioned}, nil
}

func (g *Gateway) handleMarkAllReceived(ctx context.Context, conn *connection, _ []byte) (interface{}, error) {
	rooms, err := g.chat.MarkAllReceived(ctx, conn.userID)
	if err != nil {
		return nil, err
	}
	changed := make([]string, 0, len(rooms))
	for _, room := range rooms {
		changed = append(changed, room.ID)
		g.pushToUser(room.Other(conn.userID), PushMarkAllReceived, markAllReceivedPayload{
			RoomID: room.ID,
			UserID: conn.userID,
		})
	}
	return markAllAckPayload{Rooms: changed}, nil
}

func (g *Gateway) handleRoomOnlineUsers(ctx context.Context, conn *connection, data []byte) (interface{}, error) {
	roomID, err := decodeRoom(data)
	if err != nil {
		return nil, err
	}
	room, err := g.chat.RoomForParticipant(ctx, roomID, conn.userID)
	if err != nil {
		return nil, err
	}
	participants := room.Participants()
	statuses := make([]roomOnlineUser, 0, len(participants))
	for _, userID := range participants {
		statuses = append(statuses, roomOnlineUser{UserID: userID, Online: g.registry.IsOnline(userID)})
	}
	return roomOnlineUsersPayload{RoomID: room.ID, Users: statuses}, nil
}

func (g *Gateway) handleHeartbeat(context.Context, *connection, []byte) (interface{}, error) {
	return heartbeatPayload{Status: "alive"}, nil
}

// handleLogOut unregisters the connection right away so peers see the offline transition
// before the socket finishes closing. dispatch closes the connection after the ack.
func (g *Gateway) handleLogOut(ctx context.Context, conn *connection, _ []byte) (interface{}, error) {
	g.disconnect(ctx, conn)
	return heartbeatPayload{Status: "logged_out"}, nil
}
