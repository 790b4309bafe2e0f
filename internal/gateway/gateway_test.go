package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cupid/internal/auth"
	"github.com/MarcoPoloResearchLab/cupid/internal/chat"
	"github.com/MarcoPoloResearchLab/cupid/internal/events"
	"github.com/MarcoPoloResearchLab/cupid/internal/presence"
	"github.com/MarcoPoloResearchLab/cupid/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "gateway-test-secret"
	quietPeriod       = 200 * time.Millisecond
	frameTimeout      = 3 * time.Second
)

type gatewayFixture struct {
	server   *httptest.Server
	gateway  *Gateway
	chat     *chat.Service
	registry *presence.Registry
	issuer   *auth.TokenIssuer
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	return newGatewayFixtureWith(t, nil)
}

// newGatewayFixtureWith lets a test wrap the chat store the gateway talks to.
func newGatewayFixtureWith(t *testing.T, wrap func(*chat.Service) ChatStore) *gatewayFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "gateway.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&users.User{}, &chat.Room{}, &chat.Message{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("users service: %v", err)
	}
	chatService, err := chat.NewService(chat.ServiceConfig{Database: db, IDProvider: users.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("chat service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	var store ChatStore = chatService
	if wrap != nil {
		store = wrap(chatService)
	}
	registry := presence.NewRegistry()
	gateway, err := New(Config{
		Authenticator: validator,
		Users:         userService,
		Chat:          store,
		Registry:      registry,
	})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	server := httptest.NewServer(gateway)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gateway.Shutdown(ctx)
		server.Close()
	})

	return &gatewayFixture{
		server:   server,
		gateway:  gateway,
		chat:     chatService,
		registry: registry,
		issuer:   auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)}),
	}
}

func (f *gatewayFixture) room(t *testing.T, userA, userB string) chat.Room {
	t.Helper()
	room, _, err := f.chat.FindOrCreateRoom(context.Background(), userA, userB)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func (f *gatewayFixture) dialRaw(t *testing.T, token string) *testClient {
	t.Helper()
	endpoint := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	if token != "" {
		endpoint += "?token=" + url.QueryEscape(token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client := &testClient{t: t, conn: conn}
	t.Cleanup(client.close)
	return client
}

// connect dials as userID and consumes the initial presence snapshot.
func (f *gatewayFixture) connect(t *testing.T, userID string) (*testClient, []string) {
	t.Helper()
	token, _, err := f.issuer.Issue(auth.SessionClaims{UserID: userID})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	client := f.dialRaw(t, token)
	var snapshot onlineStatusesPayload
	client.expect(PushInitialOnlineStatuses, &snapshot)
	return client, snapshot.OnlineUserIDs
}

type receivedFrame struct {
	Event string          `json:"event"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
	Error *ackError       `json:"error"`
}

type testClient struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []receivedFrame
}

func (c *testClient) close() {
	_ = c.conn.Close()
}

func (c *testClient) send(event, id string, data interface{}) {
	c.t.Helper()
	payload := map[string]interface{}{"event": event, "id": id, "data": data}
	if err := c.conn.WriteJSON(payload); err != nil {
		c.t.Fatalf("write %s: %v", event, err)
	}
}

func (c *testClient) read(timeout time.Duration) (receivedFrame, error) {
	if len(c.pending) > 0 {
		frame := c.pending[0]
		c.pending = c.pending[1:]
		return frame, nil
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return receivedFrame{}, err
	}
	var frame receivedFrame
	err := c.conn.ReadJSON(&frame)
	return frame, err
}

// expect reads until a frame for event arrives, keeping unrelated frames for later reads.
func (c *testClient) expect(event string, target interface{}) receivedFrame {
	c.t.Helper()
	deadline := time.Now().Add(frameTimeout)
	skipped := make([]receivedFrame, 0)
	defer func() { c.pending = append(skipped, c.pending...) }()
	for time.Now().Before(deadline) {
		frame, err := c.read(time.Until(deadline))
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", event, err)
		}
		if frame.Event != event {
			skipped = append(skipped, frame)
			continue
		}
		if target != nil && len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, target); err != nil {
				c.t.Fatalf("decode %s: %v", event, err)
			}
		}
		return frame
	}
	c.t.Fatalf("timed out waiting for %s", event)
	return receivedFrame{}
}

// call sends an operation and waits for its ack.
func (c *testClient) call(event, id string, data interface{}, target interface{}) receivedFrame {
	c.t.Helper()
	c.send(event, id, data)
	deadline := time.Now().Add(frameTimeout)
	skipped := make([]receivedFrame, 0)
	defer func() { c.pending = append(skipped, c.pending...) }()
	for time.Now().Before(deadline) {
		frame, err := c.read(time.Until(deadline))
		if err != nil {
			c.t.Fatalf("waiting for ack of %s: %v", event, err)
		}
		if frame.Event != PushAck || frame.ID != id {
			skipped = append(skipped, frame)
			continue
		}
		if target != nil && frame.Error == nil && len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, target); err != nil {
				c.t.Fatalf("decode ack of %s: %v", event, err)
			}
		}
		return frame
	}
	c.t.Fatalf("timed out waiting for ack of %s", event)
	return receivedFrame{}
}

// expectNone asserts no frame for event arrives within the quiet period.
func (c *testClient) expectNone(event string) {
	c.t.Helper()
	for _, frame := range c.pending {
		if frame.Event == event {
			c.t.Fatalf("unexpected %s frame: %s", event, string(frame.Data))
		}
	}
	deadline := time.Now().Add(quietPeriod)
	for time.Now().Before(deadline) {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			c.t.Fatalf("set deadline: %v", err)
		}
		var frame receivedFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			// the deadline poisons the connection, so tests call expectNone last on a client
			return
		}
		if frame.Event == event {
			c.t.Fatalf("unexpected %s frame: %s", event, string(frame.Data))
		}
		c.pending = append(c.pending, frame)
	}
}

func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(frameTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", message)
}

func TestConnectRejectsMissingAndInvalidTokens(t *testing.T) {
	fixture := newGatewayFixture(t)

	anonymous := fixture.dialRaw(t, "")
	var rejection rejectionPayload
	anonymous.expect(PushTokenMissing, &rejection)
	if rejection.Message == "" {
		t.Fatalf("expected rejection message")
	}
	if _, err := anonymous.read(frameTimeout); err == nil {
		t.Fatalf("expected connection to be closed after tokenMissing")
	}

	forged := fixture.dialRaw(t, "not-a-jwt")
	forged.expect(PushInvalidToken, nil)
	if _, err := forged.read(frameTimeout); err == nil {
		t.Fatalf("expected connection to be closed after invalidToken")
	}

	if users, connections := fixture.registry.Counts(); users != 0 || connections != 0 {
		t.Fatalf("rejected connections must not be registered, got %d/%d", users, connections)
	}
}

func TestPresenceFollowsFirstAndLastConnection(t *testing.T) {
	fixture := newGatewayFixture(t)
	fixture.room(t, "u1", "u2")

	peer, snapshot := fixture.connect(t, "u2")
	if len(snapshot) != 0 {
		t.Fatalf("expected empty snapshot, got %v", snapshot)
	}
	stranger, _ := fixture.connect(t, "u3")

	deviceOne, snapshot := fixture.connect(t, "u1")
	if len(snapshot) != 1 || snapshot[0] != "u2" {
		t.Fatalf("expected u2 online in snapshot, got %v", snapshot)
	}
	var status userStatusPayload
	peer.expect(PushUserStatus, &status)
	if status.UserID != "u1" || !status.Online {
		t.Fatalf("unexpected status %+v", status)
	}

	deviceTwo, _ := fixture.connect(t, "u1")
	deviceOne.close()
	waitFor(t, func() bool { return len(fixture.registry.Connections("u1")) == 1 }, "first device unregistered")
	if !fixture.registry.IsOnline("u1") {
		t.Fatalf("u1 still holds a device")
	}

	deviceTwo.close()
	peer.expect(PushUserStatus, &status)
	if status.UserID != "u1" || status.Online {
		t.Fatalf("expected offline status, got %+v", status)
	}
	if fixture.registry.IsOnline("u1") {
		t.Fatalf("expected u1 removed from registry")
	}

	peer.expectNone(PushUserStatus)
	stranger.expectNone(PushUserStatus)
}

func TestSendMessageReachesOnlyTheOtherParticipant(t *testing.T) {
	fixture := newGatewayFixture(t)
	room := fixture.room(t, "u1", "u2")

	sender, _ := fixture.connect(t, "u1")
	recipient, _ := fixture.connect(t, "u2")
	stranger, _ := fixture.connect(t, "u3")

	var sent messagePayload
	ack := sender.call(OpSendMessage, "m1", sendMessagePayload{RoomID: room.ID, Content: "hi"}, &sent)
	if ack.Error != nil {
		t.Fatalf("send rejected: %+v", ack.Error)
	}
	if sent.ID == "" || sent.Received || sent.Read {
		t.Fatalf("unexpected stored message %+v", sent)
	}

	var pushed newMessagePushPayload
	recipient.expect(PushNewMessage, &pushed)
	if pushed.Message.ID != sent.ID || pushed.Message.Content != "hi" || pushed.UnreadCount != 1 {
		t.Fatalf("unexpected push %+v", pushed)
	}

	var change statusChangePayload
	recipient.call(OpMarkRead, "r1", messageRefPayload{MessageID: sent.ID}, &change)
	if !change.Changed {
		t.Fatalf("expected first read to transition")
	}
	recipient.call(OpMarkRead, "r2", messageRefPayload{MessageID: sent.ID}, &change)
	if change.Changed {
		t.Fatalf("expected repeated read to be a no-op")
	}

	var status messageStatusPayload
	sender.expect(PushMessageStatus, &status)
	if status.MessageID != sent.ID || status.Status != string(chat.MessageStatusRead) {
		t.Fatalf("unexpected status push %+v", status)
	}
	sender.expectNone(PushMessageStatus)
	stranger.expectNone(PushNewMessage)
}

func TestOfflineRecipientKeepsMessagePending(t *testing.T) {
	fixture := newGatewayFixture(t)
	room := fixture.room(t, "u1", "u2")
	sender, _ := fixture.connect(t, "u1")

	ack := sender.call(OpSendMessage, "m1", sendMessagePayload{RoomID: room.ID, Content: "later"}, nil)
	if ack.Error != nil {
		t.Fatalf("send rejected: %+v", ack.Error)
	}
	unread, err := fixture.chat.UnreadCount(context.Background(), room.ID, "u2")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if unread != 1 {
		t.Fatalf("expected message persisted for offline user, got %d", unread)
	}

	recipient, _ := fixture.connect(t, "u2")
	var marked markAllAckPayload
	recipient.call(OpMarkAllReceived, "all", nil, &marked)
	if len(marked.Rooms) != 1 || marked.Rooms[0] != room.ID {
		t.Fatalf("expected room %s marked, got %v", room.ID, marked.Rooms)
	}
	var notice markAllReceivedPayload
	sender.expect(PushMarkAllReceived, &notice)
	if notice.RoomID != room.ID || notice.UserID != "u2" {
		t.Fatalf("unexpected markAllReceived push %+v", notice)
	}
}

func TestRejectionsKeepConnectionOpen(t *testing.T) {
	fixture := newGatewayFixture(t)
	room := fixture.room(t, "u1", "u2")
	outsider, _ := fixture.connect(t, "u3")

	cases := []struct {
		event string
		data  interface{}
		code  string
	}{
		{OpSendMessage, sendMessagePayload{RoomID: room.ID, Content: "hello"}, CodeForbidden},
		{OpJoinRoom, roomPayload{RoomID: room.ID}, CodeForbidden},
		{OpStartTyping, roomPayload{RoomID: "missing"}, CodeNotFound},
		{OpMarkRead, messageRefPayload{MessageID: "missing"}, CodeNotFound},
		{OpSendMessage, map[string]string{"roomId": ""}, CodeInvalidPayload},
		{OpJoinRoom, "not an object", CodeInvalidPayload},
		{"dance", nil, CodeUnknownEvent},
	}
	for index, tc := range cases {
		id := tc.event + "-" + string(rune('a'+index))
		ack := outsider.call(tc.event, id, tc.data, nil)
		if ack.Error == nil || ack.Error.Code != tc.code {
			t.Fatalf("%s: expected %s, got %+v", tc.event, tc.code, ack.Error)
		}
	}

	var alive heartbeatPayload
	outsider.call(OpHeartbeat, "hb", nil, &alive)
	if alive.Status != "alive" {
		t.Fatalf("expected heartbeat ack, got %+v", alive)
	}
}

func TestTypingAndRoomChannels(t *testing.T) {
	fixture := newGatewayFixture(t)
	room := fixture.room(t, "u1", "u2")
	watcher, _ := fixture.connect(t, "u1")
	typist, _ := fixture.connect(t, "u2")

	if ack := watcher.call(OpJoinRoom, "join", roomPayload{RoomID: room.ID}, nil); ack.Error != nil {
		t.Fatalf("join rejected: %+v", ack.Error)
	}

	var delivery deliveryPayload
	typist.call(OpStartTyping, "t1", roomPayload{RoomID: room.ID}, &delivery)
	if !delivery.Delivered {
		t.Fatalf("expected typing to reach online peer")
	}
	var typing typingPayload
	watcher.expect(PushUserTyping, &typing)
	if typing.UserID != "u2" || !typing.Typing || typing.RoomID != room.ID {
		t.Fatalf("unexpected typing push %+v", typing)
	}

	typist.call(OpSendMessage, "m1", sendMessagePayload{RoomID: room.ID, Content: "typed"}, nil)
	var activity roomActivityPayload
	watcher.expect(PushRoomActivity, &activity)
	if activity.RoomID != room.ID || activity.SenderID != "u2" {
		t.Fatalf("unexpected activity %+v", activity)
	}

	var online roomOnlineUsersPayload
	typist.call(OpRoomOnlineUsers, "who", roomPayload{RoomID: room.ID}, &online)
	if len(online.Users) != 2 || !online.Users[0].Online || !online.Users[1].Online {
		t.Fatalf("expected both participants online, got %+v", online)
	}

	watcher.close()
	waitFor(t, func() bool { return !fixture.registry.IsOnline("u1") }, "watcher offline")
	typist.call(OpStopTyping, "t2", roomPayload{RoomID: room.ID}, &delivery)
	if delivery.Delivered {
		t.Fatalf("typing to an offline user must be dropped")
	}
}

func TestAnnouncementsReachOnlineUsers(t *testing.T) {
	fixture := newGatewayFixture(t)
	liked, _ := fixture.connect(t, "u1")

	fixture.gateway.AnnounceMatch(context.Background(), events.MatchNotice{
		RoomID:        "room-1",
		WalletAddress: "0x99",
		UserAID:       "u1",
		UserBID:       "u2",
		AddressA:      "0x11",
		AddressB:      "0x22",
	})
	var match matchPayload
	liked.expect(PushNewMatch, &match)
	if match.PeerUserID != "u2" || match.PeerAddress != "0x22" || match.RoomID != "room-1" {
		t.Fatalf("unexpected match push %+v", match)
	}

	fixture.gateway.AnnounceLike(context.Background(), events.LikeNotice{LikerAddress: "0x22", TargetUserID: "u1"})
	var like likePayload
	liked.expect(PushNewLike, &like)
	if like.LikerAddress != "0x22" {
		t.Fatalf("unexpected like push %+v", like)
	}
}

func TestLogOutClosesConnectionAndAnnouncesOffline(t *testing.T) {
	fixture := newGatewayFixture(t)
	fixture.room(t, "u1", "u2")
	peer, _ := fixture.connect(t, "u2")
	leaving, _ := fixture.connect(t, "u1")
	peer.expect(PushUserStatus, nil)

	var result heartbeatPayload
	leaving.call(OpLogOut, "bye", nil, &result)
	if result.Status != "logged_out" {
		t.Fatalf("unexpected logout ack %+v", result)
	}
	if _, err := leaving.read(frameTimeout); err == nil {
		t.Fatalf("expected connection closed after logout")
	}

	var status userStatusPayload
	peer.expect(PushUserStatus, &status)
	if status.UserID != "u1" || status.Online {
		t.Fatalf("expected offline status, got %+v", status)
	}
	peer.expectNone(PushUserStatus)
}

func TestNewValidatesDependencies(t *testing.T) {
	if _, err := New(Config{}); err != errMissingAuthenticator {
		t.Fatalf("expected missing authenticator, got %v", err)
	}
}

// slowPeersChat delays one peer lookup so a presence broadcast can be overtaken.
type slowPeersChat struct {
	*chat.Service
	slowUser string
	armed    atomic.Bool
	delay    time.Duration
}

func (c *slowPeersChat) PeersOf(ctx context.Context, userID string) ([]string, error) {
	if userID == c.slowUser && c.armed.CompareAndSwap(true, false) {
		time.Sleep(c.delay)
	}
	return c.Service.PeersOf(ctx, userID)
}

func TestReconnectDuringDisconnectKeepsPresenceOrdered(t *testing.T) {
	slow := &slowPeersChat{slowUser: "u1", delay: 300 * time.Millisecond}
	f := newGatewayFixtureWith(t, func(service *chat.Service) ChatStore {
		slow.Service = service
		return slow
	})
	f.room(t, "u1", "u2")

	peer, _ := f.connect(t, "u2")
	firstDevice, _ := f.connect(t, "u1")
	var status userStatusPayload
	peer.expect(PushUserStatus, &status)
	if status.UserID != "u1" || !status.Online {
		t.Fatalf("expected u1 online, got %+v", status)
	}

	slow.armed.Store(true)
	firstDevice.close()
	waitFor(t, func() bool { return !f.registry.IsOnline("u1") }, "u1 offline in registry")
	f.connect(t, "u1")

	peer.expect(PushUserStatus, &status)
	if status.UserID != "u1" || status.Online {
		t.Fatalf("expected offline transition first, got %+v", status)
	}
	peer.expect(PushUserStatus, &status)
	if status.UserID != "u1" || !status.Online {
		t.Fatalf("expected u1 to end online, got %+v", status)
	}
	if !f.registry.IsOnline("u1") {
		t.Fatalf("expected registry to hold u1's second device")
	}
	peer.expectNone(PushUserStatus)
}
