package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cupid/internal/auth"
	"github.com/MarcoPoloResearchLab/cupid/internal/chat"
	"github.com/MarcoPoloResearchLab/cupid/internal/events"
	"github.com/MarcoPoloResearchLab/cupid/internal/presence"
	"github.com/MarcoPoloResearchLab/cupid/internal/users"
	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	maxFrameBytes       = 64 << 10
)

var (
	errMissingAuthenticator = errors.New("gateway: authenticator is required")
	errMissingUsers         = errors.New("gateway: user resolver is required")
	errMissingChat          = errors.New("gateway: chat store is required")
	errMissingRegistry      = errors.New("gateway: connection registry is required")
)

// Authenticator validates the credential presented at handshake.
type Authenticator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// UserResolver maps session claims onto a stored user id.
type UserResolver interface {
	ResolveUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// ChatStore is the persisted room and message state the gateway reads and writes.
type ChatStore interface {
	RoomForParticipant(ctx context.Context, roomID, userID string) (chat.Room, error)
	PeersOf(ctx context.Context, userID string) ([]string, error)
	CreateMessage(ctx context.Context, roomID, senderID, content string) (chat.Message, chat.Room, error)
	MarkReceived(ctx context.Context, messageID, userID string) (chat.Message, bool, error)
	MarkRead(ctx context.Context, messageID, userID string) (chat.Message, bool, error)
	MarkAllReceived(ctx context.Context, userID string) ([]chat.Room, error)
	UnreadCount(ctx context.Context, roomID, userID string) (int64, error)
}

// IDProvider issues connection identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type Config struct {
	Authenticator  Authenticator
	Users          UserResolver
	Chat           ChatStore
	Registry       *presence.Registry
	IDProvider     IDProvider
	AllowedOrigins []string
	SendBuffer     int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	Metrics        *Metrics
	Logger         *zap.Logger
}

// Gateway authenticates websocket clients, tracks their presence and delivers room events.
type Gateway struct {
	authenticator Authenticator
	users         UserResolver
	chat          ChatStore
	registry      *presence.Registry
	idProvider    IDProvider
	upgrader      websocket.Upgrader
	sendBuffer    int
	timing        connectionTiming
	metrics       *Metrics
	logger        *zap.Logger
	presenceLocks *userLocks

	mu       sync.Mutex
	sessions map[string]*connection
	closed   bool
	wg       sync.WaitGroup
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	if cfg.Chat == nil {
		return nil, errMissingChat
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = users.NewUUIDProvider()
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	timing := connectionTiming{writeTimeout: cfg.WriteTimeout, pongWait: cfg.PongWait}
	if timing.writeTimeout <= 0 {
		timing.writeTimeout = defaultWriteTimeout
	}
	if timing.pongWait <= 0 {
		timing.pongWait = defaultPongWait
	}
	timing.pingInterval = timing.pongWait * 9 / 10
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Gateway{
		authenticator: cfg.Authenticator,
		users:         cfg.Users,
		chat:          cfg.Chat,
		registry:      cfg.Registry,
		idProvider:    idProvider,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		sendBuffer:    sendBuffer,
		timing:        timing,
		metrics:       metrics,
		logger:        logger,
		presenceLocks: newUserLocks(),
		sessions:      make(map[string]*connection),
	}, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	permitted := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			permitted[strings.ToLower(origin)] = struct{}{}
		}
	}
	if len(permitted) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := permitted[strings.ToLower(origin)]
		return ok
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connectionID, err := g.idProvider.NewID()
	if err != nil {
		g.logger.Error("connection id generation failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	socket.SetReadLimit(maxFrameBytes)

	conn := newConnection(connectionID, socket, g.sendBuffer, g.timing, g.logger)
	writerDone := make(chan struct{})
	go conn.writePump(writerDone)
	defer func() { <-writerDone }()
	defer conn.close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	userID, ok := g.authenticate(ctx, r, conn)
	if !ok {
		return
	}
	conn.userID = userID

	if !g.track(conn) {
		return
	}
	defer g.untrack(conn)

	g.connect(ctx, conn)
	defer g.disconnect(context.WithoutCancel(ctx), conn)

	g.readLoop(ctx, conn)
}

func (g *Gateway) authenticate(ctx context.Context, r *http.Request, conn *connection) (string, bool) {
	token := auth.ExtractToken(r)
	if token == "" {
		g.reject(conn, PushTokenMissing, auth.ErrMissingSessionToken.Error())
		return "", false
	}
	claims, err := g.authenticator.ValidateToken(token)
	if err != nil {
		g.logger.Info("websocket credential rejected", zap.String("connection_id", conn.id), zap.Error(err))
		g.reject(conn, PushInvalidToken, err.Error())
		return "", false
	}
	userID, err := g.users.ResolveUserID(ctx, claims)
	if err != nil {
		g.logger.Warn("websocket user resolution failed", zap.String("connection_id", conn.id), zap.Error(err))
		g.reject(conn, PushInvalidToken, err.Error())
		return "", false
	}
	return userID, true
}

func (g *Gateway) reject(conn *connection, event, message string) {
	g.metrics.rejections.WithLabelValues(event).Inc()
	g.sendTo(conn, event, rejectionPayload{Message: message})
}

func (g *Gateway) track(conn *connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.sessions[conn.id] = conn
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(conn *connection) {
	g.mu.Lock()
	delete(g.sessions, conn.id)
	g.mu.Unlock()
	g.wg.Done()
}

// Shutdown closes every live connection and waits for their handlers to finish.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	sessions := make([]*connection, 0, len(g.sessions))
	for _, conn := range g.sessions {
		sessions = append(sessions, conn)
	}
	g.mu.Unlock()

	for _, conn := range sessions {
		conn.close()
	}
	finished := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect registers the connection, sends the caller its peers' presence and announces the user
// to those peers when this is the first live connection. The user's presence lock is held from
// the registry transition through the broadcast so peers see transitions in registry order.
func (g *Gateway) connect(ctx context.Context, conn *connection) {
	unlock := g.presenceLocks.lock(conn.userID)
	defer unlock()

	first := g.registry.Add(conn.userID, conn.id, conn)
	g.metrics.observeCounts(g.registry.Counts())
	g.logger.Info("websocket connected",
		zap.String("user_id", conn.userID),
		zap.String("connection_id", conn.id),
		zap.Bool("first_connection", first))

	peers, err := g.chat.PeersOf(ctx, conn.userID)
	if err != nil {
		g.logger.Error("relevant peers lookup failed", zap.String("user_id", conn.userID), zap.Error(err))
		peers = nil
	}
	g.sendTo(conn, PushInitialOnlineStatuses, onlineStatusesPayload{OnlineUserIDs: g.registry.Online(peers)})
	if first {
		g.broadcastStatus(peers, conn.userID, true)
	}
}

func (g *Gateway) disconnect(ctx context.Context, conn *connection) {
	conn.unregisterOnce.Do(func() { g.unregister(ctx, conn) })
}

func (g *Gateway) unregister(ctx context.Context, conn *connection) {
	unlock := g.presenceLocks.lock(conn.userID)
	defer unlock()

	last := g.registry.Remove(conn.userID, conn.id)
	g.metrics.observeCounts(g.registry.Counts())
	g.logger.Info("websocket disconnected",
		zap.String("user_id", conn.userID),
		zap.String("connection_id", conn.id),
		zap.Bool("last_connection", last))
	if !last {
		return
	}
	peers, err := g.chat.PeersOf(ctx, conn.userID)
	if err != nil {
		g.logger.Error("relevant peers lookup failed", zap.String("user_id", conn.userID), zap.Error(err))
		return
	}
	g.broadcastStatus(peers, conn.userID, false)
}

func (g *Gateway) broadcastStatus(peers []string, userID string, online bool) {
	frame, err := encodeFrame(PushUserStatus, userStatusPayload{UserID: userID, Online: online})
	if err != nil {
		g.logger.Error("frame encoding failed", zap.String("event", PushUserStatus), zap.Error(err))
		return
	}
	for _, peer := range peers {
		g.pushFrame(peer, PushUserStatus, frame)
	}
}

// pushToUser encodes once and delivers to every live connection of userID.
func (g *Gateway) pushToUser(userID, event string, data interface{}) int {
	frame, err := encodeFrame(event, data)
	if err != nil {
		g.logger.Error("frame encoding failed", zap.String("event", event), zap.Error(err))
		return 0
	}
	return g.pushFrame(userID, event, frame)
}

func (g *Gateway) pushFrame(userID, event string, frame []byte) int {
	delivered := g.registry.SendToUser(userID, frame)
	if delivered > 0 {
		g.metrics.pushes.WithLabelValues(event).Add(float64(delivered))
	}
	return delivered
}

func (g *Gateway) sendTo(conn *connection, event string, data interface{}) {
	frame, err := sonnet.Marshal(outboundFrame{Event: event, Data: data})
	if err != nil {
		g.logger.Error("frame encoding failed", zap.String("event", event), zap.Error(err))
		return
	}
	if conn.Send(frame) {
		g.metrics.pushes.WithLabelValues(event).Inc()
	}
}

// AnnounceMatch pushes the new match to both users if they are online.
func (g *Gateway) AnnounceMatch(_ context.Context, notice events.MatchNotice) {
	g.pushToUser(notice.UserAID, PushNewMatch, matchPayload{
		RoomID:        notice.RoomID,
		WalletAddress: notice.WalletAddress,
		PeerUserID:    notice.UserBID,
		PeerAddress:   notice.AddressB,
	})
	g.pushToUser(notice.UserBID, PushNewMatch, matchPayload{
		RoomID:        notice.RoomID,
		WalletAddress: notice.WalletAddress,
		PeerUserID:    notice.UserAID,
		PeerAddress:   notice.AddressA,
	})
}

// AnnounceLike tells the liked user about the like if they are online.
func (g *Gateway) AnnounceLike(_ context.Context, notice events.LikeNotice) {
	g.pushToUser(notice.TargetUserID, PushNewLike, likePayload{LikerAddress: notice.LikerAddress})
}
