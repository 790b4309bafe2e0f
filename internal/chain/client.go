package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"
)

const (
	jsonRPCVersion       = "2.0"
	subscriptionMethod   = "eth_subscription"
	defaultWriteTimeout  = 10 * time.Second
	unsubscribeTimeout   = 5 * time.Second
	defaultHandshakeWait = 15 * time.Second
)

var (
	// ErrClosed reports that the client was closed locally.
	ErrClosed = errors.New("chain: client closed")
	// ErrSubscriptionClosed reports that a subscription ended because of Unsubscribe.
	ErrSubscriptionClosed = errors.New("chain: subscription closed")
)

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcMessage struct {
	ID     *uint64          `json:"id,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *RPCError        `json:"error,omitempty"`
	Method string           `json:"method,omitempty"`
	Params *rpcNotification `json:"params,omitempty"`
}

type rpcNotification struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type rpcResponse struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	response chan rpcResponse
	// onResult runs on the read loop before the caller is woken, so state derived from the
	// response is in place before any later frame is dispatched.
	onResult func(json.RawMessage) error
}

// Client speaks Ethereum JSON-RPC over a single websocket connection.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu            sync.Mutex
	pending       map[uint64]*pendingCall
	subscriptions map[string]*Subscription

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial opens a websocket connection to the node and starts the read loop.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: defaultHandshakeWait,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("chain dial %s: %w", url, err)
	}
	return newClient(conn, logger), nil
}

func newClient(conn *websocket.Conn, logger *zap.Logger) *Client {
	client := &Client{
		conn:          conn,
		logger:        logger,
		pending:       make(map[uint64]*pendingCall),
		subscriptions: make(map[string]*Subscription),
		done:          make(chan struct{}),
	}
	go client.readLoop()
	return client
}

// Done is closed when the connection fails or the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the client stopped, or nil while it is healthy.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close terminates the connection and every subscription.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *Client) fail(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		pending := c.pending
		subscriptions := c.subscriptions
		c.pending = make(map[uint64]*pendingCall)
		c.subscriptions = make(map[string]*Subscription)
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()

		for _, call := range pending {
			call.response <- rpcResponse{err: cause}
		}
		for _, subscription := range subscriptions {
			subscription.terminate(cause)
		}
	})
}

func (c *Client) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("chain connection lost", zap.Error(err))
			}
			c.fail(fmt.Errorf("chain read: %w", err))
			return
		}

		var message rpcMessage
		if err := sonnet.Unmarshal(payload, &message); err != nil {
			c.logger.Warn("chain frame discarded", zap.Error(err))
			continue
		}

		if message.Method == subscriptionMethod && message.Params != nil {
			c.dispatchNotification(*message.Params)
			continue
		}
		if message.ID != nil {
			c.dispatchResponse(*message.ID, message)
		}
	}
}

func (c *Client) dispatchResponse(id uint64, message rpcMessage) {
	c.mu.Lock()
	call, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	if message.Error != nil {
		call.response <- rpcResponse{err: message.Error}
		return
	}
	if call.onResult != nil {
		if err := call.onResult(message.Result); err != nil {
			call.response <- rpcResponse{err: err}
			return
		}
	}
	call.response <- rpcResponse{result: message.Result}
}

func (c *Client) dispatchNotification(notification rpcNotification) {
	c.mu.Lock()
	subscription, ok := c.subscriptions[notification.Subscription]
	c.mu.Unlock()
	if !ok {
		return
	}
	var raw rpcLog
	if err := sonnet.Unmarshal(notification.Result, &raw); err != nil {
		c.logger.Warn("chain notification discarded",
			zap.String("subscription", notification.Subscription),
			zap.Error(err))
		return
	}
	entry, err := raw.toLog()
	if err != nil {
		c.logger.Warn("chain notification discarded",
			zap.String("subscription", notification.Subscription),
			zap.Error(err))
		return
	}
	subscription.push(entry)
}

func (c *Client) call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	return c.callWith(ctx, nil, result, method, params...)
}

func (c *Client) callWith(ctx context.Context, onResult func(json.RawMessage) error, result interface{}, method string, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	id := c.nextID.Add(1)
	call := &pendingCall{response: make(chan rpcResponse, 1), onResult: onResult}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = call
	c.mu.Unlock()

	payload, err := sonnet.Marshal(rpcRequest{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return fmt.Errorf("chain encode %s: %w", method, err)
	}
	if err := c.write(payload); err != nil {
		c.forget(id)
		c.fail(fmt.Errorf("chain write: %w", err))
		return err
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case response := <-call.response:
		if response.err != nil {
			return response.err
		}
		if result == nil {
			return nil
		}
		if err := sonnet.Unmarshal(response.result, result); err != nil {
			return fmt.Errorf("chain decode %s: %w", method, err)
		}
		return nil
	}
}

func (c *Client) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// BlockNumber returns the current head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var quantity string
	if err := c.call(ctx, &quantity, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return parseQuantity(quantity)
}

// CodeAt returns the hex-encoded contract code stored at address as of height.
// An address without code yields "0x".
func (c *Client) CodeAt(ctx context.Context, address string, height uint64) (string, error) {
	var code string
	if err := c.call(ctx, &code, "eth_getCode", address, formatQuantity(height)); err != nil {
		return "", err
	}
	return code, nil
}

// FilterLogs returns the logs matching the query within its closed height range.
func (c *Client) FilterLogs(ctx context.Context, query FilterQuery) ([]Log, error) {
	var raw []rpcLog
	if err := c.call(ctx, &raw, "eth_getLogs", query.toArg(true)); err != nil {
		return nil, err
	}
	logs := make([]Log, 0, len(raw))
	for _, entry := range raw {
		converted, err := entry.toLog()
		if err != nil {
			return nil, err
		}
		logs = append(logs, converted)
	}
	return logs, nil
}

// SubscribeLogs opens a live log subscription. Range fields of the query are ignored.
func (c *Client) SubscribeLogs(ctx context.Context, query FilterQuery) (*Subscription, error) {
	var subscription *Subscription
	register := func(result json.RawMessage) error {
		var id string
		if err := sonnet.Unmarshal(result, &id); err != nil {
			return fmt.Errorf("chain decode subscription id: %w", err)
		}
		subscription = newSubscription(c, id)
		c.mu.Lock()
		c.subscriptions[id] = subscription
		c.mu.Unlock()
		return nil
	}
	if err := c.callWith(ctx, register, nil, "eth_subscribe", "logs", query.toArg(false)); err != nil {
		return nil, err
	}
	return subscription, nil
}

func (c *Client) unsubscribe(id string) {
	if !c.dropSubscription(id) {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	var ok bool
	if err := c.call(ctx, &ok, "eth_unsubscribe", id); err != nil {
		c.logger.Debug("chain unsubscribe failed", zap.String("subscription", id), zap.Error(err))
	}
}

func (c *Client) dropSubscription(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[id]; !ok {
		return false
	}
	delete(c.subscriptions, id)
	return true
}
