package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/goleak"
)

const testEmitter = "0x00000000000000000000000000000000000000e1"

type nodeRequest struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers a small subset of JSON-RPC and lets a test drop the connection.
type fakeNode struct {
	server *httptest.Server
	drop   chan struct{}
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	node := &fakeNode{drop: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	node.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		frames := make(chan []byte)
		go func() {
			defer close(frames)
			for {
				_, payload, err := conn.ReadMessage()
				if err != nil {
					return
				}
				select {
				case frames <- payload:
				case <-node.drop:
					return
				}
			}
		}()

		for {
			select {
			case <-node.drop:
				return
			case payload, ok := <-frames:
				if !ok {
					return
				}
				node.answer(conn, payload)
			}
		}
	}))
	return node
}

func (n *fakeNode) url() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http")
}

func (n *fakeNode) answer(conn *websocket.Conn, payload []byte) {
	var request nodeRequest
	if err := sonnet.Unmarshal(payload, &request); err != nil {
		return
	}
	reply := func(result interface{}) {
		encoded, _ := sonnet.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": request.ID, "result": result})
		_ = conn.WriteMessage(websocket.TextMessage, encoded)
	}

	switch request.Method {
	case "eth_blockNumber":
		reply("0x3e8")
	case "eth_getCode":
		var height string
		_ = sonnet.Unmarshal(request.Params[1], &height)
		value, _ := parseQuantity(height)
		if value >= 100 {
			reply("0x6080")
			return
		}
		reply("0x")
	case "eth_getLogs":
		reply([]map[string]interface{}{{
			"address":         strings.ToUpper(testEmitter[:2]) + testEmitter[2:],
			"topics":          []string{"0xAA"},
			"data":            "0x",
			"blockNumber":     "0x64",
			"transactionHash": "0xFEED",
			"logIndex":        "0x2",
		}})
	case "eth_subscribe":
		reply("0xsub1")
		notification, _ := sonnet.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "eth_subscription",
			"params": map[string]interface{}{
				"subscription": "0xsub1",
				"result": map[string]interface{}{
					"address":         testEmitter,
					"topics":          []string{"0xaa"},
					"data":            "0x",
					"blockNumber":     "0x3e9",
					"transactionHash": "0xbeef",
					"logIndex":        "0x0",
				},
			},
		})
		_ = conn.WriteMessage(websocket.TextMessage, notification)
	case "eth_unsubscribe":
		reply(true)
	default:
		encoded, _ := sonnet.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      request.ID,
			"error":   map[string]interface{}{"code": -32601, "message": "method not found"},
		})
		_ = conn.WriteMessage(websocket.TextMessage, encoded)
	}
}

func TestClientCallsAndSubscriptions(t *testing.T) {
	defer goleak.VerifyNone(t)

	node := newFakeNode(t)
	defer node.server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, node.url(), nil)
	require.NoError(t, err)

	head, err := client.BlockNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), head)

	code, err := client.CodeAt(ctx, testEmitter, 99)
	require.NoError(t, err)
	require.Equal(t, "0x", code)
	code, err = client.CodeAt(ctx, testEmitter, 100)
	require.NoError(t, err)
	require.Equal(t, "0x6080", code)

	logs, err := client.FilterLogs(ctx, FilterQuery{Addresses: []string{testEmitter}, Topics: []string{"0xaa"}, FromBlock: 0, ToBlock: 1000})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, testEmitter, logs[0].Address)
	require.Equal(t, uint64(100), logs[0].BlockNumber)
	require.Equal(t, uint64(2), logs[0].LogIndex)
	require.Equal(t, "0xfeed", logs[0].TxHash)

	subscription, err := client.SubscribeLogs(ctx, FilterQuery{Addresses: []string{testEmitter}})
	require.NoError(t, err)
	select {
	case entry := <-subscription.Logs():
		require.Equal(t, uint64(1001), entry.BlockNumber)
	case <-ctx.Done():
		t.Fatalf("notification sent right after the subscribe reply was lost")
	}
	subscription.Unsubscribe()
	require.ErrorIs(t, subscription.Err(), ErrSubscriptionClosed)

	_, err = client.CodeAt(ctx, testEmitter, 1)
	require.NoError(t, err)

	var unknown string
	err = client.call(ctx, &unknown, "eth_chainId")
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32601, rpcErr.Code)

	require.NoError(t, client.Close())
	require.ErrorIs(t, client.Err(), ErrClosed)
	_, err = client.BlockNumber(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestClientSignalsTransportLoss(t *testing.T) {
	defer goleak.VerifyNone(t)

	node := newFakeNode(t)
	defer node.server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, node.url(), nil)
	require.NoError(t, err)
	defer client.Close()

	subscription, err := client.SubscribeLogs(ctx, FilterQuery{Addresses: []string{testEmitter}})
	require.NoError(t, err)
	<-subscription.Logs()

	close(node.drop)

	select {
	case <-client.Done():
	case <-ctx.Done():
		t.Fatalf("client did not report the dropped connection")
	}
	require.Error(t, client.Err())

	for range subscription.Logs() {
	}
	require.Error(t, subscription.Err())
}

func TestParseQuantity(t *testing.T) {
	value, err := parseQuantity("0x1f")
	require.NoError(t, err)
	require.Equal(t, uint64(31), value)

	_, err = parseQuantity("0x")
	require.Error(t, err)

	require.Equal(t, "0x0", formatQuantity(0))
	require.Equal(t, "0x3e8", formatQuantity(1000))
}
