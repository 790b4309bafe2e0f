package chainsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/cupid/internal/chain"
	"github.com/MarcoPoloResearchLab/cupid/internal/checkpoint"
	"github.com/MarcoPoloResearchLab/cupid/internal/events"
	"go.uber.org/zap"
)

// ErrRangeTooLarge reports that the node refused a query window; the caller should shrink it.
var ErrRangeTooLarge = errors.New("chainsync: query range too large")

// Subscription streams live decoded events for one checkpoint key.
type Subscription interface {
	Events() <-chan events.Event
	Err() error
	Unsubscribe()
}

// LogSource is the synchronizer's view of the chain.
type LogSource interface {
	HeadHeight(ctx context.Context) (uint64, error)
	HasCode(ctx context.Context, emitter string, height uint64) (bool, error)
	QueryEvents(ctx context.Context, key checkpoint.Key, from, to uint64) ([]events.Event, error)
	Subscribe(ctx context.Context, key checkpoint.Key) (Subscription, error)
	// Done is closed when the transport fails out of band.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a fresh LogSource for one synchronizer cycle.
type Dialer func(ctx context.Context) (LogSource, error)

// RPCSource adapts a JSON-RPC client into a LogSource, decoding logs at the boundary.
type RPCSource struct {
	client *chain.Client
	codec  *events.Codec
	logger *zap.Logger
}

// NewRPCSource wraps client. Logs the codec cannot decode are logged and dropped.
func NewRPCSource(client *chain.Client, codec *events.Codec, logger *zap.Logger) *RPCSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPCSource{client: client, codec: codec, logger: logger}
}

// NewRPCDialer returns a Dialer that connects to url for every cycle.
func NewRPCDialer(url string, codec *events.Codec, logger *zap.Logger) Dialer {
	return func(ctx context.Context) (LogSource, error) {
		client, err := chain.Dial(ctx, url, logger)
		if err != nil {
			return nil, err
		}
		return NewRPCSource(client, codec, logger), nil
	}
}

func (s *RPCSource) HeadHeight(ctx context.Context) (uint64, error) {
	return s.client.BlockNumber(ctx)
}

func (s *RPCSource) HasCode(ctx context.Context, emitter string, height uint64) (bool, error) {
	code, err := s.client.CodeAt(ctx, emitter, height)
	if err != nil {
		return false, err
	}
	trimmed := strings.TrimPrefix(strings.TrimPrefix(code, "0x"), "0X")
	return trimmed != "", nil
}

func (s *RPCSource) QueryEvents(ctx context.Context, key checkpoint.Key, from, to uint64) ([]events.Event, error) {
	logs, err := s.client.FilterLogs(ctx, chain.FilterQuery{
		Addresses: []string{key.Emitter},
		Topics:    []string{events.Kind(key.Kind).Topic()},
		FromBlock: from,
		ToBlock:   to,
	})
	if err != nil {
		var rpcErr *chain.RPCError
		if errors.As(err, &rpcErr) && isRangeRefusal(rpcErr) {
			return nil, fmt.Errorf("%w: %v", ErrRangeTooLarge, rpcErr)
		}
		return nil, err
	}
	decoded := make([]events.Event, 0, len(logs))
	for _, entry := range logs {
		if entry.Removed {
			continue
		}
		event, err := s.codec.Decode(entry)
		if err != nil {
			s.logger.Warn("log discarded",
				zap.String("emitter", key.Emitter),
				zap.String("event_kind", key.Kind),
				zap.Uint64("block_height", entry.BlockNumber),
				zap.Error(err))
			continue
		}
		decoded = append(decoded, event)
	}
	return decoded, nil
}

// rangeRefusalCode is the JSON-RPC code providers return when a log query spans too much.
const rangeRefusalCode = -32005

var rangeRefusalMessages = []string{
	"query returned more than",
	"block range",
	"range is too large",
	"range too large",
	"response size exceeded",
	"too many blocks",
}

// isRangeRefusal reports whether the node refused a log query because of its span, as opposed
// to rate limits, bad parameters or missing methods.
func isRangeRefusal(rpcErr *chain.RPCError) bool {
	message := strings.ToLower(rpcErr.Message)
	for _, fragment := range rangeRefusalMessages {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return rpcErr.Code == rangeRefusalCode && !strings.Contains(message, "rate")
}

func (s *RPCSource) Subscribe(ctx context.Context, key checkpoint.Key) (Subscription, error) {
	subscription, err := s.client.SubscribeLogs(ctx, chain.FilterQuery{
		Addresses: []string{key.Emitter},
		Topics:    []string{events.Kind(key.Kind).Topic()},
	})
	if err != nil {
		return nil, err
	}
	decoded := &rpcSubscription{
		inner:  subscription,
		events: make(chan events.Event),
		stop:   make(chan struct{}),
	}
	go decoded.forward(s.codec, s.logger, key)
	return decoded, nil
}

func (s *RPCSource) Done() <-chan struct{} {
	return s.client.Done()
}

func (s *RPCSource) Err() error {
	return s.client.Err()
}

func (s *RPCSource) Close() error {
	return s.client.Close()
}

type rpcSubscription struct {
	inner  *chain.Subscription
	events chan events.Event
	stop   chan struct{}
	once   sync.Once
}

func (r *rpcSubscription) forward(codec *events.Codec, logger *zap.Logger, key checkpoint.Key) {
	defer close(r.events)
	for entry := range r.inner.Logs() {
		if entry.Removed {
			continue
		}
		event, err := codec.Decode(entry)
		if err != nil {
			logger.Warn("live log discarded",
				zap.String("emitter", key.Emitter),
				zap.String("event_kind", key.Kind),
				zap.Uint64("block_height", entry.BlockNumber),
				zap.Error(err))
			continue
		}
		select {
		case r.events <- event:
		case <-r.stop:
			return
		}
	}
}

func (r *rpcSubscription) Events() <-chan events.Event {
	return r.events
}

func (r *rpcSubscription) Err() error {
	return r.inner.Err()
}

func (r *rpcSubscription) Unsubscribe() {
	r.once.Do(func() {
		close(r.stop)
		r.inner.Unsubscribe()
	})
}
