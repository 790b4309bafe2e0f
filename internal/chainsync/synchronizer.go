package chainsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/cupid/internal/checkpoint"
	"github.com/MarcoPoloResearchLab/cupid/internal/events"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize    = 500
	defaultConcurrency  = 4
	defaultRetryInitial = 2 * time.Second
	defaultRetryMax     = time.Minute
)

var (
	// ErrTransport reports that the log source failed and the cycle must restart.
	ErrTransport = errors.New("chainsync: transport failure")

	errMissingStore   = errors.New("chainsync: checkpoint store is required")
	errMissingApplier = errors.New("chainsync: applier is required")
	errMissingDialer  = errors.New("chainsync: dialer is required")
	errNoBindings     = errors.New("chainsync: at least one emitter binding is required")
)

// CheckpointStore persists per-key progress.
type CheckpointStore interface {
	Get(ctx context.Context, key checkpoint.Key) (uint64, bool, error)
	Upsert(ctx context.Context, key checkpoint.Key, height uint64) error
	CountAll(ctx context.Context) (int64, error)
}

// BatchApplier runs the reducers for a batch of decoded events.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, batch []events.Event) events.BatchResult
}

// Config wires a Synchronizer.
type Config struct {
	Store        CheckpointStore
	Applier      BatchApplier
	Dial         Dialer
	Bindings     []events.Binding
	BatchSize    uint64
	Lookback     uint64
	Concurrency  int
	RetryInitial time.Duration
	RetryMax     time.Duration
	Metrics      *Metrics
	Logger       *zap.Logger
}

// Status is a point-in-time view of the synchronizer.
type Status struct {
	State     State
	LastHead  uint64
	Cycles    uint64
	LastError string
	LiveSince time.Time
}

// Synchronizer tracks the configured emitters into local state.
type Synchronizer struct {
	store        CheckpointStore
	applier      BatchApplier
	dial         Dialer
	bindings     []events.Binding
	keys         []checkpoint.Key
	batchSize    uint64
	lookback     uint64
	concurrency  int
	retryInitial time.Duration
	retryMax     time.Duration
	metrics      *Metrics
	logger       *zap.Logger

	state  atomic.Int32
	cycles atomic.Uint64

	statusMu  sync.Mutex
	lastHead  uint64
	lastError string
	liveSince time.Time
}

// New validates cfg and builds a Synchronizer.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	if cfg.Dial == nil {
		return nil, errMissingDialer
	}
	keys := make([]checkpoint.Key, 0)
	bindings := make([]events.Binding, 0, len(cfg.Bindings))
	for _, binding := range cfg.Bindings {
		if binding.Emitter == "" || len(binding.Kinds) == 0 {
			continue
		}
		bindings = append(bindings, binding)
		for _, kind := range binding.Kinds {
			keys = append(keys, checkpoint.Key{Emitter: binding.Emitter, Kind: kind.String()})
		}
	}
	if len(keys) == 0 {
		return nil, errNoBindings
	}

	synchronizer := &Synchronizer{
		store:        cfg.Store,
		applier:      cfg.Applier,
		dial:         cfg.Dial,
		bindings:     bindings,
		keys:         keys,
		batchSize:    cfg.BatchSize,
		lookback:     cfg.Lookback,
		concurrency:  cfg.Concurrency,
		retryInitial: cfg.RetryInitial,
		retryMax:     cfg.RetryMax,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
	if synchronizer.batchSize == 0 {
		synchronizer.batchSize = defaultBatchSize
	}
	if synchronizer.concurrency <= 0 {
		synchronizer.concurrency = defaultConcurrency
	}
	if synchronizer.retryInitial <= 0 {
		synchronizer.retryInitial = defaultRetryInitial
	}
	if synchronizer.retryMax <= 0 {
		synchronizer.retryMax = defaultRetryMax
	}
	if synchronizer.metrics == nil {
		synchronizer.metrics = NewMetrics(nil)
	}
	if synchronizer.logger == nil {
		synchronizer.logger = zap.NewNop()
	}
	return synchronizer, nil
}

// State returns the current lifecycle stage.
func (s *Synchronizer) State() State {
	return State(s.state.Load())
}

// Keys returns the checkpoint keys tracked by the synchronizer.
func (s *Synchronizer) Keys() []checkpoint.Key {
	return append([]checkpoint.Key(nil), s.keys...)
}

// Status reports the current state and the last observed head.
func (s *Synchronizer) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return Status{
		State:     s.State(),
		LastHead:  s.lastHead,
		Cycles:    s.cycles.Load(),
		LastError: s.lastError,
		LiveSince: s.liveSince,
	}
}

func (s *Synchronizer) setState(state State) {
	s.state.Store(int32(state))
	s.metrics.state.Set(float64(state))
	if state == StateLive {
		s.statusMu.Lock()
		s.liveSince = time.Now().UTC()
		s.statusMu.Unlock()
	}
	s.logger.Debug("synchronizer state changed", zap.String("state", state.String()))
}

// Run supervises synchronizer cycles until ctx is cancelled. A cycle that ends for any reason
// other than cancellation is restarted after an exponential delay, reset once a cycle reaches Live.
func (s *Synchronizer) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.retryInitial
	retry.MaxInterval = s.retryMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		reachedLive, err := s.RunCycle(ctx)
		s.setState(StateUninitialized)
		if ctx.Err() != nil {
			return nil
		}
		if reachedLive {
			retry.Reset()
		}
		delay := retry.NextBackOff()

		s.statusMu.Lock()
		if err != nil {
			s.lastError = err.Error()
		}
		s.statusMu.Unlock()
		s.metrics.restarts.Inc()
		s.logger.Warn("synchronizer cycle ended, restarting",
			zap.Error(err),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// RunCycle runs Bootstrap, CatchUp and Live once on a fresh source. It returns when the source
// fails or ctx is cancelled, reporting whether the cycle reached Live.
func (s *Synchronizer) RunCycle(ctx context.Context) (bool, error) {
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cycles.Add(1)

	s.setState(StateBootstrapping)
	source, err := s.dial(cycleCtx)
	if err != nil {
		return false, fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}
	defer func() {
		s.setState(StateClosing)
		if closeErr := source.Close(); closeErr != nil {
			s.logger.Debug("log source close failed", zap.Error(closeErr))
		}
	}()

	head, err := source.HeadHeight(cycleCtx)
	if err != nil {
		return false, fmt.Errorf("%w: head height: %v", ErrTransport, err)
	}
	s.observeHead(head)

	if err := s.bootstrap(cycleCtx, source, head); err != nil {
		return false, err
	}

	s.setState(StateCatchingUp)
	if err := s.catchUp(cycleCtx, source, head); err != nil {
		return false, err
	}

	s.setState(StateLive)
	return true, s.live(cycleCtx, source)
}

func (s *Synchronizer) observeHead(head uint64) {
	s.statusMu.Lock()
	if head > s.lastHead {
		s.lastHead = head
	}
	s.statusMu.Unlock()
}

// bootstrap seeds a checkpoint for every configured key that has none, at the emitter's
// deployment height. Rows left by emitters no longer configured do not count.
func (s *Synchronizer) bootstrap(ctx context.Context, source LogSource, head uint64) error {
	stored, err := s.store.CountAll(ctx)
	if err != nil {
		return err
	}
	if stored == 0 {
		s.logger.Info("checkpoint store empty, bootstrapping", zap.Uint64("head", head))
	}

	for _, binding := range s.bindings {
		missing := make([]checkpoint.Key, 0, len(binding.Kinds))
		for _, kind := range binding.Kinds {
			key := checkpoint.Key{Emitter: binding.Emitter, Kind: kind.String()}
			_, found, err := s.store.Get(ctx, key)
			if err != nil {
				return err
			}
			if !found {
				missing = append(missing, key)
			}
		}
		if len(missing) == 0 {
			continue
		}

		height := s.deploymentHeight(ctx, source, binding.Emitter, head)
		for _, key := range missing {
			if err := s.store.Upsert(ctx, key, height); err != nil {
				return err
			}
			s.metrics.observeCheckpoint(key, height)
			s.logger.Info("checkpoint seeded",
				zap.String("emitter", key.Emitter),
				zap.String("event_kind", key.Kind),
				zap.Uint64("block_height", height))
		}
	}
	return nil
}

// deploymentHeight finds the lowest height in [max(0, head-lookback), head] at which the emitter
// has code. Any failure degrades to height 0.
func (s *Synchronizer) deploymentHeight(ctx context.Context, source LogSource, emitter string, head uint64) uint64 {
	low := uint64(0)
	if s.lookback > 0 && head > s.lookback {
		low = head - s.lookback
	}

	degrade := func(reason string, err error) uint64 {
		s.logger.Warn("deployment height search failed, starting from genesis",
			zap.String("emitter", emitter),
			zap.String("reason", reason),
			zap.Error(err))
		return 0
	}

	deployedAtHead, err := source.HasCode(ctx, emitter, head)
	if err != nil {
		return degrade("code_at_head", err)
	}
	if !deployedAtHead {
		return degrade("no_code_at_head", nil)
	}
	deployedAtLow, err := source.HasCode(ctx, emitter, low)
	if err != nil {
		return degrade("code_at_low", err)
	}
	if deployedAtLow {
		return low
	}

	// invariant: no code at low, code at high
	high := head
	for high-low > 1 {
		mid := low + (high-low)/2
		deployed, err := source.HasCode(ctx, emitter, mid)
		if err != nil {
			return degrade("code_at_mid", err)
		}
		if deployed {
			high = mid
		} else {
			low = mid
		}
	}
	return high
}

func (s *Synchronizer) catchUp(ctx context.Context, source LogSource, head uint64) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)
	for _, key := range s.keys {
		key := key
		group.Go(func() error {
			return s.catchUpKey(groupCtx, source, key, head)
		})
	}
	return group.Wait()
}

// catchUpKey walks [checkpoint, head] in windows of batchSize and advances the checkpoint to each
// window's upper bound once its events are applied. The checkpoint height itself is re-read.
// A range refusal halves the window; each applied window doubles it back toward batchSize.
func (s *Synchronizer) catchUpKey(ctx context.Context, source LogSource, key checkpoint.Key, head uint64) error {
	from, found, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		from = 0
	}
	if from > head {
		return nil
	}

	window := s.batchSize
	for {
		to := head
		if head-from >= window {
			to = from + window - 1
		}

		batch, err := source.QueryEvents(ctx, key, from, to)
		if errors.Is(err, ErrRangeTooLarge) && window > 1 {
			window /= 2
			s.logger.Info("query window shrunk",
				zap.String("emitter", key.Emitter),
				zap.String("event_kind", key.Kind),
				zap.Uint64("window", window),
				zap.Error(err))
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: query %s [%d,%d]: %v", ErrTransport, key, from, to, err)
		}

		result := s.applier.ApplyBatch(ctx, batch)
		s.metrics.observeBatch(key, result)
		if err := s.store.Upsert(ctx, key, to); err != nil {
			return err
		}
		s.metrics.observeCheckpoint(key, to)
		s.metrics.windows.WithLabelValues(key.Emitter, key.Kind).Inc()
		s.logger.Debug("catch-up window applied",
			zap.String("emitter", key.Emitter),
			zap.String("event_kind", key.Kind),
			zap.Uint64("from", from),
			zap.Uint64("to", to),
			zap.Int("applied", result.Applied),
			zap.Int("failed", result.Failed))

		if to >= head {
			return nil
		}
		from = to + 1
		if window < s.batchSize {
			window = min(window*2, s.batchSize)
		}
	}
}

func (s *Synchronizer) live(ctx context.Context, source LogSource) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, key := range s.keys {
		key := key
		group.Go(func() error {
			return s.liveKey(groupCtx, source, key)
		})
	}
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			return groupCtx.Err()
		case <-source.Done():
			return fmt.Errorf("%w: %v", ErrTransport, source.Err())
		}
	})
	return group.Wait()
}

// liveKey subscribes first and then fills the gap between the checkpoint and the current head,
// so events landing while the subscription was being set up are queued rather than lost.
func (s *Synchronizer) liveKey(ctx context.Context, source LogSource, key checkpoint.Key) error {
	subscription, err := source.Subscribe(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrTransport, key, err)
	}
	defer subscription.Unsubscribe()

	head, err := source.HeadHeight(ctx)
	if err != nil {
		return fmt.Errorf("%w: head height: %v", ErrTransport, err)
	}
	s.observeHead(head)
	if err := s.catchUpKey(ctx, source, key, head); err != nil {
		return err
	}

	highest := head
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-subscription.Events():
			if !ok {
				return fmt.Errorf("%w: subscription %s ended: %v", ErrTransport, key, subscription.Err())
			}
			meta := event.Metadata()
			result := s.applier.ApplyBatch(ctx, []events.Event{event})
			s.metrics.observeBatch(key, result)
			if err := s.store.Upsert(ctx, key, meta.BlockHeight); err != nil {
				return err
			}
			if meta.BlockHeight > highest {
				highest = meta.BlockHeight
				s.metrics.observeCheckpoint(key, highest)
				s.observeHead(highest)
			}
		}
	}
}
