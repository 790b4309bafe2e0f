package chain

import "sync"

// Subscription delivers live logs in arrival order. The internal queue is unbounded so the
// client read loop never blocks on a slow consumer.
type Subscription struct {
	id     string
	client *Client
	logs   chan Log

	mu     sync.Mutex
	queue  []Log
	err    error
	signal chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newSubscription(client *Client, id string) *Subscription {
	subscription := &Subscription{
		id:     id,
		client: client,
		logs:   make(chan Log),
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go subscription.pump()
	return subscription
}

// ID returns the node-assigned subscription id.
func (s *Subscription) ID() string {
	return s.id
}

// Logs yields delivered logs and is closed when the subscription ends.
func (s *Subscription) Logs() <-chan Log {
	return s.logs
}

// Err reports why the subscription ended, or nil while it is active.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe ends the subscription locally and asks the node to stop sending.
func (s *Subscription) Unsubscribe() {
	s.terminate(ErrSubscriptionClosed)
	s.client.unsubscribe(s.id)
}

func (s *Subscription) push(entry Log) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, entry)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) terminate(cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		close(s.closed)
	})
}

func (s *Subscription) pump() {
	defer close(s.logs)
	for {
		select {
		case <-s.closed:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.logs <- next:
			case <-s.closed:
				return
			}
		}
	}
}
