// Package events subscribes to out-of-band stream events, such as viewer
// counts, over a persistent control channel.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"streampub/native/internal/domain"
	"streampub/native/internal/logging"
	"streampub/native/internal/metrics"

	"github.com/rs/zerolog"
)

// SubscriberFactory opens the control-channel connection used by a Subscription.
type SubscriberFactory func(ctx context.Context) (domain.EventSubscriber, error)

// ViewerCountFunc receives viewer count updates and subscription errors.
type ViewerCountFunc func(domain.ViewerCount)

// Subscription demultiplexes control-channel messages to per-stream
// callbacks. It is single use: after Stop a new one must be created with Init.
type Subscription struct {
	metrics metrics.Collector
	log     zerolog.Logger

	mu          sync.Mutex
	conn        domain.EventSubscriber
	invocations uint64
	callbacks   map[string]ViewerCountFunc
	stopped     bool
}

// Option configures a Subscription.
type Option func(*Subscription)

// WithMetrics exports viewer counts on c.
func WithMetrics(c metrics.Collector) Option {
	return func(s *Subscription) { s.metrics = c }
}

// Init opens a connection and completes its handshake, then starts reading
// its messages. No Subscription is returned when either step fails.
func Init(ctx context.Context, newSubscriber SubscriberFactory, opts ...Option) (*Subscription, error) {
	conn, err := newSubscriber(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Handshake(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &Subscription{
		conn:      conn,
		callbacks: make(map[string]ViewerCountFunc),
		metrics:   metrics.Nop{},
		log:       logging.Component("events"),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run(conn.Messages())
	return s, nil
}

// StreamID builds the identifier the edge uses for a stream of an account.
func StreamID(accountID, streamName string) string {
	return accountID + "/" + streamName
}

// OnUserCount subscribes to the viewer count of accountID/streamName.
// Registering again for the same stream replaces the previous callback.
// A failed request leaves no callback registered for the stream.
// It does nothing once the subscription is stopped.
func (s *Subscription) OnUserCount(accountID, streamName string, cb ViewerCountFunc) error {
	streamID := StreamID(accountID, streamName)

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		s.log.Warn().Str("stream", streamID).Msg("not connected, ignoring viewer count subscription")
		return nil
	}
	invocationID := s.nextInvocationID()
	s.callbacks[streamID] = cb
	s.mu.Unlock()

	req := domain.SubscribeRequest{
		Arguments:    [][]string{{streamID}},
		InvocationID: invocationID,
		StreamIDs:    []string{},
		Target:       domain.TargetSubscribeViewerCount,
		Type:         domain.MessageTypeRequest,
	}
	if err := conn.Subscribe(req); err != nil {
		s.mu.Lock()
		delete(s.callbacks, streamID)
		s.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", streamID, err)
	}

	s.log.Info().Str("stream", streamID).Str("invocation", invocationID).Msg("subscribed to viewer count")
	return nil
}

// Stop closes the connection. Registered callbacks are kept but never
// invoked again.
func (s *Subscription) Stop() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.stopped = true
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// nextInvocationID must be called with mu held.
func (s *Subscription) nextInvocationID() string {
	id := strconv.FormatUint(s.invocations, 10)
	s.invocations++
	return id
}

func (s *Subscription) run(messages <-chan domain.Message) {
	for msg := range messages {
		s.dispatch(msg)
	}
	s.log.Debug().Msg("control channel ended")
}

func (s *Subscription) callback(streamID string) ViewerCountFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	return s.callbacks[streamID]
}

func (s *Subscription) dispatch(msg domain.Message) {
	switch {
	case msg.Type == domain.MessageTypeRequest && msg.Target != domain.TargetSubscribeViewerCount:
		var updates []domain.ViewerCount
		if err := json.Unmarshal(msg.Arguments, &updates); err != nil {
			s.log.Debug().Err(err).Str("target", msg.Target).Msg("ignoring request")
			return
		}
		for _, u := range updates {
			cb := s.callback(u.StreamID)
			if cb == nil {
				continue
			}
			s.metrics.ViewerCount(u.StreamID, u.Count)
			cb(domain.ViewerCount{StreamID: u.StreamID, Count: u.Count})
		}

	case msg.Type == domain.MessageTypeResponse && msg.Error != "":
		var args struct {
			StreamID string `json:"streamId"`
			Count    int    `json:"count"`
		}
		if err := json.Unmarshal(msg.Arguments, &args); err != nil {
			s.log.Debug().Err(err).Str("invocation", msg.InvocationID).Msg("ignoring response")
			return
		}
		cb := s.callback(args.StreamID)
		if cb == nil {
			return
		}
		s.metrics.SubscriptionError(args.StreamID)
		cb(domain.ViewerCount{StreamID: args.StreamID, Count: args.Count, Error: msg.Error})
	}
}
