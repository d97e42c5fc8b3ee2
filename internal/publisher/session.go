package publisher

import (
	"context"
	"errors"
	"sync"
	"time"

	"streampub/native/internal/domain"
	"streampub/native/internal/logging"
	"streampub/native/internal/metrics"

	"github.com/rs/zerolog"
)

// The texts of these errors are part of the public contract.
var (
	ErrStreamNameRequired    = errors.New("Stream Name is required to construct a publisher.")
	ErrPublisherDataRequired = errors.New("Publisher data required.")
	ErrMediaStreamRequired   = errors.New("MediaStream required.")
	ErrBroadcastWorking      = errors.New("Broadcast currently working.")
	ErrNotActive             = errors.New("Broadcast not active.")
	// ErrStopped is returned by a Start whose negotiation finished after Stop.
	ErrStopped = errors.New("broadcast stopped during negotiation")
)

// State is the lifecycle phase of a Session.
type State int

const (
	Idle State = iota
	Negotiating
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Active:
		return "active"
	}
	return "unknown"
}

// PeerFactory creates the transport peer for one start attempt.
type PeerFactory func(conn domain.ConnectionData, codec string) (domain.TransportPeer, error)

// SignalerFactory creates the signaling client for one start attempt.
type SignalerFactory func(handler domain.SignalEventHandler) domain.Signaler

// BroadcastOptions are the inputs of Start.
type BroadcastOptions struct {
	Connection    *domain.ConnectionData
	MediaSource   domain.MediaSource
	BandwidthKbps int
	Tracks        domain.TrackFlags
	Codec         string
}

// Session publishes one named stream. It can be started again after Stop.
type Session struct {
	streamName string

	newPeer     PeerFactory
	newSignaler SignalerFactory
	events      domain.SignalEventHandler
	metrics     metrics.Collector
	log         zerolog.Logger

	mu    sync.Mutex
	state State
	// epoch changes on every start and stop so a negotiation can tell
	// whether it still owns the session when it resumes.
	epoch     uint64
	peer      domain.TransportPeer
	signaler  domain.Signaler
	bandwidth int
}

// Option configures a Session.
type Option func(*Session)

// WithEventHandler forwards edge events (active, viewercount, ...) to h.
func WithEventHandler(h domain.SignalEventHandler) Option {
	return func(s *Session) { s.events = h }
}

// WithMetrics records session metrics on c.
func WithMetrics(c metrics.Collector) Option {
	return func(s *Session) { s.metrics = c }
}

// New creates an idle Session for streamName.
func New(streamName string, newPeer PeerFactory, newSignaler SignalerFactory, opts ...Option) (*Session, error) {
	if streamName == "" {
		return nil, ErrStreamNameRequired
	}

	s := &Session{
		streamName:  streamName,
		newPeer:     newPeer,
		newSignaler: newSignaler,
		metrics:     metrics.Nop{},
		log:         logging.Component("publisher").With().Str("stream", streamName).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StreamName returns the name the session publishes under.
func (s *Session) StreamName() string { return s.streamName }

// Start negotiates a new broadcast. It blocks for the signaling round trip
// and fails fast with ErrBroadcastWorking if another Start is in flight or
// the session is already active. Collaborator errors are returned as is.
func (s *Session) Start(ctx context.Context, opts *BroadcastOptions) error {
	if opts == nil || opts.Connection == nil {
		return ErrPublisherDataRequired
	}
	if opts.MediaSource == nil {
		return ErrMediaStreamRequired
	}

	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrBroadcastWorking
	}
	s.state = Negotiating
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	s.metrics.StartAttempted(s.streamName)
	began := time.Now()
	s.log.Info().Msg("starting broadcast")

	peer, err := s.newPeer(*opts.Connection, opts.Codec)
	if err != nil {
		return s.abort(epoch, "transport", err)
	}
	signaler := s.newSignaler(s.events)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.metrics.StartFailed(s.streamName, "stopped")
		closeQuietly(s.log, "transport", peer)
		closeQuietly(s.log, "signaling", signaler)
		return ErrStopped
	}
	s.peer, s.signaler = peer, signaler
	s.mu.Unlock()

	offer, err := peer.Connect(ctx, opts.MediaSource, opts.Tracks)
	if err != nil {
		return s.abort(epoch, "transport", err)
	}

	answer, err := signaler.Publish(ctx, *opts.Connection, domain.PublishRequest{
		StreamName: s.streamName,
		Offer:      offer,
		Codec:      opts.Codec,
	})
	if err != nil {
		return s.abort(epoch, "signaling", err)
	}

	if err := peer.ApplyRemote(answer); err != nil {
		return s.abort(epoch, "transport", err)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.metrics.StartFailed(s.streamName, "stopped")
		s.log.Info().Msg("negotiation finished after stop, discarding")
		return ErrStopped
	}
	s.state = Active
	s.bandwidth = opts.BandwidthKbps
	s.mu.Unlock()

	s.metrics.StartSucceeded(s.streamName, time.Since(began))
	s.log.Info().Dur("took", time.Since(began)).Msg("broadcast active")

	if opts.BandwidthKbps > 0 {
		go s.applyBandwidth(peer, opts.BandwidthKbps)
	}
	return nil
}

// applyBandwidth is best effort: a failure leaves the session active.
func (s *Session) applyBandwidth(peer domain.TransportPeer, kbps int) {
	if err := peer.UpdateBandwidth(kbps); err != nil {
		s.log.Warn().Err(err).Int("kbps", kbps).Msg("apply bandwidth limit")
		return
	}
	s.log.Debug().Int("kbps", kbps).Msg("bandwidth limit applied")
}

// abort releases what the attempt identified by epoch created and returns
// err unchanged. If Stop already ran, the attempt owns nothing any more.
func (s *Session) abort(epoch uint64, reason string, err error) error {
	s.metrics.StartFailed(s.streamName, reason)
	s.log.Warn().Err(err).Str("reason", reason).Msg("start failed")

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return err
	}
	peer, signaler := s.peer, s.signaler
	s.peer, s.signaler = nil, nil
	s.state = Idle
	s.mu.Unlock()

	closeQuietly(s.log, "signaling", signaler)
	closeQuietly(s.log, "transport", peer)
	return err
}

// Stop tears the broadcast down from any state. It never fails.
func (s *Session) Stop() {
	s.mu.Lock()
	wasActive := s.state == Active
	peer, signaler := s.peer, s.signaler
	s.peer, s.signaler = nil, nil
	s.state = Idle
	s.bandwidth = 0
	s.epoch++
	s.mu.Unlock()

	closeQuietly(s.log, "signaling", signaler)
	closeQuietly(s.log, "transport", peer)

	if wasActive {
		s.metrics.SessionStopped(s.streamName)
		s.log.Info().Msg("broadcast stopped")
	}
}

// IsActive reports whether the broadcast is live.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Active
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the transport status, closed when no peer is held.
func (s *Session) Status() domain.TransportStatus {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		return domain.StatusClosed
	}
	return peer.Status()
}

// BandwidthLimit returns the ceiling requested by the Start that activated
// the session, or zero.
func (s *Session) BandwidthLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bandwidth
}

// UpdateBandwidth changes the bandwidth ceiling of an active broadcast.
func (s *Session) UpdateBandwidth(kbps int) error {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return ErrNotActive
	}
	peer := s.peer
	s.mu.Unlock()

	return peer.UpdateBandwidth(kbps)
}

type closer interface {
	Close() error
}

func closeQuietly(log zerolog.Logger, what string, c closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.Debug().Err(err).Str("what", what).Msg("close")
	}
}
