package domain

import "context"

// TransportStatus is the coarse connection state of a TransportPeer.
type TransportStatus string

const (
	StatusConnecting TransportStatus = "connecting"
	StatusConnected  TransportStatus = "connected"
	StatusFailed     TransportStatus = "failed"
	StatusClosed     TransportStatus = "closed"
)

// MediaSource is a handle to the media to publish. Transport implementations
// narrow it to the concrete track types they understand.
type MediaSource interface {
	ID() string
}

// TransportPeer owns the media transport connection for one publish attempt.
type TransportPeer interface {
	Connect(ctx context.Context, source MediaSource, flags TrackFlags) (SDPPayload, error)
	ApplyRemote(answer SDPPayload) error
	UpdateBandwidth(kbps int) error
	Status() TransportStatus
	Close() error
}

// Signaler exchanges a local offer for the edge's answer.
type Signaler interface {
	Publish(ctx context.Context, conn ConnectionData, req PublishRequest) (SDPPayload, error)
	Close() error
}

// PublishRequest carries the per-attempt parameters of a publish command.
type PublishRequest struct {
	StreamName string
	Offer      SDPPayload
	Codec      string
}

// SignalEventHandler receives unsolicited signaling events.
type SignalEventHandler interface {
	OnSignalEvent(ev SignalEvent)
}

// EventSubscriber is a persistent control-channel connection.
type EventSubscriber interface {
	Handshake(ctx context.Context) error
	Subscribe(req SubscribeRequest) error
	// Messages yields inbound messages until the connection ends.
	Messages() <-chan Message
	Close() error
}
