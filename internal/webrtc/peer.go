package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"streampub/native/internal/domain"
	"streampub/native/internal/logging"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	// ErrUnsupportedSource is returned when the media source carries no pion tracks.
	ErrUnsupportedSource = errors.New("media source does not provide local tracks")
	// ErrNoTracks is returned when track flags disable every track of the source.
	ErrNoTracks = errors.New("no enabled tracks to publish")
	// ErrNotNegotiated is returned by operations that need an applied answer.
	ErrNotNegotiated = errors.New("remote description not applied")
	// ErrClosed is returned by operations on a closed peer.
	ErrClosed = errors.New("peer closed")
)

// TrackSource is a media source backed by pion local tracks.
type TrackSource interface {
	domain.MediaSource
	Tracks() []pion.TrackLocal
}

// Options tunes peer construction.
type Options struct {
	// Codec selects the single video codec offered: h264, vp8 or vp9.
	// Empty offers all of them.
	Codec string
}

// Peer wraps a Pion PeerConnection used to publish local tracks.
type Peer struct {
	pc  *pion.PeerConnection
	log zerolog.Logger

	mu     sync.Mutex
	answer *pion.SessionDescription
	closed bool
}

// NewPeer creates a PeerConnection configured with the ICE servers of conn.
func NewPeer(conn domain.ConnectionData, opts Options) (*Peer, error) {
	m := &pion.MediaEngine{}
	if err := registerCodecs(m, opts.Codec); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	senderReports, err := report.NewSenderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create sender reports: %w", err)
	}
	i.Add(senderReports)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	var servers []pion.ICEServer
	for _, s := range conn.ICEServers {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:  pc,
		log: logging.Component("webrtc"),
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("ICE connection state")
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Info().Str("state", state.String()).Msg("peer connection state")
	})

	return p, nil
}

// Connect adds the enabled tracks of source as send-only transceivers and
// returns the local offer once ICE gathering has completed.
func (p *Peer) Connect(ctx context.Context, source domain.MediaSource, flags domain.TrackFlags) (domain.SDPPayload, error) {
	ts, ok := source.(TrackSource)
	if !ok {
		return domain.SDPPayload{}, ErrUnsupportedSource
	}
	if p.isClosed() {
		return domain.SDPPayload{}, ErrClosed
	}

	added := 0
	for _, track := range ts.Tracks() {
		kind := track.Kind().String()
		if !flags.Enabled(kind) {
			p.log.Debug().Str("track", track.ID()).Str("kind", kind).Msg("track disabled")
			continue
		}

		tr, err := p.pc.AddTransceiverFromTrack(track, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return domain.SDPPayload{}, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
		go drainRTCP(tr.Sender())
		added++
	}
	if added == 0 {
		return domain.SDPPayload{}, ErrNoTracks
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}

	gathered := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return domain.SDPPayload{}, fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return domain.SDPPayload{}, ErrClosed
	}

	p.log.Info().Int("tracks", added).Msg("local SDP offer set")
	return domain.SDPPayload{Type: local.Type.String(), SDP: local.SDP}, nil
}

// ApplyRemote sets the SDP answer received from the edge.
func (p *Peer) ApplyRemote(sdp domain.SDPPayload) error {
	answer := pion.SessionDescription{
		Type: pion.SDPTypeAnswer,
		SDP:  sdp.SDP,
	}

	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	p.answer = &answer
	p.mu.Unlock()

	p.log.Info().Msg("remote SDP answer set")
	return nil
}

// UpdateBandwidth renegotiates locally with the last answer rewritten to
// carry a b=AS limit of kbps on video sections. Zero removes the limit.
func (p *Peer) UpdateBandwidth(kbps int) error {
	if kbps < 0 {
		return fmt.Errorf("invalid bandwidth %d kbps", kbps)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.answer == nil {
		return ErrNotNegotiated
	}

	munged, err := limitBandwidth(p.answer.SDP, kbps)
	if err != nil {
		return err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: munged}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.log.Info().Int("kbps", kbps).Msg("bandwidth updated")
	return nil
}

// Status maps the pion connection state onto the transport status set.
func (p *Peer) Status() domain.TransportStatus {
	if p.isClosed() {
		return domain.StatusClosed
	}
	return statusOf(p.pc.ConnectionState())
}

// Close shuts down the PeerConnection. Later calls are no-ops.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.pc.Close()
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func statusOf(state pion.PeerConnectionState) domain.TransportStatus {
	switch state {
	case pion.PeerConnectionStateConnected:
		return domain.StatusConnected
	case pion.PeerConnectionStateFailed:
		return domain.StatusFailed
	case pion.PeerConnectionStateClosed:
		return domain.StatusClosed
	default:
		return domain.StatusConnecting
	}
}

// drainRTCP reads incoming RTCP so the interceptors see NACKs and receiver reports.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
