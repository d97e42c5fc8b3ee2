package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"streampub/native/internal/domain"
	"streampub/native/internal/logging"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrConnectionClosed is returned for commands that cannot complete because
// the signaling socket is closed.
var ErrConnectionClosed = errors.New("signaling connection closed")

const defaultPingInterval = 10 * time.Second

// publishEvents are the edge events requested with every publish command.
var publishEvents = []string{"active", "inactive", "viewercount", "stopped"}

// message is the generic WebSocket message envelope.
type message struct {
	Type    string          `json:"type"`
	TransID int64           `json:"transId,omitempty"`
	Name    string          `json:"name,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type publishData struct {
	Name   string   `json:"name"`
	SDP    string   `json:"sdp"`
	Codec  string   `json:"codec,omitempty"`
	Events []string `json:"events"`
}

type publishResult struct {
	SDP    string `json:"sdp"`
	FeedID string `json:"feedId,omitempty"`
}

// CommandError is an error reply from the edge to a command.
type CommandError struct {
	Command string
	TransID int64
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("signaling %s (transId=%d): %s", e.Command, e.TransID, e.Message)
}

// Client manages the WebSocket connection to the signaling server.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	handler   domain.SignalEventHandler

	dialer       *websocket.Dialer
	pingInterval time.Duration

	mu      sync.Mutex // guards conn
	writeMu sync.Mutex

	pendingMu   sync.Mutex
	pending     map[int64]chan message
	nextTransID int64

	closed    chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

// NewClient creates a new signaling client. handler may be nil.
func NewClient(handler domain.SignalEventHandler) *Client {
	sessionID := uuid.NewString()
	return &Client{
		sessionID:    sessionID,
		handler:      handler,
		dialer:       websocket.DefaultDialer,
		pingInterval: defaultPingInterval,
		pending:      make(map[int64]chan message),
		closed:       make(chan struct{}),
		log:          logging.Component("signal").With().Str("session", sessionID).Logger(),
	}
}

// Publish dials the first signaling url of conn, sends the publish command
// carrying the local offer and waits for the edge's answer.
func (c *Client) Publish(ctx context.Context, conn domain.ConnectionData, req domain.PublishRequest) (domain.SDPPayload, error) {
	if err := c.connect(ctx, conn); err != nil {
		return domain.SDPPayload{}, err
	}

	reply, err := c.command(ctx, "publish", publishData{
		Name:   req.StreamName,
		SDP:    req.Offer.SDP,
		Codec:  req.Codec,
		Events: publishEvents,
	})
	if err != nil {
		return domain.SDPPayload{}, err
	}

	var result publishResult
	if err := json.Unmarshal(reply.Data, &result); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("unmarshal publish response: %w", err)
	}
	if result.SDP == "" {
		return domain.SDPPayload{}, fmt.Errorf("publish response carries no sdp")
	}

	c.log.Info().Str("stream", req.StreamName).Str("feed", result.FeedID).Msg("received SDP answer")
	return domain.SDPPayload{Type: "answer", SDP: result.SDP}, nil
}

// connect dials the signaling WebSocket and starts the read loop. It is a
// no-op on an already connected client.
func (c *Client) connect(ctx context.Context, data domain.ConnectionData) error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if connected {
		return nil
	}

	if len(data.URLs) == 0 {
		return fmt.Errorf("no signaling url")
	}
	u, err := url.Parse(data.URLs[0])
	if err != nil {
		return fmt.Errorf("parse signal server: %w", err)
	}
	q := u.Query()
	q.Set("token", data.JWT)
	u.RawQuery = q.Encode()

	c.log.Info().Str("host", u.Host).Msg("connecting")

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		conn.Close()
		return ErrConnectionClosed
	default:
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)

	return nil
}

// Close shuts down the WebSocket connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

func (c *Client) command(ctx context.Context, name string, data any) (message, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return message{}, fmt.Errorf("marshal %s: %w", name, err)
	}

	ch := make(chan message, 1)
	c.pendingMu.Lock()
	c.nextTransID++
	transID := c.nextTransID
	c.pending[transID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, transID)
		c.pendingMu.Unlock()
	}()

	if err := c.sendJSON(message{Type: "cmd", TransID: transID, Name: name, Data: payload}); err != nil {
		return message{}, err
	}

	select {
	case reply := <-ch:
		if reply.Type == "error" {
			return message{}, &CommandError{Command: name, TransID: transID, Message: errorText(reply.Data)}
		}
		return reply, nil
	case <-c.closed:
		return message{}, ErrConnectionClosed
	case <-ctx.Done():
		return message{}, ctx.Err()
	}
}

func (c *Client) sendJSON(msg message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnectionClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.log.Debug().RawJSON("msg", data).Msg(">>>")
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		c.log.Debug().Bytes("msg", data).Msg("<<<")

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("unmarshal error")
			continue
		}

		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg message) {
	switch msg.Type {
	case "response", "error":
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.TransID]
		c.pendingMu.Unlock()
		if !ok {
			c.log.Warn().Int64("transId", msg.TransID).Msg("reply for unknown transaction")
			return
		}
		select {
		case ch <- msg:
		default:
		}

	case "event":
		c.log.Debug().Str("event", msg.Name).Msg("edge event")
		if c.handler != nil {
			c.handler.OnSignalEvent(domain.SignalEvent{Name: msg.Name, Data: msg.Data})
		}

	default:
		c.log.Debug().Str("type", msg.Type).Msg("unhandled message type")
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(5*time.Second),
			)
			c.writeMu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.log.Warn().Err(err).Msg("ping error")
				}
				return
			}
		}
	}
}

// errorText extracts a human readable reason from an error reply, which the
// edge sends either as a bare string or as an object with a message field.
func errorText(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(data)
}
