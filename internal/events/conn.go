package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"streampub/native/internal/domain"
	"streampub/native/internal/logging"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// recordSeparator terminates every JSON record on the wire.
const recordSeparator = 0x1e

const defaultHandshakeTimeout = 10 * time.Second

var handshakeRequest = []byte(`{"protocol":"json","version":1}` + string(rune(recordSeparator)))

// HandshakeError is returned when the hub rejects the protocol handshake.
type HandshakeError struct {
	Reason string
}

func (e *HandshakeError) Error() string {
	return "event handshake rejected: " + e.Reason
}

// Conn is a control-channel connection speaking the JSON hub protocol over
// a WebSocket.
type Conn struct {
	ws       *websocket.Conn
	messages chan domain.Message

	writeMu sync.Mutex

	mu      sync.Mutex
	started bool

	closed    chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

// Dial opens the WebSocket. Handshake must be called before use.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return newConn(ws), nil
}

// DialFactory returns a SubscriberFactory dialing url.
func DialFactory(url string) SubscriberFactory {
	return func(ctx context.Context) (domain.EventSubscriber, error) {
		return Dial(ctx, url)
	}
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:       ws,
		messages: make(chan domain.Message, 16),
		closed:   make(chan struct{}),
		log:      logging.Component("events"),
	}
}

// Handshake negotiates the JSON protocol and starts delivering messages.
func (c *Conn) Handshake(ctx context.Context) error {
	if err := c.write(handshakeRequest); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultHandshakeTimeout)
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if err := c.ws.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear deadline: %w", err)
	}

	records := splitRecords(data)
	if len(records) == 0 {
		return &HandshakeError{Reason: "empty response"}
	}

	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return fmt.Errorf("unmarshal handshake: %w", err)
	}
	if resp.Error != "" {
		return &HandshakeError{Reason: resp.Error}
	}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return errors.New("connection closed during handshake")
	default:
	}
	c.started = true
	c.mu.Unlock()

	c.log.Info().Msg("handshake complete")
	go c.readLoop(records[1:])
	return nil
}

// Subscribe sends req as one record.
func (c *Conn) Subscribe(req domain.SubscribeRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.write(append(data, recordSeparator))
}

// Messages yields inbound invocations and completions. The channel is
// closed when the connection ends. It must be drained: reading from the
// socket pauses while the channel is full.
func (c *Conn) Messages() <-chan domain.Message {
	return c.messages
}

// Close closes the WebSocket. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		started := c.started
		c.mu.Unlock()

		err = c.ws.Close()
		if !started {
			close(c.messages)
		}
	})
	return err
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.log.Debug().Bytes("msg", bytes.TrimSuffix(data, []byte{recordSeparator})).Msg(">>>")
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) readLoop(pending [][]byte) {
	defer close(c.messages)
	defer c.Close()

	for _, rec := range pending {
		if !c.deliver(rec) {
			return
		}
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		for _, rec := range splitRecords(data) {
			if !c.deliver(rec) {
				return
			}
		}
	}
}

// deliver forwards one record. It returns false when reading should stop.
func (c *Conn) deliver(rec []byte) bool {
	c.log.Debug().Bytes("msg", rec).Msg("<<<")

	var msg domain.Message
	if err := json.Unmarshal(rec, &msg); err != nil {
		c.log.Warn().Err(err).Msg("unmarshal error")
		return true
	}

	switch msg.Type {
	case domain.MessageTypePing:
		return true
	case domain.MessageTypeClose:
		c.log.Info().Str("error", msg.Error).Msg("hub closed the connection")
		return false
	}

	select {
	case c.messages <- msg:
		return true
	case <-c.closed:
		return false
	}
}

func splitRecords(data []byte) [][]byte {
	var records [][]byte
	for _, rec := range bytes.Split(data, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(rec)) > 0 {
			records = append(records, rec)
		}
	}
	return records
}
